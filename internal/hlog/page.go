package hlog

import "sync/atomic"

type pageState int32

const (
	pageOpen pageState = iota
	pageClosed
	pageFlushed
)

// page is one fixed-size slot in the allocator's ring buffer. pageIdx is
// the absolute (never-wrapping) page number currently materialised in buf;
// -1 means the slot has never been used.
type page struct {
	pageIdx atomic.Int64
	state   atomic.Int32
	buf     []byte
}

func newPage(size int) *page {
	p := &page{buf: make([]byte, size)}
	p.pageIdx.Store(-1)
	p.state.Store(int32(pageOpen))
	return p
}

func (p *page) getState() pageState { return pageState(p.state.Load()) }
func (p *page) setState(s pageState) { p.state.Store(int32(s)) }
