package device

import (
	"context"
	"fmt"
	"sync"
)

// MemDevice is an in-memory Device used by tests and by examples that don't
// want a real filesystem dependency. Segments are simple byte slices kept in
// a map; callbacks fire synchronously on the calling goroutine, which is a
// legal (if maximally eager) implementation of the async contract.
type MemDevice struct {
	mu       sync.Mutex
	segments map[uint64][]byte
	sector   int
}

func NewMemDevice(sectorSize int) *MemDevice {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	return &MemDevice{segments: make(map[uint64][]byte), sector: sectorSize}
}

func (d *MemDevice) SectorSize() int { return d.sector }

func (d *MemDevice) ReadAsync(_ context.Context, segment uint64, offset int64, dst []byte, cb IOCallback) {
	d.mu.Lock()
	seg, ok := d.segments[segment]
	d.mu.Unlock()
	if !ok {
		cb(0, fmt.Errorf("device: segment %d not found", segment))
		return
	}
	end := offset + int64(len(dst))
	if end > int64(len(seg)) {
		cb(0, fmt.Errorf("device: read past end of segment %d", segment))
		return
	}
	n := copy(dst, seg[offset:end])
	cb(n, nil)
}

func (d *MemDevice) WriteAsync(_ context.Context, segment uint64, offset int64, src []byte, cb IOCallback) {
	d.mu.Lock()
	seg := d.segments[segment]
	need := offset + int64(len(src))
	if int64(len(seg)) < need {
		grown := make([]byte, need)
		copy(grown, seg)
		seg = grown
	}
	n := copy(seg[offset:], src)
	d.segments[segment] = seg
	d.mu.Unlock()
	cb(n, nil)
}

func (d *MemDevice) RemoveSegmentAsync(_ context.Context, segment uint64, cb IOCallback) {
	d.mu.Lock()
	delete(d.segments, segment)
	d.mu.Unlock()
	cb(0, nil)
}

func (d *MemDevice) Close() error { return nil }
