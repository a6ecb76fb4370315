// LocalFileDevice is a reference Device backed by one file per segment,
// using golang.org/x/sys/unix's Pread/Pwrite so reads and writes at
// arbitrary offsets never need a seek-then-read/write pair (and therefore
// compose safely across concurrent goroutines sharing one *os.File).
package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

type LocalFileDevice struct {
	dir    string
	sector int

	mu    sync.Mutex
	files map[uint64]*os.File
}

func NewLocalFileDevice(dir string, sectorSize int) (*LocalFileDevice, error) {
	if sectorSize <= 0 {
		sectorSize = 512
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalFileDevice{dir: dir, sector: sectorSize, files: make(map[uint64]*os.File)}, nil
}

func (d *LocalFileDevice) SectorSize() int { return d.sector }

func (d *LocalFileDevice) segmentFile(segment uint64) (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.files[segment]; ok {
		return f, nil
	}
	path := filepath.Join(d.dir, fmt.Sprintf("segment-%d.dat", segment))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	d.files[segment] = f
	return f, nil
}

func (d *LocalFileDevice) ReadAsync(_ context.Context, segment uint64, offset int64, dst []byte, cb IOCallback) {
	f, err := d.segmentFile(segment)
	if err != nil {
		cb(0, err)
		return
	}
	n, err := unix.Pread(int(f.Fd()), dst, offset)
	cb(n, err)
}

func (d *LocalFileDevice) WriteAsync(_ context.Context, segment uint64, offset int64, src []byte, cb IOCallback) {
	f, err := d.segmentFile(segment)
	if err != nil {
		cb(0, err)
		return
	}
	n, err := unix.Pwrite(int(f.Fd()), src, offset)
	cb(n, err)
}

func (d *LocalFileDevice) RemoveSegmentAsync(_ context.Context, segment uint64, cb IOCallback) {
	d.mu.Lock()
	f, ok := d.files[segment]
	if ok {
		delete(d.files, segment)
	}
	d.mu.Unlock()
	if ok {
		_ = f.Close()
	}
	path := filepath.Join(d.dir, fmt.Sprintf("segment-%d.dat", segment))
	cb(0, os.Remove(path))
}

func (d *LocalFileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.files = make(map[uint64]*os.File)
	return firstErr
}
