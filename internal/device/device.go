// Package device declares the block-I/O collaborator contract spec §6
// leaves out of scope for the engine itself, plus the minimal reference
// implementations (an in-memory device for tests and a pread/pwrite-backed
// local file device) needed to actually exercise the Read/Upsert/RMW/Delete
// pending-I/O paths end to end.
//
// © 2025 hlogkv authors. MIT License.
package device

import "context"

// IOCallback is invoked by the device once an async operation completes.
// err is nil on success. bytesDone is informational only.
type IOCallback func(bytesDone int, err error)

// Device is the collaborator contract spec §6 requires: sector-aligned
// async read/write plus segment removal for log truncation. The engine
// never blocks on these calls; completion is always delivered via cb.
type Device interface {
	SectorSize() int

	// ReadAsync reads length bytes starting at (segment, offset) into dst
	// and invokes cb on completion (possibly from another goroutine).
	ReadAsync(ctx context.Context, segment uint64, offset int64, dst []byte, cb IOCallback)

	// WriteAsync writes src to (segment, offset) and invokes cb on
	// completion.
	WriteAsync(ctx context.Context, segment uint64, offset int64, src []byte, cb IOCallback)

	// RemoveSegmentAsync deletes a whole segment (used when BeginAddress
	// advances past it) and invokes cb on completion.
	RemoveSegmentAsync(ctx context.Context, segment uint64, cb IOCallback)

	Close() error
}
