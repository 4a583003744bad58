// Package micromap schedules asynchronous opacity-micromap builds for
// alpha-tested mesh geometry. Builds are enqueued with QueueBuild and
// advanced one fence-gated stage per Update call; results are attached to
// the target mesh when a build finalizes.
package micromap

import "github.com/gekko3d/micromap/gpu"

// bufferAlignment is applied to every region handed out within a task's
// shared sizing buffers.
const bufferAlignment = 256

// arrayDataAlignment packs the exact-sized opacity array tightly; copies
// and storage bindings only need word alignment, and tight packing is the
// point of the second sizing pass.
const arrayDataAlignment = 4

// LinearAllocator hands out monotonically increasing, aligned byte offsets
// within a buffer that does not exist yet. Once all regions are placed,
// Finalize creates the buffer at the exact accumulated size and resets the
// allocator for reuse in an independent pass.
type LinearAllocator struct {
	cursor uint64
}

// Allocate reserves size bytes at the next offset aligned to alignment and
// returns that offset. There is no deallocation.
func (a *LinearAllocator) Allocate(size, alignment uint64) uint64 {
	if alignment > 1 {
		a.cursor = alignUp(a.cursor, alignment)
	}
	offset := a.cursor
	a.cursor += size
	return offset
}

// Size reports the bytes accumulated since the last reset.
func (a *LinearAllocator) Size() uint64 { return a.cursor }

// Finalize creates one buffer covering everything allocated since the last
// reset, then resets the cursor. If nothing was allocated it returns a nil
// buffer rather than a zero-size one.
func (a *LinearAllocator) Finalize(dev gpu.Device, label string, kind gpu.BufferKind) (gpu.Buffer, error) {
	size := a.cursor
	a.cursor = 0
	if size == 0 {
		return nil, nil
	}
	return dev.CreateBuffer(gpu.BufferDesc{Label: label, Size: size, Kind: kind})
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
