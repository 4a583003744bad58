package micromap

import (
	"github.com/gekko3d/micromap/gpu"
	"github.com/gekko3d/micromap/omm"
)

type buildState int

const (
	stateNone buildState = iota
	stateSetup
	stateBakeAndBuild
)

func (s buildState) String() string {
	switch s {
	case stateNone:
		return "none"
	case stateSetup:
		return "setup"
	case stateBakeAndBuild:
		return "bake-and-build"
	default:
		return "invalid"
	}
}

// layoutOffsetUnknown marks an array-data offset that the setup pass has
// not yet discovered.
const layoutOffsetUnknown = ^uint32(0)

// geometryLayout records where one geometry's regions live inside the
// task's shared buffers. Offsets into the readback buffer shadow the three
// regions that are copied out for CPU decode.
type geometryLayout struct {
	indexFormat gpu.IndexFormat
	indexCount  uint32

	indexOffset uint64
	descOffset  uint64

	descHistogramOffset         uint64
	descHistogramSize           uint64
	descHistogramReadbackOffset uint64

	indexHistogramOffset         uint64
	indexHistogramSize           uint64
	indexHistogramReadbackOffset uint64

	statsOffset         uint64
	statsSize           uint64
	statsReadbackOffset uint64

	// Populated once the setup readback has been decoded.
	arrayDataOffset uint32
	arrayHistogram  []omm.UsageCount
	indexHistogram  []omm.UsageCount
}

// taskBuffers are the device buffers a task owns. The sizing buffers exist
// after setup; arrayData only after the exact sizes are known. Any of them
// may be nil when the corresponding sizes were all zero.
type taskBuffers struct {
	arrayData      gpu.Buffer
	index          gpu.Buffer
	desc           gpu.Buffer
	descHistogram  gpu.Buffer
	indexHistogram gpu.Buffer
	stats          gpu.Buffer
	readback       gpu.Buffer
}

func (b *taskBuffers) releaseAll() {
	release(&b.arrayData)
	release(&b.index)
	release(&b.desc)
	b.releaseTransient()
}

// releaseTransient drops the buffers the mesh does not end up referencing.
func (b *taskBuffers) releaseTransient() {
	release(&b.descHistogram)
	release(&b.indexHistogram)
	release(&b.stats)
	release(&b.readback)
}

func release(buf *gpu.Buffer) {
	if *buf != nil {
		(*buf).Release()
		*buf = nil
	}
}

// buildTask is one in-flight build. Buffers for a stage are read-valid
// only once the previous stage's token has signaled.
type buildTask struct {
	id    string
	input BuildRequest
	state buildState
	token gpu.Token

	buffers taskBuffers
	layouts []geometryLayout
}
