package micromap

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/gekko3d/micromap/bvh"
	"github.com/gekko3d/micromap/core"
	"github.com/gekko3d/micromap/gpu"
	"github.com/gekko3d/micromap/omm"
)

// BuildQueue schedules opacity-micromap builds across frames. Tasks are
// processed strictly in FIFO order and only the head task makes progress on
// any given Update, which bounds per-frame CPU cost regardless of queue
// depth.
//
// BuildQueue is not safe for concurrent use; drive it from the frame loop.
type BuildQueue struct {
	dev     gpu.Device
	baker   omm.Baker
	builder bvh.Builder
	log     Logger

	pending []*buildTask
}

// Option configures a BuildQueue.
type Option func(*BuildQueue)

// WithLogger replaces the default silent logger.
func WithLogger(l Logger) Option {
	return func(q *BuildQueue) { q.log = l }
}

func NewBuildQueue(dev gpu.Device, baker omm.Baker, builder bvh.Builder, opts ...Option) *BuildQueue {
	q := &BuildQueue{
		dev:     dev,
		baker:   baker,
		builder: builder,
		log:     NewNopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueueBuild appends a build at the tail. It rejects malformed requests and
// a second build targeting a mesh that already has one pending; the mesh
// attach slots are single-writer.
func (q *BuildQueue) QueueBuild(req BuildRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	for _, task := range q.pending {
		if task.input.Mesh == req.Mesh {
			return fmt.Errorf("%w: mesh %q", ErrMeshInFlight, req.Mesh.Name)
		}
	}
	task := &buildTask{
		id:    uuid.NewString(),
		input: req,
		state: stateNone,
	}
	q.pending = append(q.pending, task)
	q.log.Debugf("build %s queued: mesh %q, %d geometries", task.id, req.Mesh.Name, len(req.Geometries))
	return nil
}

// NumPendingBuilds reports how many builds are still enqueued, in any
// state. Callers use it to throttle how much they enqueue per frame.
func (q *BuildQueue) NumPendingBuilds() int {
	return len(q.pending)
}

// CancelPendingBuilds drops every queued build's CPU bookkeeping. Device
// work already submitted is not cancelled; it runs to completion and its
// buffers are reclaimed by the device layer's usual lifetime rules once
// released here.
func (q *BuildQueue) CancelPendingBuilds() {
	for _, task := range q.pending {
		task.buffers.releaseAll()
		q.log.Debugf("build %s cancelled in state %s", task.id, task.state)
	}
	q.pending = nil
}

// Update advances the head task by at most one stage. Stages gated on a
// completion token are skipped without side effects until the token
// signals. When a task fails, it is dropped, its buffers are released and
// the error is returned; later tasks are unaffected.
func (q *BuildQueue) Update(cs gpu.CmdStream) error {
	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]

	switch task.state {
	case stateNone:
		if err := q.runSetup(cs, task); err != nil {
			return q.failHead(task, err)
		}
	case stateSetup:
		if !q.dev.Poll(task.token) {
			return nil
		}
		if err := q.runBakeAndBuild(cs, task); err != nil {
			return q.failHead(task, err)
		}
	case stateBakeAndBuild:
		if !q.dev.Poll(task.token) {
			return nil
		}
		if err := q.finalize(task); err != nil {
			return q.failHead(task, err)
		}
		q.pending = q.pending[1:]
	default:
		return fmt.Errorf("micromap: build %s in invalid state %d", task.id, task.state)
	}
	return nil
}

func (q *BuildQueue) failHead(task *buildTask, err error) error {
	task.buffers.releaseAll()
	q.pending = q.pending[1:]
	q.log.Errorf("build %s failed in state %s: %v", task.id, task.state, err)
	return fmt.Errorf("micromap: build for mesh %q: %w", task.input.Mesh.Name, err)
}

// runSetup sizes every geometry at worst case, lays the regions out into
// shared buffers with one allocator per buffer kind, creates the buffers
// and dispatches the setup pass. The histogram and stats regions are copied
// into a readback buffer so the next stage can decode exact sizes.
func (q *BuildQueue) runSetup(cs gpu.CmdStream, task *buildTask) error {
	mesh := task.input.Mesh

	var (
		indexAlloc     LinearAllocator
		descAlloc      LinearAllocator
		descHistAlloc  LinearAllocator
		indexHistAlloc LinearAllocator
		statsAlloc     LinearAllocator
		readbackAlloc  LinearAllocator
	)

	layouts := make([]geometryLayout, len(task.input.Geometries))
	for i, spec := range task.input.Geometries {
		sizing, err := q.baker.Sizing(bakeInput(mesh, spec))
		if err != nil {
			return fmt.Errorf("sizing geometry %d: %w", spec.GeometryIndex, err)
		}

		lay := &layouts[i]
		lay.indexFormat = sizing.IndexFormat
		lay.indexCount = sizing.IndexCount

		lay.indexOffset = indexAlloc.Allocate(sizing.IndexBufferSize, bufferAlignment)
		lay.descOffset = descAlloc.Allocate(sizing.DescBufferSize, bufferAlignment)

		lay.descHistogramOffset = descHistAlloc.Allocate(sizing.DescHistogramSize, bufferAlignment)
		lay.descHistogramSize = sizing.DescHistogramSize
		lay.descHistogramReadbackOffset = readbackAlloc.Allocate(sizing.DescHistogramSize, bufferAlignment)

		lay.indexHistogramOffset = indexHistAlloc.Allocate(sizing.IndexHistogramSize, bufferAlignment)
		lay.indexHistogramSize = sizing.IndexHistogramSize
		lay.indexHistogramReadbackOffset = readbackAlloc.Allocate(sizing.IndexHistogramSize, bufferAlignment)

		lay.statsOffset = statsAlloc.Allocate(sizing.PostDispatchInfoSize, bufferAlignment)
		lay.statsSize = sizing.PostDispatchInfoSize
		lay.statsReadbackOffset = readbackAlloc.Allocate(sizing.PostDispatchInfoSize, bufferAlignment)

		lay.arrayDataOffset = layoutOffsetUnknown
	}

	var bufs taskBuffers
	create := func(alloc *LinearAllocator, dst *gpu.Buffer, label string, kind gpu.BufferKind) error {
		buf, err := alloc.Finalize(q.dev, label, kind)
		if err != nil {
			bufs.releaseAll()
			return fmt.Errorf("create %s: %w", label, err)
		}
		*dst = buf
		return nil
	}
	if err := create(&indexAlloc, &bufs.index, "omm index", gpu.KindStorageAccelInput); err != nil {
		return err
	}
	if err := create(&descAlloc, &bufs.desc, "omm desc", gpu.KindStorageAccelInput); err != nil {
		return err
	}
	if err := create(&descHistAlloc, &bufs.descHistogram, "omm desc histogram", gpu.KindStorage); err != nil {
		return err
	}
	if err := create(&indexHistAlloc, &bufs.indexHistogram, "omm index histogram", gpu.KindStorage); err != nil {
		return err
	}
	if err := create(&statsAlloc, &bufs.stats, "omm post dispatch info", gpu.KindStorage); err != nil {
		return err
	}
	if err := create(&readbackAlloc, &bufs.readback, "omm readback", gpu.KindReadback); err != nil {
		return err
	}

	for i, spec := range task.input.Geometries {
		lay := &layouts[i]
		out := omm.Outputs{
			IndexBuffer:          bufs.index,
			IndexOffset:          lay.indexOffset,
			DescBuffer:           bufs.desc,
			DescOffset:           lay.descOffset,
			DescHistogramBuffer:  bufs.descHistogram,
			DescHistogramOffset:  lay.descHistogramOffset,
			IndexHistogramBuffer: bufs.indexHistogram,
			IndexHistogramOffset: lay.indexHistogramOffset,
			StatsBuffer:          bufs.stats,
			StatsOffset:          lay.statsOffset,
		}
		if err := q.baker.DispatchSetup(cs, bakeInput(mesh, spec), out); err != nil {
			bufs.releaseAll()
			return fmt.Errorf("setup dispatch for geometry %d: %w", spec.GeometryIndex, err)
		}

		if lay.descHistogramSize > 0 {
			cs.CopyBuffer(bufs.readback, lay.descHistogramReadbackOffset,
				bufs.descHistogram, lay.descHistogramOffset, lay.descHistogramSize)
		}
		if lay.indexHistogramSize > 0 {
			cs.CopyBuffer(bufs.readback, lay.indexHistogramReadbackOffset,
				bufs.indexHistogram, lay.indexHistogramOffset, lay.indexHistogramSize)
		}
		if lay.statsSize > 0 {
			cs.CopyBuffer(bufs.readback, lay.statsReadbackOffset,
				bufs.stats, lay.statsOffset, lay.statsSize)
		}
	}

	token, err := q.dev.Submit(cs)
	if err != nil {
		bufs.releaseAll()
		return fmt.Errorf("submit setup: %w", err)
	}

	task.token = token
	task.state = stateSetup
	task.buffers = bufs
	task.layouts = layouts
	q.log.Debugf("build %s: setup dispatched for %d geometries", task.id, len(layouts))
	return nil
}

// runBakeAndBuild decodes the setup readback, sizes the array-data buffer
// exactly, dispatches the bake and records the micromap-array and BLAS
// builds. The acceleration structure is attached to the mesh here; its
// device work completes under the token recorded at the end.
func (q *BuildQueue) runBakeAndBuild(cs gpu.CmdStream, task *buildTask) error {
	mesh := task.input.Mesh

	// Decode exact sizes discovered by the setup pass. The gating token has
	// signaled, so the map resolves without stalling.
	var readbackData []byte
	if task.buffers.readback != nil {
		var err error
		readbackData, err = q.dev.MapRead(task.buffers.readback)
		if err != nil {
			return fmt.Errorf("map setup readback: %w", err)
		}
	}

	var arrayAlloc LinearAllocator
	for i := range task.layouts {
		lay := &task.layouts[i]

		if lay.descHistogramSize > 0 {
			counts, err := q.baker.DecodeHistogram(
				readbackData[lay.descHistogramReadbackOffset : lay.descHistogramReadbackOffset+lay.descHistogramSize])
			if err != nil {
				q.dev.Unmap(task.buffers.readback)
				return fmt.Errorf("decode array histogram: %w", err)
			}
			lay.arrayHistogram = counts
		}
		if lay.indexHistogramSize > 0 {
			counts, err := q.baker.DecodeHistogram(
				readbackData[lay.indexHistogramReadbackOffset : lay.indexHistogramReadbackOffset+lay.indexHistogramSize])
			if err != nil {
				q.dev.Unmap(task.buffers.readback)
				return fmt.Errorf("decode index histogram: %w", err)
			}
			lay.indexHistogram = counts
		}

		var stats omm.PostDispatchStats
		if lay.statsSize > 0 {
			var err error
			stats, err = q.baker.DecodeStats(
				readbackData[lay.statsReadbackOffset : lay.statsReadbackOffset+lay.statsSize])
			if err != nil {
				q.dev.Unmap(task.buffers.readback)
				return fmt.Errorf("decode post dispatch info: %w", err)
			}
		}

		offset := arrayAlloc.Allocate(stats.ArrayDataSize, arrayDataAlignment)
		if offset+stats.ArrayDataSize > math.MaxUint32 {
			q.dev.Unmap(task.buffers.readback)
			return ErrCapacityExceeded
		}
		lay.arrayDataOffset = uint32(offset)
	}
	if task.buffers.readback != nil {
		q.dev.Unmap(task.buffers.readback)
	}

	totalArrayData := arrayAlloc.Size()
	arrayData, err := arrayAlloc.Finalize(q.dev, "omm array data", gpu.KindStorageAccelInput)
	if err != nil {
		return fmt.Errorf("create array data buffer: %w", err)
	}
	task.buffers.arrayData = arrayData
	if arrayData != nil {
		cs.ClearBuffer(arrayData)
	}

	for i, spec := range task.input.Geometries {
		lay := &task.layouts[i]
		out := omm.Outputs{
			ArrayDataBuffer:      task.buffers.arrayData,
			ArrayDataOffset:      uint64(lay.arrayDataOffset),
			IndexBuffer:          task.buffers.index,
			IndexOffset:          lay.indexOffset,
			DescBuffer:           task.buffers.desc,
			DescOffset:           lay.descOffset,
			DescHistogramBuffer:  task.buffers.descHistogram,
			DescHistogramOffset:  lay.descHistogramOffset,
			IndexHistogramBuffer: task.buffers.indexHistogram,
			IndexHistogramOffset: lay.indexHistogramOffset,
			StatsBuffer:          task.buffers.stats,
			StatsOffset:          lay.statsOffset,
		}
		if err := q.baker.DispatchBake(cs, bakeInput(mesh, spec), out); err != nil {
			return fmt.Errorf("bake dispatch for geometry %d: %w", spec.GeometryIndex, err)
		}

		// The bake refreshes the stats; copy them out again for finalize.
		if lay.statsSize > 0 {
			cs.CopyBuffer(task.buffers.readback, lay.statsReadbackOffset,
				task.buffers.stats, lay.statsOffset, lay.statsSize)
		}
	}

	// One micromap array per geometry, then one BLAS over the whole mesh.
	attachments := make([]bvh.Attachment, len(mesh.Geometries))
	micromaps := make([]core.MicromapHandle, 0, len(task.input.Geometries))
	for i, spec := range task.input.Geometries {
		lay := &task.layouts[i]
		handle, err := q.builder.CreateMicromapArray(bvh.MicromapDesc{
			ArrayData:       task.buffers.arrayData,
			ArrayDataOffset: uint64(lay.arrayDataOffset),
			Descs:           task.buffers.desc,
			DescsOffset:     lay.descOffset,
			Counts:          lay.arrayHistogram,
			Flags:           spec.Flags,
		})
		if err != nil {
			return fmt.Errorf("create micromap array for geometry %d: %w", spec.GeometryIndex, err)
		}
		micromaps = append(micromaps, handle)
		attachments[spec.GeometryIndex] = bvh.Attachment{
			Micromap:        handle,
			IndexFormat:     lay.indexFormat,
			IndexHistogram:  lay.indexHistogram,
			IndexBuffer:     task.buffers.index,
			IndexOffset:     uint32(lay.indexOffset),
			ArrayData:       task.buffers.arrayData,
			ArrayDataOffset: lay.arrayDataOffset,
		}
	}

	accel, err := q.builder.BuildBLAS(cs, mesh, attachments, task.input.BVH)
	if err != nil {
		return fmt.Errorf("build BLAS: %w", err)
	}
	mesh.Micromaps = append(mesh.Micromaps, micromaps...)
	mesh.AccelStruct = accel

	token, err := q.dev.Submit(cs)
	if err != nil {
		return fmt.Errorf("submit bake: %w", err)
	}
	task.token = token
	task.state = stateBakeAndBuild
	q.log.Debugf("build %s: bake dispatched, array data %d bytes", task.id, totalArrayData)
	return nil
}

// finalize reads the final statistics, attaches the debug views to the
// mesh and releases everything the mesh does not reference. The caller
// removes the task from the queue afterwards.
func (q *BuildQueue) finalize(task *buildTask) error {
	mesh := task.input.Mesh

	var readbackData []byte
	if task.buffers.readback != nil {
		var err error
		readbackData, err = q.dev.MapRead(task.buffers.readback)
		if err != nil {
			return fmt.Errorf("map final readback: %w", err)
		}
	}

	for i, spec := range task.input.Geometries {
		lay := &task.layouts[i]

		var stats omm.PostDispatchStats
		if lay.statsSize > 0 {
			var err error
			stats, err = q.baker.DecodeStats(
				readbackData[lay.statsReadbackOffset : lay.statsReadbackOffset+lay.statsSize])
			if err != nil {
				q.dev.Unmap(task.buffers.readback)
				return fmt.Errorf("decode final stats: %w", err)
			}
		}

		g := mesh.Geometries[spec.GeometryIndex]
		g.DebugInfo = core.GeometryDebugInfo{
			ArrayDataOffset: lay.arrayDataOffset,
			DescOffset:      uint32(lay.descOffset),
			IndexOffset:     uint32(lay.indexOffset),
			IndexFormat:     lay.indexFormat,
			StatsKnown:      stats.Known(),
			StatsUnknown:    stats.TotalUnknown,
		}
	}
	if task.buffers.readback != nil {
		q.dev.Unmap(task.buffers.readback)
	}

	// The mesh takes ownership of the raw views; everything else is done.
	mesh.DebugData = &core.DebugData{
		ArrayData: task.buffers.arrayData,
		Desc:      task.buffers.desc,
		Index:     task.buffers.index,
	}
	task.buffers.arrayData = nil
	task.buffers.desc = nil
	task.buffers.index = nil
	task.buffers.releaseTransient()

	q.log.Infof("build %s finalized: mesh %q, %d geometries", task.id, mesh.Name, len(task.input.Geometries))
	return nil
}
