package gpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
)

// WgpuDevice implements Device on top of a WebGPU device. The pipeline is
// headless: no surface is ever configured, the adapter is requested without
// presentation support.
type WgpuDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
}

// OpenDefault acquires the default high-performance adapter and device.
func OpenDefault() (*WgpuDevice, error) {
	instance := wgpu.CreateInstance(nil)

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: request adapter: %w", err)
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: request device: %w", err)
	}

	return &WgpuDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
	}, nil
}

// WrapDevice adopts an existing WebGPU device owned by the caller, e.g. the
// renderer's main device. Release of the wrapped device stays with the
// caller.
func WrapDevice(device *wgpu.Device) *WgpuDevice {
	return &WgpuDevice{device: device, queue: device.GetQueue()}
}

// Raw exposes the underlying WebGPU device for callers that need to record
// their own passes into the same queue.
func (d *WgpuDevice) Raw() *wgpu.Device { return d.device }

type wgpuBuffer struct {
	buf   *wgpu.Buffer
	label string
}

func (b *wgpuBuffer) Label() string { return b.label }
func (b *wgpuBuffer) Size() uint64  { return b.buf.GetSize() }
func (b *wgpuBuffer) Release()      { b.buf.Release() }

func (d *WgpuDevice) CreateBuffer(desc BufferDesc) (Buffer, error) {
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
	if desc.Kind == KindReadback {
		usage = wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead
	}

	// WebGPU wants buffer sizes in whole words.
	size := desc.Size
	if size%4 != 0 {
		size += 4 - size%4
	}

	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            desc.Label,
		Size:             size,
		Usage:            usage,
		MappedAtCreation: false,
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: create buffer %q: %w", desc.Label, err)
	}
	return &wgpuBuffer{buf: buf, label: desc.Label}, nil
}

// WgpuStream wraps a command encoder. Create one per frame with BeginStream
// and pass it into the build queue's Update.
type WgpuStream struct {
	encoder *wgpu.CommandEncoder
}

func (d *WgpuDevice) BeginStream() (*WgpuStream, error) {
	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: create command encoder: %w", err)
	}
	return &WgpuStream{encoder: encoder}, nil
}

// Encoder exposes the underlying encoder so baker implementations can
// record compute passes into the same stream.
func (s *WgpuStream) Encoder() *wgpu.CommandEncoder { return s.encoder }

func (s *WgpuStream) CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64) {
	s.encoder.CopyBufferToBuffer(src.(*wgpuBuffer).buf, srcOffset, dst.(*wgpuBuffer).buf, dstOffset, size)
}

func (s *WgpuStream) ClearBuffer(buf Buffer) {
	b := buf.(*wgpuBuffer)
	s.encoder.ClearBuffer(b.buf, 0, b.buf.GetSize())
}

type wgpuToken struct {
	done bool
}

func (d *WgpuDevice) Submit(cs CmdStream) (Token, error) {
	stream, ok := cs.(*WgpuStream)
	if !ok {
		return nil, fmt.Errorf("gpu: foreign command stream %T", cs)
	}

	cmd, err := stream.encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: finish command stream: %w", err)
	}
	d.queue.Submit(cmd)
	return &wgpuToken{}, nil
}

func (d *WgpuDevice) Poll(t Token) bool {
	tok, ok := t.(*wgpuToken)
	if !ok {
		return false
	}
	if tok.done {
		return true
	}
	// Poll(false, ...) pumps callbacks and reports whether the queue has
	// drained. Once it drains, everything submitted before the token is done.
	if d.device.Poll(false, nil) {
		tok.done = true
	}
	return tok.done
}

func (d *WgpuDevice) MapRead(buf Buffer) ([]byte, error) {
	b := buf.(*wgpuBuffer)
	size := b.buf.GetSize()

	mapped := false
	failed := false
	b.buf.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status == wgpu.BufferMapAsyncStatusSuccess {
			mapped = true
		} else {
			failed = true
		}
	})

	// The gating token has already signaled, so the map resolves on the
	// next callback pump rather than waiting on device work.
	for !mapped && !failed {
		d.device.Poll(true, nil)
	}
	if failed {
		return nil, fmt.Errorf("gpu: map of %q failed", b.label)
	}
	return b.buf.GetMappedRange(0, uint(size)), nil
}

func (d *WgpuDevice) Unmap(buf Buffer) {
	buf.(*wgpuBuffer).buf.Unmap()
}
