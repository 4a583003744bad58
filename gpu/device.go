// Package gpu abstracts the device facilities the micromap build pipeline
// needs: buffer creation, buffer-to-buffer copies, completion tokens and
// CPU readback. The build queue only ever talks to these interfaces; the
// WebGPU backend in this package is one implementation, and tests use a
// scripted fake.
package gpu

// BufferKind selects the usage profile of a buffer.
type BufferKind int

const (
	// KindStorage is a device-local buffer written by compute dispatches.
	KindStorage BufferKind = iota
	// KindStorageAccelInput is a storage buffer that is also consumed as
	// acceleration-structure build input by the backend.
	KindStorageAccelInput
	// KindReadback is a CPU-mappable destination for buffer copies.
	KindReadback
)

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string
	Size  uint64
	Kind  BufferKind
}

// Buffer is a device buffer handle.
type Buffer interface {
	Label() string
	Size() uint64
	Release()
}

// CmdStream records device work. One stream is recorded per frame by the
// caller and submitted at most once.
type CmdStream interface {
	// CopyBuffer enqueues a byte copy between buffer regions.
	CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset uint64, size uint64)
	// ClearBuffer enqueues a fill of the whole buffer with zeroes.
	ClearBuffer(buf Buffer)
}

// Token signals completion of previously submitted work. Tokens are polled,
// never waited on.
type Token interface{}

// Device creates resources and tracks submitted work.
//
// MapRead may block inside the backend, so callers must only invoke it
// after the token gating the relevant copy has reported done; at that point
// the map completes without stalling.
type Device interface {
	CreateBuffer(desc BufferDesc) (Buffer, error)
	// Submit finishes the stream, hands it to the device queue and returns
	// a token covering everything recorded so far.
	Submit(cs CmdStream) (Token, error)
	// Poll reports whether the work covered by the token has completed.
	// Non-blocking.
	Poll(t Token) bool
	MapRead(buf Buffer) ([]byte, error)
	Unmap(buf Buffer)
}

// IndexFormat is the element width of an index buffer region.
type IndexFormat int

const (
	IndexFormatUint16 IndexFormat = iota
	IndexFormatUint32
)

func (f IndexFormat) String() string {
	switch f {
	case IndexFormatUint16:
		return "uint16"
	case IndexFormatUint32:
		return "uint32"
	default:
		return "invalid"
	}
}
