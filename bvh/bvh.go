// Package bvh defines the contract with the acceleration-structure builder
// that consumes baked micromaps. The construction algorithm itself lives
// behind the Builder interface in the rendering backend.
package bvh

import (
	"github.com/gekko3d/micromap/core"
	"github.com/gekko3d/micromap/gpu"
	"github.com/gekko3d/micromap/omm"
)

// Config tunes the bottom-level acceleration structure build.
type Config struct {
	AllowUpdate     bool
	AllowCompaction bool
	PreferFastTrace bool
}

// MicromapDesc locates one geometry's baked micromap data.
type MicromapDesc struct {
	ArrayData       gpu.Buffer
	ArrayDataOffset uint64

	Descs       gpu.Buffer
	DescsOffset uint64

	Counts []omm.UsageCount
	Flags  omm.BakeFlags
}

// Attachment wires one geometry's micromap into the BLAS build.
type Attachment struct {
	Micromap       core.MicromapHandle
	IndexFormat    gpu.IndexFormat
	IndexHistogram []omm.UsageCount

	IndexBuffer gpu.Buffer
	IndexOffset uint32

	ArrayData       gpu.Buffer
	ArrayDataOffset uint32
}

// Builder turns micromap data into device acceleration structures.
// CreateMicromapArray registers the resource; BuildBLAS records the actual
// build into the stream. Neither waits for device work.
type Builder interface {
	CreateMicromapArray(desc MicromapDesc) (core.MicromapHandle, error)
	BuildBLAS(cs gpu.CmdStream, mesh *core.Mesh, attachments []Attachment, cfg Config) (core.AccelStructHandle, error)
}
