// Package omm defines the contract between the build pipeline and an
// opacity-micromap baker. The baker performs the actual opacity
// classification on the device; the pipeline only sizes, schedules and
// collects its outputs.
package omm

import (
	"fmt"

	"github.com/gekko3d/micromap/core"
	"github.com/gekko3d/micromap/gpu"
)

// Format selects how many opacity states a micro-triangle can take.
type Format int

const (
	// FormatOC1_2State: opaque / transparent.
	FormatOC1_2State Format = iota
	// FormatOC1_4State: opaque / transparent / unknown-opaque /
	// unknown-transparent.
	FormatOC1_4State
)

func (f Format) String() string {
	switch f {
	case FormatOC1_2State:
		return "oc1-2-state"
	case FormatOC1_4State:
		return "oc1-4-state"
	default:
		return "invalid"
	}
}

// ParseFormat is the inverse of Format.String.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "oc1-2-state":
		return FormatOC1_2State, nil
	case "oc1-4-state", "":
		return FormatOC1_4State, nil
	default:
		return 0, fmt.Errorf("omm: unknown format %q", s)
	}
}

// BakeFlags bias the micromap build.
type BakeFlags int

const (
	BakeFlagFastTrace BakeFlags = 1 << iota
	BakeFlagFastBuild
)

// ParseBakeFlags reads a flags word from its preset spelling.
func ParseBakeFlags(s string) (BakeFlags, error) {
	switch s {
	case "fast-trace", "":
		return BakeFlagFastTrace, nil
	case "fast-build":
		return BakeFlagFastBuild, nil
	default:
		return 0, fmt.Errorf("omm: unknown bake flags %q", s)
	}
}

// Input fully describes one geometry dispatch. It is built fresh for every
// call so bakers carry no cross-call state.
type Input struct {
	AlphaTexture *core.Texture
	AlphaCutoff  float32

	IndexBuffer gpu.Buffer
	// IndexOffset is in bytes from the start of IndexBuffer.
	IndexOffset uint64
	NumIndices  uint32

	TexCoordBuffer gpu.Buffer
	TexCoordOffset uint64
	TexCoordStride uint32

	MaxSubdivisionLevel     uint32
	DynamicSubdivisionScale float32
	Format                  Format
	// MaxArrayDataSize caps the opacity array footprint for this geometry,
	// in bytes. Zero means no cap.
	MaxArrayDataSize uint64

	EnableSpecialIndices        bool
	EnableLevelLineIntersection bool
	EnableTexCoordDedup         bool
	Force32BitIndices           bool
	ComputeOnly                 bool
}

// SizingInfo reports worst-case byte sizes for one geometry's outputs,
// before any device work runs.
type SizingInfo struct {
	IndexFormat gpu.IndexFormat
	IndexCount  uint32

	IndexBufferSize      uint64
	DescBufferSize       uint64
	DescHistogramSize    uint64
	IndexHistogramSize   uint64
	PostDispatchInfoSize uint64
}

// Outputs assigns buffer regions for one dispatch. The array-data slot is
// only wired for the bake pass; it is unknown during setup.
type Outputs struct {
	ArrayDataBuffer gpu.Buffer
	ArrayDataOffset uint64

	IndexBuffer gpu.Buffer
	IndexOffset uint64

	DescBuffer gpu.Buffer
	DescOffset uint64

	DescHistogramBuffer gpu.Buffer
	DescHistogramOffset uint64

	IndexHistogramBuffer gpu.Buffer
	IndexHistogramOffset uint64

	StatsBuffer gpu.Buffer
	StatsOffset uint64
}

// Baker performs the opacity classification. Sizing, DecodeHistogram and
// DecodeStats are pure; the dispatch calls record device work into the
// stream and return without waiting for it.
type Baker interface {
	Sizing(in Input) (SizingInfo, error)
	DispatchSetup(cs gpu.CmdStream, in Input, out Outputs) error
	DispatchBake(cs gpu.CmdStream, in Input, out Outputs) error

	// DecodeHistogram reads per-opacity-state usage counts from a
	// CPU-visible copy of a histogram region.
	DecodeHistogram(data []byte) ([]UsageCount, error)
	// DecodeStats reads the post-dispatch statistics region.
	DecodeStats(data []byte) (PostDispatchStats, error)
}

// UsageCount is one histogram entry: how many micromaps use a given
// subdivision level and format.
type UsageCount struct {
	Count            uint32
	SubdivisionLevel uint16
	Format           Format
}

// PostDispatchStats is what a setup or bake dispatch reports back.
type PostDispatchStats struct {
	// ArrayDataSize is the exact opacity-array byte size this geometry
	// needs; it turns the setup pass's worst-case sizing into an exact one.
	ArrayDataSize uint64

	TotalOpaque      uint64
	TotalTransparent uint64
	TotalUnknown     uint64
}

// Known counts micro-triangles whose opacity was fully resolved.
func (s PostDispatchStats) Known() uint64 {
	return s.TotalOpaque + s.TotalTransparent
}
