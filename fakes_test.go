package micromap

import (
	"fmt"

	"github.com/gekko3d/micromap/bvh"
	"github.com/gekko3d/micromap/core"
	"github.com/gekko3d/micromap/gpu"
	"github.com/gekko3d/micromap/omm"
)

// The fakes below model the device and the collaborators deterministically:
// buffer copies move real bytes, dispatches write scripted payloads into the
// output regions, and tokens signal only when the test says so.

type fakeBuffer struct {
	label    string
	size     uint64
	data     []byte
	released bool
	mapped   bool
}

func (b *fakeBuffer) Label() string { return b.label }
func (b *fakeBuffer) Size() uint64  { return b.size }
func (b *fakeBuffer) Release()      { b.released = true }

type fakeToken struct {
	signaled bool
}

type fakeStream struct{}

func (s *fakeStream) CopyBuffer(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset uint64, size uint64) {
	d := dst.(*fakeBuffer)
	copy(d.data[dstOffset:dstOffset+size], src.(*fakeBuffer).data[srcOffset:srcOffset+size])
}

func (s *fakeStream) ClearBuffer(buf gpu.Buffer) {
	b := buf.(*fakeBuffer)
	for i := range b.data {
		b.data[i] = 0
	}
}

type fakeDevice struct {
	buffers []*fakeBuffer
	tokens  []*fakeToken

	createErr error
}

func (d *fakeDevice) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if d.createErr != nil {
		return nil, d.createErr
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("fake device: zero-size buffer %q", desc.Label)
	}
	buf := &fakeBuffer{label: desc.Label, size: desc.Size, data: make([]byte, desc.Size)}
	d.buffers = append(d.buffers, buf)
	return buf, nil
}

func (d *fakeDevice) Submit(cs gpu.CmdStream) (gpu.Token, error) {
	tok := &fakeToken{}
	d.tokens = append(d.tokens, tok)
	return tok, nil
}

func (d *fakeDevice) Poll(t gpu.Token) bool {
	return t.(*fakeToken).signaled
}

func (d *fakeDevice) MapRead(buf gpu.Buffer) ([]byte, error) {
	b := buf.(*fakeBuffer)
	b.mapped = true
	return b.data, nil
}

func (d *fakeDevice) Unmap(buf gpu.Buffer) {
	buf.(*fakeBuffer).mapped = false
}

// signalLast marks the most recently returned token as done.
func (d *fakeDevice) signalLast() {
	d.tokens[len(d.tokens)-1].signaled = true
}

// buffer finds a created buffer by label, newest first.
func (d *fakeDevice) buffer(label string) *fakeBuffer {
	for i := len(d.buffers) - 1; i >= 0; i-- {
		if d.buffers[i].label == label {
			return d.buffers[i]
		}
	}
	return nil
}

// geomScript drives the fake baker for one geometry, in dispatch order.
type geomScript struct {
	sizing    omm.SizingInfo
	histogram []omm.UsageCount
	// setupStats carries the exact array-data size the setup pass reports.
	setupStats omm.PostDispatchStats
	// bakeStats is what the bake pass reports for finalize.
	bakeStats omm.PostDispatchStats
}

type fakeBaker struct {
	geoms []geomScript

	sizingCalls int
	setupCalls  int
	bakeCalls   int

	sizingErr error
	bakeErr   error
}

func (b *fakeBaker) script(call int) *geomScript {
	return &b.geoms[call%len(b.geoms)]
}

func (b *fakeBaker) Sizing(in omm.Input) (omm.SizingInfo, error) {
	if b.sizingErr != nil {
		return omm.SizingInfo{}, b.sizingErr
	}
	g := b.script(b.sizingCalls)
	b.sizingCalls++

	sz := g.sizing
	sz.DescHistogramSize = uint64(len(g.histogram)) * 8
	sz.IndexHistogramSize = uint64(len(g.histogram)) * 8
	sz.PostDispatchInfoSize = omm.StatsBlockSize
	return sz, nil
}

func (b *fakeBaker) DispatchSetup(cs gpu.CmdStream, in omm.Input, out omm.Outputs) error {
	g := b.script(b.setupCalls)
	b.setupCalls++

	writeHistogram(out.DescHistogramBuffer, out.DescHistogramOffset, g.histogram)
	writeHistogram(out.IndexHistogramBuffer, out.IndexHistogramOffset, g.histogram)
	writeStats(out.StatsBuffer, out.StatsOffset, g.setupStats)
	return nil
}

func (b *fakeBaker) DispatchBake(cs gpu.CmdStream, in omm.Input, out omm.Outputs) error {
	if b.bakeErr != nil {
		return b.bakeErr
	}
	g := b.script(b.bakeCalls)
	b.bakeCalls++

	writeStats(out.StatsBuffer, out.StatsOffset, g.bakeStats)
	return nil
}

func (b *fakeBaker) DecodeHistogram(data []byte) ([]omm.UsageCount, error) {
	return omm.DecodeUsageCounts(data)
}

func (b *fakeBaker) DecodeStats(data []byte) (omm.PostDispatchStats, error) {
	return omm.DecodeStatsLE(data)
}

func writeHistogram(buf gpu.Buffer, offset uint64, counts []omm.UsageCount) {
	if buf == nil || len(counts) == 0 {
		return
	}
	var enc []byte
	for _, c := range counts {
		enc = omm.AppendUsageCount(enc, c)
	}
	copy(buf.(*fakeBuffer).data[offset:], enc)
}

func writeStats(buf gpu.Buffer, offset uint64, stats omm.PostDispatchStats) {
	enc := omm.AppendStatsLE(nil, stats, 1)
	copy(buf.(*fakeBuffer).data[offset:], enc)
}

type fakeMicromap struct {
	desc bvh.MicromapDesc
}

type fakeAccelStruct struct {
	attachments []bvh.Attachment
	cfg         bvh.Config
}

type fakeBuilder struct {
	micromaps []*fakeMicromap
	blas      []*fakeAccelStruct

	micromapErr error
	blasErr     error
}

func (f *fakeBuilder) CreateMicromapArray(desc bvh.MicromapDesc) (core.MicromapHandle, error) {
	if f.micromapErr != nil {
		return nil, f.micromapErr
	}
	h := &fakeMicromap{desc: desc}
	f.micromaps = append(f.micromaps, h)
	return h, nil
}

func (f *fakeBuilder) BuildBLAS(cs gpu.CmdStream, mesh *core.Mesh, attachments []bvh.Attachment, cfg bvh.Config) (core.AccelStructHandle, error) {
	if f.blasErr != nil {
		return nil, f.blasErr
	}
	h := &fakeAccelStruct{attachments: attachments, cfg: cfg}
	f.blas = append(f.blas, h)
	return h, nil
}

// testMesh builds a mesh with n alpha-tested geometries over shared fake
// index/vertex buffers.
func testMesh(dev *fakeDevice, name string, n int) *core.Mesh {
	index, _ := dev.CreateBuffer(gpu.BufferDesc{Label: name + " indices", Size: 1 << 16, Kind: gpu.KindStorageAccelInput})
	vertex, _ := dev.CreateBuffer(gpu.BufferDesc{Label: name + " vertices", Size: 1 << 16, Kind: gpu.KindStorage})

	mesh := &core.Mesh{
		Name: name,
		Buffers: &core.MeshBuffers{
			Index:              index,
			Vertex:             vertex,
			TexCoordByteOffset: 12,
			TexCoordStride:     20,
		},
	}
	for i := 0; i < n; i++ {
		mesh.Geometries = append(mesh.Geometries, &core.Geometry{
			IndexOffsetInMesh: uint32(i * 300),
			NumIndices:        300,
			Material: &core.Material{
				AlphaTexture: &core.Texture{Name: "leaf", Texels: []uint8{255, 0, 128, 64}, Width: 2, Height: 2},
				AlphaCutoff:  0.5,
			},
		})
	}
	return mesh
}

// testSpecs selects all n geometries with default-ish settings.
func testSpecs(n int) []GeometrySpec {
	specs := make([]GeometrySpec, n)
	for i := range specs {
		specs[i] = GeometrySpec{
			GeometryIndex:           i,
			MaxSubdivisionLevel:     5,
			DynamicSubdivisionScale: 2.0,
			Format:                  omm.FormatOC1_4State,
			Flags:                   omm.BakeFlagFastTrace,
			EnableSpecialIndices:    true,
			EnableTexCoordDedup:     true,
		}
	}
	return specs
}
