// Package core holds the mesh data model the build pipeline reads from and
// attaches its results to.
package core

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/micromap/gpu"
)

// MeshBuffers locates the shared index/vertex storage a mesh lives in.
// Offsets are element counts into the shared buffers; TexCoordByteOffset is
// the byte offset of the UV attribute inside one vertex.
type MeshBuffers struct {
	Index  gpu.Buffer
	Vertex gpu.Buffer

	IndexOffset  uint32
	VertexOffset uint32

	TexCoordByteOffset uint32
	TexCoordStride     uint32
}

// Material carries the alpha-test inputs of a geometry.
type Material struct {
	AlphaTexture *Texture
	AlphaCutoff  float32
}

// GeometryDebugInfo is filled in when a micromap build for the owning mesh
// finalizes. Offsets address into the debug buffers on the mesh.
type GeometryDebugInfo struct {
	ArrayDataOffset uint32
	DescOffset      uint32
	IndexOffset     uint32
	IndexFormat     gpu.IndexFormat

	// Micro-triangle counts from the last bake.
	StatsKnown   uint64
	StatsUnknown uint64
}

// Geometry is one draw range of a mesh.
type Geometry struct {
	IndexOffsetInMesh  uint32
	VertexOffsetInMesh uint32
	NumIndices         uint32

	Material *Material

	// Object-space bounds, min/max.
	Bounds [2]mgl32.Vec3

	DebugInfo GeometryDebugInfo
}

// DebugData exposes raw views of the buffers a finished build produced, for
// visualization tooling. The mesh owns these buffers once attached.
type DebugData struct {
	ArrayData gpu.Buffer
	Desc      gpu.Buffer
	Index     gpu.Buffer
}

// AccelStructHandle and MicromapHandle are opaque handles minted by the
// acceleration-structure builder; the pipeline only stores them.
type (
	AccelStructHandle interface{}
	MicromapHandle    interface{}
)

// Mesh is the build target. The pipeline mutates it exactly twice per
// build: the acceleration structure and micromap handles are attached when
// the bake is issued, the debug data when the build finalizes.
type Mesh struct {
	Name       string
	Buffers    *MeshBuffers
	Geometries []*Geometry

	// Attach slots, written by the build pipeline.
	AccelStruct AccelStructHandle
	Micromaps   []MicromapHandle
	DebugData   *DebugData
}

// Release drops the debug buffers attached by a finished build. Safe to
// call when no build ever ran.
func (d *DebugData) Release() {
	if d == nil {
		return
	}
	for _, b := range []gpu.Buffer{d.ArrayData, d.Desc, d.Index} {
		if b != nil {
			b.Release()
		}
	}
	d.ArrayData, d.Desc, d.Index = nil, nil, nil
}

// BoundsUnion returns the union of all geometry bounds. ok is false for a
// mesh with no geometries.
func (m *Mesh) BoundsUnion() (bounds [2]mgl32.Vec3, ok bool) {
	if len(m.Geometries) == 0 {
		return bounds, false
	}
	bounds = m.Geometries[0].Bounds
	for _, g := range m.Geometries[1:] {
		for i := 0; i < 3; i++ {
			bounds[0][i] = min(bounds[0][i], g.Bounds[0][i])
			bounds[1][i] = max(bounds[1][i], g.Bounds[1][i])
		}
	}
	return bounds, true
}

// TransformedBounds conservatively transforms object-space bounds into the
// space of o2w by taking the eight corners.
func TransformedBounds(bounds [2]mgl32.Vec3, o2w mgl32.Mat4) [2]mgl32.Vec3 {
	minB, maxB := bounds[0], bounds[1]
	corners := [8]mgl32.Vec3{
		{minB.X(), minB.Y(), minB.Z()},
		{maxB.X(), minB.Y(), minB.Z()},
		{minB.X(), maxB.Y(), minB.Z()},
		{maxB.X(), maxB.Y(), minB.Z()},
		{minB.X(), minB.Y(), maxB.Z()},
		{maxB.X(), minB.Y(), maxB.Z()},
		{minB.X(), maxB.Y(), maxB.Z()},
		{maxB.X(), maxB.Y(), maxB.Z()},
	}

	inf := float32(1e20)
	wMin := mgl32.Vec3{inf, inf, inf}
	wMax := mgl32.Vec3{-inf, -inf, -inf}
	for _, c := range corners {
		wc := o2w.Mul4x1(c.Vec4(1.0)).Vec3()
		for i := 0; i < 3; i++ {
			wMin[i] = min(wMin[i], wc[i])
			wMax[i] = max(wMax[i], wc[i])
		}
	}
	return [2]mgl32.Vec3{wMin, wMax}
}
