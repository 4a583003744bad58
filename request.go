package micromap

import (
	"errors"
	"fmt"

	"github.com/gekko3d/micromap/bvh"
	"github.com/gekko3d/micromap/core"
	"github.com/gekko3d/micromap/omm"
)

var (
	// ErrNilMesh is returned by QueueBuild for a request without a target.
	ErrNilMesh = errors.New("micromap: build request has no mesh")
	// ErrNoGeometries is returned by QueueBuild for an empty request.
	ErrNoGeometries = errors.New("micromap: build request has no geometries")
	// ErrMeshInFlight is returned by QueueBuild when a build for the same
	// mesh is already enqueued.
	ErrMeshInFlight = errors.New("micromap: a build for this mesh is already pending")
	// ErrCapacityExceeded is surfaced from Update when a task's exact
	// opacity-array data would not fit a 32-bit byte-offset budget. The
	// failed task is dropped; the queue stays usable.
	ErrCapacityExceeded = errors.New("micromap: opacity array data exceeds the 32-bit offset budget")
)

// GeometrySpec selects one geometry of the target mesh and its bake
// settings. Zero values fall back to the defaults of DefaultPreset.
type GeometrySpec struct {
	// GeometryIndex addresses into Mesh.Geometries.
	GeometryIndex int

	MaxSubdivisionLevel     uint32
	DynamicSubdivisionScale float32
	Format                  omm.Format
	Flags                   omm.BakeFlags
	// MaxArrayDataSize caps the opacity-array footprint of this geometry,
	// in bytes. Zero means uncapped.
	MaxArrayDataSize uint64

	EnableSpecialIndices        bool
	EnableLevelLineIntersection bool
	EnableTexCoordDedup         bool
	Force32BitIndices           bool
	ComputeOnly                 bool
}

// BuildRequest describes one micromap build. The mesh pointer is
// non-owning: the caller's scene keeps ownership and must keep the mesh
// alive until the build finalizes or is cancelled.
type BuildRequest struct {
	Mesh       *core.Mesh
	Geometries []GeometrySpec
	BVH        bvh.Config
}

func (req *BuildRequest) validate() error {
	if req.Mesh == nil {
		return ErrNilMesh
	}
	if len(req.Geometries) == 0 {
		return ErrNoGeometries
	}
	if req.Mesh.Buffers == nil {
		return fmt.Errorf("micromap: mesh %q has no buffers", req.Mesh.Name)
	}
	for _, spec := range req.Geometries {
		if spec.GeometryIndex < 0 || spec.GeometryIndex >= len(req.Mesh.Geometries) {
			return fmt.Errorf("micromap: geometry index %d out of range for mesh %q (%d geometries)",
				spec.GeometryIndex, req.Mesh.Name, len(req.Mesh.Geometries))
		}
		g := req.Mesh.Geometries[spec.GeometryIndex]
		if g.Material == nil || g.Material.AlphaTexture == nil {
			return fmt.Errorf("micromap: geometry %d of mesh %q has no alpha texture",
				spec.GeometryIndex, req.Mesh.Name)
		}
	}
	return nil
}

// bakeInput assembles the explicit per-dispatch parameter object for one
// geometry from the mesh layout and the spec.
func bakeInput(mesh *core.Mesh, spec GeometrySpec) omm.Input {
	g := mesh.Geometries[spec.GeometryIndex]
	bufs := mesh.Buffers

	indexOffset := uint64(bufs.IndexOffset+g.IndexOffsetInMesh) * 4
	texCoordOffset := uint64(bufs.VertexOffset+g.VertexOffsetInMesh)*uint64(bufs.TexCoordStride) +
		uint64(bufs.TexCoordByteOffset)

	return omm.Input{
		AlphaTexture: g.Material.AlphaTexture,
		AlphaCutoff:  g.Material.AlphaCutoff,

		IndexBuffer: bufs.Index,
		IndexOffset: indexOffset,
		NumIndices:  g.NumIndices,

		TexCoordBuffer: bufs.Vertex,
		TexCoordOffset: texCoordOffset,
		TexCoordStride: bufs.TexCoordStride,

		MaxSubdivisionLevel:     spec.MaxSubdivisionLevel,
		DynamicSubdivisionScale: spec.DynamicSubdivisionScale,
		Format:                  spec.Format,
		MaxArrayDataSize:        spec.MaxArrayDataSize,

		EnableSpecialIndices:        spec.EnableSpecialIndices,
		EnableLevelLineIntersection: spec.EnableLevelLineIntersection,
		EnableTexCoordDedup:         spec.EnableTexCoordDedup,
		Force32BitIndices:           spec.Force32BitIndices,
		ComputeOnly:                 spec.ComputeOnly,
	}
}
