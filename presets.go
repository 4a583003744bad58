package micromap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gekko3d/micromap/omm"
)

// BuildPreset is the on-disk spelling of a GeometrySpec, without the
// geometry index. Presets let tooling pick bake quality per asset class.
type BuildPreset struct {
	MaxSubdivisionLevel     uint32  `yaml:"max_subdivision_level"`
	DynamicSubdivisionScale float32 `yaml:"dynamic_subdivision_scale"`
	Format                  string  `yaml:"format"`
	Flags                   string  `yaml:"flags"`
	MaxArrayDataSizeMB      uint32  `yaml:"max_array_data_size_mb"`

	DisableSpecialIndices        bool `yaml:"disable_special_indices"`
	DisableLevelLineIntersection bool `yaml:"disable_level_line_intersection"`
	DisableTexCoordDedup         bool `yaml:"disable_tex_coord_dedup"`
	Force32BitIndices            bool `yaml:"force_32bit_indices"`
	ComputeOnly                  bool `yaml:"compute_only"`
}

// DefaultPreset returns the settings used when a preset leaves a field at
// its zero value.
func DefaultPreset() BuildPreset {
	return BuildPreset{
		MaxSubdivisionLevel:     5,
		DynamicSubdivisionScale: 2.0,
		Format:                  omm.FormatOC1_4State.String(),
		Flags:                   "fast-trace",
	}
}

// Spec resolves the preset into a GeometrySpec for one geometry.
func (p BuildPreset) Spec(geometryIndex int) (GeometrySpec, error) {
	format, err := omm.ParseFormat(p.Format)
	if err != nil {
		return GeometrySpec{}, err
	}
	flags, err := omm.ParseBakeFlags(p.Flags)
	if err != nil {
		return GeometrySpec{}, err
	}

	maxLevel := p.MaxSubdivisionLevel
	if maxLevel == 0 {
		maxLevel = DefaultPreset().MaxSubdivisionLevel
	}
	scale := p.DynamicSubdivisionScale
	if scale == 0 {
		scale = DefaultPreset().DynamicSubdivisionScale
	}

	return GeometrySpec{
		GeometryIndex:           geometryIndex,
		MaxSubdivisionLevel:     maxLevel,
		DynamicSubdivisionScale: scale,
		Format:                  format,
		Flags:                   flags,
		MaxArrayDataSize:        uint64(p.MaxArrayDataSizeMB) << 20,

		EnableSpecialIndices:        !p.DisableSpecialIndices,
		EnableLevelLineIntersection: !p.DisableLevelLineIntersection,
		EnableTexCoordDedup:         !p.DisableTexCoordDedup,
		Force32BitIndices:           p.Force32BitIndices,
		ComputeOnly:                 p.ComputeOnly,
	}, nil
}

// LoadPresets reads a named-preset YAML file:
//
//	foliage:
//	  max_subdivision_level: 7
//	  format: oc1-4-state
//	fences:
//	  max_subdivision_level: 4
//	  flags: fast-build
func LoadPresets(filename string) (map[string]BuildPreset, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	presets := make(map[string]BuildPreset)
	if err := yaml.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("micromap: parse presets %s: %w", filename, err)
	}
	return presets, nil
}

// SavePresets writes presets back in the LoadPresets format.
func SavePresets(filename string, presets map[string]BuildPreset) error {
	data, err := yaml.Marshal(presets)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}
