// Package camera loads named sensor QE profiles.
package camera

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"duosplit/internal/genotype"
	"duosplit/internal/model"
)

var (
	ErrUnknownCamera  = errors.New("unknown camera")
	ErrInvalidProfile = errors.New("invalid camera profile")
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

type document struct {
	Cameras []model.Camera `yaml:"cameras" json:"cameras"`
}

// Catalog is an ordered set of camera profiles with unique, case-insensitive
// names.
type Catalog struct {
	cameras []model.Camera
	index   map[string]int
}

func NewCatalog(cameras ...model.Camera) (*Catalog, error) {
	c := &Catalog{index: make(map[string]int, len(cameras))}
	for _, cam := range cameras {
		if err := c.add(cam, false); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Builtin returns the nominal profiles shipped with the binary.
func Builtin() *Catalog {
	c, err := NewCatalog(builtinCameras()...)
	if err != nil {
		panic(fmt.Sprintf("builtin camera table: %v", err))
	}
	return c
}

func builtinCameras() []model.Camera {
	version := model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	return []model.Camera{
		{
			VersionedRecord: version,
			Name:            "generic-osc",
			QEMatrix: model.QEMatrix{
				Red:   model.QuantumEfficiency{HydrogenAlpha: 0.85, OxygenIII: 0.04},
				Green: model.QuantumEfficiency{HydrogenAlpha: 0.12, OxygenIII: 0.72},
				Blue:  model.QuantumEfficiency{HydrogenAlpha: 0.03, OxygenIII: 0.48},
			},
		},
		{
			VersionedRecord: version,
			Name:            "generic-osc-ir",
			QEMatrix: model.QEMatrix{
				Red:   model.QuantumEfficiency{HydrogenAlpha: 0.92, OxygenIII: 0.06},
				Green: model.QuantumEfficiency{HydrogenAlpha: 0.21, OxygenIII: 0.69},
				Blue:  model.QuantumEfficiency{HydrogenAlpha: 0.08, OxygenIII: 0.51},
			},
		},
	}
}

// Load reads a YAML or JSON profile file. The document is either a single
// camera or a mapping with a "cameras" list.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read camera profiles: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes profile data. JSON is accepted as YAML flow syntax.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if len(doc.Cameras) == 0 {
		var single model.Camera
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
		}
		if single.Name == "" {
			return nil, fmt.Errorf("%w: no cameras defined", ErrInvalidProfile)
		}
		doc.Cameras = []model.Camera{single}
	}
	for i := range doc.Cameras {
		if doc.Cameras[i].SchemaVersion == 0 {
			doc.Cameras[i].SchemaVersion = CurrentSchemaVersion
		}
		if doc.Cameras[i].CodecVersion == 0 {
			doc.Cameras[i].CodecVersion = CurrentCodecVersion
		}
	}
	return NewCatalog(doc.Cameras...)
}

// Merge returns a catalog holding c's profiles overridden by other's.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	out := &Catalog{index: make(map[string]int, len(c.cameras))}
	for _, cam := range c.cameras {
		_ = out.add(cam, true)
	}
	if other != nil {
		for _, cam := range other.cameras {
			_ = out.add(cam, true)
		}
	}
	return out
}

func (c *Catalog) Find(name string) (model.Camera, error) {
	idx, ok := c.index[key(name)]
	if !ok {
		return model.Camera{}, fmt.Errorf("%w: %q (known: %s)", ErrUnknownCamera, name, strings.Join(c.Names(), ", "))
	}
	return c.cameras[idx], nil
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.cameras))
	for _, cam := range c.cameras {
		names = append(names, cam.Name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) All() []model.Camera {
	out := make([]model.Camera, len(c.cameras))
	copy(out, c.cameras)
	return out
}

func (c *Catalog) Len() int {
	return len(c.cameras)
}

// Encode writes the catalog as "json" or "yaml".
func (c *Catalog) Encode(w io.Writer, format string) error {
	doc := document{Cameras: c.All()}
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported camera format: %s", format)
	}
}

// Save writes the catalog to path, choosing the format by extension.
func (c *Catalog) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create camera profiles: %w", err)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if err := c.Encode(f, format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *Catalog) add(cam model.Camera, replace bool) error {
	if strings.TrimSpace(cam.Name) == "" {
		return fmt.Errorf("%w: camera name is required", ErrInvalidProfile)
	}
	if err := genotype.ValidateQE(cam.QEMatrix); err != nil {
		return fmt.Errorf("%w: camera %q: %v", ErrInvalidProfile, cam.Name, err)
	}
	k := key(cam.Name)
	if idx, ok := c.index[k]; ok {
		if !replace {
			return fmt.Errorf("%w: duplicate camera %q", ErrInvalidProfile, cam.Name)
		}
		c.cameras[idx] = cam
		return nil
	}
	c.index[k] = len(c.cameras)
	c.cameras = append(c.cameras, cam)
	return nil
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
