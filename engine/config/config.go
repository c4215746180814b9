package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/graph"
)

// triangleBytes is the size of one triangle of tightly packed float3 positions.
const triangleBytes = 3 * 12

type LogConfig struct {
	Level string `toml:"level"`
}

// Backends a dry run can record against.
const (
	BackendHeadless = "headless"
	BackendVulkan   = "vulkan"
)

type GraphConfig struct {
	/** @brief "headless" or "vulkan". */
	Backend string `toml:"backend"`
	/** @brief Enables the Khronos validation layer on the vulkan backend. */
	Validation          bool   `toml:"validation"`
	SyncMode            string `toml:"sync_mode"`
	Infer               bool   `toml:"infer"`
	Workers             int    `toml:"workers"`
	FramesInFlight      int    `toml:"frames_in_flight"`
	CrossWindowBarriers bool   `toml:"cross_window_barriers"`
}

type ShaderConfig struct {
	Root           string `toml:"root"`
	HotReload      bool   `toml:"hot_reload"`
	PollIntervalMs int    `toml:"poll_interval_ms"`
}

type AccelConfig struct {
	/** @brief Output plus scratch budget of one BLAS batch, in MiB. */
	BatchCeilingMiB uint64 `toml:"batch_ceiling_mib"`
	Compaction      bool   `toml:"compaction"`
}

/** @brief A buffer or image the dry-run graph declares. */
type ResourceConfig struct {
	Name string `toml:"name"`
	/** @brief "buffer" or "image". */
	Kind   string `toml:"kind"`
	Size   uint64 `toml:"size"`
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
	/** @brief "color" or "depth"; images only. */
	Aspect string `toml:"aspect"`
	/** @brief Buffers only: treat the buffer as a triangle list and build a BLAS over it. */
	Triangles uint32 `toml:"triangles"`
	/** @brief Placement of the mesh's TLAS instance. Scale 0 means 1. */
	Position  [3]float32 `toml:"position"`
	RotationY float32    `toml:"rotation_y"`
	Scale     float32    `toml:"scale"`
}

type CopyConfig struct {
	Src string `toml:"src"`
	Dst string `toml:"dst"`
}

/** @brief One pass of the dry-run graph, recorded every frame in file order. */
type PassConfig struct {
	Name string `toml:"name"`
	/** @brief "compute" or "graphics". */
	Kind string `toml:"kind"`

	Shader        string            `toml:"shader"`
	Entry         string            `toml:"entry"`
	Vertex        string            `toml:"vertex"`
	VertexEntry   string            `toml:"vertex_entry"`
	Fragment      string            `toml:"fragment"`
	FragmentEntry string            `toml:"fragment_entry"`
	Macros        map[string]string `toml:"macros"`
	Groups        [3]uint32         `toml:"groups"`
	PushConstants []uint32          `toml:"push_constants"`

	Colors []string `toml:"colors"`
	Depth  string   `toml:"depth"`

	Bind   []string     `toml:"bind"`
	Reads  []string     `toml:"reads"`
	Writes []string     `toml:"writes"`
	Zero   []string     `toml:"zero"`
	Copy   []CopyConfig `toml:"copy"`
	/** @brief Bind the top-level structure built over the triangle buffers. */
	BindTLAS bool `toml:"bind_tlas"`
}

type Config struct {
	Log       LogConfig        `toml:"log"`
	Graph     GraphConfig      `toml:"graph"`
	Shaders   ShaderConfig     `toml:"shaders"`
	Accel     AccelConfig      `toml:"accel"`
	Resources []ResourceConfig `toml:"resources"`
	Passes    []PassConfig     `toml:"passes"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Graph: GraphConfig{
			Backend:        BackendHeadless,
			SyncMode:       "barriers",
			Infer:          true,
			FramesInFlight: 2,
		},
		Shaders: ShaderConfig{
			Root:           "shaders",
			PollIntervalMs: 500,
		},
		Accel: AccelConfig{BatchCeilingMiB: accel.DefaultBatchCeiling >> 20},
	}
}

// Load reads a TOML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	core.LogDebug("config loaded from %s", path)
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("%w: line %d column %d: %s", core.ErrContractViolation, row, col, derr.Error())
		}
		return nil, fmt.Errorf("%w: %s", core.ErrContractViolation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the graph description: resource names are unique and every
// pass refers to declared resources of a fitting kind.
func (c *Config) Validate() error {
	if c.Graph.Backend != BackendHeadless && c.Graph.Backend != BackendVulkan {
		return fmt.Errorf("%w: unknown backend %q", core.ErrContractViolation, c.Graph.Backend)
	}
	if _, err := graph.ParseSyncMode(c.Graph.SyncMode); err != nil {
		return fmt.Errorf("%w: %s", core.ErrContractViolation, err)
	}

	kinds := make(map[string]string, len(c.Resources))
	meshes := 0
	for _, r := range c.Resources {
		if r.Name == "" {
			return fmt.Errorf("%w: resource without a name", core.ErrContractViolation)
		}
		if _, dup := kinds[r.Name]; dup {
			return fmt.Errorf("%w: resource %q declared twice", core.ErrContractViolation, r.Name)
		}
		switch r.Kind {
		case "buffer":
			if r.Size == 0 {
				return fmt.Errorf("%w: buffer %q has no size", core.ErrContractViolation, r.Name)
			}
			if uint64(r.Triangles)*triangleBytes > r.Size {
				return fmt.Errorf("%w: buffer %q is too small for %d triangles", core.ErrContractViolation, r.Name, r.Triangles)
			}
			if r.Triangles > 0 {
				meshes++
			}
		case "image":
			if r.Width == 0 || r.Height == 0 {
				return fmt.Errorf("%w: image %q has no extent", core.ErrContractViolation, r.Name)
			}
			if r.Aspect != "" && r.Aspect != "color" && r.Aspect != "depth" {
				return fmt.Errorf("%w: image %q has unknown aspect %q", core.ErrContractViolation, r.Name, r.Aspect)
			}
		default:
			return fmt.Errorf("%w: resource %q has unknown kind %q", core.ErrContractViolation, r.Name, r.Kind)
		}
		kinds[r.Name] = r.Kind
	}

	expect := func(pass, name, kind string) error {
		got, ok := kinds[name]
		if !ok {
			return fmt.Errorf("%w: pass %q uses undeclared resource %q", core.ErrUnboundResource, pass, name)
		}
		if kind != "" && got != kind {
			return fmt.Errorf("%w: pass %q needs %q to be a %s", core.ErrContractViolation, pass, name, kind)
		}
		return nil
	}

	for _, p := range c.Passes {
		switch p.Kind {
		case "compute":
			if p.Shader == "" {
				return fmt.Errorf("%w: compute pass %q has no shader", core.ErrContractViolation, p.Name)
			}
		case "graphics":
			if p.Vertex == "" || p.Fragment == "" {
				return fmt.Errorf("%w: graphics pass %q needs a vertex and a fragment shader", core.ErrContractViolation, p.Name)
			}
			for _, name := range p.Colors {
				if err := expect(p.Name, name, "image"); err != nil {
					return err
				}
			}
			if p.Depth != "" {
				if err := expect(p.Name, p.Depth, "image"); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: pass %q has unknown kind %q", core.ErrContractViolation, p.Name, p.Kind)
		}

		if p.BindTLAS && meshes == 0 {
			return fmt.Errorf("%w: pass %q binds the TLAS but no buffer has triangles", core.ErrContractViolation, p.Name)
		}
		for _, list := range [][]string{p.Bind, p.Reads, p.Writes} {
			for _, name := range list {
				if err := expect(p.Name, name, ""); err != nil {
					return err
				}
			}
		}
		for _, name := range p.Zero {
			if err := expect(p.Name, name, "buffer"); err != nil {
				return err
			}
		}
		for _, cp := range p.Copy {
			if err := expect(p.Name, cp.Src, "buffer"); err != nil {
				return err
			}
			if err := expect(p.Name, cp.Dst, "buffer"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) GraphSettings() (graph.Settings, error) {
	mode, err := graph.ParseSyncMode(c.Graph.SyncMode)
	if err != nil {
		return graph.Settings{}, fmt.Errorf("%w: %s", core.ErrContractViolation, err)
	}
	s := graph.DefaultSettings()
	s.SyncMode = mode
	s.InferDependencies = c.Graph.Infer
	if c.Graph.Workers > 0 {
		s.Workers = c.Graph.Workers
	}
	s.FramesInFlight = c.Graph.FramesInFlight
	s.CrossWindowBarriers = c.Graph.CrossWindowBarriers
	s.ShaderRoot = c.Shaders.Root
	s.HotReload = c.Shaders.HotReload
	s.PollInterval = time.Duration(c.Shaders.PollIntervalMs) * time.Millisecond
	return s, nil
}

// BatchCeiling is the BLAS batch budget in bytes.
func (c *Config) BatchCeiling() uint64 {
	return c.Accel.BatchCeilingMiB << 20
}
