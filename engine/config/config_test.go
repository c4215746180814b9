package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/graph"
)

const sample = `
[log]
level = "debug"

[graph]
sync_mode = "events"
workers = 3
frames_in_flight = 3
cross_window_barriers = true

[shaders]
root = "assets/shaders"
hot_reload = true
poll_interval_ms = 250

[accel]
batch_ceiling_mib = 64

[[resources]]
name = "particles"
kind = "buffer"
size = 4096

[[resources]]
name = "staging"
kind = "buffer"
size = 4096
triangles = 100
position = [1.0, 2.0, 3.0]
scale = 2.0

[[resources]]
name = "hdr"
kind = "image"
width = 640
height = 480

[[passes]]
name = "simulate"
kind = "compute"
shader = "simulate.wgsl"
groups = [16, 1, 1]
zero = ["particles"]
writes = ["particles"]
macros = { MAX_PARTICLES = "1024" }

[[passes]]
name = "draw"
kind = "graphics"
vertex = "draw.wgsl"
fragment = "draw.wgsl"
colors = ["hdr"]
reads = ["particles"]
copy = [{ src = "particles", dst = "staging" }]
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Graph.Infer, "unset keys keep their defaults")
	require.Len(t, cfg.Resources, 3)
	require.Len(t, cfg.Passes, 2)
	assert.Equal(t, [3]uint32{16, 1, 1}, cfg.Passes[0].Groups)
	assert.Equal(t, "1024", cfg.Passes[0].Macros["MAX_PARTICLES"])
	assert.Equal(t, []CopyConfig{{Src: "particles", Dst: "staging"}}, cfg.Passes[1].Copy)
	assert.Equal(t, [3]float32{1, 2, 3}, cfg.Resources[1].Position)
	assert.Equal(t, float32(2), cfg.Resources[1].Scale)
	assert.Equal(t, uint64(64<<20), cfg.BatchCeiling())

	s, err := cfg.GraphSettings()
	require.NoError(t, err)
	assert.Equal(t, graph.SyncEvents, s.SyncMode)
	assert.Equal(t, 3, s.Workers)
	assert.Equal(t, 3, s.FramesInFlight)
	assert.True(t, s.CrossWindowBarriers)
	assert.True(t, s.HotReload)
	assert.Equal(t, "assets/shaders", s.ShaderRoot)
	assert.Equal(t, 250*time.Millisecond, s.PollInterval)
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	s, err := cfg.GraphSettings()
	require.NoError(t, err)
	def := graph.DefaultSettings()
	assert.Equal(t, def.SyncMode, s.SyncMode)
	assert.Equal(t, def.Workers, s.Workers)
	assert.Equal(t, def.FramesInFlight, s.FramesInFlight)
	assert.Equal(t, def.ShaderRoot, s.ShaderRoot)
	assert.Equal(t, def.PollInterval, s.PollInterval)
	assert.Equal(t, uint64(256<<20), cfg.BatchCeiling())
	assert.Equal(t, BackendHeadless, cfg.Graph.Backend)
	assert.False(t, cfg.Graph.Validation)
}

func TestParseVulkanBackend(t *testing.T) {
	cfg, err := Parse([]byte("[graph]\nbackend = \"vulkan\"\nvalidation = true\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendVulkan, cfg.Graph.Backend)
	assert.True(t, cfg.Graph.Validation)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		err  error
	}{
		{"unknown key", "[graph]\nsync = \"events\"\n", core.ErrContractViolation},
		{"bad syntax", "[graph\n", core.ErrContractViolation},
		{"sync mode", "[graph]\nsync_mode = \"fences\"\n", core.ErrContractViolation},
		{"backend", "[graph]\nbackend = \"metal\"\n", core.ErrContractViolation},
		{"duplicate resource", `
[[resources]]
name = "a"
kind = "buffer"
size = 4
[[resources]]
name = "a"
kind = "buffer"
size = 4
`, core.ErrContractViolation},
		{"undeclared resource", `
[[passes]]
name = "p"
kind = "compute"
shader = "p.wgsl"
reads = ["missing"]
`, core.ErrUnboundResource},
		{"zero an image", `
[[resources]]
name = "img"
kind = "image"
width = 4
height = 4
[[passes]]
name = "p"
kind = "compute"
shader = "p.wgsl"
zero = ["img"]
`, core.ErrContractViolation},
		{"graphics without fragment", `
[[passes]]
name = "p"
kind = "graphics"
vertex = "v.wgsl"
`, core.ErrContractViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.toml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Passes, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
