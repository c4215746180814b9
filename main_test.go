package main

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/graph"
	"github.com/spaghettifunk/lumen/engine/renderer/headless"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
)

const simulateWGSL = `
@group(0) @binding(0) var<storage, read_write> particles: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    particles[id.x] = particles[id.x] + 1.0;
}
`

const dryRunConfig = `
[graph]
workers = 2

[accel]
compaction = true

[[resources]]
name = "particles"
kind = "buffer"
size = 4096

[[resources]]
name = "staging"
kind = "buffer"
size = 4096

[[resources]]
name = "mesh"
kind = "buffer"
size = 3600
triangles = 100

[[passes]]
name = "simulate"
kind = "compute"
shader = "simulate.wgsl"
groups = [16, 1, 1]
zero = ["particles"]
bind = ["particles"]

[[passes]]
name = "readback"
kind = "compute"
shader = "simulate.wgsl"
macros = { READBACK = "1" }
copy = [{ src = "particles", dst = "staging" }]
reads = ["particles"]
push_constants = [7]
`

type reflectingCompiler struct{}

func (reflectingCompiler) Compile(name, source string, stage metadata.ShaderStage) (*shader.Output, error) {
	bindings, err := shader.Reflect(name, source)
	if err != nil {
		return nil, err
	}
	return &shader.Output{Code: []byte(source), Bindings: bindings}, nil
}

func TestDryRun(t *testing.T) {
	cfg, err := config.Parse([]byte(dryRunConfig))
	require.NoError(t, err)

	fsys := fstest.MapFS{"simulate.wgsl": {Data: []byte(simulateWGSL)}}
	sum, err := dryRun(context.Background(), cfg, 3,
		graph.WithShaderFS(fsys),
		graph.WithCompiler(reflectingCompiler{}))
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Frames)
	assert.Equal(t, 3, sum.Submissions)
	assert.Equal(t, 2, sum.Pipelines, "a macro set makes a separate pipeline")
	assert.Equal(t, int64(2), sum.Compiles, "replayed frames do not compile again")
	assert.Equal(t, 1, sum.BLAS)
	require.Len(t, sum.Commands, 3)
	assert.NotZero(t, sum.Commands[0])
	assert.Equal(t, sum.Commands[1], sum.Commands[2], "replayed frames emit the same stream")
}

func TestDryRunStopsWhenCancelled(t *testing.T) {
	cfg, err := config.Parse([]byte(dryRunConfig))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := dryRun(ctx, cfg, 5,
		graph.WithShaderFS(fstest.MapFS{"simulate.wgsl": {Data: []byte(simulateWGSL)}}),
		graph.WithCompiler(reflectingCompiler{}))
	require.NoError(t, err)
	assert.Zero(t, sum.Frames)
}

func TestBuildAccelPlacesInstances(t *testing.T) {
	cfg, err := config.Parse([]byte(`
[[resources]]
name = "mesh"
kind = "buffer"
size = 360
triangles = 10
position = [1.0, 2.0, 3.0]
scale = 2.0
`))
	require.NoError(t, err)

	g, err := graph.New(headless.NewDevice(), graph.DefaultSettings())
	require.NoError(t, err)
	defer g.Destroy()

	sc, err := newScene(g, headlessResources{}, cfg.Resources)
	require.NoError(t, err)
	device := headless.NewAccelDevice(false)
	builder := accel.NewBuilder(device)
	defer builder.Destroy()

	n, err := sc.buildAccel(builder, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NotNil(t, sc.tlas)

	require.Len(t, device.Uploaded, 1)
	for _, instances := range device.Uploaded {
		require.Len(t, instances, 1)
		assert.Equal(t, [12]float32{
			2, 0, 0, 1,
			0, 2, 0, 2,
			0, 0, 2, 3,
		}, instances[0].Transform)
		assert.Equal(t, uint8(0xFF), instances[0].Mask)
	}
}

func TestPushConstantsAndMacros(t *testing.T) {
	assert.Nil(t, pushConstants(nil))
	assert.Equal(t, []byte{7, 0, 0, 0, 1, 0, 0, 0}, pushConstants([]uint32{7, 1}))

	assert.Equal(t, []shader.Macro{{Name: "A", Value: "1"}, {Name: "B"}}, macros(map[string]string{"B": "", "A": "1"}))
}

func TestNewBackend(t *testing.T) {
	cfg := config.Default()

	b, err := newBackend(cfg.Graph.Backend, cfg, nil)
	require.NoError(t, err)
	defer b.destroy()
	assert.Equal(t, config.BackendHeadless, b.name)
	assert.IsType(t, &headless.Device{}, b.device)
	assert.IsType(t, &headless.Recorder{}, b.recorder)
	assert.NotNil(t, b.accel)

	_, err = newBackend("metal", cfg, nil)
	assert.ErrorIs(t, err, core.ErrContractViolation)
}

func TestHeadlessBackendEndFrame(t *testing.T) {
	b := newHeadlessBackend(config.Default())
	rec := b.recorder.(*headless.Recorder)
	rec.Dispatch(1, 1, 1)
	require.NoError(t, rec.Submit())
	rec.Dispatch(2, 1, 1)

	commands, submissions := b.endFrame(0, graph.StateRecording)
	assert.Equal(t, 2, commands)
	assert.Equal(t, 1, submissions)
	assert.Empty(t, rec.All())
}
