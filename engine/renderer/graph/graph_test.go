package graph

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/headless"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
)

const copyWGSL = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    dst[id.x] = src[id.x];
}
`

const readWGSL = `
@group(0) @binding(0) var<storage, read> values: array<f32>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let v = values[id.x];
}
`

// testCompiler reflects real WGSL but skips code generation. Sources
// containing "broken" fail to compile.
type testCompiler struct {
	mu    sync.Mutex
	calls int
}

func (tc *testCompiler) Compile(name, source string, stage metadata.ShaderStage) (*shader.Output, error) {
	tc.mu.Lock()
	tc.calls++
	tc.mu.Unlock()
	if strings.Contains(source, "broken") {
		return nil, fmt.Errorf("%w: %s is broken", core.ErrShaderCompile, name)
	}
	var bindings []shader.Binding
	if strings.Contains(source, "@group") {
		var err error
		bindings, err = shader.Reflect(name, source)
		if err != nil {
			return nil, err
		}
	}
	return &shader.Output{Code: []byte(source), Bindings: bindings}, nil
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"simulate.wgsl": {Data: []byte("// simulate\n")},
		"shade.wgsl":    {Data: []byte("// shade\n")},
		"blur.wgsl":     {Data: []byte("#ifdef HORIZONTAL\n// h\n#endif\n")},
		"copy.wgsl":     {Data: []byte(copyWGSL)},
		"read.wgsl":     {Data: []byte(readWGSL)},
		"gbuffer.vert":  {Data: []byte("// vertex\n")},
		"gbuffer.frag":  {Data: []byte("// fragment\n")},
		"trace.rgen":    {Data: []byte("// raygen\n")},
		"trace.rmiss":   {Data: []byte("// miss\n")},
		"broken.wgsl":   {Data: []byte("broken\n")},
	}
}

type fixture struct {
	graph    *RenderGraph
	device   *headless.Device
	events   *headless.EventPool
	compiler *testCompiler
	rec      *headless.Recorder
}

func newFixture(t *testing.T, settings Settings, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		device:   headless.NewDevice(),
		events:   headless.NewEventPool(),
		compiler: &testCompiler{},
		rec:      headless.NewRecorder(),
	}
	if settings.Workers == 0 {
		settings.Workers = 4
	}
	opts = append([]Option{
		WithShaderFS(testFS()),
		WithCompiler(f.compiler),
		WithEventPool(f.events),
	}, opts...)
	g, err := New(f.device, settings, opts...)
	require.NoError(t, err)
	t.Cleanup(g.Destroy)
	f.graph = g
	return f
}

func compute(path string) ComputeSettings {
	return ComputeSettings{
		Shader: shader.Source{Path: path, Stage: metadata.ShaderStageCompute},
		Groups: [3]uint32{64, 1, 1},
	}
}

func (f *fixture) buffer(name string) *metadata.Buffer {
	buf := &metadata.Buffer{Name: name, Size: 4096}
	f.graph.RegisterBuffer(buf)
	return buf
}

func (f *fixture) image(name string, layout metadata.ImageLayout) *metadata.Image {
	img := &metadata.Image{Name: name, Width: 64, Height: 64, Aspect: metadata.AspectColor, Layout: layout}
	f.graph.RegisterImage(img)
	return img
}

func ops(cmds []headless.Command) []headless.Op {
	out := make([]headless.Op, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Op)
	}
	return out
}

func TestDependencyBecomesSingleBarrier(t *testing.T) {
	f := newFixture(t, Settings{SyncMode: SyncBarriers})
	particles := f.buffer("particles")

	a := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(particles).Write(particles)
	b := f.graph.AddCompute("shade", compute("shade.wgsl")).Bind(particles).Read(particles)
	require.NoError(t, f.graph.Run(f.rec))

	assert.Equal(t, []headless.Op{
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
		headless.OpPipelineBarrier,
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
	}, ops(f.rec.Commands))

	batch := f.rec.Commands[3].Batch
	require.Len(t, batch.Buffers, 1)
	assert.Same(t, particles, batch.Buffers[0].Buffer)
	assert.Equal(t, metadata.AccessShaderWrite, batch.Buffers[0].SrcAccess)
	assert.Equal(t, metadata.AccessShaderRead, batch.Buffers[0].DstAccess)
	assert.Equal(t, metadata.StageCompute, batch.SrcStage)
	assert.Equal(t, metadata.StageCompute, batch.DstStage)

	assert.Equal(t, 1, b.Waits())
	assert.Equal(t, 1, a.Sets())
	assert.Equal(t, 0, f.rec.Count(headless.OpWaitEvents))
}

func TestFinalizeOutOfOrderResolvesInDeclarationOrder(t *testing.T) {
	f := newFixture(t, Settings{SyncMode: SyncBarriers})
	particles := f.buffer("particles")

	a := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(particles).Write(particles)
	b := f.graph.AddCompute("shade", compute("shade.wgsl")).Bind(particles).Read(particles)
	require.NoError(t, b.Finalize())
	require.NoError(t, a.Finalize())
	require.NoError(t, f.graph.Run(f.rec))

	assert.Equal(t, []headless.Op{
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
		headless.OpPipelineBarrier,
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
	}, ops(f.rec.Commands))
	assert.Equal(t, 0, a.ImmediateBarriers())
	assert.Equal(t, 0, a.Waits())
	assert.Equal(t, 1, b.Waits())
	assert.Equal(t, metadata.AccessShaderWrite, f.rec.Commands[3].Batch.Buffers[0].SrcAccess)
}

func TestDependencyBecomesEventPair(t *testing.T) {
	f := newFixture(t, Settings{SyncMode: SyncEvents})
	particles := f.buffer("particles")

	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(particles).Write(particles)
	f.graph.AddCompute("shade", compute("shade.wgsl")).Bind(particles).Read(particles)
	require.NoError(t, f.graph.Run(f.rec))

	assert.Equal(t, []headless.Op{
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
		headless.OpSetEvent,
		headless.OpWaitEvents,
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
	}, ops(f.rec.Commands))

	set := f.rec.Commands[3]
	wait := f.rec.Commands[4]
	require.Len(t, wait.Events, 1)
	assert.Equal(t, set.Events[0], wait.Events[0])
	assert.Len(t, wait.Batch.Buffers, 1)
	assert.Equal(t, 1, f.events.InUse())

	require.NoError(t, f.graph.Submit(f.rec))
	f.graph.Reset()
	assert.Equal(t, 0, f.events.InUse())
	assert.Equal(t, 1, f.events.Resets)
}

func TestEventsRequireAPool(t *testing.T) {
	_, err := New(headless.NewDevice(), Settings{SyncMode: SyncEvents}, WithShaderFS(testFS()))
	assert.ErrorIs(t, err, core.ErrContractViolation)
}

func TestReplayReusesPassesAndPipelines(t *testing.T) {
	f := newFixture(t, Settings{})
	particles := f.buffer("particles")

	frame := func() (*Pass, *Pass) {
		a := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(particles).Write(particles)
		b := f.graph.AddCompute("shade", compute("shade.wgsl")).Bind(particles).Read(particles)
		require.NoError(t, f.graph.Run(f.rec))
		require.NoError(t, f.graph.Submit(f.rec))
		f.graph.Reset()
		return a, b
	}

	a1, b1 := frame()
	assert.Equal(t, int64(2), f.graph.ShaderCache().CompileCount())
	obj := a1.Pipeline().Object

	a2, b2 := frame()
	assert.Same(t, a1, a2)
	assert.Same(t, b1, b2)
	assert.Equal(t, obj, a2.Pipeline().Object)
	assert.Equal(t, int64(2), f.graph.ShaderCache().CompileCount())
	assert.Equal(t, 2, f.compiler.calls)
	assert.Equal(t, int64(2), f.device.Created())
	assert.Equal(t, 2, f.graph.PipelineCount())

	require.Len(t, f.rec.Submitted, 2)
	assert.Equal(t, ops(f.rec.Submitted[0]), ops(f.rec.Submitted[1]))
}

func TestStateMachine(t *testing.T) {
	f := newFixture(t, Settings{})
	buf := f.buffer("buf")
	assert.Equal(t, StateRecording, f.graph.State())

	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
	assert.Equal(t, StateRecording, f.graph.State())
	require.NoError(t, f.graph.Run(f.rec))
	assert.Equal(t, StateRunning, f.graph.State())
	require.NoError(t, f.graph.Submit(f.rec))
	assert.Equal(t, StateSubmitted, f.graph.State())
	f.graph.Reset()
	assert.Equal(t, StateReset, f.graph.State())

	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
	assert.Equal(t, StateReplay, f.graph.State())
}

func TestResetTwiceIsNoop(t *testing.T) {
	f := newFixture(t, Settings{SyncMode: SyncEvents})
	buf := f.buffer("buf")
	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
	require.NoError(t, f.graph.Run(f.rec))

	f.graph.Reset()
	frame := f.graph.FrameIndex()
	resets := f.events.Resets
	f.graph.Reset()
	assert.Equal(t, frame, f.graph.FrameIndex())
	assert.Equal(t, resets, f.events.Resets)
	assert.Equal(t, StateReset, f.graph.State())
}

func TestReadsNeverSynchronizeWithReads(t *testing.T) {
	f := newFixture(t, Settings{})
	lut := f.buffer("lut")
	tex := f.image("noise", metadata.LayoutShaderReadOnly)

	var passes []*Pass
	for _, name := range []string{"simulate", "shade", "blur"} {
		passes = append(passes, f.graph.AddCompute(name, compute(name+".wgsl")).Read(lut).Read(tex))
	}
	require.NoError(t, f.graph.Run(f.rec))

	for _, p := range passes {
		assert.Zero(t, p.Waits(), p.Name())
		assert.Zero(t, p.Sets(), p.Name())
		assert.Zero(t, p.ImmediateBarriers(), p.Name())
		assert.Zero(t, p.LayoutTransitions(), p.Name())
	}
	assert.Zero(t, f.rec.Count(headless.OpPipelineBarrier))
}

func TestConflictingAccessesAreOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		f := newFixture(t, Settings{SyncMode: SyncMode(round % 2)})
		buffers := make([]*metadata.Buffer, 4)
		for i := range buffers {
			buffers[i] = f.buffer("b" + string(rune('0'+i)))
		}

		type use struct{ read, write bool }
		uses := make([][]use, 10)
		var passes []*Pass
		for i := range uses {
			uses[i] = make([]use, len(buffers))
			p := f.graph.AddCompute("p"+string(rune('a'+i)), compute("simulate.wgsl"))
			for j, buf := range buffers {
				switch rng.Intn(4) {
				case 1:
					p.Read(buf)
					uses[i][j].read = true
				case 2:
					p.Write(buf)
					uses[i][j].write = true
				case 3:
					p.Read(buf).Write(buf)
					uses[i][j] = use{read: true, write: true}
				}
			}
			passes = append(passes, p)
		}
		require.NoError(t, f.graph.Run(f.rec))

		edges := make(map[int][]int)
		for _, p := range passes {
			for k, d := range p.waits.buffers {
				assert.True(t, d.SrcAccess.HasWrite() || d.DstAccess.HasWrite(), "sync between two reads")
				edges[k.pass] = append(edges[k.pass], p.index)
			}
			for k, d := range p.immediate.buffers {
				assert.True(t, d.SrcAccess.HasWrite() || d.DstAccess.HasWrite(), "sync between two reads")
				edges[k.pass] = append(edges[k.pass], p.index)
			}
		}
		reachable := func(from, to int) bool {
			seen := map[int]bool{from: true}
			stack := []int{from}
			for len(stack) > 0 {
				n := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if n == to {
					return true
				}
				for _, next := range edges[n] {
					if !seen[next] {
						seen[next] = true
						stack = append(stack, next)
					}
				}
			}
			return false
		}

		for i := range uses {
			for j := i + 1; j < len(uses); j++ {
				for r := range buffers {
					a, b := uses[i][r], uses[j][r]
					if (a.write && (b.read || b.write)) || (b.write && (a.read || a.write)) {
						assert.True(t, reachable(passes[i].index, passes[j].index),
							"round %d: pass %d and %d conflict on %s", round, i, j, buffers[r].Name)
					}
				}
			}
		}
	}
}

func TestBindCountMismatchOnReplay(t *testing.T) {
	f := newFixture(t, Settings{})
	a, b := f.buffer("a"), f.buffer("b")

	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(a).Bind(b).Write(b)
	require.NoError(t, f.graph.Run(f.rec))
	require.NoError(t, f.graph.Submit(f.rec))
	f.graph.Reset()
	f.rec.Reset()

	p := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(a)
	assert.ErrorIs(t, p.Finalize(), core.ErrBindingMismatch)
	err := f.graph.Run(f.rec)
	assert.ErrorIs(t, err, core.ErrBindingMismatch)
	assert.ErrorIs(t, err, core.ErrContractViolation)
	assert.Empty(t, f.rec.Commands)
}

func TestUnboundResourcesAreRejected(t *testing.T) {
	f := newFixture(t, Settings{})
	loose := &metadata.Buffer{Name: "loose"}
	var typedNil *metadata.Buffer

	for _, res := range []metadata.Resource{loose, nil, typedNil} {
		p := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(res)
		assert.ErrorIs(t, p.Err(), core.ErrUnboundResource)
		f.graph.Reset()
	}

	buf := f.buffer("buf")
	require.NoError(t, f.graph.UnregisterResource(buf))
	assert.Equal(t, metadata.InvalidResourceID, buf.ID)
	assert.ErrorIs(t, f.graph.UnregisterResource(buf), core.ErrUnboundResource)
	p := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Read(buf)
	assert.ErrorIs(t, p.Finalize(), core.ErrUnboundResource)
}

func TestRegisterIsIdempotent(t *testing.T) {
	f := newFixture(t, Settings{})
	buf := &metadata.Buffer{Name: "buf"}
	id := f.graph.RegisterBuffer(buf)
	assert.NotEqual(t, metadata.InvalidResourceID, id)
	assert.Equal(t, id, f.graph.RegisterBuffer(buf))

	img := &metadata.Image{Name: "img"}
	assert.NotEqual(t, id, f.graph.RegisterImage(img))
}

func TestSubmittedProducerIsSkipped(t *testing.T) {
	for _, crossWindow := range []bool{false, true} {
		f := newFixture(t, Settings{CrossWindowBarriers: crossWindow})
		buf := f.buffer("buf")

		f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
		require.NoError(t, f.graph.Run(f.rec))
		require.NoError(t, f.graph.Submit(f.rec))

		b := f.graph.AddCompute("shade", compute("shade.wgsl")).Read(buf)
		require.NoError(t, f.graph.Run(f.rec))

		assert.Zero(t, b.Waits())
		if crossWindow {
			assert.Equal(t, 1, b.ImmediateBarriers())
			assert.Equal(t, headless.OpPipelineBarrier, f.rec.Commands[0].Op)
		} else {
			assert.Zero(t, b.ImmediateBarriers())
			assert.Zero(t, f.rec.Count(headless.OpPipelineBarrier))
		}
	}
}

func TestSubmitBeforeRunIsRejected(t *testing.T) {
	f := newFixture(t, Settings{})
	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(f.buffer("buf"))
	assert.ErrorIs(t, f.graph.Submit(f.rec), core.ErrContractViolation)
}

func TestWindowSubmittedEvent(t *testing.T) {
	f := newFixture(t, Settings{})
	var passes atomic.Int32
	f.graph.EventBus().Register(core.EVENT_CODE_WINDOW_SUBMITTED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		passes.Add(data.Data.I32[0])
		return true
	})

	buf := f.buffer("buf")
	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
	f.graph.AddCompute("shade", compute("shade.wgsl")).Read(buf)
	require.NoError(t, f.graph.Run(f.rec))
	require.NoError(t, f.graph.Submit(f.rec))
	assert.Equal(t, int32(2), passes.Load())
}

func TestImageLayoutTransitions(t *testing.T) {
	f := newFixture(t, Settings{})
	ready := f.image("ready", metadata.LayoutShaderReadOnly)
	fresh := f.image("fresh", metadata.LayoutUndefined)

	a := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Read(ready).Write(fresh)
	b := f.graph.AddCompute("shade", compute("shade.wgsl")).Read(fresh)
	require.NoError(t, f.graph.Run(f.rec))

	// only the undefined image needs a transition in the first pass
	assert.Equal(t, 1, a.LayoutTransitions())
	assert.Equal(t, 0, b.LayoutTransitions())
	assert.Equal(t, 1, b.Waits())

	var barriers []metadata.BarrierBatch
	for _, c := range f.rec.Commands {
		if c.Op == headless.OpPipelineBarrier {
			barriers = append(barriers, c.Batch)
		}
	}
	require.Len(t, barriers, 2)
	require.Len(t, barriers[0].Images, 1)
	assert.Equal(t, metadata.LayoutUndefined, barriers[0].Images[0].OldLayout)
	assert.Equal(t, metadata.LayoutGeneral, barriers[0].Images[0].NewLayout)
	require.Len(t, barriers[1].Images, 1)
	assert.Equal(t, metadata.LayoutGeneral, barriers[1].Images[0].OldLayout)
	assert.Equal(t, metadata.LayoutShaderReadOnly, barriers[1].Images[0].NewLayout)
	assert.Equal(t, metadata.LayoutShaderReadOnly, fresh.Layout)
	assert.Equal(t, metadata.LayoutShaderReadOnly, ready.Layout)
}

func TestZeroAndCopyOrdering(t *testing.T) {
	f := newFixture(t, Settings{})
	counter := f.buffer("counter")
	readback := f.buffer("readback")

	f.graph.AddCompute("simulate", compute("simulate.wgsl")).
		Zero(counter).
		Bind(counter).
		Write(counter).
		Copy(counter, readback)
	require.NoError(t, f.graph.Run(f.rec))

	assert.Equal(t, []headless.Op{
		headless.OpFillBuffer,
		headless.OpPipelineBarrier,
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
		headless.OpPipelineBarrier,
		headless.OpCopyBuffer,
	}, ops(f.rec.Commands))

	zeroBarrier := f.rec.Commands[1].Batch
	assert.Equal(t, metadata.StageTransfer, zeroBarrier.SrcStage)
	assert.Equal(t, metadata.AccessTransferWrite, zeroBarrier.Buffers[0].SrcAccess)

	copyCmd := f.rec.Commands[6]
	assert.Same(t, counter, copyCmd.Buffer)
	assert.Same(t, readback, copyCmd.Dst)
	assert.Equal(t, uint64(4096), copyCmd.Regions[0].Size)
}

func TestZeroWaitsForEarlierWriter(t *testing.T) {
	f := newFixture(t, Settings{SyncMode: SyncBarriers})
	counter := f.buffer("counter")

	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(counter).Write(counter)
	f.graph.AddCompute("shade", compute("shade.wgsl")).Zero(counter).Bind(counter).Write(counter)
	require.NoError(t, f.graph.Run(f.rec))

	assert.Equal(t, []headless.Op{
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
		headless.OpPipelineBarrier,
		headless.OpFillBuffer,
		headless.OpPipelineBarrier,
		headless.OpBindPipeline, headless.OpBindResources, headless.OpDispatch,
	}, ops(f.rec.Commands))

	fill := f.rec.Commands[3].Batch
	require.Len(t, fill.Buffers, 1)
	assert.Same(t, counter, fill.Buffers[0].Buffer)
	assert.Equal(t, metadata.AccessShaderWrite, fill.Buffers[0].SrcAccess)
	assert.Equal(t, metadata.AccessTransferWrite, fill.Buffers[0].DstAccess)
	assert.Equal(t, metadata.StageCompute, fill.SrcStage)
	assert.Equal(t, metadata.StageTransfer, fill.DstStage)
}

func TestPushConstantsArePadded(t *testing.T) {
	f := newFixture(t, Settings{})
	p := f.graph.AddCompute("simulate", compute("simulate.wgsl")).PushConstants([]byte{1, 2, 3, 4, 5})
	require.NoError(t, f.graph.Run(f.rec))

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 0, 0, 0}, p.PushConstantData())
	assert.Equal(t, 1, f.rec.Count(headless.OpPushConstants))
	desc := p.Pipeline().Object.(*headless.Pipeline).Desc
	assert.Equal(t, uint32(8), desc.PushConstantSize)
	assert.Equal(t, metadata.ShaderStageCompute, desc.PushConstantStages)
}

func TestSkipExecutionKeepsReplaySlot(t *testing.T) {
	f := newFixture(t, Settings{})
	buf := f.buffer("buf")

	a := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf).SkipExecution()
	b := f.graph.AddCompute("shade", compute("shade.wgsl")).Read(buf)
	require.NoError(t, f.graph.Run(f.rec))

	assert.True(t, a.Skipped())
	assert.Zero(t, b.Waits())
	assert.Equal(t, 1, f.rec.Count(headless.OpDispatch))
	require.NoError(t, f.graph.Submit(f.rec))
	f.graph.Reset()

	again := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
	assert.Same(t, a, again)
	assert.False(t, again.Skipped())
}

func TestInferenceFromReflectedBindings(t *testing.T) {
	f := newFixture(t, Settings{InferDependencies: true})
	input, output := f.buffer("input"), f.buffer("output")

	a := f.graph.AddCompute("copy", compute("copy.wgsl")).Bind(input).Bind(output)
	b := f.graph.AddCompute("read", compute("read.wgsl")).Bind(output)
	require.NoError(t, a.Finalize())
	require.NoError(t, b.Finalize())
	require.NoError(t, f.graph.Run(f.rec))

	waits := b.BufferWaits()
	require.Len(t, waits, 1)
	assert.Same(t, output, waits[0].Buffer)
	assert.Equal(t, metadata.AccessShaderRead|metadata.AccessShaderWrite, waits[0].SrcAccess)
	assert.Equal(t, metadata.AccessShaderRead, waits[0].DstAccess)
	assert.Equal(t, a.Index(), waits[0].OpposingPass)

	res := f.rec.Commands[1].Resources
	require.Len(t, res, 2)
	assert.Equal(t, metadata.DescriptorStorageBuffer, res[0].Kind)
}

func TestInferenceWithoutReflectionIsConservative(t *testing.T) {
	f := newFixture(t, Settings{InferDependencies: true})
	buf := f.buffer("buf")

	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Bind(buf)
	b := f.graph.AddCompute("shade", compute("shade.wgsl")).BindAs(buf, metadata.AccessShaderRead)
	require.NoError(t, f.graph.Run(f.rec))

	waits := b.BufferWaits()
	require.Len(t, waits, 1)
	assert.Equal(t, metadata.AccessShaderRead|metadata.AccessShaderWrite, waits[0].SrcAccess)
}

func TestSharedShaderFileBuildsSerially(t *testing.T) {
	f := newFixture(t, Settings{})
	buf := f.buffer("buf")

	h := compute("blur.wgsl")
	h.Macros = []shader.Macro{{Name: "HORIZONTAL"}}
	f.graph.AddCompute("blur_h", h).Write(buf)
	f.graph.AddCompute("blur_v", compute("blur.wgsl")).Read(buf).Write(buf)
	for _, p := range f.graph.Passes() {
		require.NoError(t, p.Finalize())
	}
	assert.Len(t, f.graph.deferredBuilds, 1)

	require.NoError(t, f.graph.Run(f.rec))
	assert.Equal(t, int64(2), f.device.Created())
	assert.Equal(t, int64(2), f.graph.ShaderCache().CompileCount())
	assert.Empty(t, f.graph.deferredBuilds)
}

func TestPipelineBuildFailure(t *testing.T) {
	f := newFixture(t, Settings{})
	buf := f.buffer("buf")
	f.graph.AddCompute("broken", compute("broken.wgsl")).Write(buf)
	err := f.graph.Run(f.rec)
	assert.ErrorIs(t, err, core.ErrShaderCompile)
	assert.ErrorContains(t, err, "broken")
	assert.Empty(t, f.rec.Commands)

	f.graph.Reset()
	p := f.graph.AddCompute("broken", compute("broken.wgsl")).Write(buf)
	assert.ErrorIs(t, p.Finalize(), core.ErrShaderCompile)
}

func TestGraphicsPassUsesAttachments(t *testing.T) {
	f := newFixture(t, Settings{})
	albedo := f.image("albedo", metadata.LayoutUndefined)
	depth := &metadata.Image{Name: "depth", Aspect: metadata.AspectDepth}
	f.graph.RegisterImage(depth)

	recorded := false
	p := f.graph.AddGraphics("gbuffer", GraphicsSettings{
		Vertex:     shader.Source{Path: "gbuffer.vert", Stage: metadata.ShaderStageVertex},
		Fragment:   shader.Source{Path: "gbuffer.frag", Stage: metadata.ShaderStageFragment},
		Width:      64,
		Height:     64,
		Colors:     []metadata.Attachment{{Image: albedo, Clear: true}},
		Depth:      &metadata.Attachment{Image: depth, Clear: true},
		DepthTest:  true,
		DepthWrite: true,
		Record: func(rec metadata.CommandRecorder) {
			recorded = true
		},
	})
	require.NoError(t, f.graph.Run(f.rec))

	assert.True(t, recorded)
	assert.Equal(t, 2, p.LayoutTransitions())
	assert.Equal(t, []headless.Op{
		headless.OpPipelineBarrier,
		headless.OpBeginRendering,
		headless.OpBindPipeline,
		headless.OpEndRendering,
	}, ops(f.rec.Commands))
	assert.Equal(t, metadata.LayoutColorAttachment, albedo.Layout)
	assert.Equal(t, metadata.LayoutDepthStencilAttachment, depth.Layout)

	gs := p.Pipeline().Object.(*headless.Pipeline).Desc.Graphics
	require.NotNil(t, gs)
	assert.Equal(t, 1, gs.ColorAttachments)
	assert.True(t, gs.DepthTest)
}

func TestRayTracingPassWithInPassBuild(t *testing.T) {
	f := newFixture(t, Settings{})
	vertices := f.buffer("vertices")
	scratch := &metadata.Buffer{Name: "scratch", Size: 1 << 16}
	blas := &metadata.AccelerationStructure{Name: "blas", Level: metadata.AccelBottomLevel, Flags: metadata.BuildAllowUpdate}
	tlas := &metadata.AccelerationStructure{Name: "tlas", Level: metadata.AccelTopLevel}
	input := &metadata.BLASInput{Name: "mesh", Geometries: []metadata.Geometry{{VertexBuffer: vertices, VertexCount: 3, VertexStride: 12}}}

	rt := RayTracingSettings{
		RayGen: shader.Source{Path: "trace.rgen", Stage: metadata.ShaderStageRayGen},
		Miss:   []shader.Source{{Path: "trace.rmiss", Stage: metadata.ShaderStageMiss}},
		Width:  32,
		Height: 32,
	}
	f.graph.AddRayTracing("trace", rt).BuildBLAS(blas, input, scratch, true).BindAccelerationStructure(tlas)
	require.NoError(t, f.graph.Run(f.rec))

	assert.Equal(t, []headless.Op{
		headless.OpBuildAccelerationStructures,
		headless.OpPipelineBarrier,
		headless.OpBindPipeline,
		headless.OpBindResources,
		headless.OpTraceRays,
	}, ops(f.rec.Commands))
	assert.Len(t, f.rec.Commands[1].Batch.Memory, 1)
	assert.Equal(t, metadata.DescriptorAccelerationStructure, f.rec.Commands[3].Resources[0].Kind)
	assert.Equal(t, [3]uint32{32, 32, 1}, f.rec.Commands[4].Groups)

	noUpdate := &metadata.AccelerationStructure{Name: "static"}
	f.graph.Reset()
	p := f.graph.AddRayTracing("trace", rt).BuildBLAS(noUpdate, input, scratch, true)
	assert.ErrorIs(t, p.Err(), core.ErrUpdateNotAllowed)
}

func TestPipelineKeyIsCanonical(t *testing.T) {
	a := NewPipelineKey("blur", []shader.Macro{{Name: "A"}, {Name: "B", Value: "2"}}, []uint32{1, 2})
	b := NewPipelineKey("blur", []shader.Macro{{Name: "B", Value: "2"}, {Name: "A"}}, []uint32{1, 2})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, NewPipelineKey("blur", nil, []uint32{1, 2}))
	assert.NotEqual(t, a, NewPipelineKey("blur", []shader.Macro{{Name: "A"}, {Name: "B", Value: "2"}}, []uint32{2, 1}))
	assert.NotEqual(t, a, NewPipelineKey("sharpen", []shader.Macro{{Name: "A"}, {Name: "B", Value: "2"}}, []uint32{1, 2}))
}

func TestDestroyReleasesEverything(t *testing.T) {
	f := newFixture(t, Settings{})
	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(f.buffer("buf"))
	require.NoError(t, f.graph.Run(f.rec))
	require.Equal(t, 1, f.device.Live())

	f.graph.Destroy()
	assert.Equal(t, 0, f.device.Live())
	assert.True(t, f.events.Destroyed)
	assert.Equal(t, StateDestroyed, f.graph.State())

	p := f.graph.AddCompute("simulate", compute("simulate.wgsl"))
	assert.ErrorIs(t, p.Finalize(), core.ErrGraphDestroyed)
	assert.ErrorIs(t, f.graph.Run(f.rec), core.ErrGraphDestroyed)
	f.graph.Destroy()
}

func TestChangedShaderRebuildsPipeline(t *testing.T) {
	f := newFixture(t, Settings{FramesInFlight: 1})
	buf := f.buffer("buf")

	first := f.graph.AddCompute("pass", compute("simulate.wgsl")).Write(buf)
	require.NoError(t, f.graph.Run(f.rec))
	require.NoError(t, f.graph.Submit(f.rec))
	f.graph.Reset()
	old := first.Pipeline()

	second := f.graph.AddCompute("pass", compute("shade.wgsl")).Write(buf)
	require.NoError(t, f.graph.Run(f.rec))
	assert.NotSame(t, first, second)
	assert.NotSame(t, old, second.Pipeline())
	require.Len(t, second.Pipeline().Shaders, 1)
	assert.Equal(t, "shade.wgsl", second.Pipeline().Shaders[0].Source.Path)
	assert.Equal(t, int64(2), f.graph.ShaderCache().CompileCount())
	assert.Equal(t, 1, f.graph.PipelineCount())

	require.NoError(t, f.graph.Submit(f.rec))
	f.graph.Reset()
	assert.Equal(t, int64(1), f.device.Destroyed(), "the replaced pipeline is retired")
	assert.Equal(t, 1, f.device.Live())

	third := f.graph.AddCompute("pass", compute("shade.wgsl")).Write(buf)
	assert.Same(t, second, third)
}

func TestFailedReloadKeepsPipeline(t *testing.T) {
	fsys := testFS()
	f := newFixture(t, Settings{}, WithShaderFS(fsys))
	buf := f.buffer("buf")

	p := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
	require.NoError(t, f.graph.Run(f.rec))
	obj := p.Pipeline().Object

	fsys["simulate.wgsl"] = &fstest.MapFile{Data: []byte("broken\n")}
	f.graph.onShaderChanged("simulate.wgsl")
	assert.False(t, f.graph.ReloadPending())

	fsys["simulate.wgsl"] = &fstest.MapFile{Data: []byte("// simulate v2\n")}
	f.graph.onShaderChanged("simulate.wgsl")
	assert.True(t, f.graph.ReloadPending())

	require.NoError(t, f.graph.Submit(f.rec))
	f.graph.Reset()
	f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
	require.NoError(t, f.graph.Run(f.rec))
	assert.NotEqual(t, obj, p.Pipeline().Object)
	assert.Equal(t, uint64(1), p.Pipeline().Generation)
	assert.False(t, f.graph.ReloadPending())
}

func TestHotReloadRetiresOldPipeline(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "simulate.wgsl")
	require.NoError(t, os.WriteFile(file, []byte("// v1\n"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(file, past, past))

	f := newFixture(t, Settings{
		HotReload:      true,
		ShaderRoot:     dir,
		PollInterval:   10 * time.Millisecond,
		FramesInFlight: 2,
	}, WithShaderFS(os.DirFS(dir)))

	var recreated atomic.Int32
	f.graph.EventBus().Register(core.EVENT_CODE_PIPELINE_RECREATED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		recreated.Add(1)
		return true
	})

	buf := f.buffer("buf")
	frame := func() *Pass {
		p := f.graph.AddCompute("simulate", compute("simulate.wgsl")).Write(buf)
		require.NoError(t, f.graph.Run(f.rec))
		require.NoError(t, f.graph.Submit(f.rec))
		f.graph.Reset()
		return p
	}

	p := frame()
	first := p.Pipeline().Object

	// swap the file in one rename so the reloader sees a single change
	tmp := filepath.Join(dir, "simulate.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("// v2\n"), 0o644))
	now := time.Now()
	require.NoError(t, os.Chtimes(tmp, now, now))
	require.NoError(t, os.Rename(tmp, file))
	require.Eventually(t, f.graph.ReloadPending, 5*time.Second, 5*time.Millisecond)

	frame()
	assert.NotEqual(t, first, p.Pipeline().Object)
	assert.Equal(t, int32(1), recreated.Load())
	assert.Equal(t, 2, f.device.Live())

	frame()
	assert.Equal(t, 1, f.device.Live())
	assert.Equal(t, int64(1), f.device.Destroyed())
}
