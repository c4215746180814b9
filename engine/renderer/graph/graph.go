package graph

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
	"github.com/spaghettifunk/lumen/engine/systems"
)

// RenderGraph records passes every frame, replays cached passes and
// pipelines on later frames and emits a synchronized command stream.
// Declaration, Run, Submit and Reset belong to one goroutine.
type RenderGraph struct {
	settings Settings
	device   metadata.PipelineDevice
	compiler shader.Compiler
	shaderFS fs.FS
	events   metadata.EventPool
	bus      *core.EventBus

	shaders   *shader.Cache
	pipelines *pipelineCache
	jobs      *systems.JobSystem
	reloader  *shader.Reloader
	ids       *core.IdentifierPool
	records   *recordStore

	passes      []*Pass
	frame       []*Pass
	windowBegin int
	emitted     int
	frameIndex  uint64
	state       State
	declared    bool
	deferring   bool

	pendingBuilds  []*systems.Future
	deferredBuilds []*Pipeline
	building       []*Pipeline
	inFlight       map[string]bool

	reloadMu      sync.Mutex
	reloadQueue   []string
	reloadPending atomic.Bool
}

func New(device metadata.PipelineDevice, settings Settings, opts ...Option) (*RenderGraph, error) {
	if device == nil {
		return nil, fmt.Errorf("%w: render graph needs a pipeline device", core.ErrContractViolation)
	}
	settings.normalize()

	g := &RenderGraph{
		settings:  settings,
		device:    device,
		pipelines: newPipelineCache(),
		ids:       core.NewIdentifierPool(),
		records:   newRecordStore(),
		inFlight:  make(map[string]bool),
		state:     StateRecording,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.compiler == nil {
		g.compiler = shader.NewNagaCompiler(false)
	}
	if g.shaderFS == nil {
		g.shaderFS = os.DirFS(settings.ShaderRoot)
	}
	if g.bus == nil {
		g.bus = core.NewEventBus()
	}
	if settings.SyncMode == SyncEvents && g.events == nil {
		return nil, fmt.Errorf("%w: %s sync mode needs an event pool", core.ErrContractViolation, settings.SyncMode)
	}

	jobs, err := systems.NewJobSystem(settings.Workers, settings.Workers*4)
	if err != nil {
		return nil, err
	}
	g.jobs = jobs
	g.shaders = shader.NewCache(g.shaderFS, g.compiler)

	if settings.HotReload {
		g.reloader = shader.NewReloader(g.shaderFS, settings.ShaderRoot, settings.PollInterval)
		if err := g.reloader.Start(context.Background()); err != nil {
			jobs.Shutdown()
			return nil, err
		}
	}

	core.LogInfo("render graph created (sync=%s, infer=%t, workers=%d, hot-reload=%t)",
		settings.SyncMode, settings.InferDependencies, settings.Workers, settings.HotReload)
	return g, nil
}

/** @brief Current lifecycle state. */
func (g *RenderGraph) State() State {
	return g.state
}

/** @brief Settings after normalization. */
func (g *RenderGraph) Settings() Settings {
	return g.settings
}

// EventBus is the bus reload, recreate and submit events are fired on.
func (g *RenderGraph) EventBus() *core.EventBus {
	return g.bus
}

// ShaderCache exposes the compiled shaders shared by every pipeline of the graph.
func (g *RenderGraph) ShaderCache() *shader.Cache {
	return g.shaders
}

/** @brief Number of live pipeline cache entries. */
func (g *RenderGraph) PipelineCount() int {
	return g.pipelines.size()
}

/** @brief Number of Reset calls that ended a frame. */
func (g *RenderGraph) FrameIndex() uint64 {
	return g.frameIndex
}

// Passes returns the passes declared so far this frame, in declaration order.
func (g *RenderGraph) Passes() []*Pass {
	return append([]*Pass(nil), g.frame...)
}

// ReloadPending reports whether a shader changed on disk and its pipelines
// will be re-created by the next Run.
func (g *RenderGraph) ReloadPending() bool {
	return g.reloadPending.Load()
}

/**
 * @brief Assigns buf a resource id owned by this graph. Registering an
 * already owned buffer returns its current id.
 */
func (g *RenderGraph) RegisterBuffer(buf *metadata.Buffer) metadata.ResourceID {
	if g.owns(buf) {
		return buf.ID
	}
	buf.ID = metadata.ResourceID(g.ids.Acquire(buf))
	return buf.ID
}

/** @brief Same as RegisterBuffer for images. */
func (g *RenderGraph) RegisterImage(img *metadata.Image) metadata.ResourceID {
	if g.owns(img) {
		return img.ID
	}
	img.ID = metadata.ResourceID(g.ids.Acquire(img))
	return img.ID
}

// UnregisterResource releases the id of a resource. Passes declared later
// that still reference it fail with ErrUnboundResource.
func (g *RenderGraph) UnregisterResource(res metadata.Resource) error {
	if !g.owns(res) {
		return fmt.Errorf("unregister: %w", core.ErrUnboundResource)
	}
	id := res.ResourceID()
	if err := g.ids.Release(uint32(id)); err != nil {
		return err
	}
	g.records.forget(id)
	switch r := res.(type) {
	case *metadata.Buffer:
		r.ID = metadata.InvalidResourceID
	case *metadata.Image:
		r.ID = metadata.InvalidResourceID
	}
	return nil
}

func (g *RenderGraph) owns(res metadata.Resource) bool {
	if res == nil {
		return false
	}
	if v := reflect.ValueOf(res); v.Kind() == reflect.Pointer && v.IsNil() {
		return false
	}
	id := res.ResourceID()
	if id == metadata.InvalidResourceID {
		return false
	}
	return g.ids.Owner(uint32(id)) == interface{}(res)
}

// AddGraphics declares a draw pass. On replayed frames the pass recorded for
// the same name and permutation is handed back.
func (g *RenderGraph) AddGraphics(name string, settings GraphicsSettings) *Pass {
	key := NewPipelineKey(name, settings.Macros, settings.SpecConstants)
	p := g.declare(name, metadata.PassKindGraphics, key, []shader.Source{settings.Vertex, settings.Fragment}, settings.Macros, settings.SpecConstants)
	p.graphics = settings
	return p
}

// AddCompute declares a dispatch pass.
func (g *RenderGraph) AddCompute(name string, settings ComputeSettings) *Pass {
	key := NewPipelineKey(name, settings.Macros, settings.SpecConstants)
	p := g.declare(name, metadata.PassKindCompute, key, []shader.Source{settings.Shader}, settings.Macros, settings.SpecConstants)
	p.compute = settings
	return p
}

// AddRayTracing declares a trace-rays pass.
func (g *RenderGraph) AddRayTracing(name string, settings RayTracingSettings) *Pass {
	key := NewPipelineKey(name, settings.Macros, settings.SpecConstants)
	p := g.declare(name, metadata.PassKindRayTracing, key, settings.sources(), settings.Macros, settings.SpecConstants)
	p.rayTracing = settings
	return p
}

// declare returns the cached pass for the key's next replay slot, or records a new one.
func (g *RenderGraph) declare(name string, kind metadata.PassKind, key PipelineKey, sources []shader.Source, macros []shader.Macro, spec []uint32) *Pass {
	if g.state == StateDestroyed {
		p := newPass(g, name, kind, noPass, &Pipeline{Key: key, Name: name, Kind: kind})
		p.err = fmt.Errorf("add %s: %w", name, core.ErrGraphDestroyed)
		p.finalized = true
		return p
	}

	switch g.state {
	case StateReset:
		g.state = StateReplay
	case StateFinalizing, StateRunning, StateSubmitted:
		if g.frameIndex > 0 {
			g.state = StateReplay
		} else {
			g.state = StateRecording
		}
	}

	fresh := func() *Pipeline {
		return &Pipeline{
			Key:     key,
			Name:    name,
			Kind:    kind,
			sources: append([]shader.Source(nil), sources...),
			macros:  append([]shader.Macro(nil), macros...),
			spec:    append([]uint32(nil), spec...),
		}
	}
	entry, ok := g.pipelines.lookup(key)
	switch {
	case !ok:
		entry = g.pipelines.insert(fresh())
	case !entry.pipeline.builtFrom(kind, sources):
		core.LogDebug("render graph: shaders of pass %s changed, rebuilding pipeline %s", name, key)
		entry = g.pipelines.replace(entry.pipeline, fresh(), g.frameIndex)
	}

	var p *Pass
	if entry.cursor < len(entry.passes) {
		p = g.passes[entry.passes[entry.cursor]]
	} else {
		p = newPass(g, name, kind, len(g.passes), entry.pipeline)
		g.passes = append(g.passes, p)
		entry.passes = append(entry.passes, p.index)
	}
	entry.cursor++

	p.beginFrame()
	g.frame = append(g.frame, p)
	g.declared = true
	return p
}

// Reset ends the frame: per-frame pass state and access records are cleared,
// the event pool is recycled and retired pipelines past their frames in
// flight are destroyed. Calling it again before anything new is declared does nothing.
func (g *RenderGraph) Reset() {
	if !g.declared || g.state == StateDestroyed {
		return
	}
	for _, p := range g.frame {
		p.endFrame()
	}
	g.frame = g.frame[:0]
	g.windowBegin = 0
	g.emitted = 0
	g.deferring = false
	g.records.reset()
	g.pipelines.rewind()
	if g.events != nil {
		if err := g.events.Reset(); err != nil {
			core.LogError("render graph: event pool reset: %s", err)
		}
	}
	g.frameIndex++
	if n := g.pipelines.collect(g.device, g.frameIndex, g.settings.FramesInFlight); n > 0 {
		core.LogDebug("render graph: destroyed %d retired pipeline(s)", n)
	}
	g.declared = false
	g.state = StateReset
}

// Destroy stops hot reload, joins outstanding jobs and releases every
// pipeline and the event pool.
func (g *RenderGraph) Destroy() {
	if g.state == StateDestroyed {
		return
	}
	if g.reloader != nil {
		g.reloader.Stop()
	}
	g.jobs.Shutdown()
	g.pipelines.destroyAll(g.device)
	if g.events != nil {
		g.events.Destroy()
	}
	g.frame = nil
	g.passes = nil
	g.state = StateDestroyed
	core.LogInfo("render graph destroyed after %d frame(s)", g.frameIndex)
}
