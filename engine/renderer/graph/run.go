package graph

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
)

// Run finalizes every pass declared since the previous Run, waits for
// pipeline builds, resolves deferred passes and records the passes into rec.
// Contract violations abort before anything is recorded.
func (g *RenderGraph) Run(rec metadata.CommandRecorder) error {
	if g.state == StateDestroyed {
		return fmt.Errorf("run: %w", core.ErrGraphDestroyed)
	}
	g.state = StateFinalizing
	pending := g.frame[g.emitted:]

	var errs []error
	for _, p := range pending {
		if err := p.Finalize(); err != nil {
			errs = append(errs, fmt.Errorf("pass %s: %w", p.name, err))
		}
	}
	g.applyReloads()
	if err := g.joinBuilds(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, p := range pending {
		if p.skipped {
			continue
		}
		if p.pipeline.err != nil {
			errs = append(errs, fmt.Errorf("pass %s: %w", p.name, p.pipeline.err))
			continue
		}
		if p.deferred && !p.resolved {
			g.resolve(p)
		}
	}
	g.deferring = false
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	g.state = StateRunning
	for _, p := range pending {
		if p.skipped {
			continue
		}
		if err := g.emit(rec, p); err != nil {
			core.LogError("render graph: %s", err)
			return err
		}
	}
	g.emitted = len(g.frame)
	return nil
}

// Submit closes the current run window: rec is ended and, when it implements
// metadata.Submitter, handed to the queue. Passes of this window are marked
// submitted so later windows do not synchronize against them.
func (g *RenderGraph) Submit(rec metadata.CommandRecorder) error {
	if g.state == StateDestroyed {
		return fmt.Errorf("submit: %w", core.ErrGraphDestroyed)
	}
	if g.emitted < len(g.frame) {
		return fmt.Errorf("%w: submit with %d pass(es) not run", core.ErrContractViolation, len(g.frame)-g.emitted)
	}
	if err := rec.End(); err != nil {
		return fmt.Errorf("submit: end command buffer: %w", err)
	}
	if s, ok := rec.(metadata.Submitter); ok {
		if err := s.Submit(); err != nil {
			return fmt.Errorf("submit: %w", err)
		}
	}

	window := g.frame[g.windowBegin:]
	for _, p := range window {
		p.submitted = true
	}
	g.windowBegin = len(g.frame)
	g.state = StateSubmitted

	var ctx core.EventContext
	ctx.Data.U64[0] = g.frameIndex
	ctx.Data.I32[0] = int32(len(window))
	g.bus.Fire(core.EVENT_CODE_WINDOW_SUBMITTED, g, ctx)
	return nil
}

// enqueueBuild queues the pipeline build of an uncached pass. A pipeline
// whose shader files are already compiling in this batch waits for the
// serial phase of joinBuilds.
func (g *RenderGraph) enqueueBuild(p *Pass) {
	pl := p.pipeline
	if pl.queued {
		return
	}
	pl.queued = true
	pl.pending = true
	pl.hints = p.descriptorHints()
	pl.pushSize = uint32(len(p.pushConstants))
	pl.graphics = p.graphicsState()
	pl.stages = p.shaderStages()
	g.building = append(g.building, pl)

	for _, src := range pl.sources {
		if g.inFlight[src.Path] {
			g.deferredBuilds = append(g.deferredBuilds, pl)
			return
		}
	}
	for _, src := range pl.sources {
		g.inFlight[src.Path] = true
	}
	pl.future = g.jobs.Submit("pipeline "+pl.Name, func() error {
		return g.buildPipeline(pl)
	})
	g.pendingBuilds = append(g.pendingBuilds, pl.future)
}

// joinBuilds blocks until every queued build finished, then runs the
// deferred builds one after another.
func (g *RenderGraph) joinBuilds() error {
	var errs []error
	for _, f := range g.pendingBuilds {
		if err := f.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pl := range g.deferredBuilds {
		if err := g.buildPipeline(pl); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pl := range g.building {
		pl.pending = false
	}
	g.pendingBuilds = g.pendingBuilds[:0]
	g.deferredBuilds = g.deferredBuilds[:0]
	g.building = g.building[:0]
	clear(g.inFlight)
	return errors.Join(errs...)
}

func (g *RenderGraph) loadShaders(pl *Pipeline) ([]*shader.Shader, error) {
	shaders := make([]*shader.Shader, 0, len(pl.sources))
	for _, src := range pl.sources {
		s, err := g.shaders.Get(src, pl.macros)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pl.Name, err)
		}
		shaders = append(shaders, s)
	}
	return shaders, nil
}

func (g *RenderGraph) pipelineDesc(pl *Pipeline, shaders []*shader.Shader, bindings []shader.Binding) *metadata.PipelineDesc {
	desc := &metadata.PipelineDesc{
		Name:               pl.Name,
		Kind:               pl.Kind,
		SpecConstants:      pl.spec,
		PushConstantSize:   pl.pushSize,
		PushConstantStages: pl.stages,
		Graphics:           pl.graphics,
		Bindings:           pl.hints,
	}
	if len(bindings) > 0 {
		desc.Bindings = descriptorBindings(bindings)
	}
	for _, s := range shaders {
		desc.Stages = append(desc.Stages, s.StageCode())
	}
	return desc
}

// buildPipeline compiles the shaders of pl and creates its device object.
// It runs on a job worker.
func (g *RenderGraph) buildPipeline(pl *Pipeline) error {
	for _, src := range pl.sources {
		if g.pipelines.index(src.Path, pl) && g.reloader != nil {
			g.reloader.Watch(src.Path, g.onShaderChanged)
		}
	}

	shaders, err := g.loadShaders(pl)
	if err != nil {
		pl.err = err
		return err
	}
	bindings := mergeBindings(shaders)
	obj, err := g.device.CreatePipeline(g.pipelineDesc(pl, shaders, bindings))
	if err != nil {
		pl.err = fmt.Errorf("pipeline %s: %w", pl.Name, err)
		return pl.err
	}
	pl.Object = obj
	pl.Shaders = shaders
	pl.Bindings = bindings
	pl.err = nil
	core.LogDebug("pipeline %s built (%d stage(s), %d binding(s))", pl.Name, len(shaders), len(bindings))
	return nil
}

// onShaderChanged runs on the reloader goroutine.
func (g *RenderGraph) onShaderChanged(path string) {
	if _, err := g.shaders.Recompile(path); err != nil {
		core.LogWarn("hot reload of %s failed, keeping the previous pipeline: %s", path, err)
		return
	}
	g.reloadMu.Lock()
	g.reloadQueue = append(g.reloadQueue, path)
	g.reloadMu.Unlock()
	g.reloadPending.Store(true)

	var ctx core.EventContext
	ctx.Data.C[0] = path
	g.bus.Fire(core.EVENT_CODE_SHADER_RELOADED, g, ctx)
}

// applyReloads queues re-creation of every pipeline built from a changed file.
func (g *RenderGraph) applyReloads() {
	if !g.reloadPending.Swap(false) {
		return
	}
	g.reloadMu.Lock()
	paths := g.reloadQueue
	g.reloadQueue = nil
	g.reloadMu.Unlock()

	seen := make(map[*Pipeline]bool)
	frame := g.frameIndex
	for _, path := range paths {
		for _, pl := range g.pipelines.pipelinesUsing(path) {
			if seen[pl] || pl.pending {
				continue
			}
			seen[pl] = true
			pl.pending = true
			g.building = append(g.building, pl)
			pl.future = g.jobs.Submit("recreate "+pl.Name, func() error {
				g.recreatePipeline(pl, frame)
				return nil
			})
			g.pendingBuilds = append(g.pendingBuilds, pl.future)
		}
	}
}

// recreatePipeline swaps in a device object built from the reloaded shaders.
// The previous object is retired, not destroyed, since in-flight frames may
// still reference it. Failures keep the previous object.
func (g *RenderGraph) recreatePipeline(pl *Pipeline, frame uint64) {
	shaders, err := g.loadShaders(pl)
	if err != nil {
		core.LogWarn("recreate %s: %s", pl.Name, err)
		return
	}
	bindings := mergeBindings(shaders)
	obj, err := g.device.CreatePipeline(g.pipelineDesc(pl, shaders, bindings))
	if err != nil {
		core.LogWarn("recreate %s: %s", pl.Name, err)
		return
	}
	old := pl.Object
	pl.Object = obj
	pl.Shaders = shaders
	pl.Bindings = bindings
	pl.Generation++
	pl.err = nil
	g.pipelines.retire(old, frame)

	var ctx core.EventContext
	ctx.Data.C[0] = pl.Name
	ctx.Data.U64[0] = pl.Generation
	g.bus.Fire(core.EVENT_CODE_PIPELINE_RECREATED, g, ctx)
	core.LogInfo("pipeline %s re-created (generation %d)", pl.Name, pl.Generation)
}
