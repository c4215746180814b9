package graph

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
)

/** @brief Per-frame settings of a graphics pass. */
type GraphicsSettings struct {
	Vertex        shader.Source
	Fragment      shader.Source
	Macros        []shader.Macro
	SpecConstants []uint32

	Width  uint32
	Height uint32
	Colors []metadata.Attachment
	Depth  *metadata.Attachment

	DepthTest  bool
	DepthWrite bool
	Wireframe  bool
	/** @brief Backend render target handed to pipeline creation and BeginRendering. */
	RenderTarget interface{}

	/** @brief Records the draw calls between BeginRendering and EndRendering. */
	Record func(rec metadata.CommandRecorder)
}

/** @brief Per-frame settings of a compute pass. */
type ComputeSettings struct {
	Shader        shader.Source
	Macros        []shader.Macro
	SpecConstants []uint32
	/** @brief Workgroup counts passed to Dispatch. */
	Groups [3]uint32
}

/** @brief Per-frame settings of a ray-tracing pass. */
type RayTracingSettings struct {
	RayGen        shader.Source
	Miss          []shader.Source
	ClosestHit    []shader.Source
	AnyHit        []shader.Source
	Macros        []shader.Macro
	SpecConstants []uint32

	Width  uint32
	Height uint32
	Depth  uint32
}

func (s *RayTracingSettings) sources() []shader.Source {
	out := []shader.Source{s.RayGen}
	out = append(out, s.Miss...)
	out = append(out, s.ClosestHit...)
	return append(out, s.AnyHit...)
}

type binding struct {
	buffers []*metadata.Buffer
	images  []*metadata.Image
	accel   *metadata.AccelerationStructure
	/** @brief Access given through BindAs. */
	access   metadata.AccessFlags
	explicit bool
}

func (b *binding) defaultKind() metadata.DescriptorKind {
	switch {
	case b.accel != nil:
		return metadata.DescriptorAccelerationStructure
	case len(b.images) > 0:
		if b.access.HasWrite() {
			return metadata.DescriptorStorageImage
		}
		return metadata.DescriptorSampledImage
	case b.access == metadata.AccessUniformRead:
		return metadata.DescriptorUniformBuffer
	default:
		return metadata.DescriptorStorageBuffer
	}
}

func (b *binding) count() uint32 {
	switch {
	case len(b.images) > 0:
		return uint32(len(b.images))
	case len(b.buffers) > 0:
		return uint32(len(b.buffers))
	default:
		return 1
	}
}

// declared is one access a pass performs on a resource.
type declared struct {
	res    metadata.Resource
	access metadata.AccessFlags
	layout metadata.ImageLayout
}

type bufferCopy struct {
	src *metadata.Buffer
	dst *metadata.Buffer
}

// Pass is one graphics, compute or ray-tracing workload. A pass keeps its
// ordinal across frames; replayed frames hand back the same *Pass.
type Pass struct {
	graph    *RenderGraph
	name     string
	kind     metadata.PassKind
	index    int
	pipeline *Pipeline

	graphics   GraphicsSettings
	compute    ComputeSettings
	rayTracing RayTracingSettings

	bindings      []binding
	recordedBinds int
	explicit      []declared
	implicit      []declared
	accesses      []declared

	waits       syncSet
	sets        syncSet
	immediate   syncSet
	transitions []ImageSync

	zeros         []*metadata.Buffer
	copies        []bufferCopy
	blasBuilds    []metadata.AccelBuild
	pushConstants []byte

	active    bool
	skipped   bool
	finalized bool
	deferred  bool
	resolved  bool
	submitted bool
	event     metadata.Event
	err       error
}

func newPass(g *RenderGraph, name string, kind metadata.PassKind, index int, pipeline *Pipeline) *Pass {
	return &Pass{
		graph:         g,
		name:          name,
		kind:          kind,
		index:         index,
		pipeline:      pipeline,
		recordedBinds: -1,
		waits:         newSyncSet(),
		sets:          newSyncSet(),
		immediate:     newSyncSet(),
	}
}

func (p *Pass) Name() string              { return p.name }
func (p *Pass) Kind() metadata.PassKind   { return p.kind }
func (p *Pass) Index() int                { return p.index }
func (p *Pass) Pipeline() *Pipeline       { return p.pipeline }
func (p *Pass) Err() error                { return p.err }
func (p *Pass) Skipped() bool             { return p.skipped }
func (p *Pass) Submitted() bool           { return p.submitted }
func (p *Pass) Waits() int                { return p.waits.len() }
func (p *Pass) Sets() int                 { return p.sets.len() }
func (p *Pass) ImmediateBarriers() int    { return p.immediate.len() }
func (p *Pass) LayoutTransitions() int    { return len(p.transitions) }
func (p *Pass) PushConstantData() []byte  { return p.pushConstants }
func (p *Pass) String() string            { return fmt.Sprintf("%s#%d(%s)", p.name, p.index, p.kind) }
func (p *Pass) BufferWaits() []BufferSync { return p.bufferSyncs(p.waits) }

func (p *Pass) bufferSyncs(s syncSet) []BufferSync {
	out := make([]BufferSync, 0, len(s.buffers))
	for _, k := range sortedKeys(s.buffers) {
		out = append(out, *s.buffers[k])
	}
	return out
}

// beginFrame clears everything declared during the previous frame.
func (p *Pass) beginFrame() {
	p.bindings = p.bindings[:0]
	p.explicit = p.explicit[:0]
	p.implicit = p.implicit[:0]
	p.accesses = p.accesses[:0]
	p.waits.clear()
	p.sets.clear()
	p.immediate.clear()
	p.transitions = p.transitions[:0]
	p.zeros = p.zeros[:0]
	p.copies = p.copies[:0]
	p.blasBuilds = p.blasBuilds[:0]
	p.pushConstants = p.pushConstants[:0]
	p.active = true
	p.skipped = false
	p.finalized = false
	p.deferred = false
	p.resolved = false
	p.submitted = false
	p.event = nil
	p.err = nil
}

func (p *Pass) endFrame() {
	p.active = false
	p.event = nil
}

func (p *Pass) fail(err error) {
	if p.err != nil {
		return
	}
	p.err = err
	core.LogError("pass %s: %s", p.name, err)
}

// mutable reports whether declarations are still accepted.
func (p *Pass) mutable(op string) bool {
	if p.err != nil {
		return false
	}
	if p.finalized {
		p.fail(fmt.Errorf("%w: %s after Finalize", core.ErrContractViolation, op))
		return false
	}
	return true
}

func (p *Pass) checkResource(op string, res metadata.Resource) bool {
	if !p.graph.owns(res) {
		p.fail(fmt.Errorf("%s: %w", op, core.ErrUnboundResource))
		return false
	}
	return true
}

func (p *Pass) bind(res metadata.Resource, access metadata.AccessFlags, explicit bool) *Pass {
	if !p.mutable("bind") || !p.checkResource("bind", res) {
		return p
	}
	b := binding{access: access, explicit: explicit}
	switch r := res.(type) {
	case *metadata.Buffer:
		b.buffers = []*metadata.Buffer{r}
	case *metadata.Image:
		b.images = []*metadata.Image{r}
	}
	p.bindings = append(p.bindings, b)
	return p
}

// Bind attaches res to the next descriptor slot. With dependency inference
// enabled the access comes from the shader's reflected binding.
func (p *Pass) Bind(res metadata.Resource) *Pass {
	return p.bind(res, metadata.AccessNone, false)
}

// BindAs attaches res to the next descriptor slot with an explicit access.
func (p *Pass) BindAs(res metadata.Resource, access metadata.AccessFlags) *Pass {
	return p.bind(res, access, true)
}

func (p *Pass) BindTextureArray(images []*metadata.Image) *Pass {
	if !p.mutable("bind texture array") {
		return p
	}
	for _, img := range images {
		if !p.checkResource("bind texture array", img) {
			return p
		}
	}
	p.bindings = append(p.bindings, binding{images: append([]*metadata.Image(nil), images...)})
	return p
}

func (p *Pass) BindBufferArray(buffers []*metadata.Buffer) *Pass {
	if !p.mutable("bind buffer array") {
		return p
	}
	for _, buf := range buffers {
		if !p.checkResource("bind buffer array", buf) {
			return p
		}
	}
	p.bindings = append(p.bindings, binding{buffers: append([]*metadata.Buffer(nil), buffers...)})
	return p
}

func (p *Pass) BindAccelerationStructure(as *metadata.AccelerationStructure) *Pass {
	if !p.mutable("bind acceleration structure") {
		return p
	}
	if as == nil {
		p.fail(fmt.Errorf("bind acceleration structure: %w", core.ErrUnboundResource))
		return p
	}
	p.bindings = append(p.bindings, binding{
		accel:    as,
		access:   metadata.AccessAccelerationStructRead,
		explicit: true,
	})
	return p
}

// Read declares an explicit read dependency on res.
func (p *Pass) Read(res metadata.Resource) *Pass {
	if !p.mutable("read") || !p.checkResource("read", res) {
		return p
	}
	p.explicit = append(p.explicit, declared{res: res, access: metadata.AccessShaderRead, layout: explicitLayout(res, metadata.AccessShaderRead)})
	return p
}

// Write declares an explicit write dependency on res.
func (p *Pass) Write(res metadata.Resource) *Pass {
	if !p.mutable("write") || !p.checkResource("write", res) {
		return p
	}
	p.explicit = append(p.explicit, declared{res: res, access: metadata.AccessShaderWrite, layout: explicitLayout(res, metadata.AccessShaderWrite)})
	return p
}

func explicitLayout(res metadata.Resource, access metadata.AccessFlags) metadata.ImageLayout {
	if _, ok := res.(*metadata.Image); !ok {
		return metadata.LayoutUndefined
	}
	return layoutFor(access, 0, false)
}

// Zero fills buf with zeroes before the pass's barriers and work.
func (p *Pass) Zero(buf *metadata.Buffer) *Pass {
	if !p.mutable("zero") || !p.checkResource("zero", buf) {
		return p
	}
	p.zeros = append(p.zeros, buf)
	p.explicit = append(p.explicit, declared{res: buf, access: metadata.AccessTransferWrite})
	return p
}

// Copy copies src into dst after the pass's work.
func (p *Pass) Copy(src, dst *metadata.Buffer) *Pass {
	if !p.mutable("copy") || !p.checkResource("copy", src) || !p.checkResource("copy", dst) {
		return p
	}
	p.copies = append(p.copies, bufferCopy{src: src, dst: dst})
	p.explicit = append(p.explicit,
		declared{res: src, access: metadata.AccessTransferRead},
		declared{res: dst, access: metadata.AccessTransferWrite},
	)
	return p
}

// PushConstants stores data, padded to a multiple of 4 bytes.
func (p *Pass) PushConstants(data []byte) *Pass {
	if !p.mutable("push constants") {
		return p
	}
	size := core.AlignUp(uint32(len(data)), 4)
	blob := make([]byte, size)
	copy(blob, data)
	p.pushConstants = blob
	return p
}

// BuildBLAS records an acceleration structure build that runs before the pass's work.
func (p *Pass) BuildBLAS(as *metadata.AccelerationStructure, input *metadata.BLASInput, scratch *metadata.Buffer, update bool) *Pass {
	if !p.mutable("build blas") {
		return p
	}
	if as == nil || input == nil || scratch == nil {
		p.fail(fmt.Errorf("build blas: %w", core.ErrUnboundResource))
		return p
	}
	if update && as.Flags&metadata.BuildAllowUpdate == 0 {
		p.fail(fmt.Errorf("build blas %s: %w", as.Name, core.ErrUpdateNotAllowed))
		return p
	}
	p.blasBuilds = append(p.blasBuilds, metadata.AccelBuild{Dst: as, Input: input, Scratch: scratch, Update: update})
	for _, geom := range input.Geometries {
		for _, buf := range []*metadata.Buffer{geom.VertexBuffer, geom.IndexBuffer, geom.TransformBuffer} {
			if buf != nil && p.graph.owns(buf) {
				p.explicit = append(p.explicit, declared{res: buf, access: metadata.AccessShaderRead})
			}
		}
	}
	if as.Buffer != nil && p.graph.owns(as.Buffer) {
		p.explicit = append(p.explicit, declared{res: as.Buffer, access: metadata.AccessAccelerationStructWrite})
	}
	return p
}

// SkipExecution keeps the pass's replay slot this frame without recording
// or resolving anything for it.
func (p *Pass) SkipExecution() *Pass {
	p.skipped = true
	return p
}

// Finalize ends declaration. It validates the pass, queues its pipeline
// build when needed and resolves dependencies unless they need a compiled layout.
func (p *Pass) Finalize() error {
	if p.finalized {
		return p.err
	}
	p.finalized = true
	if p.err != nil || p.skipped {
		return p.err
	}
	g := p.graph

	if p.recordedBinds < 0 {
		p.recordedBinds = len(p.bindings)
	} else if len(p.bindings) != p.recordedBinds {
		p.fail(fmt.Errorf("%d binds, recorded %d: %w", len(p.bindings), p.recordedBinds, core.ErrBindingMismatch))
		return p.err
	}

	g.enqueueBuild(p)
	if p.pipeline.ready() && p.pipeline.err != nil {
		p.fail(p.pipeline.err)
		return p.err
	}

	if g.deferring || g.awaitsEarlier(p) || (p.needsLayout() && !p.pipeline.ready()) {
		p.deferred = true
		g.deferring = true
		return nil
	}
	g.resolve(p)
	return nil
}

// awaitsEarlier reports whether a pass declared before p in the current run
// window is not finalized yet. Dependencies resolve in declaration order.
func (g *RenderGraph) awaitsEarlier(p *Pass) bool {
	for _, q := range g.frame[g.emitted:] {
		if q == p {
			return false
		}
		if !q.finalized {
			return true
		}
	}
	return false
}

// needsLayout reports whether dependency inference needs reflected bindings.
func (p *Pass) needsLayout() bool {
	if !p.graph.settings.InferDependencies {
		return false
	}
	for i := range p.bindings {
		if !p.bindings[i].explicit {
			return true
		}
	}
	return false
}

func (p *Pass) sources() []shader.Source {
	switch p.kind {
	case metadata.PassKindGraphics:
		return []shader.Source{p.graphics.Vertex, p.graphics.Fragment}
	case metadata.PassKindRayTracing:
		return p.rayTracing.sources()
	default:
		return []shader.Source{p.compute.Shader}
	}
}

// stage is every pipeline stage the pass's commands execute in.
func (p *Pass) stage() metadata.PipelineStage {
	s := p.kind.Stage()
	if len(p.zeros) > 0 || len(p.copies) > 0 {
		s |= metadata.StageTransfer
	}
	if len(p.blasBuilds) > 0 {
		s |= metadata.StageAccelBuild
	}
	return s
}

func (p *Pass) shaderStages() metadata.ShaderStage {
	switch p.kind {
	case metadata.PassKindGraphics:
		return metadata.ShaderStageVertex | metadata.ShaderStageFragment
	case metadata.PassKindRayTracing:
		return metadata.ShaderStageAllRayTracing
	default:
		return metadata.ShaderStageCompute
	}
}

func (p *Pass) accessOf(res metadata.Resource) metadata.AccessFlags {
	for _, a := range p.accesses {
		if a.res == res {
			return a.access
		}
	}
	return metadata.AccessNone
}

// descriptorHints describes the layout from the bind calls, used when the
// shaders carry no reflection data.
func (p *Pass) descriptorHints() []metadata.DescriptorBinding {
	out := make([]metadata.DescriptorBinding, 0, len(p.bindings))
	for i := range p.bindings {
		b := &p.bindings[i]
		out = append(out, metadata.DescriptorBinding{
			Slot:   uint32(i),
			Kind:   b.defaultKind(),
			Count:  b.count(),
			Access: b.access,
		})
	}
	return out
}

func (p *Pass) graphicsState() *metadata.GraphicsState {
	if p.kind != metadata.PassKindGraphics {
		return nil
	}
	return &metadata.GraphicsState{
		RenderTarget:     p.graphics.RenderTarget,
		ColorAttachments: len(p.graphics.Colors),
		DepthTest:        p.graphics.DepthTest,
		DepthWrite:       p.graphics.DepthWrite,
		Wireframe:        p.graphics.Wireframe,
		Width:            p.graphics.Width,
		Height:           p.graphics.Height,
	}
}

func (p *Pass) boundResources() []metadata.BoundResource {
	out := make([]metadata.BoundResource, 0, len(p.bindings))
	for i := range p.bindings {
		b := &p.bindings[i]
		kind := b.defaultKind()
		if rb, ok := p.pipeline.binding(uint32(i)); ok {
			kind = rb.Kind
		}
		out = append(out, metadata.BoundResource{
			Slot:    uint32(i),
			Kind:    kind,
			Buffers: b.buffers,
			Images:  b.images,
			Accel:   b.accel,
		})
	}
	return out
}
