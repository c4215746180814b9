package graph

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

// batchBuilder accumulates barriers for one recorder call, merging entries
// that target the same resource.
type batchBuilder struct {
	batch   metadata.BarrierBatch
	buffers map[*metadata.Buffer]int
	images  map[*metadata.Image]int
}

func newBatchBuilder(dst metadata.PipelineStage) *batchBuilder {
	return &batchBuilder{
		batch:   metadata.BarrierBatch{DstStage: dst},
		buffers: make(map[*metadata.Buffer]int),
		images:  make(map[*metadata.Image]int),
	}
}

func (b *batchBuilder) buffer(barrier metadata.BufferBarrier, src metadata.PipelineStage) {
	b.batch.SrcStage |= src
	if i, ok := b.buffers[barrier.Buffer]; ok {
		b.batch.Buffers[i].SrcAccess |= barrier.SrcAccess
		b.batch.Buffers[i].DstAccess |= barrier.DstAccess
		return
	}
	b.buffers[barrier.Buffer] = len(b.batch.Buffers)
	b.batch.Buffers = append(b.batch.Buffers, barrier)
}

func (b *batchBuilder) image(barrier metadata.ImageBarrier, src metadata.PipelineStage) {
	b.batch.SrcStage |= src
	if i, ok := b.images[barrier.Image]; ok {
		existing := &b.batch.Images[i]
		existing.SrcAccess |= barrier.SrcAccess
		existing.DstAccess |= barrier.DstAccess
		if barrier.OldLayout != barrier.NewLayout {
			existing.OldLayout, existing.NewLayout = barrier.OldLayout, barrier.NewLayout
		}
		return
	}
	b.images[barrier.Image] = len(b.batch.Images)
	b.batch.Images = append(b.batch.Images, barrier)
}

func (b *batchBuilder) memory(barrier metadata.MemoryBarrier, src metadata.PipelineStage) {
	b.batch.SrcStage |= src
	b.batch.Memory = append(b.batch.Memory, barrier)
}

func (b *batchBuilder) empty() bool {
	return b.batch.Empty()
}

func (b *batchBuilder) result() metadata.BarrierBatch {
	if b.batch.SrcStage == metadata.StageNone {
		b.batch.SrcStage = metadata.StageTopOfPipe
	}
	return b.batch
}

func (g *RenderGraph) opposingStage(pass int) metadata.PipelineStage {
	if pass == noPass {
		return metadata.StageTopOfPipe
	}
	return g.passes[pass].stage()
}

// fillBarrier orders the zero fills of p after earlier passes of the frame
// that touched the same buffers.
func (g *RenderGraph) fillBarrier(p *Pass) *batchBuilder {
	fill := newBatchBuilder(metadata.StageTransfer)
	if len(p.zeros) == 0 {
		return fill
	}
	zeroed := make(map[*metadata.Buffer]bool, len(p.zeros))
	for _, z := range p.zeros {
		zeroed[z] = true
	}
	for _, set := range []*syncSet{&p.immediate, &p.waits} {
		for _, k := range sortedKeys(set.buffers) {
			d := set.buffers[k]
			if !zeroed[d.Buffer] {
				continue
			}
			fill.buffer(metadata.BufferBarrier{
				Buffer:    d.Buffer,
				SrcAccess: d.SrcAccess,
				DstAccess: metadata.AccessTransferWrite,
			}, g.opposingStage(k.pass))
		}
	}
	return fill
}

// emit records one resolved pass: a fill barrier when zeroed buffers were
// used earlier, zero fills, in-pass BLAS builds, one
// pre-dispatch barrier batch (or wait-events), the work, copies and finally
// the event signal for later consumers.
func (g *RenderGraph) emit(rec metadata.CommandRecorder, p *Pass) error {
	if p.pipeline.Object == nil {
		return fmt.Errorf("pass %s: pipeline %s has no device object: %w", p.name, p.pipeline.Name, core.ErrDevice)
	}
	stage := p.stage()

	if fill := g.fillBarrier(p); !fill.empty() {
		rec.PipelineBarrier(fill.result())
	}
	for _, z := range p.zeros {
		rec.FillBuffer(z, 0, z.Size, 0)
	}
	if len(p.blasBuilds) > 0 {
		rec.BuildAccelerationStructures(p.blasBuilds)
	}

	pre := newBatchBuilder(stage)
	for _, k := range sortedKeys(p.immediate.buffers) {
		d := p.immediate.buffers[k]
		pre.buffer(d.barrier(), g.opposingStage(d.OpposingPass))
	}
	for _, k := range sortedKeys(p.immediate.images) {
		d := p.immediate.images[k]
		pre.image(d.barrier(), g.opposingStage(d.OpposingPass))
	}
	for i := range p.transitions {
		pre.image(p.transitions[i].barrier(), metadata.StageTopOfPipe)
	}
	for _, z := range p.zeros {
		dst := p.accessOf(z) &^ metadata.AccessTransferWrite
		if dst == metadata.AccessNone {
			continue
		}
		pre.buffer(metadata.BufferBarrier{Buffer: z, SrcAccess: metadata.AccessTransferWrite, DstAccess: dst}, metadata.StageTransfer)
	}
	if len(p.blasBuilds) > 0 {
		pre.memory(metadata.MemoryBarrier{
			SrcAccess: metadata.AccessAccelerationStructWrite,
			DstAccess: metadata.AccessAccelerationStructRead | metadata.AccessShaderRead,
		}, metadata.StageAccelBuild)
	}

	useEvents := g.settings.SyncMode == SyncEvents
	wait := newBatchBuilder(stage)
	var events []metadata.Event
	seen := make(map[int]bool)
	target := func(producer int) *batchBuilder {
		q := g.passes[producer]
		if !useEvents || q.event == nil {
			// the producer was recorded before this dependency existed
			return pre
		}
		if !seen[producer] {
			seen[producer] = true
			events = append(events, q.event)
		}
		return wait
	}
	for _, k := range sortedKeys(p.waits.buffers) {
		d := p.waits.buffers[k]
		target(k.pass).buffer(d.barrier(), g.opposingStage(k.pass))
	}
	for _, k := range sortedKeys(p.waits.images) {
		d := p.waits.images[k]
		target(k.pass).image(d.barrier(), g.opposingStage(k.pass))
	}

	if len(events) > 0 {
		rec.WaitEvents(events, wait.result())
	}
	if !pre.empty() {
		rec.PipelineBarrier(pre.result())
	}

	g.emitWork(rec, p)

	if len(p.copies) > 0 {
		copyBarrier := newBatchBuilder(metadata.StageTransfer)
		for _, c := range p.copies {
			if src := p.accessOf(c.src) &^ (metadata.AccessTransferRead | metadata.AccessTransferWrite); src != metadata.AccessNone {
				copyBarrier.buffer(metadata.BufferBarrier{Buffer: c.src, SrcAccess: src, DstAccess: metadata.AccessTransferRead}, p.kind.Stage())
			}
			if dst := p.accessOf(c.dst) &^ (metadata.AccessTransferRead | metadata.AccessTransferWrite); dst != metadata.AccessNone {
				copyBarrier.buffer(metadata.BufferBarrier{Buffer: c.dst, SrcAccess: dst, DstAccess: metadata.AccessTransferWrite}, p.kind.Stage())
			}
		}
		if !copyBarrier.empty() {
			rec.PipelineBarrier(copyBarrier.result())
		}
		for _, c := range p.copies {
			rec.CopyBuffer(c.src, c.dst, []metadata.BufferCopy{{Size: min(c.src.Size, c.dst.Size)}})
		}
	}

	if useEvents && p.sets.len() > 0 {
		ev, err := g.events.Acquire()
		if err != nil {
			return fmt.Errorf("pass %s: acquire event: %w", p.name, err)
		}
		rec.SetEvent(ev, stage)
		p.event = ev
	}
	return nil
}

func (g *RenderGraph) emitWork(rec metadata.CommandRecorder, p *Pass) {
	obj := p.pipeline.Object
	resources := p.boundResources()
	bind := func() {
		rec.BindPipeline(p.kind, obj)
		if len(resources) > 0 {
			rec.BindResources(p.kind, obj, resources)
		}
		if len(p.pushConstants) > 0 {
			rec.PushConstants(obj, p.shaderStages(), p.pushConstants)
		}
	}

	switch p.kind {
	case metadata.PassKindGraphics:
		info := metadata.RenderingInfo{
			Width:        p.graphics.Width,
			Height:       p.graphics.Height,
			Colors:       p.graphics.Colors,
			Depth:        p.graphics.Depth,
			RenderTarget: p.graphics.RenderTarget,
		}
		rec.BeginRendering(info)
		bind()
		if p.graphics.Record != nil {
			p.graphics.Record(rec)
		}
		rec.EndRendering()
	case metadata.PassKindRayTracing:
		bind()
		rt := p.rayTracing
		rec.TraceRays(obj, rt.Width, max(rt.Height, 1), max(rt.Depth, 1))
	default:
		bind()
		groups := p.compute.Groups
		rec.Dispatch(max(groups[0], 1), max(groups[1], 1), max(groups[2], 1))
	}
}
