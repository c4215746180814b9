package graph

import (
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

// collectAccesses derives the implicit accesses of the pass and merges them
// with the explicit ones, one entry per resource in first-declared order.
func (p *Pass) collectAccesses(infer bool) []declared {
	p.implicit = p.implicit[:0]

	if p.kind == metadata.PassKindGraphics {
		for _, c := range p.graphics.Colors {
			if c.Image == nil || !p.graph.owns(c.Image) {
				continue
			}
			access := metadata.AccessColorAttachmentWrite
			if !c.Clear {
				access |= metadata.AccessColorAttachmentRead
			}
			p.implicit = append(p.implicit, declared{res: c.Image, access: access, layout: metadata.LayoutColorAttachment})
		}
		if d := p.graphics.Depth; d != nil && d.Image != nil && p.graph.owns(d.Image) {
			access := metadata.AccessDepthStencilRead
			layout := metadata.LayoutDepthStencilReadOnly
			if p.graphics.DepthWrite {
				access |= metadata.AccessDepthStencilWrite
				layout = metadata.LayoutDepthStencilAttachment
			}
			p.implicit = append(p.implicit, declared{res: d.Image, access: access, layout: layout})
		}
	}

	if infer {
		for i := range p.bindings {
			p.inferBinding(uint32(i), &p.bindings[i])
		}
	}

	merged := p.accesses[:0]
	index := make(map[metadata.ResourceID]int)
	add := func(d declared) {
		if i, ok := index[d.res.ResourceID()]; ok {
			merged[i].access |= d.access
			merged[i].layout = mergeLayout(merged[i].layout, d.layout)
			return
		}
		index[d.res.ResourceID()] = len(merged)
		merged = append(merged, d)
	}
	for _, d := range p.implicit {
		add(d)
	}
	for _, d := range p.explicit {
		add(d)
	}
	p.accesses = merged
	return merged
}

func (p *Pass) inferBinding(slot uint32, b *binding) {
	access := b.access
	kind := b.defaultKind()
	known := false
	if !b.explicit {
		if rb, ok := p.pipeline.binding(slot); ok {
			access, kind, known = rb.Access, rb.Kind, true
		} else {
			// no reflection for this slot: assume the shader reads and writes it
			access = metadata.AccessShaderRead | metadata.AccessShaderWrite
		}
	}

	if b.accel != nil {
		if buf := b.accel.Buffer; buf != nil && p.graph.owns(buf) {
			p.implicit = append(p.implicit, declared{res: buf, access: access})
		}
		return
	}
	for _, buf := range b.buffers {
		p.implicit = append(p.implicit, declared{res: buf, access: access})
	}
	for _, img := range b.images {
		p.implicit = append(p.implicit, declared{res: img, access: access, layout: layoutFor(access, kind, known)})
	}
}

// resolve turns the pass's accesses into sync descriptors against earlier passes.
func (g *RenderGraph) resolve(p *Pass) {
	for _, a := range p.collectAccesses(g.settings.InferDependencies) {
		g.resolveAccess(p, a)
	}
	p.resolved = true
}

func (g *RenderGraph) resolveAccess(p *Pass, a declared) {
	id := a.res.ResourceID()
	img, isImage := a.res.(*metadata.Image)

	rec, ok := g.records.get(id)
	if !ok {
		layout := metadata.LayoutUndefined
		if isImage {
			layout = img.Layout
		}
		rec = g.records.create(id, layout)
	}

	oldLayout := rec.layout
	newLayout := oldLayout
	if isImage && a.layout != metadata.LayoutUndefined {
		newLayout = a.layout
	}
	layoutChange := oldLayout != newLayout
	write := a.access.HasWrite() || layoutChange

	var deps []reader
	if rec.lastWriter != noPass && rec.lastWriter != p.index {
		deps = append(deps, reader{pass: rec.lastWriter, access: rec.writerAccess})
	}
	if write {
		for _, r := range rec.readers {
			if r.pass != p.index {
				deps = append(deps, r)
			}
		}
	}

	transitionPending := layoutChange
	for _, d := range deps {
		q := g.passes[d.pass]
		if isImage {
			desc := ImageSync{
				Image:        img,
				SrcAccess:    d.access,
				DstAccess:    a.access,
				OpposingPass: q.index,
				OldLayout:    oldLayout,
				NewLayout:    oldLayout,
				Aspect:       img.Aspect,
			}
			if transitionPending {
				desc.NewLayout = newLayout
			}
			if g.addImageDependency(p, q, desc) && transitionPending {
				transitionPending = false
			}
		} else {
			g.addBufferDependency(p, q, BufferSync{
				Buffer:       a.res.(*metadata.Buffer),
				SrcAccess:    d.access,
				DstAccess:    a.access,
				OpposingPass: q.index,
			})
		}
	}
	if transitionPending {
		p.transitions = append(p.transitions, ImageSync{
			Image:        img,
			SrcAccess:    metadata.AccessNone,
			DstAccess:    a.access,
			OpposingPass: noPass,
			OldLayout:    oldLayout,
			NewLayout:    newLayout,
			Aspect:       img.Aspect,
		})
	}

	if write {
		rec.lastWriter = p.index
		rec.writerAccess = a.access
		rec.readers = rec.readers[:0]
	} else {
		rec.addReader(p.index, a.access)
	}
	rec.layout = newLayout

	switch r := a.res.(type) {
	case *metadata.Buffer:
		r.Access = a.access
	case *metadata.Image:
		r.Access = a.access
		r.Layout = newLayout
	}
}

// placement decides how a dependency of p on q is expressed.
type placement int

const (
	placeSkip placement = iota
	placeWait
	placeBarrier
)

func (g *RenderGraph) place(p, q *Pass) placement {
	switch {
	case q.submitted:
		// q's commands were already handed to the queue in an earlier window
		if g.settings.CrossWindowBarriers {
			return placeBarrier
		}
		return placeSkip
	case q.index < p.index:
		return placeWait
	default:
		return placeBarrier
	}
}

func (g *RenderGraph) addBufferDependency(p, q *Pass, d BufferSync) bool {
	switch g.place(p, q) {
	case placeWait:
		p.waits.addBuffer(d)
		mirror := d
		mirror.OpposingPass = p.index
		q.sets.addBuffer(mirror)
	case placeBarrier:
		p.immediate.addBuffer(d)
	default:
		return false
	}
	return true
}

func (g *RenderGraph) addImageDependency(p, q *Pass, d ImageSync) bool {
	switch g.place(p, q) {
	case placeWait:
		p.waits.addImage(d)
		mirror := d
		mirror.OpposingPass = p.index
		q.sets.addImage(mirror)
	case placeBarrier:
		p.immediate.addImage(d)
	default:
		return false
	}
	return true
}
