package graph

import (
	"sort"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief A buffer dependency between the owning pass and OpposingPass. */
type BufferSync struct {
	Buffer       *metadata.Buffer
	SrcAccess    metadata.AccessFlags
	DstAccess    metadata.AccessFlags
	OpposingPass int
}

/** @brief An image dependency, possibly carrying a layout transition. */
type ImageSync struct {
	Image        *metadata.Image
	SrcAccess    metadata.AccessFlags
	DstAccess    metadata.AccessFlags
	OpposingPass int
	OldLayout    metadata.ImageLayout
	NewLayout    metadata.ImageLayout
	Aspect       metadata.ImageAspect
}

type syncKey struct {
	resource metadata.ResourceID
	pass     int
}

func sortedKeys[V any](m map[syncKey]V) []syncKey {
	keys := make([]syncKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pass != keys[j].pass {
			return keys[i].pass < keys[j].pass
		}
		return keys[i].resource < keys[j].resource
	})
	return keys
}

// syncSet holds the descriptors of one side of a pass, keyed by (resource, opposing pass).
type syncSet struct {
	buffers map[syncKey]*BufferSync
	images  map[syncKey]*ImageSync
}

func newSyncSet() syncSet {
	return syncSet{
		buffers: make(map[syncKey]*BufferSync),
		images:  make(map[syncKey]*ImageSync),
	}
}

func (s *syncSet) clear() {
	clear(s.buffers)
	clear(s.images)
}

func (s *syncSet) len() int {
	return len(s.buffers) + len(s.images)
}

func (s *syncSet) addBuffer(d BufferSync) {
	key := syncKey{resource: d.Buffer.ID, pass: d.OpposingPass}
	if existing, ok := s.buffers[key]; ok {
		existing.SrcAccess |= d.SrcAccess
		existing.DstAccess |= d.DstAccess
		return
	}
	s.buffers[key] = &d
}

func (s *syncSet) addImage(d ImageSync) {
	key := syncKey{resource: d.Image.ID, pass: d.OpposingPass}
	if existing, ok := s.images[key]; ok {
		existing.SrcAccess |= d.SrcAccess
		existing.DstAccess |= d.DstAccess
		if d.transition() && !existing.transition() {
			existing.OldLayout, existing.NewLayout = d.OldLayout, d.NewLayout
		}
		return
	}
	s.images[key] = &d
}

func (d *BufferSync) barrier() metadata.BufferBarrier {
	return metadata.BufferBarrier{Buffer: d.Buffer, SrcAccess: d.SrcAccess, DstAccess: d.DstAccess}
}

func (d *ImageSync) barrier() metadata.ImageBarrier {
	return metadata.ImageBarrier{
		Image:     d.Image,
		SrcAccess: d.SrcAccess,
		DstAccess: d.DstAccess,
		OldLayout: d.OldLayout,
		NewLayout: d.NewLayout,
		Aspect:    d.Aspect,
	}
}

// transition reports whether the descriptor changes the image layout.
func (d *ImageSync) transition() bool {
	return d.OldLayout != d.NewLayout
}

// layoutFor picks the layout an image must be in for an access.
func layoutFor(access metadata.AccessFlags, kind metadata.DescriptorKind, known bool) metadata.ImageLayout {
	switch {
	case access&metadata.AccessColorAttachmentWrite != 0:
		return metadata.LayoutColorAttachment
	case access&metadata.AccessDepthStencilWrite != 0:
		return metadata.LayoutDepthStencilAttachment
	case access&metadata.AccessDepthStencilRead != 0:
		return metadata.LayoutDepthStencilReadOnly
	case access&metadata.AccessShaderWrite != 0:
		return metadata.LayoutGeneral
	case known && kind == metadata.DescriptorStorageImage:
		return metadata.LayoutGeneral
	case access&metadata.AccessTransferWrite != 0:
		return metadata.LayoutTransferDst
	case access&metadata.AccessTransferRead != 0:
		return metadata.LayoutTransferSrc
	case access&metadata.AccessShaderRead != 0:
		return metadata.LayoutShaderReadOnly
	default:
		return metadata.LayoutUndefined
	}
}

// mergeLayout combines two layout requests for the same image in one pass.
// General satisfies every shader access, so it wins any conflict.
func mergeLayout(a, b metadata.ImageLayout) metadata.ImageLayout {
	switch {
	case a == metadata.LayoutUndefined:
		return b
	case b == metadata.LayoutUndefined || a == b:
		return a
	default:
		return metadata.LayoutGeneral
	}
}
