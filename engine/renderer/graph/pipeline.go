package graph

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
	"github.com/spaghettifunk/lumen/engine/systems"
)

// PipelineKey identifies a shader permutation: pass name, macro set and
// specialization constants.
type PipelineKey uint64

func NewPipelineKey(name string, macros []shader.Macro, spec []uint32) PipelineKey {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(shader.MacroString(macros)))
	h.Write([]byte{0})
	var word [4]byte
	for _, c := range spec {
		binary.LittleEndian.PutUint32(word[:], c)
		h.Write(word[:])
	}
	return PipelineKey(h.Sum64())
}

func (k PipelineKey) String() string {
	return fmt.Sprintf("%016x", uint64(k))
}

/**
 * @brief A cached pipeline and everything it was built from. Fields other than
 * the key and name are written by the build job and only read after it finished.
 */
type Pipeline struct {
	Key  PipelineKey
	Name string
	Kind metadata.PassKind

	Object   metadata.PipelineObject
	Shaders  []*shader.Shader
	Bindings []shader.Binding
	/** @brief Incremented every time hot reload re-creates the device object. */
	Generation uint64

	sources []shader.Source
	macros  []shader.Macro
	spec    []uint32

	// build parameters captured from the first pass that used the pipeline
	hints    []metadata.DescriptorBinding
	pushSize uint32
	stages   metadata.ShaderStage
	graphics *metadata.GraphicsState

	queued  bool
	pending bool
	future  *systems.Future
	err     error
}

// ready reports whether the last queued build has finished. Only then may
// the build results be read.
func (p *Pipeline) ready() bool {
	if !p.pending {
		return true
	}
	return p.future != nil && p.future.Done()
}

// binding returns the reflected binding for a slot of descriptor set 0.
func (p *Pipeline) binding(slot uint32) (shader.Binding, bool) {
	for _, b := range p.Bindings {
		if b.Group == 0 && b.Slot == slot {
			return b, true
		}
	}
	return shader.Binding{}, false
}

// builtFrom reports whether the pipeline was declared with this kind and
// exactly these shader sources.
func (p *Pipeline) builtFrom(kind metadata.PassKind, sources []shader.Source) bool {
	if p.Kind != kind || len(p.sources) != len(sources) {
		return false
	}
	for i := range sources {
		if p.sources[i] != sources[i] {
			return false
		}
	}
	return true
}

func (p *Pipeline) usesFile(path string) bool {
	for _, s := range p.sources {
		if s.Path == path {
			return true
		}
	}
	return false
}

// mergeBindings unions the reflected bindings of every stage, OR-ing accesses
// of slots shared between stages.
func mergeBindings(shaders []*shader.Shader) []shader.Binding {
	var merged []shader.Binding
	for _, s := range shaders {
	next:
		for _, b := range s.Bindings {
			for i := range merged {
				if merged[i].Group == b.Group && merged[i].Slot == b.Slot {
					merged[i].Access |= b.Access
					continue next
				}
			}
			merged = append(merged, b)
		}
	}
	return merged
}

func descriptorBindings(bindings []shader.Binding) []metadata.DescriptorBinding {
	out := make([]metadata.DescriptorBinding, 0, len(bindings))
	for _, b := range bindings {
		if b.Group != 0 {
			continue
		}
		out = append(out, metadata.DescriptorBinding{
			Slot:   b.Slot,
			Kind:   b.Kind,
			Count:  b.Count,
			Access: b.Access,
		})
	}
	return out
}
