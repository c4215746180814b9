package shader

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/wgsl"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

// Reflect parses WGSL source and returns every @group/@binding resource it declares.
func Reflect(name, source string) ([]Binding, error) {
	module, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("reflect %s: %s: %w", name, err, core.ErrShaderCompile)
	}
	return reflectModule(name, module)
}

func reflectModule(name string, module *wgsl.Module) ([]Binding, error) {
	var bindings []Binding
	for _, v := range module.GlobalVars {
		group, hasGroup, err := attributeUint(v.Attributes, "group")
		if err != nil {
			return nil, fmt.Errorf("reflect %s: %s: %w", name, v.Name, err)
		}
		slot, hasSlot, err := attributeUint(v.Attributes, "binding")
		if err != nil {
			return nil, fmt.Errorf("reflect %s: %s: %w", name, v.Name, err)
		}
		if !hasGroup || !hasSlot {
			continue
		}

		b := Binding{
			Group: group,
			Slot:  slot,
			Name:  v.Name,
			Count: 1,
		}
		typ := v.Type
		if arr, ok := typ.(*wgsl.ArrayType); ok && v.AddressSpace == "" {
			// array<texture_2d<f32>, N> style resource arrays
			typ = arr.Element
			if lit, ok := arr.Size.(*wgsl.Literal); ok {
				n, err := parseUint(lit.Value)
				if err != nil {
					return nil, fmt.Errorf("reflect %s: %s: array size: %w", name, v.Name, err)
				}
				b.Count = n
			}
		}

		switch v.AddressSpace {
		case "uniform":
			b.Kind = metadata.DescriptorUniformBuffer
			b.Access = metadata.AccessUniformRead
		case "storage":
			b.Kind = metadata.DescriptorStorageBuffer
			b.Access = accessMode(v.AccessMode)
		default:
			kind, access, ok := handleType(typ)
			if !ok {
				continue
			}
			b.Kind = kind
			b.Access = access
		}
		bindings = append(bindings, b)
	}

	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Group != bindings[j].Group {
			return bindings[i].Group < bindings[j].Group
		}
		return bindings[i].Slot < bindings[j].Slot
	})
	return bindings, nil
}

// handleType classifies the opaque handle types (textures, samplers,
// acceleration structures).
func handleType(t wgsl.Type) (metadata.DescriptorKind, metadata.AccessFlags, bool) {
	named, ok := t.(*wgsl.NamedType)
	if !ok {
		return 0, 0, false
	}
	switch {
	case strings.HasPrefix(named.Name, "texture_storage_"):
		mode := "write"
		if len(named.TypeParams) >= 2 {
			if p, ok := named.TypeParams[1].(*wgsl.NamedType); ok {
				mode = p.Name
			}
		}
		return metadata.DescriptorStorageImage, accessMode(mode), true
	case strings.HasPrefix(named.Name, "texture_"):
		return metadata.DescriptorSampledImage, metadata.AccessShaderRead, true
	case named.Name == "sampler" || named.Name == "sampler_comparison":
		return metadata.DescriptorSampler, metadata.AccessNone, true
	case named.Name == "acceleration_structure":
		return metadata.DescriptorAccelerationStructure, metadata.AccessAccelerationStructRead, true
	}
	return 0, 0, false
}

func accessMode(mode string) metadata.AccessFlags {
	switch mode {
	case "write":
		return metadata.AccessShaderWrite
	case "read_write":
		return metadata.AccessShaderRead | metadata.AccessShaderWrite
	default:
		return metadata.AccessShaderRead
	}
}

func attributeUint(attrs []wgsl.Attribute, name string) (uint32, bool, error) {
	for _, a := range attrs {
		if a.Name != name {
			continue
		}
		if len(a.Args) != 1 {
			return 0, true, fmt.Errorf("@%s expects one argument", name)
		}
		lit, ok := a.Args[0].(*wgsl.Literal)
		if !ok {
			return 0, true, fmt.Errorf("@%s argument must be a literal", name)
		}
		v, err := parseUint(lit.Value)
		return v, true, err
	}
	return 0, false, nil
}

func parseUint(s string) (uint32, error) {
	s = strings.TrimRight(s, "ui")
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
