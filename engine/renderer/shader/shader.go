package shader

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Identifies one shader stage of a pass. */
type Source struct {
	/** @brief Path relative to the shader root. The extension selects the loader (.wgsl or .spv). */
	Path  string
	Stage metadata.ShaderStage
	/** @brief Entry point name. Defaults to "main". */
	Entry string
}

func (s Source) EntryPoint() string {
	if s.Entry == "" {
		return "main"
	}
	return s.Entry
}

func (s Source) IsSPIRV() bool {
	return strings.EqualFold(path.Ext(s.Path), ".spv")
}

/** @brief A preprocessor define. An empty value only marks the name as defined. */
type Macro struct {
	Name  string
	Value string
}

// MacroString renders macros in a canonical form: sorted by name, later
// duplicates win, empty for no macros.
func MacroString(macros []Macro) string {
	if len(macros) == 0 {
		return ""
	}
	byName := make(map[string]string, len(macros))
	for _, m := range macros {
		byName[m.Name] = m.Value
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(name)
		if v := byName[name]; v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

/** @brief One reflected resource binding of a compiled shader. */
type Binding struct {
	Group  uint32
	Slot   uint32
	Name   string
	Kind   metadata.DescriptorKind
	Access metadata.AccessFlags
	Count  uint32
}

/** @brief A compiled shader variant. Immutable once returned by the cache. */
type Shader struct {
	Source Source
	Macros string
	/** @brief SPIR-V binary. */
	Code []byte
	/** @brief Reflected bindings sorted by group then slot. Empty for .spv sources. */
	Bindings []Binding
	/** @brief Bumped every time the source is recompiled after a change on disk. */
	Generation uint64
	ModTime    time.Time
}

func (s *Shader) StageCode() metadata.ShaderCode {
	return metadata.ShaderCode{
		Stage: s.Source.Stage,
		Code:  s.Code,
		Entry: s.Source.EntryPoint(),
	}
}
