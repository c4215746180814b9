package shader

import (
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/lumen/engine/core"
)

type variant struct {
	source Source
	macros []Macro
}

// Cache compiles shader variants once and hands out the same *Shader on every
// later request. It is safe for concurrent use; two goroutines asking for the
// same uncached variant may both compile it, and the first result wins.
type Cache struct {
	fsys     fs.FS
	compiler Compiler

	mu       sync.Mutex
	shaders  map[string]*Shader
	variants map[string][]variant

	compiles atomic.Int64
}

func NewCache(fsys fs.FS, compiler Compiler) *Cache {
	return &Cache{
		fsys:     fsys,
		compiler: compiler,
		shaders:  make(map[string]*Shader),
		variants: make(map[string][]variant),
	}
}

func variantKey(src Source, macros string) string {
	return fmt.Sprintf("%s|%s|%d|%s", src.Path, src.EntryPoint(), src.Stage, macros)
}

// Get returns the compiled variant of src for the macro set, compiling it on first use.
func (c *Cache) Get(src Source, macros []Macro) (*Shader, error) {
	canonical := MacroString(macros)
	key := variantKey(src, canonical)

	c.mu.Lock()
	if s, ok := c.shaders[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := c.build(src, macros, canonical)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.shaders[key]; ok {
		return existing, nil
	}
	c.shaders[key] = s
	c.variants[src.Path] = append(c.variants[src.Path], variant{source: src, macros: append([]Macro(nil), macros...)})
	return s, nil
}

// Recompile rebuilds every cached variant of the file. Either all variants are
// replaced or, on the first failure, none are and the previous binaries stay.
func (c *Cache) Recompile(path string) ([]*Shader, error) {
	c.mu.Lock()
	variants := append([]variant(nil), c.variants[path]...)
	c.mu.Unlock()

	rebuilt := make([]*Shader, 0, len(variants))
	for _, v := range variants {
		s, err := c.build(v.source, v.macros, MacroString(v.macros))
		if err != nil {
			return nil, err
		}
		rebuilt = append(rebuilt, s)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range rebuilt {
		key := variantKey(s.Source, s.Macros)
		if old, ok := c.shaders[key]; ok {
			s.Generation = old.Generation + 1
		}
		c.shaders[key] = s
	}
	return rebuilt, nil
}

// Paths lists every file with at least one cached variant.
func (c *Cache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	paths := make([]string, 0, len(c.variants))
	for p := range c.variants {
		paths = append(paths, p)
	}
	return paths
}

// CompileCount is the number of compiler invocations so far. Loading a .spv
// file does not count.
func (c *Cache) CompileCount() int64 {
	return c.compiles.Load()
}

// ModTime reports the modification time of a shader file.
func (c *Cache) ModTime(path string) (time.Time, error) {
	return modTime(c.fsys, path)
}

func modTime(fsys fs.FS, path string) (time.Time, error) {
	info, err := fs.Stat(fsys, path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (c *Cache) build(src Source, macros []Macro, canonical string) (*Shader, error) {
	data, err := fs.ReadFile(c.fsys, src.Path)
	if err != nil {
		return nil, fmt.Errorf("load shader %s: %s: %w", src.Path, err, core.ErrShaderCompile)
	}
	mtime, _ := modTime(c.fsys, src.Path)

	s := &Shader{
		Source:  src,
		Macros:  canonical,
		ModTime: mtime,
	}

	if src.IsSPIRV() {
		if err := validateSPIRV(src.Path, data); err != nil {
			return nil, err
		}
		s.Code = data
		return s, nil
	}

	text, err := Preprocess(src.Path, string(data), macros)
	if err != nil {
		return nil, err
	}
	c.compiles.Add(1)
	out, err := c.compiler.Compile(src.Path, text, src.Stage)
	if err != nil {
		return nil, err
	}
	s.Code = out.Code
	s.Bindings = out.Bindings
	core.LogDebug("compiled shader %s [%s] (%d bytes, %d bindings)", src.Path, canonical, len(out.Code), len(out.Bindings))
	return s, nil
}
