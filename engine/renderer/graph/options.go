package graph

import (
	"io/fs"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
)

type Option func(*RenderGraph)

// WithCompiler replaces the naga WGSL compiler.
func WithCompiler(c shader.Compiler) Option {
	return func(g *RenderGraph) {
		g.compiler = c
	}
}

// WithShaderFS reads shader sources from fsys instead of the ShaderRoot directory.
func WithShaderFS(fsys fs.FS) Option {
	return func(g *RenderGraph) {
		g.shaderFS = fsys
	}
}

// WithEventPool provides the events used by SyncEvents. Required in that mode.
func WithEventPool(pool metadata.EventPool) Option {
	return func(g *RenderGraph) {
		g.events = pool
	}
}

// WithEventBus shares an event bus with the rest of the application.
func WithEventBus(bus *core.EventBus) Option {
	return func(g *RenderGraph) {
		g.bus = bus
	}
}
