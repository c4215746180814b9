package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/math"
	"github.com/spaghettifunk/lumen/engine/renderer/accel"
	"github.com/spaghettifunk/lumen/engine/renderer/graph"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/shader"
)

type scene struct {
	buffers map[string]*metadata.Buffer
	images  map[string]*metadata.Image
	tlas    *metadata.AccelerationStructure
}

/** @brief What a dry run recorded. */
type summary struct {
	Frames int
	/** @brief Commands per frame, zero on backends that execute without keeping them. */
	Commands    []int
	Submissions int
	Pipelines   int
	Compiles    int64
	BLAS        int
}

func run(ctx context.Context, cfg *config.Config, frames int, opts ...graph.Option) error {
	_, err := dryRun(ctx, cfg, frames, opts...)
	return err
}

func dryRun(ctx context.Context, cfg *config.Config, frames int, opts ...graph.Option) (*summary, error) {
	settings, err := cfg.GraphSettings()
	if err != nil {
		return nil, err
	}

	b, err := newBackend(cfg.Graph.Backend, cfg, nil)
	if err != nil {
		return nil, err
	}
	defer b.destroy()
	core.LogInfo("recording on the %s backend", b.name)

	opts = append([]graph.Option{graph.WithEventPool(b.events)}, opts...)
	g, err := graph.New(b.device, settings, opts...)
	if err != nil {
		return nil, err
	}
	defer g.Destroy()

	sc, err := newScene(g, b.resources, cfg.Resources)
	if err != nil {
		return nil, err
	}
	sum := &summary{}

	if b.accel != nil {
		builder := accel.NewBuilder(b.accel, accel.WithBatchCeiling(cfg.BatchCeiling()))
		defer builder.Destroy()
		if sum.BLAS, err = sc.buildAccel(builder, cfg); err != nil {
			return nil, err
		}
	} else {
		core.LogWarn("%s backend cannot build acceleration structures, skipping BLAS builds", b.name)
	}

	for frame := 0; frame < frames; frame++ {
		if ctx.Err() != nil {
			core.LogWarn("dry run interrupted after %d frame(s)", frame)
			break
		}
		for _, pc := range cfg.Passes {
			sc.declare(g, pc)
		}
		if err := g.Run(b.recorder); err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}
		if err := g.Submit(b.recorder); err != nil {
			return nil, fmt.Errorf("frame %d: %w", frame, err)
		}

		commands, submissions := b.endFrame(frame, g.State())
		sum.Commands = append(sum.Commands, commands)
		sum.Submissions += submissions
		sum.Frames++

		g.Reset()
	}

	sum.Pipelines = g.PipelineCount()
	sum.Compiles = g.ShaderCache().CompileCount()
	core.LogInfo("recorded %d frame(s): %d pipeline(s), %d shader compile(s), %d BLAS",
		sum.Frames, sum.Pipelines, sum.Compiles, sum.BLAS)
	return sum, nil
}

func newScene(g *graph.RenderGraph, alloc resourceAllocator, resources []config.ResourceConfig) (*scene, error) {
	sc := &scene{
		buffers: make(map[string]*metadata.Buffer),
		images:  make(map[string]*metadata.Image),
	}
	for _, r := range resources {
		switch r.Kind {
		case "buffer":
			usage := metadata.BufferUsageStorage | metadata.BufferUsageTransferSrc | metadata.BufferUsageTransferDst
			if r.Triangles > 0 {
				usage |= metadata.BufferUsageAccelerationBuildIn | metadata.BufferUsageDeviceAddress
			}
			buf, err := alloc.CreateBuffer(r.Name, r.Size, usage)
			if err != nil {
				return nil, fmt.Errorf("buffer %q: %w", r.Name, err)
			}
			g.RegisterBuffer(buf)
			sc.buffers[r.Name] = buf
		case "image":
			aspect := metadata.AspectColor
			if r.Aspect == "depth" {
				aspect = metadata.AspectDepth
			}
			img, err := alloc.CreateImage(r.Name, r.Width, r.Height, aspect)
			if err != nil {
				return nil, fmt.Errorf("image %q: %w", r.Name, err)
			}
			g.RegisterImage(img)
			sc.images[r.Name] = img
		}
	}
	return sc, nil
}

// buildAccel builds one BLAS per triangle buffer and a TLAS instancing each
// of them once.
func (sc *scene) buildAccel(builder *accel.Builder, cfg *config.Config) (int, error) {
	var (
		inputs     []*metadata.BLASInput
		placements []*math.Transform
	)
	for _, r := range cfg.Resources {
		if r.Kind != "buffer" || r.Triangles == 0 {
			continue
		}
		scale := r.Scale
		if scale == 0 {
			scale = 1
		}
		placements = append(placements, math.TransformFromPositionRotationScale(
			math.NewVec3(r.Position[0], r.Position[1], r.Position[2]),
			math.NewQuatFromAxisAngle(math.NewVec3Up(), math.DegToRad(r.RotationY), true),
			math.Uniform(scale)))
		inputs = append(inputs, &metadata.BLASInput{
			Name: r.Name,
			Geometries: []metadata.Geometry{{
				VertexBuffer: sc.buffers[r.Name],
				VertexCount:  r.Triangles * 3,
				VertexStride: 12,
				Opaque:       true,
			}},
		})
	}
	if len(inputs) == 0 {
		return 0, nil
	}

	flags := metadata.BuildPreferFastTrace
	if cfg.Accel.Compaction {
		flags |= metadata.BuildAllowCompaction
	}
	blas, err := builder.BuildBLAS(inputs, flags)
	if err != nil {
		return 0, fmt.Errorf("build BLAS: %w", err)
	}

	instances := make([]metadata.Instance, len(blas))
	for i, as := range blas {
		instances[i] = metadata.Instance{
			Transform:   placements[i].InstanceMatrix(),
			CustomIndex: uint32(i),
			Mask:        0xFF,
			BLAS:        as,
		}
		core.LogInfo("BLAS %s: %d bytes", as.Name, as.Size)
	}
	sc.tlas, err = builder.BuildTLAS(nil, instances, metadata.BuildPreferFastTrace, false)
	if err != nil {
		return 0, fmt.Errorf("build TLAS: %w", err)
	}
	core.LogInfo("TLAS: %d instance(s), %d bytes", sc.tlas.InstanceCount, sc.tlas.Size)
	return len(blas), nil
}

func macros(m map[string]string) []shader.Macro {
	out := make([]shader.Macro, 0, len(m))
	for name, value := range m {
		out = append(out, shader.Macro{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func pushConstants(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	out := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func (sc *scene) resource(name string) metadata.Resource {
	if buf, ok := sc.buffers[name]; ok {
		return buf
	}
	return sc.images[name]
}

func (sc *scene) declare(g *graph.RenderGraph, pc config.PassConfig) *graph.Pass {
	var p *graph.Pass
	switch pc.Kind {
	case "graphics":
		settings := graph.GraphicsSettings{
			Vertex:   shader.Source{Path: pc.Vertex, Stage: metadata.ShaderStageVertex, Entry: pc.VertexEntry},
			Fragment: shader.Source{Path: pc.Fragment, Stage: metadata.ShaderStageFragment, Entry: pc.FragmentEntry},
			Macros:   macros(pc.Macros),
			Record: func(rec metadata.CommandRecorder) {
				if d, ok := rec.(interface{ Draw(vertexCount, instanceCount uint32) }); ok {
					d.Draw(3, 1)
				}
			},
		}
		for _, name := range pc.Colors {
			img := sc.images[name]
			settings.Colors = append(settings.Colors, metadata.Attachment{Image: img, Clear: true})
			settings.Width, settings.Height = img.Width, img.Height
		}
		if pc.Depth != "" {
			img := sc.images[pc.Depth]
			settings.Depth = &metadata.Attachment{Image: img, Clear: true, ClearValue: [4]float32{1}}
			settings.DepthTest, settings.DepthWrite = true, true
			settings.Width, settings.Height = img.Width, img.Height
		}
		p = g.AddGraphics(pc.Name, settings)
	default:
		p = g.AddCompute(pc.Name, graph.ComputeSettings{
			Shader: shader.Source{Path: pc.Shader, Stage: metadata.ShaderStageCompute, Entry: pc.Entry},
			Macros: macros(pc.Macros),
			Groups: pc.Groups,
		})
	}

	for _, name := range pc.Zero {
		p.Zero(sc.buffers[name])
	}
	for _, cp := range pc.Copy {
		p.Copy(sc.buffers[cp.Src], sc.buffers[cp.Dst])
	}
	for _, name := range pc.Bind {
		p.Bind(sc.resource(name))
	}
	if pc.BindTLAS && sc.tlas != nil {
		p.BindAccelerationStructure(sc.tlas)
	}
	for _, name := range pc.Reads {
		p.Read(sc.resource(name))
	}
	for _, name := range pc.Writes {
		p.Write(sc.resource(name))
	}
	if data := pushConstants(pc.PushConstants); data != nil {
		p.PushConstants(data)
	}
	return p
}
