package main

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/config"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/graph"
	"github.com/spaghettifunk/lumen/engine/renderer/headless"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/spaghettifunk/lumen/engine/renderer/vulkan"
)

// resourceAllocator creates the buffers and images a scene registers.
type resourceAllocator interface {
	CreateBuffer(name string, size uint64, usage metadata.BufferUsage) (*metadata.Buffer, error)
	CreateImage(name string, width, height uint32, aspect metadata.ImageAspect) (*metadata.Image, error)
}

/** @brief The device objects a dry run records against. */
type backend struct {
	name      string
	device    metadata.PipelineDevice
	events    metadata.EventPool
	recorder  metadata.CommandRecorder
	resources resourceAllocator
	/** @brief Nil when the backend cannot build acceleration structures. */
	accel metadata.AccelDevice
	/** @brief Reports what the frame recorded and readies the recorder for the next one. */
	endFrame func(frame int, state graph.State) (commands, submissions int)
	/** @brief Releases everything but the event pool, which the graph owns. */
	destroy func()
}

// newBackend builds the backend called name. accelFn is only used by the
// vulkan backend; without it acceleration structures are unavailable there.
func newBackend(name string, cfg *config.Config, accelFn vulkan.AccelFunctions) (*backend, error) {
	switch name {
	case "", config.BackendHeadless:
		return newHeadlessBackend(cfg), nil
	case config.BackendVulkan:
		return newVulkanBackend(cfg, accelFn)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", core.ErrContractViolation, name)
	}
}

func newHeadlessBackend(cfg *config.Config) *backend {
	rec := headless.NewRecorder()
	return &backend{
		name:      config.BackendHeadless,
		device:    headless.NewDevice(),
		events:    headless.NewEventPool(),
		recorder:  rec,
		resources: headlessResources{},
		accel:     headless.NewAccelDevice(cfg.Accel.Compaction),
		endFrame: func(frame int, state graph.State) (int, int) {
			all := rec.All()
			core.LogInfo("frame %d (%s): %d command(s)", frame, state, len(all))
			for _, c := range all {
				core.LogDebug("  %s", c)
			}
			submissions := len(rec.Submitted)
			rec.Reset()
			return len(all), submissions
		},
		destroy: func() {},
	}
}

type headlessResources struct{}

func (headlessResources) CreateBuffer(name string, size uint64, usage metadata.BufferUsage) (*metadata.Buffer, error) {
	return &metadata.Buffer{Name: name, Size: size, Usage: usage}, nil
}

func (headlessResources) CreateImage(name string, width, height uint32, aspect metadata.ImageAspect) (*metadata.Image, error) {
	return &metadata.Image{Name: name, Width: width, Height: height, Aspect: aspect}, nil
}

// submitCounter counts the submissions of a vulkan recorder. The recorder
// executes every submission before returning, so commands are not kept.
type submitCounter struct {
	*vulkan.Recorder
	n int
}

func (s *submitCounter) Submit() error {
	if err := s.Recorder.Submit(); err != nil {
		return err
	}
	s.n++
	return nil
}

func newVulkanBackend(cfg *config.Config, accelFn vulkan.AccelFunctions) (*backend, error) {
	ctxCfg := vulkan.ContextConfig{
		AppName:    "lumen",
		Validation: cfg.Graph.Validation,
	}
	if accelFn != nil {
		ctxCfg.DeviceExtensions = vulkan.AccelExtensions
	}
	vctx, err := vulkan.NewContext(ctxCfg)
	if err != nil {
		return nil, err
	}

	cleanup := []func(){vctx.Destroy}
	b := &backend{
		name:      config.BackendVulkan,
		resources: vulkanResources{ctx: vctx},
		destroy: func() {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		},
	}
	fail := func(err error) (*backend, error) {
		b.destroy()
		return nil, fmt.Errorf("vulkan backend: %w", err)
	}

	device, err := vulkan.NewPipelineDevice(vctx)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, device.Destroy)
	b.device = device

	descriptors, err := vulkan.NewDescriptorAllocator(vctx, 0)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, descriptors.Destroy)

	var opts []vulkan.RecorderOption
	if accelFn != nil {
		opts = append(opts, vulkan.WithAccelFunctions(accelFn))
	}
	rec, err := vulkan.NewRecorder(vctx, descriptors, opts...)
	if err != nil {
		return fail(err)
	}
	cleanup = append(cleanup, rec.Destroy)
	counter := &submitCounter{Recorder: rec}
	b.recorder = counter
	b.events = vulkan.NewEventPool(vctx)

	accelDevice, err := vulkan.NewAccelDevice(vctx, accelFn, cfg.Accel.Compaction)
	switch {
	case errors.Is(err, core.ErrUnsupported):
		core.LogWarn("vulkan backend: %s", err)
	case err != nil:
		return fail(err)
	default:
		b.accel = accelDevice
	}

	b.endFrame = func(frame int, state graph.State) (int, int) {
		core.LogInfo("frame %d (%s): %d submission(s)", frame, state, counter.n)
		submissions := counter.n
		counter.n = 0
		return 0, submissions
	}
	return b, nil
}

type vulkanResources struct {
	ctx *vulkan.Context
}

func (r vulkanResources) CreateBuffer(name string, size uint64, usage metadata.BufferUsage) (*metadata.Buffer, error) {
	return r.ctx.CreateBuffer(name, size, usage)
}

func (r vulkanResources) CreateImage(name string, width, height uint32, aspect metadata.ImageAspect) (*metadata.Image, error) {
	img := vulkan.ImageConfig{
		Width:  width,
		Height: height,
		Format: vk.FormatR8g8b8a8Unorm,
		Usage:  vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageSampledBit | vk.ImageUsageStorageBit | vk.ImageUsageTransferSrcBit),
		Aspect: aspect,
	}
	if aspect&metadata.AspectDepth != 0 {
		img.Format = r.ctx.Device.DepthFormat
		img.Usage = vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit | vk.ImageUsageSampledBit)
	}
	return r.ctx.CreateImage(name, img)
}
