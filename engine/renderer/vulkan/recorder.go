package vulkan

import (
	"fmt"
	"math"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

var (
	_ metadata.CommandRecorder = (*Recorder)(nil)
	_ metadata.Submitter       = (*Recorder)(nil)
)

/**
 * @brief Records render graph commands into one primary command buffer.
 * Submit executes the commands synchronously and reopens the buffer, so one
 * Recorder serves every run window of a frame.
 */
type Recorder struct {
	ctx         *Context
	cb          *CommandBuffer
	fence       *Fence
	descriptors *DescriptorAllocator
	/** @brief Optional, acceleration structure builds fail without it. */
	accel AccelFunctions
	/** @brief Render target of the open BeginRendering scope. */
	target *RenderTarget
	/** @brief First recording error, reported by End. */
	err error
}

type RecorderOption func(*Recorder)

// WithAccelFunctions lets the recorder record in-pass BLAS builds.
func WithAccelFunctions(fn AccelFunctions) RecorderOption {
	return func(r *Recorder) {
		r.accel = fn
	}
}

func NewRecorder(ctx *Context, descriptors *DescriptorAllocator, opts ...RecorderOption) (*Recorder, error) {
	cb, err := NewCommandBuffer(ctx, true)
	if err != nil {
		return nil, err
	}
	fence, err := NewFence(ctx, false)
	if err != nil {
		cb.Free(ctx)
		return nil, err
	}
	r := &Recorder{ctx: ctx, cb: cb, fence: fence, descriptors: descriptors}
	for _, opt := range opts {
		opt(r)
	}
	if err := cb.Begin(true, false, false); err != nil {
		r.Destroy()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) Destroy() {
	r.fence.Destroy(r.ctx)
	r.cb.Free(r.ctx)
}

func (r *Recorder) fail(err error) {
	if r.err == nil {
		core.LogError("vulkan recorder: %s", err)
		r.err = err
	}
}

func (r *Recorder) Err() error {
	return r.err
}

func barrierArrays(batch metadata.BarrierBatch) ([]vk.MemoryBarrier, []vk.BufferMemoryBarrier, []vk.ImageMemoryBarrier) {
	var memory []vk.MemoryBarrier
	for _, m := range batch.Memory {
		memory = append(memory, vk.MemoryBarrier{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: accessFlags(m.SrcAccess),
			DstAccessMask: accessFlags(m.DstAccess),
		})
	}

	var buffers []vk.BufferMemoryBarrier
	for _, b := range batch.Buffers {
		handle, _ := b.Buffer.Handle.(vk.Buffer)
		buffers = append(buffers, vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       accessFlags(b.SrcAccess),
			DstAccessMask:       accessFlags(b.DstAccess),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              handle,
			Offset:              0,
			Size:                vk.DeviceSize(vk.WholeSize),
		})
	}

	var images []vk.ImageMemoryBarrier
	for _, i := range batch.Images {
		handle, _ := i.Image.Handle.(vk.Image)
		images = append(images, vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       accessFlags(i.SrcAccess),
			DstAccessMask:       accessFlags(i.DstAccess),
			OldLayout:           imageLayout(i.OldLayout),
			NewLayout:           imageLayout(i.NewLayout),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               handle,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: imageAspect(i.Aspect),
				LevelCount: vk.RemainingMipLevels,
				LayerCount: vk.RemainingArrayLayers,
			},
		})
	}
	return memory, buffers, images
}

func (r *Recorder) PipelineBarrier(batch metadata.BarrierBatch) {
	memory, buffers, images := barrierArrays(batch)
	vk.CmdPipelineBarrier(r.cb.Handle,
		pipelineStages(batch.SrcStage, true), pipelineStages(batch.DstStage, false),
		vk.DependencyFlags(0),
		uint32(len(memory)), memory,
		uint32(len(buffers)), buffers,
		uint32(len(images)), images)
}

func (r *Recorder) SetEvent(event metadata.Event, stage metadata.PipelineStage) {
	e, ok := event.(vk.Event)
	if !ok {
		r.fail(fmt.Errorf("set event: foreign event %T: %w", event, core.ErrDevice))
		return
	}
	vk.CmdSetEvent(r.cb.Handle, e, pipelineStages(stage, true))
}

func (r *Recorder) WaitEvents(events []metadata.Event, batch metadata.BarrierBatch) {
	handles := make([]vk.Event, 0, len(events))
	for _, event := range events {
		e, ok := event.(vk.Event)
		if !ok {
			r.fail(fmt.Errorf("wait events: foreign event %T: %w", event, core.ErrDevice))
			return
		}
		handles = append(handles, e)
	}
	memory, buffers, images := barrierArrays(batch)
	vk.CmdWaitEvents(r.cb.Handle,
		uint32(len(handles)), handles,
		pipelineStages(batch.SrcStage, true), pipelineStages(batch.DstStage, false),
		uint32(len(memory)), memory,
		uint32(len(buffers)), buffers,
		uint32(len(images)), images)
}

func (r *Recorder) FillBuffer(buf *metadata.Buffer, offset, size uint64, data uint32) {
	handle, ok := buf.Handle.(vk.Buffer)
	if !ok {
		r.fail(fmt.Errorf("fill buffer %s: %w", buf.Name, core.ErrUnboundResource))
		return
	}
	vk.CmdFillBuffer(r.cb.Handle, handle, vk.DeviceSize(offset), vk.DeviceSize(size), data)
}

func (r *Recorder) CopyBuffer(src, dst *metadata.Buffer, regions []metadata.BufferCopy) {
	srcHandle, okSrc := src.Handle.(vk.Buffer)
	dstHandle, okDst := dst.Handle.(vk.Buffer)
	if !okSrc || !okDst {
		r.fail(fmt.Errorf("copy %s to %s: %w", src.Name, dst.Name, core.ErrUnboundResource))
		return
	}
	rg := make([]vk.BufferCopy, len(regions))
	for i, c := range regions {
		rg[i] = vk.BufferCopy{SrcOffset: vk.DeviceSize(c.SrcOffset), DstOffset: vk.DeviceSize(c.DstOffset), Size: vk.DeviceSize(c.Size)}
	}
	vk.CmdCopyBuffer(r.cb.Handle, srcHandle, dstHandle, uint32(len(rg)), rg)
}

func (r *Recorder) BuildAccelerationStructures(builds []metadata.AccelBuild) {
	if r.accel == nil {
		r.fail(fmt.Errorf("build acceleration structures: %w", core.ErrUnsupported))
		return
	}
	for _, b := range builds {
		info := metadata.BuildGeometryInfo{
			Level:      metadata.AccelBottomLevel,
			Flags:      b.Input.Flags,
			Geometries: b.Input.Geometries,
			Update:     b.Update,
		}
		var src *metadata.AccelerationStructure
		if b.Update {
			src = b.Dst
		}
		r.accel.CmdBuild(r.cb.Handle, b.Dst, src, b.Scratch, info)
	}
}

func (r *Recorder) pipeline(obj metadata.PipelineObject) (*Pipeline, bool) {
	p, ok := obj.(*Pipeline)
	if !ok || p == nil {
		r.fail(fmt.Errorf("foreign pipeline object %T: %w", obj, core.ErrDevice))
		return nil, false
	}
	return p, true
}

func (r *Recorder) BindPipeline(kind metadata.PassKind, obj metadata.PipelineObject) {
	if p, ok := r.pipeline(obj); ok {
		vk.CmdBindPipeline(r.cb.Handle, bindPoint(kind), p.Handle)
	}
}

func (r *Recorder) BindResources(kind metadata.PassKind, obj metadata.PipelineObject, resources []metadata.BoundResource) {
	p, ok := r.pipeline(obj)
	if !ok {
		return
	}
	if p.SetLayout == nil {
		r.fail(fmt.Errorf("bind resources: pipeline %s declares no bindings: %w", p.Name, core.ErrBindingMismatch))
		return
	}
	set, err := r.descriptors.Allocate(p.SetLayout)
	if err != nil {
		r.fail(err)
		return
	}
	writes, err := descriptorWrites(set, resources)
	if err != nil {
		r.fail(err)
		return
	}
	vk.UpdateDescriptorSets(r.ctx.Device.LogicalDevice, uint32(len(writes)), writes, 0, nil)
	vk.CmdBindDescriptorSets(r.cb.Handle, bindPoint(kind), p.PipelineLayout, 0, 1, []vk.DescriptorSet{set}, 0, nil)
}

func (r *Recorder) PushConstants(obj metadata.PipelineObject, stages metadata.ShaderStage, data []byte) {
	p, ok := r.pipeline(obj)
	if !ok || len(data) == 0 {
		return
	}
	vk.CmdPushConstants(r.cb.Handle, p.PipelineLayout, shaderStageFlags(stages), 0, uint32(len(data)), unsafe.Pointer(&data[0]))
}

func (r *Recorder) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(r.cb.Handle, x, y, z)
}

func (r *Recorder) TraceRays(obj metadata.PipelineObject, width, height, depth uint32) {
	r.fail(fmt.Errorf("trace rays %dx%dx%d: %w", width, height, depth, core.ErrUnsupported))
}

func (r *Recorder) BeginRendering(info metadata.RenderingInfo) {
	target, ok := info.RenderTarget.(*RenderTarget)
	if !ok || target == nil {
		r.fail(fmt.Errorf("begin rendering: no vulkan render target: %w", core.ErrContractViolation))
		return
	}
	fb, err := target.framebuffer(r.ctx, info)
	if err != nil {
		r.fail(err)
		return
	}
	target.Renderpass.Begin(r.cb, fb, info)
	r.target = target
}

func (r *Recorder) EndRendering() {
	if r.target == nil {
		return
	}
	r.target.Renderpass.End(r.cb)
	r.target = nil
}

// Draw records a non-indexed draw. Only valid inside BeginRendering.
func (r *Recorder) Draw(vertexCount, instanceCount uint32) {
	if r.target == nil {
		r.fail(fmt.Errorf("draw outside of a render pass: %w", core.ErrContractViolation))
		return
	}
	vk.CmdDraw(r.cb.Handle, vertexCount, max(instanceCount, 1), 0, 0)
}

func (r *Recorder) End() error {
	if r.err != nil {
		return r.err
	}
	return r.cb.End()
}

// Submit executes the ended command buffer, waits for it and begins a new
// recording. Descriptor sets handed out so far are released.
func (r *Recorder) Submit() error {
	if r.err != nil {
		return r.err
	}
	if err := r.cb.Submit(r.ctx, r.fence); err != nil {
		return err
	}
	if err := r.fence.Wait(r.ctx, math.MaxUint64); err != nil {
		return err
	}
	if err := r.fence.Reset(r.ctx); err != nil {
		return err
	}
	if err := r.descriptors.Reset(); err != nil {
		return err
	}
	if err := r.cb.Reset(); err != nil {
		return err
	}
	return r.cb.Begin(true, false, false)
}
