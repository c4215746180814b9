package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
)

type CommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY CommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_IN_RENDER_PASS
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

type CommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State CommandBufferState
}

func NewCommandBuffer(ctx *Context, primary bool) (*CommandBuffer, error) {
	cb := &CommandBuffer{
		State: COMMAND_BUFFER_STATE_NOT_ALLOCATED,
	}

	level := vk.CommandBufferLevelPrimary
	if !primary {
		level = vk.CommandBufferLevelSecondary
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        ctx.Device.CommandPool,
		CommandBufferCount: 1,
		Level:              level,
	}

	handles := make([]vk.CommandBuffer, 1)
	if err := ctx.locks.SafeCall(CommandBufferManagement, func() error {
		if res := vk.AllocateCommandBuffers(ctx.Device.LogicalDevice, &allocateInfo, handles); res != vk.Success {
			return resultError("vkAllocateCommandBuffers", res)
		}
		return nil
	}); err != nil {
		core.LogError(err.Error())
		return nil, err
	}
	cb.Handle = handles[0]
	cb.State = COMMAND_BUFFER_STATE_READY
	return cb, nil
}

func (cb *CommandBuffer) Free(ctx *Context) {
	if cb.Handle == nil {
		return
	}
	ctx.locks.SafeCall(CommandBufferManagement, func() error {
		vk.FreeCommandBuffers(ctx.Device.LogicalDevice, ctx.Device.CommandPool, 1, []vk.CommandBuffer{cb.Handle})
		return nil
	})
	cb.Handle = nil
	cb.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (cb *CommandBuffer) Begin(singleUse, renderpassContinue, simultaneousUse bool) error {
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if singleUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if renderpassContinue {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageRenderPassContinueBit)
	}
	if simultaneousUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if res := vk.BeginCommandBuffer(cb.Handle, beginInfo); res != vk.Success {
		return resultError("vkBeginCommandBuffer", res)
	}
	cb.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (cb *CommandBuffer) End() error {
	if res := vk.EndCommandBuffer(cb.Handle); res != vk.Success {
		return resultError("vkEndCommandBuffer", res)
	}
	cb.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

// Submit hands the ended buffer to the device queue, signaling fence when
// it is not nil.
func (cb *CommandBuffer) Submit(ctx *Context, fence *Fence) error {
	if cb.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
		return fmt.Errorf("%w: command buffer submitted while not ended", core.ErrContractViolation)
	}
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cb.Handle},
	}
	var handle vk.Fence
	if fence != nil {
		handle = fence.Handle
		fence.IsSignaled = false
	}
	if err := ctx.locks.SafeQueueCall(uint32(ctx.Device.QueueIndex), func() error {
		if res := vk.QueueSubmit(ctx.Device.Queue, 1, []vk.SubmitInfo{submitInfo}, handle); res != vk.Success {
			return resultError("vkQueueSubmit", res)
		}
		return nil
	}); err != nil {
		return err
	}
	cb.State = COMMAND_BUFFER_STATE_SUBMITTED
	return nil
}

func (cb *CommandBuffer) Reset() error {
	if res := vk.ResetCommandBuffer(cb.Handle, 0); res != vk.Success {
		return resultError("vkResetCommandBuffer", res)
	}
	cb.State = COMMAND_BUFFER_STATE_READY
	return nil
}

/**
 * Allocates and begins recording a one-time command buffer.
 */
func AllocateAndBeginSingleUse(ctx *Context) (*CommandBuffer, error) {
	cb, err := NewCommandBuffer(ctx, true)
	if err != nil {
		return nil, err
	}
	if err := cb.Begin(true, false, false); err != nil {
		cb.Free(ctx)
		return nil, err
	}
	return cb, nil
}

/**
 * Ends recording, submits to and waits for the queue and frees the command buffer.
 */
func (cb *CommandBuffer) EndSingleUse(ctx *Context) error {
	defer cb.Free(ctx)

	if err := cb.End(); err != nil {
		return err
	}
	if err := cb.Submit(ctx, nil); err != nil {
		return err
	}
	return ctx.locks.SafeQueueCall(uint32(ctx.Device.QueueIndex), func() error {
		if res := vk.QueueWaitIdle(ctx.Device.Queue); res != vk.Success {
			return resultError("vkQueueWaitIdle", res)
		}
		return nil
	})
}
