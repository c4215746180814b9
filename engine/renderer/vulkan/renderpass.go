package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Formats and load behaviour of the attachments of a render pass. */
type RenderpassConfig struct {
	ColorFormats []vk.Format
	/** @brief vk.FormatUndefined when the pass has no depth attachment. */
	DepthFormat vk.Format
	/** @brief Clear attachments on load instead of keeping their contents. */
	Clear bool
}

type Renderpass struct {
	Handle vk.RenderPass
	Config RenderpassConfig
}

// NewRenderpass creates a single-subpass render pass. Attachments enter and
// leave in their attachment layouts: the graph records every transition
// around the pass.
func NewRenderpass(ctx *Context, config RenderpassConfig) (*Renderpass, error) {
	loadOp := vk.AttachmentLoadOpLoad
	if config.Clear {
		loadOp = vk.AttachmentLoadOpClear
	}

	attachmentDescriptions := make([]vk.AttachmentDescription, 0, len(config.ColorFormats)+1)
	colorAttachmentReferences := make([]vk.AttachmentReference, 0, len(config.ColorFormats))
	for i, format := range config.ColorFormats {
		attachmentDescriptions = append(attachmentDescriptions, vk.AttachmentDescription{
			Format:         format,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         loadOp,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutColorAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutColorAttachmentOptimal,
		})
		colorAttachmentReferences = append(colorAttachmentReferences, vk.AttachmentReference{
			Attachment: uint32(i),
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		})
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: uint32(len(colorAttachmentReferences)),
		PColorAttachments:    colorAttachmentReferences,
	}

	if config.DepthFormat != vk.FormatUndefined {
		attachmentDescriptions = append(attachmentDescriptions, vk.AttachmentDescription{
			Format:         config.DepthFormat,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         loadOp,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutDepthStencilAttachmentOptimal,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.PDepthStencilAttachment = &vk.AttachmentReference{
			Attachment: uint32(len(attachmentDescriptions) - 1),
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}

	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachmentDescriptions)),
		PAttachments:    attachmentDescriptions,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
	}

	out := &Renderpass{Config: config}
	if err := ctx.locks.SafeCall(RenderpassManagement, func() error {
		if res := vk.CreateRenderPass(ctx.Device.LogicalDevice, &renderpassCreateInfo, ctx.Allocator, &out.Handle); res != vk.Success {
			return resultError("vkCreateRenderPass", res)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (rp *Renderpass) Destroy(ctx *Context) {
	if rp.Handle != nil {
		vk.DestroyRenderPass(ctx.Device.LogicalDevice, rp.Handle, ctx.Allocator)
		rp.Handle = nil
	}
}

func (rp *Renderpass) Begin(cb *CommandBuffer, framebuffer *Framebuffer, info metadata.RenderingInfo) {
	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  rp.Handle,
		Framebuffer: framebuffer.Handle,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: vk.Extent2D{Width: info.Width, Height: info.Height},
		},
	}

	clearValues := make([]vk.ClearValue, 0, len(info.Colors)+1)
	for _, c := range info.Colors {
		var v vk.ClearValue
		v.SetColor(c.ClearValue[:])
		clearValues = append(clearValues, v)
	}
	if info.Depth != nil {
		var v vk.ClearValue
		v.SetDepthStencil(info.Depth.ClearValue[0], 0)
		clearValues = append(clearValues, v)
	}
	beginInfo.ClearValueCount = uint32(len(clearValues))
	beginInfo.PClearValues = clearValues

	vk.CmdBeginRenderPass(cb.Handle, &beginInfo, vk.SubpassContentsInline)
	vk.CmdSetViewport(cb.Handle, 0, 1, []vk.Viewport{{
		Width:    float32(info.Width),
		Height:   float32(info.Height),
		MinDepth: 0,
		MaxDepth: 1,
	}})
	vk.CmdSetScissor(cb.Handle, 0, 1, []vk.Rect2D{beginInfo.RenderArea})
	cb.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
}

func (rp *Renderpass) End(cb *CommandBuffer) {
	vk.CmdEndRenderPass(cb.Handle)
	cb.State = COMMAND_BUFFER_STATE_RECORDING
}

/**
 * @brief The render pass plus the framebuffers created for it so far, keyed by
 * the attachment views. Passed to the graph as GraphicsState.RenderTarget.
 */
type RenderTarget struct {
	Renderpass   *Renderpass
	framebuffers map[string]*Framebuffer
}

func NewRenderTarget(ctx *Context, config RenderpassConfig) (*RenderTarget, error) {
	rp, err := NewRenderpass(ctx, config)
	if err != nil {
		return nil, err
	}
	return &RenderTarget{Renderpass: rp, framebuffers: map[string]*Framebuffer{}}, nil
}

// framebuffer returns the framebuffer for the attachments of info, creating
// it on first use.
func (rt *RenderTarget) framebuffer(ctx *Context, info metadata.RenderingInfo) (*Framebuffer, error) {
	attachments := info.Colors
	if info.Depth != nil {
		attachments = append(attachments[:len(attachments):len(attachments)], *info.Depth)
	}
	views := make([]vk.ImageView, 0, len(attachments))
	for _, a := range attachments {
		view, ok := a.Image.View.(vk.ImageView)
		if !ok {
			return nil, fmt.Errorf("%w: attachment %q has no vulkan view", core.ErrUnboundResource, a.Image.Name)
		}
		views = append(views, view)
	}
	key := framebufferKey(views, info.Width, info.Height)
	if fb, ok := rt.framebuffers[key]; ok {
		return fb, nil
	}
	fb, err := NewFramebuffer(ctx, rt.Renderpass, info.Width, info.Height, views)
	if err != nil {
		return nil, err
	}
	rt.framebuffers[key] = fb
	return fb, nil
}

func (rt *RenderTarget) Destroy(ctx *Context) {
	for key, fb := range rt.framebuffers {
		fb.Destroy(ctx)
		delete(rt.framebuffers, key)
	}
	rt.Renderpass.Destroy(ctx)
}
