package vulkan

import (
	"fmt"
	"strings"

	vk "github.com/goki/vulkan"
)

type Framebuffer struct {
	Handle      vk.Framebuffer
	Attachments []vk.ImageView
	Renderpass  *Renderpass
}

func NewFramebuffer(ctx *Context, renderpass *Renderpass, width, height uint32, attachments []vk.ImageView) (*Framebuffer, error) {
	out := &Framebuffer{
		Attachments: append([]vk.ImageView(nil), attachments...),
		Renderpass:  renderpass,
	}

	createInfo := vk.FramebufferCreateInfo{
		SType:           vk.StructureTypeFramebufferCreateInfo,
		RenderPass:      renderpass.Handle,
		AttachmentCount: uint32(len(out.Attachments)),
		PAttachments:    out.Attachments,
		Width:           width,
		Height:          height,
		Layers:          1,
	}

	if res := vk.CreateFramebuffer(ctx.Device.LogicalDevice, &createInfo, ctx.Allocator, &out.Handle); res != vk.Success {
		return nil, resultError("vkCreateFramebuffer", res)
	}
	return out, nil
}

func (fb *Framebuffer) Destroy(ctx *Context) {
	if fb.Handle != nil {
		vk.DestroyFramebuffer(ctx.Device.LogicalDevice, fb.Handle, ctx.Allocator)
	}
	fb.Attachments = nil
	fb.Handle = nil
	fb.Renderpass = nil
}

func framebufferKey(views []vk.ImageView, width, height uint32) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%dx%d", width, height)
	for _, v := range views {
		fmt.Fprintf(&sb, ":%v", v)
	}
	return sb.String()
}
