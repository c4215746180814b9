package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Creation parameters of a 2D device-local image. */
type ImageConfig struct {
	Width  uint32
	Height uint32
	Format vk.Format
	Usage  vk.ImageUsageFlags
	Aspect metadata.ImageAspect
}

type image struct {
	memory vk.DeviceMemory
	view   vk.ImageView
}

// CreateImage creates an image with dedicated device-local memory and a view
// over its single mip level. The image starts in the undefined layout.
func (ctx *Context) CreateImage(name string, config ImageConfig) (*metadata.Image, error) {
	dev := ctx.Device.LogicalDevice

	var handle vk.Image
	if res := vk.CreateImage(dev, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    config.Format,
		Extent: vk.Extent3D{
			Width:  config.Width,
			Height: config.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         config.Usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, ctx.Allocator, &handle); res != vk.Success {
		return nil, resultError("vkCreateImage", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev, handle, &memReqs)
	memReqs.Deref()

	index := ctx.FindMemoryIndex(memReqs.MemoryTypeBits, uint32(vk.MemoryPropertyDeviceLocalBit))
	if index < 0 {
		vk.DestroyImage(dev, handle, ctx.Allocator)
		return nil, fmt.Errorf("%w: no memory type for image %q", core.ErrDevice, name)
	}

	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: uint32(index),
	}, ctx.Allocator, &memory); res != vk.Success {
		vk.DestroyImage(dev, handle, ctx.Allocator)
		return nil, resultError("vkAllocateMemory", res)
	}
	if res := vk.BindImageMemory(dev, handle, memory, 0); res != vk.Success {
		vk.DestroyImage(dev, handle, ctx.Allocator)
		vk.FreeMemory(dev, memory, ctx.Allocator)
		return nil, resultError("vkBindImageMemory", res)
	}

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    handle,
		ViewType: vk.ImageViewType2d,
		Format:   config.Format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     imageAspect(config.Aspect),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(dev, &viewInfo, ctx.Allocator, &view); res != vk.Success {
		vk.DestroyImage(dev, handle, ctx.Allocator)
		vk.FreeMemory(dev, memory, ctx.Allocator)
		return nil, resultError("vkCreateImageView", res)
	}

	ctx.mu.Lock()
	ctx.images[handle] = image{memory: memory, view: view}
	ctx.mu.Unlock()

	return &metadata.Image{
		Name:   name,
		Handle: handle,
		View:   view,
		Width:  config.Width,
		Height: config.Height,
		Format: uint32(config.Format),
		Aspect: config.Aspect,
		Layout: metadata.LayoutUndefined,
	}, nil
}

func (ctx *Context) DestroyImage(img *metadata.Image) {
	if img == nil {
		return
	}
	handle, ok := img.Handle.(vk.Image)
	if !ok || handle == nil {
		return
	}
	ctx.mu.Lock()
	owned, found := ctx.images[handle]
	delete(ctx.images, handle)
	ctx.mu.Unlock()
	if !found {
		return
	}

	vk.DestroyImageView(ctx.Device.LogicalDevice, owned.view, ctx.Allocator)
	vk.DestroyImage(ctx.Device.LogicalDevice, handle, ctx.Allocator)
	vk.FreeMemory(ctx.Device.LogicalDevice, owned.memory, ctx.Allocator)
	img.Handle = nil
	img.View = nil
}
