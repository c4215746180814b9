package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

// DefaultDescriptorSets is the number of sets a DescriptorAllocator can hand
// out between two resets.
const DefaultDescriptorSets uint32 = 1024

// descriptorsPerType bounds the descriptors of one type in one pool.
const descriptorsPerType uint32 = 4096

func createSetLayout(ctx *Context, bindings []metadata.DescriptorBinding, stages metadata.ShaderStage) (vk.DescriptorSetLayout, error) {
	binds := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	for i, b := range bindings {
		count := b.Count
		if count == 0 {
			count = 1
		}
		binds[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Slot,
			DescriptorType:  descriptorType(b.Kind),
			DescriptorCount: count,
			StageFlags:      shaderStageFlags(stages),
		}
	}

	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(ctx.Device.LogicalDevice, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(binds)),
		PBindings:    binds,
	}, ctx.Allocator, &layout); res != vk.Success {
		return nil, resultError("vkCreateDescriptorSetLayout", res)
	}
	return layout, nil
}

/**
 * @brief Allocates the transient descriptor sets of a frame from a single
 * pool. Reset returns every set to the pool at once.
 */
type DescriptorAllocator struct {
	ctx  *Context
	pool vk.DescriptorPool
	/** @brief Sets handed out since the last reset. */
	allocated uint32
	maxSets   uint32
}

func NewDescriptorAllocator(ctx *Context, maxSets uint32) (*DescriptorAllocator, error) {
	if maxSets == 0 {
		maxSets = DefaultDescriptorSets
	}
	sizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: descriptorsPerType},
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: descriptorsPerType},
		{Type: vk.DescriptorTypeSampledImage, DescriptorCount: descriptorsPerType},
		{Type: vk.DescriptorTypeStorageImage, DescriptorCount: descriptorsPerType},
		{Type: vk.DescriptorTypeSampler, DescriptorCount: descriptorsPerType},
	}

	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(ctx.Device.LogicalDevice, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       maxSets,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, ctx.Allocator, &pool); res != vk.Success {
		return nil, resultError("vkCreateDescriptorPool", res)
	}
	return &DescriptorAllocator{ctx: ctx, pool: pool, maxSets: maxSets}, nil
}

func (da *DescriptorAllocator) Allocate(layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	var set vk.DescriptorSet
	err := da.ctx.locks.SafeCall(DescriptorManagement, func() error {
		if da.allocated >= da.maxSets {
			return fmt.Errorf("%w: descriptor pool exhausted after %d sets", core.ErrDevice, da.maxSets)
		}
		if res := vk.AllocateDescriptorSets(da.ctx.Device.LogicalDevice, &vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     da.pool,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{layout},
		}, &set); res != vk.Success {
			return resultError("vkAllocateDescriptorSets", res)
		}
		da.allocated++
		return nil
	})
	return set, err
}

func (da *DescriptorAllocator) Allocated() uint32 {
	return da.allocated
}

func (da *DescriptorAllocator) Reset() error {
	return da.ctx.locks.SafeCall(DescriptorManagement, func() error {
		if res := vk.ResetDescriptorPool(da.ctx.Device.LogicalDevice, da.pool, 0); res != vk.Success {
			return resultError("vkResetDescriptorPool", res)
		}
		da.allocated = 0
		return nil
	})
}

func (da *DescriptorAllocator) Destroy() {
	if da.pool != nil {
		vk.DestroyDescriptorPool(da.ctx.Device.LogicalDevice, da.pool, da.ctx.Allocator)
		da.pool = nil
	}
}

// descriptorWrites builds one write per bound slot. Acceleration structures
// need VK_KHR_acceleration_structure descriptor writes and are rejected.
func descriptorWrites(set vk.DescriptorSet, resources []metadata.BoundResource) ([]vk.WriteDescriptorSet, error) {
	writes := make([]vk.WriteDescriptorSet, 0, len(resources))
	for _, r := range resources {
		wd := vk.WriteDescriptorSet{
			SType:          vk.StructureTypeWriteDescriptorSet,
			DstSet:         set,
			DstBinding:     r.Slot,
			DescriptorType: descriptorType(r.Kind),
		}
		switch {
		case r.Accel != nil:
			return nil, fmt.Errorf("%w: acceleration structure descriptors at slot %d", core.ErrUnsupported, r.Slot)
		case len(r.Buffers) > 0:
			infos := make([]vk.DescriptorBufferInfo, len(r.Buffers))
			for i, b := range r.Buffers {
				handle, ok := b.Handle.(vk.Buffer)
				if !ok {
					return nil, fmt.Errorf("%w: buffer %q has no vulkan handle", core.ErrUnboundResource, b.Name)
				}
				infos[i] = vk.DescriptorBufferInfo{
					Buffer: handle,
					Offset: 0,
					Range:  vk.DeviceSize(vk.WholeSize),
				}
			}
			wd.DescriptorCount = uint32(len(infos))
			wd.PBufferInfo = infos
		case len(r.Images) > 0:
			infos := make([]vk.DescriptorImageInfo, len(r.Images))
			for i, img := range r.Images {
				view, ok := img.View.(vk.ImageView)
				if !ok {
					return nil, fmt.Errorf("%w: image %q has no vulkan view", core.ErrUnboundResource, img.Name)
				}
				infos[i] = vk.DescriptorImageInfo{
					ImageLayout: imageLayout(img.Layout),
					ImageView:   view,
				}
			}
			wd.DescriptorCount = uint32(len(infos))
			wd.PImageInfo = infos
		default:
			continue
		}
		writes = append(writes, wd)
	}
	return writes, nil
}
