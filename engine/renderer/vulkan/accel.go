package vulkan

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

var (
	_ metadata.AccelDevice   = (*AccelDevice)(nil)
	_ metadata.AccelCommands = (*AccelCommands)(nil)
)

// AccelExtensions are the device extensions an AccelFunctions implementation
// relies on. Pass them in ContextConfig.DeviceExtensions.
var AccelExtensions = []string{
	"VK_KHR_acceleration_structure",
	"VK_KHR_deferred_host_operations",
	"VK_KHR_buffer_device_address",
}

// AccelFunctions are the VK_KHR_acceleration_structure entry points. The
// bindings stop at the core API, so they are loaded by the application and
// injected here. Handles are opaque to this package.
type AccelFunctions interface {
	BuildSizes(dev vk.Device, info metadata.BuildGeometryInfo) metadata.BuildSizes
	Create(dev vk.Device, buffer vk.Buffer, size uint64, level metadata.AccelLevel) (handle interface{}, address uint64, err error)
	Destroy(dev vk.Device, handle interface{})
	BufferAddress(dev vk.Device, buffer vk.Buffer) uint64

	CmdBuild(cb vk.CommandBuffer, dst, src *metadata.AccelerationStructure, scratch *metadata.Buffer, info metadata.BuildGeometryInfo)
	CmdWriteCompactedSize(cb vk.CommandBuffer, as *metadata.AccelerationStructure, pool vk.QueryPool, index uint32)
	CmdCopyCompact(cb vk.CommandBuffer, src, dst *metadata.AccelerationStructure)
}

/**
 * @brief The acceleration structure device surface on top of a Context.
 * Every Submit blocks until the device finished the commands.
 */
type AccelDevice struct {
	ctx *Context
	fn  AccelFunctions
	/** @brief Whether compacted-size queries can be issued. */
	compaction bool
}

func NewAccelDevice(ctx *Context, fn AccelFunctions, compaction bool) (*AccelDevice, error) {
	if fn == nil {
		return nil, fmt.Errorf("acceleration structures: %w", core.ErrUnsupported)
	}
	for _, ext := range AccelExtensions {
		if !ctx.Device.HasExtension(ext) {
			return nil, fmt.Errorf("acceleration structures: extension %s not enabled: %w", ext, core.ErrUnsupported)
		}
	}
	return &AccelDevice{ctx: ctx, fn: fn, compaction: compaction}, nil
}

func (ad *AccelDevice) BuildSizes(info metadata.BuildGeometryInfo) (metadata.BuildSizes, error) {
	return ad.fn.BuildSizes(ad.ctx.Device.LogicalDevice, info), nil
}

func (ad *AccelDevice) SupportsCompaction() bool {
	return ad.compaction
}

func (ad *AccelDevice) CreateBuffer(name string, size uint64, usage metadata.BufferUsage) (*metadata.Buffer, error) {
	buf, err := ad.ctx.CreateBuffer(name, size, usage)
	if err != nil {
		return nil, err
	}
	if handle, ok := buf.Handle.(vk.Buffer); ok && usage&metadata.BufferUsageDeviceAddress != 0 {
		buf.DeviceAddress = ad.fn.BufferAddress(ad.ctx.Device.LogicalDevice, handle)
	}
	return buf, nil
}

func (ad *AccelDevice) DestroyBuffer(buf *metadata.Buffer) {
	ad.ctx.DestroyBuffer(buf)
}

// packInstances lays instances out as VkAccelerationStructureInstanceKHR.
func packInstances(instances []metadata.Instance) []byte {
	out := make([]byte, len(instances)*metadata.InstanceSize)
	for i, inst := range instances {
		b := out[i*metadata.InstanceSize:]
		for j, f := range inst.Transform {
			binary.LittleEndian.PutUint32(b[j*4:], math.Float32bits(f))
		}
		binary.LittleEndian.PutUint32(b[48:], inst.CustomIndex&0xFFFFFF|uint32(inst.Mask)<<24)
		binary.LittleEndian.PutUint32(b[52:], inst.SBTOffset&0xFFFFFF|uint32(inst.Flags)<<24)
		var ref uint64
		if inst.BLAS != nil {
			ref = inst.BLAS.DeviceAddress
		}
		binary.LittleEndian.PutUint64(b[56:], ref)
	}
	return out
}

func (ad *AccelDevice) UploadInstances(buf *metadata.Buffer, instances []metadata.Instance) error {
	if uint64(len(instances))*metadata.InstanceSize > buf.Size {
		return fmt.Errorf("upload %d instances into %d bytes: %w", len(instances), buf.Size, core.ErrDevice)
	}
	return ad.ctx.WriteBuffer(buf, packInstances(instances))
}

func (ad *AccelDevice) CreateAccelerationStructure(name string, level metadata.AccelLevel, buf *metadata.Buffer, size uint64) (*metadata.AccelerationStructure, error) {
	handle, ok := buf.Handle.(vk.Buffer)
	if !ok || buf.Size < size {
		return nil, fmt.Errorf("create acceleration structure %s: backing buffer too small: %w", name, core.ErrDevice)
	}
	as, address, err := ad.fn.Create(ad.ctx.Device.LogicalDevice, handle, size, level)
	if err != nil {
		return nil, fmt.Errorf("create acceleration structure %s: %w", name, err)
	}
	return &metadata.AccelerationStructure{
		Name:          name,
		Level:         level,
		Handle:        as,
		Buffer:        buf,
		Size:          size,
		DeviceAddress: address,
	}, nil
}

func (ad *AccelDevice) DestroyAccelerationStructure(as *metadata.AccelerationStructure) {
	if as == nil || as.Handle == nil {
		return
	}
	ad.fn.Destroy(ad.ctx.Device.LogicalDevice, as.Handle)
	as.Handle = nil
}

func (ad *AccelDevice) CreateQueryPool(count uint32) (metadata.QueryPool, error) {
	var pool vk.QueryPool
	err := ad.ctx.locks.SafeCall(QueryManagement, func() error {
		if res := vk.CreateQueryPool(ad.ctx.Device.LogicalDevice, &vk.QueryPoolCreateInfo{
			SType:      vk.StructureTypeQueryPoolCreateInfo,
			QueryType:  vk.QueryType(queryTypeAccelCompactedSize),
			QueryCount: count,
		}, ad.ctx.Allocator, &pool); res != vk.Success {
			return resultError("vkCreateQueryPool", res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func (ad *AccelDevice) DestroyQueryPool(pool metadata.QueryPool) {
	if qp, ok := pool.(vk.QueryPool); ok && qp != nil {
		vk.DestroyQueryPool(ad.ctx.Device.LogicalDevice, qp, ad.ctx.Allocator)
	}
}

func (ad *AccelDevice) ReadCompactedSizes(pool metadata.QueryPool, count uint32) ([]uint64, error) {
	qp, ok := pool.(vk.QueryPool)
	if !ok {
		return nil, fmt.Errorf("read compacted sizes: foreign query pool %T: %w", pool, core.ErrDevice)
	}
	sizes := make([]uint64, count)
	if count == 0 {
		return sizes, nil
	}
	flags := vk.QueryResultFlags(vk.QueryResult64Bit | vk.QueryResultWaitBit)
	if res := vk.GetQueryPoolResults(ad.ctx.Device.LogicalDevice, qp, 0, count,
		uint(count)*8, unsafe.Pointer(&sizes[0]), 8, flags); res != vk.Success {
		return nil, resultError("vkGetQueryPoolResults", res)
	}
	return sizes, nil
}

func (ad *AccelDevice) Begin() (metadata.AccelCommands, error) {
	cb, err := AllocateAndBeginSingleUse(ad.ctx)
	if err != nil {
		return nil, err
	}
	return &AccelCommands{cb: cb, fn: ad.fn}, nil
}

func (ad *AccelDevice) Submit(cmd metadata.AccelCommands) error {
	ac, ok := cmd.(*AccelCommands)
	if !ok {
		return fmt.Errorf("submit: foreign command list %T: %w", cmd, core.ErrDevice)
	}
	return ac.cb.EndSingleUse(ad.ctx)
}

/** @brief A single-use command buffer recording acceleration structure work. */
type AccelCommands struct {
	cb *CommandBuffer
	fn AccelFunctions
}

func (ac *AccelCommands) Build(dst, src *metadata.AccelerationStructure, scratch *metadata.Buffer, info metadata.BuildGeometryInfo) {
	ac.fn.CmdBuild(ac.cb.Handle, dst, src, scratch, info)
}

func (ac *AccelCommands) MemoryBarrier(barrier metadata.MemoryBarrier, srcStage, dstStage metadata.PipelineStage) {
	vk.CmdPipelineBarrier(ac.cb.Handle,
		pipelineStages(srcStage, true), pipelineStages(dstStage, false),
		vk.DependencyFlags(0), 1,
		[]vk.MemoryBarrier{{
			SType:         vk.StructureTypeMemoryBarrier,
			SrcAccessMask: accessFlags(barrier.SrcAccess),
			DstAccessMask: accessFlags(barrier.DstAccess),
		}}, 0, nil, 0, nil)
}

func (ac *AccelCommands) ResetQueryPool(pool metadata.QueryPool, first, count uint32) {
	if qp, ok := pool.(vk.QueryPool); ok {
		vk.CmdResetQueryPool(ac.cb.Handle, qp, first, count)
	}
}

func (ac *AccelCommands) WriteCompactedSize(as *metadata.AccelerationStructure, pool metadata.QueryPool, index uint32) {
	if qp, ok := pool.(vk.QueryPool); ok {
		ac.fn.CmdWriteCompactedSize(ac.cb.Handle, as, qp, index)
	}
}

func (ac *AccelCommands) CopyCompact(src, dst *metadata.AccelerationStructure) {
	ac.fn.CmdCopyCompact(ac.cb.Handle, src, dst)
}
