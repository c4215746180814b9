package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

// Ray tracing and acceleration structure values from VK_KHR_acceleration_structure
// and VK_KHR_ray_tracing_pipeline. The bindings only carry the core enums.
const (
	pipelineStageRayTracingShader = 0x00200000
	pipelineStageAccelBuild       = 0x02000000

	accessAccelRead  = 0x00200000
	accessAccelWrite = 0x00400000

	shaderStageRayGen     = 0x00000100
	shaderStageAnyHit     = 0x00000200
	shaderStageClosestHit = 0x00000400
	shaderStageMiss       = 0x00000800

	bufferUsageShaderDeviceAddress = 0x00020000
	bufferUsageAccelBuildInput     = 0x00080000
	bufferUsageAccelStorage        = 0x00100000
	bufferUsageShaderBindingTable  = 0x00000400

	descriptorTypeAccelerationStructure = 1000150000
	queryTypeAccelCompactedSize         = 1000150000
	pipelineBindPointRayTracing         = 1000165000
)

var accessBits = []struct {
	from metadata.AccessFlags
	to   vk.AccessFlagBits
}{
	{metadata.AccessIndirectCommandRead, vk.AccessIndirectCommandReadBit},
	{metadata.AccessIndexRead, vk.AccessIndexReadBit},
	{metadata.AccessVertexAttributeRead, vk.AccessVertexAttributeReadBit},
	{metadata.AccessUniformRead, vk.AccessUniformReadBit},
	{metadata.AccessShaderRead, vk.AccessShaderReadBit},
	{metadata.AccessShaderWrite, vk.AccessShaderWriteBit},
	{metadata.AccessColorAttachmentRead, vk.AccessColorAttachmentReadBit},
	{metadata.AccessColorAttachmentWrite, vk.AccessColorAttachmentWriteBit},
	{metadata.AccessDepthStencilRead, vk.AccessDepthStencilAttachmentReadBit},
	{metadata.AccessDepthStencilWrite, vk.AccessDepthStencilAttachmentWriteBit},
	{metadata.AccessTransferRead, vk.AccessTransferReadBit},
	{metadata.AccessTransferWrite, vk.AccessTransferWriteBit},
	{metadata.AccessHostRead, vk.AccessHostReadBit},
	{metadata.AccessHostWrite, vk.AccessHostWriteBit},
	{metadata.AccessAccelerationStructRead, accessAccelRead},
	{metadata.AccessAccelerationStructWrite, accessAccelWrite},
}

func accessFlags(a metadata.AccessFlags) vk.AccessFlags {
	var out vk.AccessFlagBits
	for _, b := range accessBits {
		if a&b.from != 0 {
			out |= b.to
		}
	}
	return vk.AccessFlags(out)
}

var stageBits = []struct {
	from metadata.PipelineStage
	to   vk.PipelineStageFlagBits
}{
	{metadata.StageTopOfPipe, vk.PipelineStageTopOfPipeBit},
	{metadata.StageDrawIndirect, vk.PipelineStageDrawIndirectBit},
	{metadata.StageVertexInput, vk.PipelineStageVertexInputBit},
	{metadata.StageVertexShader, vk.PipelineStageVertexShaderBit},
	{metadata.StageFragment, vk.PipelineStageFragmentShaderBit},
	{metadata.StageEarlyTests, vk.PipelineStageEarlyFragmentTestsBit},
	{metadata.StageLateTests, vk.PipelineStageLateFragmentTestsBit},
	{metadata.StageColorOutput, vk.PipelineStageColorAttachmentOutputBit},
	{metadata.StageCompute, vk.PipelineStageComputeShaderBit},
	{metadata.StageTransfer, vk.PipelineStageTransferBit},
	{metadata.StageBottomOfPipe, vk.PipelineStageBottomOfPipeBit},
	{metadata.StageHost, vk.PipelineStageHostBit},
	{metadata.StageAllCommands, vk.PipelineStageAllCommandsBit},
	{metadata.StageRayTracing, pipelineStageRayTracingShader},
	{metadata.StageAccelBuild, pipelineStageAccelBuild},
}

// pipelineStages maps a stage mask. An empty source scope becomes top of pipe
// and an empty destination scope bottom of pipe.
func pipelineStages(s metadata.PipelineStage, src bool) vk.PipelineStageFlags {
	var out vk.PipelineStageFlagBits
	for _, b := range stageBits {
		if s&b.from != 0 {
			out |= b.to
		}
	}
	if out == 0 {
		if src {
			out = vk.PipelineStageTopOfPipeBit
		} else {
			out = vk.PipelineStageBottomOfPipeBit
		}
	}
	return vk.PipelineStageFlags(out)
}

func imageLayout(l metadata.ImageLayout) vk.ImageLayout {
	switch l {
	case metadata.LayoutGeneral:
		return vk.ImageLayoutGeneral
	case metadata.LayoutColorAttachment:
		return vk.ImageLayoutColorAttachmentOptimal
	case metadata.LayoutDepthStencilAttachment:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case metadata.LayoutDepthStencilReadOnly:
		return vk.ImageLayoutDepthStencilReadOnlyOptimal
	case metadata.LayoutShaderReadOnly:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case metadata.LayoutTransferSrc:
		return vk.ImageLayoutTransferSrcOptimal
	case metadata.LayoutTransferDst:
		return vk.ImageLayoutTransferDstOptimal
	case metadata.LayoutPresent:
		return vk.ImageLayoutPresentSrc
	default:
		return vk.ImageLayoutUndefined
	}
}

func imageAspect(a metadata.ImageAspect) vk.ImageAspectFlags {
	var out vk.ImageAspectFlagBits
	if a&metadata.AspectColor != 0 {
		out |= vk.ImageAspectColorBit
	}
	if a&metadata.AspectDepth != 0 {
		out |= vk.ImageAspectDepthBit
	}
	if a&metadata.AspectStencil != 0 {
		out |= vk.ImageAspectStencilBit
	}
	if out == 0 {
		out = vk.ImageAspectColorBit
	}
	return vk.ImageAspectFlags(out)
}

func descriptorType(k metadata.DescriptorKind) vk.DescriptorType {
	switch k {
	case metadata.DescriptorUniformBuffer:
		return vk.DescriptorTypeUniformBuffer
	case metadata.DescriptorSampledImage:
		return vk.DescriptorTypeSampledImage
	case metadata.DescriptorStorageImage:
		return vk.DescriptorTypeStorageImage
	case metadata.DescriptorSampler:
		return vk.DescriptorTypeSampler
	case metadata.DescriptorAccelerationStructure:
		return vk.DescriptorType(descriptorTypeAccelerationStructure)
	default:
		return vk.DescriptorTypeStorageBuffer
	}
}

var shaderStageBits = []struct {
	from metadata.ShaderStage
	to   vk.ShaderStageFlagBits
}{
	{metadata.ShaderStageVertex, vk.ShaderStageVertexBit},
	{metadata.ShaderStageGeometry, vk.ShaderStageGeometryBit},
	{metadata.ShaderStageFragment, vk.ShaderStageFragmentBit},
	{metadata.ShaderStageCompute, vk.ShaderStageComputeBit},
	{metadata.ShaderStageRayGen, shaderStageRayGen},
	{metadata.ShaderStageMiss, shaderStageMiss},
	{metadata.ShaderStageClosestHit, shaderStageClosestHit},
	{metadata.ShaderStageAnyHit, shaderStageAnyHit},
}

func shaderStageFlags(s metadata.ShaderStage) vk.ShaderStageFlags {
	var out vk.ShaderStageFlagBits
	for _, b := range shaderStageBits {
		if s&b.from != 0 {
			out |= b.to
		}
	}
	return vk.ShaderStageFlags(out)
}

func bufferUsage(u metadata.BufferUsage) vk.BufferUsageFlags {
	var out vk.BufferUsageFlagBits
	if u&metadata.BufferUsageStorage != 0 {
		out |= vk.BufferUsageStorageBufferBit
	}
	if u&metadata.BufferUsageTransferSrc != 0 {
		out |= vk.BufferUsageTransferSrcBit
	}
	if u&metadata.BufferUsageTransferDst != 0 {
		out |= vk.BufferUsageTransferDstBit
	}
	if u&metadata.BufferUsageAccelerationStorage != 0 {
		out |= bufferUsageAccelStorage
	}
	if u&metadata.BufferUsageAccelerationBuildIn != 0 {
		out |= bufferUsageAccelBuildInput
	}
	if u&metadata.BufferUsageDeviceAddress != 0 {
		out |= bufferUsageShaderDeviceAddress
	}
	if u&metadata.BufferUsageShaderBindingTable != 0 {
		out |= bufferUsageShaderBindingTable
	}
	return vk.BufferUsageFlags(out)
}

func bindPoint(kind metadata.PassKind) vk.PipelineBindPoint {
	switch kind {
	case metadata.PassKindGraphics:
		return vk.PipelineBindPointGraphics
	case metadata.PassKindRayTracing:
		return vk.PipelineBindPoint(pipelineBindPointRayTracing)
	default:
		return vk.PipelineBindPointCompute
	}
}
