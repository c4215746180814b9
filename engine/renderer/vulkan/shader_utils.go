package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/**
 * @brief Represents a single shader stage.
 */
type ShaderStage struct {
	/** @brief The internal shader module Handle. */
	Handle vk.ShaderModule
	/** @brief The pipeline shader stage creation info. */
	ShaderStageCreateInfo vk.PipelineShaderStageCreateInfo
}

// spirvWords reinterprets little-endian SPIR-V bytes as words.
func spirvWords(code []byte) ([]uint32, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: SPIR-V size %d is not a multiple of 4", core.ErrShaderCompile, len(code))
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&code[0])), len(code)/4), nil
}

// NewShaderStage creates a shader module for one compiled stage.
func NewShaderStage(ctx *Context, code metadata.ShaderCode, spec *vk.SpecializationInfo) (*ShaderStage, error) {
	words, err := spirvWords(code.Code)
	if err != nil {
		return nil, err
	}

	createInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code.Code)),
		PCode:    words,
	}

	stage := &ShaderStage{}
	if err := ctx.locks.SafeCall(ShaderManagement, func() error {
		if res := vk.CreateShaderModule(ctx.Device.LogicalDevice, &createInfo, ctx.Allocator, &stage.Handle); res != vk.Success {
			return resultError("vkCreateShaderModule", res)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	entry := code.Entry
	if entry == "" {
		entry = "main"
	}
	stage.ShaderStageCreateInfo = vk.PipelineShaderStageCreateInfo{
		SType:               vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:               vk.ShaderStageFlagBits(shaderStageFlags(code.Stage)),
		Module:              stage.Handle,
		PName:               SafeString(entry),
		PSpecializationInfo: spec,
	}
	return stage, nil
}

func (s *ShaderStage) Destroy(ctx *Context) {
	if s.Handle != nil {
		vk.DestroyShaderModule(ctx.Device.LogicalDevice, s.Handle, ctx.Allocator)
		s.Handle = nil
	}
}

// specializationInfo maps constant i to constant_id i. Returns nil when there
// are no constants.
func specializationInfo(constants []uint32) *vk.SpecializationInfo {
	if len(constants) == 0 {
		return nil
	}
	entries := make([]vk.SpecializationMapEntry, len(constants))
	for i := range constants {
		entries[i] = vk.SpecializationMapEntry{
			ConstantID: uint32(i),
			Offset:     uint32(i * 4),
			Size:       4,
		}
	}
	data := make([]uint32, len(constants))
	copy(data, constants)
	return &vk.SpecializationInfo{
		MapEntryCount: uint32(len(entries)),
		PMapEntries:   entries,
		DataSize:      uint(len(data) * 4),
		PData:         unsafe.Pointer(&data[0]),
	}
}
