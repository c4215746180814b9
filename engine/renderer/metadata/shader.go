package metadata

/** @brief Shader stages available in the system. Bitset. */
type ShaderStage uint32

const (
	ShaderStageVertex     ShaderStage = 0x00000001
	ShaderStageGeometry   ShaderStage = 0x00000002
	ShaderStageFragment   ShaderStage = 0x00000004
	ShaderStageCompute    ShaderStage = 0x00000008
	ShaderStageRayGen     ShaderStage = 0x00000010
	ShaderStageMiss       ShaderStage = 0x00000020
	ShaderStageClosestHit ShaderStage = 0x00000040
	ShaderStageAnyHit     ShaderStage = 0x00000080

	ShaderStageAllRayTracing = ShaderStageRayGen | ShaderStageMiss | ShaderStageClosestHit | ShaderStageAnyHit
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderStageVertex:
		return "vertex"
	case ShaderStageGeometry:
		return "geometry"
	case ShaderStageFragment:
		return "fragment"
	case ShaderStageCompute:
		return "compute"
	case ShaderStageRayGen:
		return "raygen"
	case ShaderStageMiss:
		return "miss"
	case ShaderStageClosestHit:
		return "closest-hit"
	case ShaderStageAnyHit:
		return "any-hit"
	default:
		return "mixed"
	}
}

/** @brief The kind of resource a descriptor slot expects. */
type DescriptorKind int

const (
	DescriptorUniformBuffer DescriptorKind = iota
	DescriptorStorageBuffer
	DescriptorSampledImage
	DescriptorStorageImage
	DescriptorSampler
	DescriptorAccelerationStructure
)

/**
 * @brief One entry of a pipeline's descriptor layout. Slot order matches the
 * order of the pass's bind calls.
 */
type DescriptorBinding struct {
	/** @brief Binding index inside the single descriptor set used by a pass. */
	Slot uint32
	Kind DescriptorKind
	/** @brief Number of array elements (1 for non-array bindings). */
	Count uint32
	/** @brief Access the shader performs through this binding, when known. */
	Access AccessFlags
}

/** @brief Kind of a pass, fixed after construction. */
type PassKind int

const (
	PassKindGraphics PassKind = iota
	PassKindCompute
	PassKindRayTracing
)

func (k PassKind) String() string {
	switch k {
	case PassKindGraphics:
		return "graphics"
	case PassKindCompute:
		return "compute"
	case PassKindRayTracing:
		return "raytracing"
	default:
		return "unknown"
	}
}

// Stage returns the pipeline stages a pass of this kind executes in.
func (k PassKind) Stage() PipelineStage {
	switch k {
	case PassKindGraphics:
		return StageAllGraphics
	case PassKindCompute:
		return StageCompute
	case PassKindRayTracing:
		return StageRayTracing
	default:
		return StageAllCommands
	}
}

/** @brief Compiled code for one shader stage. */
type ShaderCode struct {
	Stage ShaderStage
	/** @brief SPIR-V words as little-endian bytes. */
	Code  []byte
	Entry string
}

/** @brief Fixed-function state needed by graphics pipelines. */
type GraphicsState struct {
	/** @brief Backend-specific render target (a *vulkan.RenderPass for the vulkan backend). */
	RenderTarget     interface{}
	ColorAttachments int
	DepthTest        bool
	DepthWrite       bool
	Wireframe        bool
	Width            uint32
	Height           uint32
}

/** @brief Everything a device needs to create a pipeline object. */
type PipelineDesc struct {
	Name          string
	Kind          PassKind
	Stages        []ShaderCode
	SpecConstants []uint32
	Bindings      []DescriptorBinding
	/** @brief Size in bytes of the push constant block, 4-byte aligned. */
	PushConstantSize   uint32
	PushConstantStages ShaderStage
	/** @brief Only set for graphics pipelines. */
	Graphics *GraphicsState
}

// PipelineObject is the opaque device pipeline returned by a PipelineDevice.
type PipelineObject interface{}

// PipelineDevice creates and destroys pipeline objects. CreatePipeline may be
// called from several goroutines at once.
type PipelineDevice interface {
	CreatePipeline(desc *PipelineDesc) (PipelineObject, error)
	DestroyPipeline(p PipelineObject)
}
