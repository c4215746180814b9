package metadata

/** @brief Memory access kinds a pass performs on a resource. Bitset. */
type AccessFlags uint32

const (
	AccessNone                    AccessFlags = 0
	AccessIndirectCommandRead     AccessFlags = 1 << 0
	AccessIndexRead               AccessFlags = 1 << 1
	AccessVertexAttributeRead     AccessFlags = 1 << 2
	AccessUniformRead             AccessFlags = 1 << 3
	AccessShaderRead              AccessFlags = 1 << 4
	AccessShaderWrite             AccessFlags = 1 << 5
	AccessColorAttachmentRead     AccessFlags = 1 << 6
	AccessColorAttachmentWrite    AccessFlags = 1 << 7
	AccessDepthStencilRead        AccessFlags = 1 << 8
	AccessDepthStencilWrite       AccessFlags = 1 << 9
	AccessTransferRead            AccessFlags = 1 << 10
	AccessTransferWrite           AccessFlags = 1 << 11
	AccessHostRead                AccessFlags = 1 << 12
	AccessHostWrite               AccessFlags = 1 << 13
	AccessAccelerationStructRead  AccessFlags = 1 << 14
	AccessAccelerationStructWrite AccessFlags = 1 << 15

	accessWriteMask = AccessShaderWrite | AccessColorAttachmentWrite | AccessDepthStencilWrite |
		AccessTransferWrite | AccessHostWrite | AccessAccelerationStructWrite
)

// HasWrite reports whether any of the bits is a write access.
func (a AccessFlags) HasWrite() bool {
	return a&accessWriteMask != 0
}

// HasRead reports whether any of the bits is a read access.
func (a AccessFlags) HasRead() bool {
	return a&^accessWriteMask != 0
}

/** @brief Pipeline stages used as barrier and event scopes. Bitset. */
type PipelineStage uint32

const (
	StageNone         PipelineStage = 0
	StageTopOfPipe    PipelineStage = 1 << 0
	StageDrawIndirect PipelineStage = 1 << 1
	StageVertexInput  PipelineStage = 1 << 2
	StageVertexShader PipelineStage = 1 << 3
	StageFragment     PipelineStage = 1 << 4
	StageEarlyTests   PipelineStage = 1 << 5
	StageLateTests    PipelineStage = 1 << 6
	StageColorOutput  PipelineStage = 1 << 7
	StageCompute      PipelineStage = 1 << 8
	StageTransfer     PipelineStage = 1 << 9
	StageBottomOfPipe PipelineStage = 1 << 10
	StageHost         PipelineStage = 1 << 11
	StageAllCommands  PipelineStage = 1 << 12
	StageRayTracing   PipelineStage = 1 << 13
	StageAccelBuild   PipelineStage = 1 << 14

	StageAllGraphics = StageDrawIndirect | StageVertexInput | StageVertexShader | StageFragment |
		StageEarlyTests | StageLateTests | StageColorOutput
)

/** @brief Image layouts tracked by the graph. */
type ImageLayout int

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutDepthStencilReadOnly
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresent
)

func (l ImageLayout) String() string {
	switch l {
	case LayoutGeneral:
		return "general"
	case LayoutColorAttachment:
		return "color-attachment"
	case LayoutDepthStencilAttachment:
		return "depth-stencil-attachment"
	case LayoutDepthStencilReadOnly:
		return "depth-stencil-read-only"
	case LayoutShaderReadOnly:
		return "shader-read-only"
	case LayoutTransferSrc:
		return "transfer-src"
	case LayoutTransferDst:
		return "transfer-dst"
	case LayoutPresent:
		return "present"
	default:
		return "undefined"
	}
}

/** @brief Image aspects. Bitset. */
type ImageAspect uint8

const (
	AspectColor   ImageAspect = 1 << 0
	AspectDepth   ImageAspect = 1 << 1
	AspectStencil ImageAspect = 1 << 2
)
