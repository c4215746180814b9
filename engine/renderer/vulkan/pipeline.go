package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

var _ metadata.PipelineDevice = (*PipelineDevice)(nil)

/**
 * @brief Holds a Vulkan pipeline, its layout and the single descriptor set
 * layout every pass binds through.
 */
type Pipeline struct {
	Name string
	Kind metadata.PassKind
	/** @brief The internal pipeline handle. */
	Handle vk.Pipeline
	/** @brief The pipeline layout. */
	PipelineLayout vk.PipelineLayout
	/** @brief Layout of descriptor set 0, nil when the pipeline binds nothing. */
	SetLayout vk.DescriptorSetLayout
	/** @brief Stages covered by the push constant range. */
	PushConstantStages vk.ShaderStageFlags
	PushConstantSize   uint32
}

/**
 * @brief Creates pipeline objects for the render graph. Safe for concurrent
 * use: creation calls go through the context lock pool.
 */
type PipelineDevice struct {
	ctx   *Context
	cache vk.PipelineCache
}

func NewPipelineDevice(ctx *Context) (*PipelineDevice, error) {
	var cache vk.PipelineCache
	if res := vk.CreatePipelineCache(ctx.Device.LogicalDevice, &vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}, ctx.Allocator, &cache); res != vk.Success {
		return nil, resultError("vkCreatePipelineCache", res)
	}
	return &PipelineDevice{ctx: ctx, cache: cache}, nil
}

func (pd *PipelineDevice) Destroy() {
	if pd.cache != nil {
		vk.DestroyPipelineCache(pd.ctx.Device.LogicalDevice, pd.cache, pd.ctx.Allocator)
		pd.cache = nil
	}
}

func (pd *PipelineDevice) CreatePipeline(desc *metadata.PipelineDesc) (metadata.PipelineObject, error) {
	if desc.Kind == metadata.PassKindRayTracing {
		return nil, fmt.Errorf("%w: ray tracing pipeline %q", core.ErrUnsupported, desc.Name)
	}

	pipeline := &Pipeline{
		Name:               desc.Name,
		Kind:               desc.Kind,
		PushConstantSize:   desc.PushConstantSize,
		PushConstantStages: shaderStageFlags(desc.PushConstantStages),
	}
	if err := pd.createLayout(pipeline, desc); err != nil {
		return nil, err
	}

	spec := specializationInfo(desc.SpecConstants)
	stages := make([]*ShaderStage, 0, len(desc.Stages))
	defer func() {
		// Modules are not needed once the pipeline exists.
		for _, s := range stages {
			s.Destroy(pd.ctx)
		}
	}()
	for _, code := range desc.Stages {
		stage, err := NewShaderStage(pd.ctx, code, spec)
		if err != nil {
			pd.DestroyPipeline(pipeline)
			return nil, err
		}
		stages = append(stages, stage)
	}

	var err error
	switch desc.Kind {
	case metadata.PassKindGraphics:
		err = pd.createGraphics(pipeline, desc, stages)
	default:
		err = pd.createCompute(pipeline, stages)
	}
	if err != nil {
		pd.DestroyPipeline(pipeline)
		return nil, err
	}
	core.LogDebug("%s pipeline %q created", desc.Kind, desc.Name)
	return pipeline, nil
}

func (pd *PipelineDevice) createLayout(pipeline *Pipeline, desc *metadata.PipelineDesc) error {
	stages := metadata.ShaderStage(0)
	for _, s := range desc.Stages {
		stages |= s.Stage
	}

	var setLayouts []vk.DescriptorSetLayout
	if len(desc.Bindings) > 0 {
		layout, err := createSetLayout(pd.ctx, desc.Bindings, stages)
		if err != nil {
			return err
		}
		pipeline.SetLayout = layout
		setLayouts = append(setLayouts, layout)
	}

	pipelineLayoutCreateInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(setLayouts)),
		PSetLayouts:    setLayouts,
	}
	if desc.PushConstantSize > 0 {
		pipelineLayoutCreateInfo.PushConstantRangeCount = 1
		pipelineLayoutCreateInfo.PPushConstantRanges = []vk.PushConstantRange{{
			StageFlags: pipeline.PushConstantStages,
			Offset:     0,
			Size:       desc.PushConstantSize,
		}}
	}

	return pd.ctx.locks.SafeCall(PipelineManagement, func() error {
		result := vk.CreatePipelineLayout(
			pd.ctx.Device.LogicalDevice,
			&pipelineLayoutCreateInfo,
			pd.ctx.Allocator,
			&pipeline.PipelineLayout)
		if !ResultIsSuccess(result) {
			return resultError("vkCreatePipelineLayout", result)
		}
		return nil
	})
}

func (pd *PipelineDevice) createCompute(pipeline *Pipeline, stages []*ShaderStage) error {
	if len(stages) != 1 {
		return fmt.Errorf("%w: compute pipeline %q needs exactly one stage, got %d", core.ErrContractViolation, pipeline.Name, len(stages))
	}
	cfg := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Layout: pipeline.PipelineLayout,
		Stage:  stages[0].ShaderStageCreateInfo,
	}
	handles := make([]vk.Pipeline, 1)
	if err := pd.ctx.locks.SafeCall(PipelineManagement, func() error {
		result := vk.CreateComputePipelines(pd.ctx.Device.LogicalDevice, pd.cache, 1, []vk.ComputePipelineCreateInfo{cfg}, pd.ctx.Allocator, handles)
		if !ResultIsSuccess(result) {
			return resultError("vkCreateComputePipelines", result)
		}
		return nil
	}); err != nil {
		return err
	}
	pipeline.Handle = handles[0]
	return nil
}

func (pd *PipelineDevice) createGraphics(pipeline *Pipeline, desc *metadata.PipelineDesc, stages []*ShaderStage) error {
	state := desc.Graphics
	if state == nil {
		state = &metadata.GraphicsState{ColorAttachments: 1}
	}
	target, ok := state.RenderTarget.(*RenderTarget)
	if !ok || target == nil {
		return fmt.Errorf("%w: graphics pipeline %q has no vulkan render target", core.ErrContractViolation, desc.Name)
	}

	// Viewport and scissor are dynamic, set by BeginRendering.
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}

	rasterizerCreateInfo := vk.PipelineRasterizationStateCreateInfo{
		SType:                   vk.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vk.False,
		RasterizerDiscardEnable: vk.False,
		PolygonMode:             vk.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                vk.CullModeFlags(vk.CullModeNone),
		FrontFace:               vk.FrontFaceCounterClockwise,
		DepthBiasEnable:         vk.False,
	}
	if state.Wireframe {
		rasterizerCreateInfo.PolygonMode = vk.PolygonModeLine
	}

	multisamplingCreateInfo := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		SampleShadingEnable:  vk.False,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}

	depthStencil := vk.PipelineDepthStencilStateCreateInfo{
		SType:             vk.StructureTypePipelineDepthStencilStateCreateInfo,
		DepthTestEnable:   vk.False,
		DepthWriteEnable:  vk.False,
		StencilTestEnable: vk.False,
	}
	if state.DepthTest {
		depthStencil.DepthTestEnable = vk.True
		depthStencil.DepthCompareOp = vk.CompareOpLess
	}
	if state.DepthWrite {
		depthStencil.DepthWriteEnable = vk.True
	}

	colorBlendAttachments := make([]vk.PipelineColorBlendAttachmentState, state.ColorAttachments)
	for i := range colorBlendAttachments {
		colorBlendAttachments[i] = vk.PipelineColorBlendAttachmentState{
			BlendEnable:         vk.True,
			SrcColorBlendFactor: vk.BlendFactorSrcAlpha,
			DstColorBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			ColorBlendOp:        vk.BlendOpAdd,
			SrcAlphaBlendFactor: vk.BlendFactorSrcAlpha,
			DstAlphaBlendFactor: vk.BlendFactorOneMinusSrcAlpha,
			AlphaBlendOp:        vk.BlendOpAdd,
			ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) | vk.ColorComponentFlags(vk.ColorComponentGBit) |
				vk.ColorComponentFlags(vk.ColorComponentBBit) | vk.ColorComponentFlags(vk.ColorComponentABit),
		}
	}

	colorBlendStateCreateInfo := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOpEnable:   vk.False,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: uint32(len(colorBlendAttachments)),
		PAttachments:    colorBlendAttachments,
	}

	dynamicStates := []vk.DynamicState{
		vk.DynamicStateViewport,
		vk.DynamicStateScissor,
	}
	dynamicStateCreateInfo := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	// Geometry is pulled from storage buffers, there is no vertex input.
	vertexInputInfo := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}

	inputAssembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:                  vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vk.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vk.False,
	}

	stageInfos := make([]vk.PipelineShaderStageCreateInfo, len(stages))
	for i, s := range stages {
		stageInfos[i] = s.ShaderStageCreateInfo
	}

	pipelineCreateInfo := vk.GraphicsPipelineCreateInfo{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(stageInfos)),
		PStages:             stageInfos,
		PVertexInputState:   &vertexInputInfo,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizerCreateInfo,
		PMultisampleState:   &multisamplingCreateInfo,
		PDepthStencilState:  &depthStencil,
		PColorBlendState:    &colorBlendStateCreateInfo,
		PDynamicState:       &dynamicStateCreateInfo,
		Layout:              pipeline.PipelineLayout,
		RenderPass:          target.Renderpass.Handle,
		Subpass:             0,
		BasePipelineHandle:  vk.NullPipeline,
		BasePipelineIndex:   -1,
	}

	handles := make([]vk.Pipeline, 1)
	if err := pd.ctx.locks.SafeCall(PipelineManagement, func() error {
		result := vk.CreateGraphicsPipelines(
			pd.ctx.Device.LogicalDevice,
			pd.cache,
			1,
			[]vk.GraphicsPipelineCreateInfo{pipelineCreateInfo},
			pd.ctx.Allocator,
			handles)
		if !ResultIsSuccess(result) {
			return resultError("vkCreateGraphicsPipelines", result)
		}
		return nil
	}); err != nil {
		return err
	}
	pipeline.Handle = handles[0]
	return nil
}

func (pd *PipelineDevice) DestroyPipeline(obj metadata.PipelineObject) {
	pipeline, ok := obj.(*Pipeline)
	if !ok || pipeline == nil {
		return
	}
	dev := pd.ctx.Device.LogicalDevice
	pd.ctx.locks.SafeCall(PipelineManagement, func() error {
		if pipeline.Handle != nil {
			vk.DestroyPipeline(dev, pipeline.Handle, pd.ctx.Allocator)
			pipeline.Handle = nil
		}
		if pipeline.PipelineLayout != nil {
			vk.DestroyPipelineLayout(dev, pipeline.PipelineLayout, pd.ctx.Allocator)
			pipeline.PipelineLayout = nil
		}
		if pipeline.SetLayout != nil {
			vk.DestroyDescriptorSetLayout(dev, pipeline.SetLayout, pd.ctx.Allocator)
			pipeline.SetLayout = nil
		}
		return nil
	})
}

func (pipeline *Pipeline) Bind(cb *CommandBuffer) {
	vk.CmdBindPipeline(cb.Handle, bindPoint(pipeline.Kind), pipeline.Handle)
}
