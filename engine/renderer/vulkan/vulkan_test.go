package vulkan

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessFlags(t *testing.T) {
	assert.Equal(t, vk.AccessFlags(0), accessFlags(metadata.AccessNone))
	assert.Equal(t,
		vk.AccessFlags(vk.AccessShaderReadBit|vk.AccessTransferWriteBit),
		accessFlags(metadata.AccessShaderRead|metadata.AccessTransferWrite))
	assert.Equal(t, vk.AccessFlags(accessAccelWrite), accessFlags(metadata.AccessAccelerationStructWrite))
}

func TestPipelineStagesEmptyScope(t *testing.T) {
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), pipelineStages(0, true))
	assert.Equal(t, vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit), pipelineStages(0, false))
	assert.Equal(t,
		vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit|pipelineStageAccelBuild),
		pipelineStages(metadata.StageCompute|metadata.StageAccelBuild, true))
}

func TestImageConversions(t *testing.T) {
	assert.Equal(t, vk.ImageLayoutUndefined, imageLayout(metadata.LayoutUndefined))
	assert.Equal(t, vk.ImageLayoutShaderReadOnlyOptimal, imageLayout(metadata.LayoutShaderReadOnly))
	assert.Equal(t, vk.ImageLayoutPresentSrc, imageLayout(metadata.LayoutPresent))

	assert.Equal(t, vk.ImageAspectFlags(vk.ImageAspectColorBit), imageAspect(0))
	assert.Equal(t,
		vk.ImageAspectFlags(vk.ImageAspectDepthBit|vk.ImageAspectStencilBit),
		imageAspect(metadata.AspectDepth|metadata.AspectStencil))
}

func TestBufferUsageAndBindPoint(t *testing.T) {
	usage := bufferUsage(metadata.BufferUsageStorage | metadata.BufferUsageAccelerationStorage | metadata.BufferUsageDeviceAddress)
	assert.Equal(t, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit|bufferUsageAccelStorage|bufferUsageShaderDeviceAddress), usage)

	assert.Equal(t, vk.PipelineBindPointCompute, bindPoint(metadata.PassKindCompute))
	assert.Equal(t, vk.PipelineBindPointGraphics, bindPoint(metadata.PassKindGraphics))
	assert.Equal(t, vk.PipelineBindPoint(pipelineBindPointRayTracing), bindPoint(metadata.PassKindRayTracing))
}

func TestShaderStageFlags(t *testing.T) {
	assert.Equal(t, vk.ShaderStageFlags(vk.ShaderStageComputeBit), shaderStageFlags(metadata.ShaderStageCompute))
	assert.Equal(t,
		vk.ShaderStageFlags(vk.ShaderStageVertexBit|vk.ShaderStageFragmentBit),
		shaderStageFlags(metadata.ShaderStageVertex|metadata.ShaderStageFragment))
}

func TestStringHelpers(t *testing.T) {
	assert.Equal(t, 3, FindFirstZeroInByteArray([]byte{'a', 'b', 'c', 0, 'd'}))
	assert.Equal(t, 2, FindFirstZeroInByteArray([]byte{'a', 'b'}))

	assert.Equal(t, "\x00", SafeString(""))
	assert.Equal(t, "main\x00", SafeString("main"))
	assert.Equal(t, "main\x00", SafeString("main\x00"))

	in := []string{"VK_KHR_a", "VK_KHR_b\x00"}
	out := SafeStrings(in)
	assert.Equal(t, []string{"VK_KHR_a\x00", "VK_KHR_b\x00"}, out)
	assert.Equal(t, "VK_KHR_a", in[0])
}

func TestResultError(t *testing.T) {
	err := resultError("vkCreateBuffer", vk.ErrorOutOfDeviceMemory)
	require.ErrorIs(t, err, core.ErrDevice)
	assert.Contains(t, err.Error(), "vkCreateBuffer")
	assert.True(t, ResultIsSuccess(vk.Incomplete))
	assert.False(t, ResultIsSuccess(vk.ErrorDeviceLost))
}

func TestSpirvWords(t *testing.T) {
	_, err := spirvWords(nil)
	require.ErrorIs(t, err, core.ErrShaderCompile)
	_, err = spirvWords([]byte{1, 2, 3})
	require.ErrorIs(t, err, core.ErrShaderCompile)

	code := make([]byte, 8)
	binary.LittleEndian.PutUint32(code, 0x07230203)
	binary.LittleEndian.PutUint32(code[4:], 0x00010500)
	words, err := spirvWords(code)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x07230203, 0x00010500}, words)
}

func TestSpecializationInfo(t *testing.T) {
	assert.Nil(t, specializationInfo(nil))

	info := specializationInfo([]uint32{64, 1})
	require.NotNil(t, info)
	assert.Equal(t, uint32(2), info.MapEntryCount)
	assert.Equal(t, uint(8), info.DataSize)
	assert.Equal(t, uint32(1), info.PMapEntries[1].ConstantID)
	assert.Equal(t, uint32(4), info.PMapEntries[1].Offset)
}

func TestFramebufferKey(t *testing.T) {
	a := framebufferKey(nil, 640, 480)
	b := framebufferKey(nil, 640, 480)
	c := framebufferKey(nil, 480, 640)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDescriptorWritesRejectsUnusableBindings(t *testing.T) {
	_, err := descriptorWrites(nil, []metadata.BoundResource{{
		Slot:  0,
		Kind:  metadata.DescriptorAccelerationStructure,
		Accel: &metadata.AccelerationStructure{Name: "tlas"},
	}})
	require.ErrorIs(t, err, core.ErrUnsupported)

	_, err = descriptorWrites(nil, []metadata.BoundResource{{
		Slot:    1,
		Kind:    metadata.DescriptorStorageBuffer,
		Buffers: []*metadata.Buffer{{Name: "headless", Handle: "not-a-vk-buffer"}},
	}})
	require.ErrorIs(t, err, core.ErrUnboundResource)

	_, err = descriptorWrites(nil, []metadata.BoundResource{{
		Slot:   2,
		Kind:   metadata.DescriptorStorageImage,
		Images: []*metadata.Image{{Name: "viewless"}},
	}})
	require.ErrorIs(t, err, core.ErrUnboundResource)

	writes, err := descriptorWrites(nil, []metadata.BoundResource{{Slot: 3, Kind: metadata.DescriptorStorageBuffer}})
	require.NoError(t, err)
	assert.Empty(t, writes)
}

func TestPackInstances(t *testing.T) {
	blas := &metadata.AccelerationStructure{Name: "mesh", DeviceAddress: 0xdeadbeef00}
	instances := []metadata.Instance{
		{
			Transform:   [12]float32{1, 0, 0, 2, 0, 1, 0, 3, 0, 0, 1, 4},
			CustomIndex: 7,
			Mask:        0xFF,
			SBTOffset:   2,
			Flags:       0x1,
			BLAS:        blas,
		},
		{CustomIndex: 0x1FFFFFF},
	}

	out := packInstances(instances)
	require.Len(t, out, 2*metadata.InstanceSize)

	assert.Equal(t, float32(2), math.Float32frombits(binary.LittleEndian.Uint32(out[12:])))
	assert.Equal(t, uint32(7)|0xFF<<24, binary.LittleEndian.Uint32(out[48:]))
	assert.Equal(t, uint32(2)|0x1<<24, binary.LittleEndian.Uint32(out[52:]))
	assert.Equal(t, blas.DeviceAddress, binary.LittleEndian.Uint64(out[56:]))

	second := out[metadata.InstanceSize:]
	assert.Equal(t, uint32(0xFFFFFF), binary.LittleEndian.Uint32(second[48:]), "custom index is truncated to 24 bits")
	assert.Zero(t, binary.LittleEndian.Uint64(second[56:]))
}

func TestLockPoolSerializesGroups(t *testing.T) {
	lp := NewLockPool()
	lp.SetQueueFamily(0)

	var wg sync.WaitGroup
	counter := 0
	queued := 0
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = lp.SafeCall(PipelineManagement, func() error {
				counter++
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = lp.SafeQueueCall(0, func() error {
				queued++
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 32, counter)
	assert.Equal(t, 32, queued)

	err := lp.SafeCall(ShaderManagement, func() error { return core.ErrDevice })
	require.ErrorIs(t, err, core.ErrDevice)
}
