package vulkan

import (
	"fmt"
	"runtime"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
)

type Device struct {
	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device

	/** @brief Family of the single queue used for graphics, compute and transfer. */
	QueueIndex int32
	Queue      vk.Queue

	CommandPool vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Features   vk.PhysicalDeviceFeatures
	Memory     vk.PhysicalDeviceMemoryProperties

	DepthFormat vk.Format

	/** @brief Optional device extensions that were found and enabled. */
	Extensions map[string]bool
}

type physicalDeviceRequirements struct {
	Graphics    bool
	Compute     bool
	Transfer    bool
	DiscreteGPU bool
	/** @brief Extensions that are enabled when present but never required. */
	OptionalExtensions []string
}

func (ctx *Context) createDevice(cfg ContextConfig) error {
	requirements := physicalDeviceRequirements{
		Graphics:           true,
		Compute:            true,
		Transfer:           true,
		DiscreteGPU:        cfg.DiscreteGPU && runtime.GOOS != "darwin",
		OptionalExtensions: append([]string{"VK_KHR_portability_subset"}, cfg.DeviceExtensions...),
	}
	if err := ctx.selectPhysicalDevice(&requirements); err != nil {
		return err
	}

	core.LogInfo("Creating logical device...")

	var queuePriority float32 = 1.0
	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: uint32(ctx.Device.QueueIndex),
		QueueCount:       1,
		PQueuePriorities: []float32{queuePriority},
	}}

	extensionNames := []string{}
	for name, enabled := range ctx.Device.Extensions {
		if enabled {
			core.LogInfo("Enabling device extension '%s'.", name)
			extensionNames = append(extensionNames, name)
		}
	}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueCreateInfos)),
		PQueueCreateInfos:       queueCreateInfos,
		PEnabledFeatures:        []vk.PhysicalDeviceFeatures{{}},
		EnabledExtensionCount:   uint32(len(extensionNames)),
		PpEnabledExtensionNames: SafeStrings(extensionNames),
	}

	if res := vk.CreateDevice(
		ctx.Device.PhysicalDevice,
		&deviceCreateInfo,
		ctx.Allocator,
		&ctx.Device.LogicalDevice); res != vk.Success {
		return resultError("vkCreateDevice", res)
	}
	core.LogInfo("Logical device created.")

	vk.GetDeviceQueue(
		ctx.Device.LogicalDevice,
		uint32(ctx.Device.QueueIndex),
		0,
		&ctx.Device.Queue)
	ctx.locks.SetQueueFamily(uint32(ctx.Device.QueueIndex))

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: uint32(ctx.Device.QueueIndex),
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vk.CreateCommandPool(
		ctx.Device.LogicalDevice,
		&poolCreateInfo,
		ctx.Allocator,
		&ctx.Device.CommandPool); res != vk.Success {
		vk.DestroyDevice(ctx.Device.LogicalDevice, ctx.Allocator)
		ctx.Device.LogicalDevice = nil
		return resultError("vkCreateCommandPool", res)
	}
	core.LogInfo("Command pool created.")

	ctx.detectDepthFormat()
	return nil
}

func (ctx *Context) destroyDevice() {
	ctx.Device.Queue = nil

	if ctx.Device.CommandPool != nil {
		core.LogInfo("Destroying command pool...")
		vk.DestroyCommandPool(ctx.Device.LogicalDevice, ctx.Device.CommandPool, ctx.Allocator)
		ctx.Device.CommandPool = nil
	}

	if ctx.Device.LogicalDevice != nil {
		core.LogInfo("Destroying logical device...")
		vk.DestroyDevice(ctx.Device.LogicalDevice, ctx.Allocator)
		ctx.Device.LogicalDevice = nil
	}

	// Physical devices are not destroyed.
	ctx.Device.PhysicalDevice = nil
	ctx.Device.QueueIndex = -1
}

// HasExtension reports whether the named device extension was enabled.
func (d *Device) HasExtension(name string) bool {
	return d.Extensions[name]
}

func (ctx *Context) detectDepthFormat() bool {
	candidates := []vk.Format{
		vk.FormatD32Sfloat,
		vk.FormatD32SfloatS8Uint,
		vk.FormatD24UnormS8Uint,
	}
	flags := vk.FormatFeatureDepthStencilAttachmentBit
	for _, candidate := range candidates {
		var properties vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(ctx.Device.PhysicalDevice, candidate, &properties)
		properties.Deref()
		if (vk.FormatFeatureFlagBits(properties.LinearTilingFeatures)&flags) == flags ||
			(vk.FormatFeatureFlagBits(properties.OptimalTilingFeatures)&flags) == flags {
			ctx.Device.DepthFormat = candidate
			return true
		}
	}
	return false
}

func (ctx *Context) selectPhysicalDevice(requirements *physicalDeviceRequirements) error {
	var physicalDeviceCount uint32
	if res := vk.EnumeratePhysicalDevices(ctx.Instance, &physicalDeviceCount, nil); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}
	if physicalDeviceCount == 0 {
		return fmt.Errorf("%w: no devices which support Vulkan were found", core.ErrDevice)
	}

	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if res := vk.EnumeratePhysicalDevices(ctx.Instance, &physicalDeviceCount, physicalDevices); res != vk.Success {
		return resultError("vkEnumeratePhysicalDevices", res)
	}

	for _, physicalDevice := range physicalDevices {
		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(physicalDevice, &properties)
		properties.Deref()

		var features vk.PhysicalDeviceFeatures
		vk.GetPhysicalDeviceFeatures(physicalDevice, &features)
		features.Deref()

		var memory vk.PhysicalDeviceMemoryProperties
		vk.GetPhysicalDeviceMemoryProperties(physicalDevice, &memory)
		memory.Deref()

		queueIndex, ok := physicalDeviceMeetsRequirements(physicalDevice, &properties, requirements)
		if !ok {
			continue
		}

		name := vk.ToString(properties.DeviceName[:])
		core.LogInfo("Selected device: '%s'.", name)
		switch properties.DeviceType {
		case vk.PhysicalDeviceTypeIntegratedGpu:
			core.LogInfo("GPU type is Integrated.")
		case vk.PhysicalDeviceTypeDiscreteGpu:
			core.LogInfo("GPU type is Discrete.")
		case vk.PhysicalDeviceTypeVirtualGpu:
			core.LogInfo("GPU type is Virtual.")
		case vk.PhysicalDeviceTypeCpu:
			core.LogInfo("GPU type is CPU.")
		default:
			core.LogInfo("GPU type is Unknown.")
		}
		core.LogInfo(
			"Vulkan API version: %d.%d.%d",
			vk.Version.Major(vk.Version(properties.ApiVersion)),
			vk.Version.Minor(vk.Version(properties.ApiVersion)),
			vk.Version.Patch(vk.Version(properties.ApiVersion)),
		)

		ctx.Device.PhysicalDevice = physicalDevice
		ctx.Device.QueueIndex = int32(queueIndex)
		ctx.Device.Properties = properties
		ctx.Device.Features = features
		ctx.Device.Memory = memory
		ctx.Device.Extensions = availableExtensions(physicalDevice, requirements.OptionalExtensions)
		core.LogInfo("Physical device selected.")
		return nil
	}

	return fmt.Errorf("%w: no physical device meets the requirements", core.ErrDevice)
}

// physicalDeviceMeetsRequirements returns the first queue family that
// supports every required capability.
func physicalDeviceMeetsRequirements(device vk.PhysicalDevice, properties *vk.PhysicalDeviceProperties, requirements *physicalDeviceRequirements) (uint32, bool) {
	if requirements.DiscreteGPU && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
		core.LogInfo("Device is not a discrete GPU, and one is required. Skipping.")
		return 0, false
	}

	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

	var want vk.QueueFlagBits
	if requirements.Graphics {
		want |= vk.QueueGraphicsBit
	}
	if requirements.Compute {
		want |= vk.QueueComputeBit
	}
	if requirements.Transfer {
		want |= vk.QueueTransferBit
	}

	for i := range queueFamilies {
		queueFamilies[i].Deref()
		flags := vk.QueueFlagBits(queueFamilies[i].QueueFlags)
		core.LogDebug("queue family %d: graphics=%t compute=%t transfer=%t",
			i, flags&vk.QueueGraphicsBit != 0, flags&vk.QueueComputeBit != 0, flags&vk.QueueTransferBit != 0)
		if flags&want == want {
			return uint32(i), true
		}
	}
	core.LogInfo("Device has no queue family with the required capabilities. Skipping.")
	return 0, false
}

func availableExtensions(device vk.PhysicalDevice, wanted []string) map[string]bool {
	found := make(map[string]bool, len(wanted))

	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vk.Success || count == 0 {
		return found
	}
	extensions := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(device, "", &count, extensions); res != vk.Success {
		return found
	}

	for i := range extensions {
		extensions[i].Deref()
		end := FindFirstZeroInByteArray(extensions[i].ExtensionName[:])
		name := string(extensions[i].ExtensionName[:end])
		for _, w := range wanted {
			if w == name {
				found[name] = true
			}
		}
	}
	return found
}
