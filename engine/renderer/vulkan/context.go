package vulkan

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Options used when creating a headless Vulkan context. */
type ContextConfig struct {
	/** @brief Application name reported to the driver. */
	AppName string
	/** @brief Enables the Khronos validation layer. */
	Validation bool
	/** @brief Requires a discrete GPU. Ignored on darwin. */
	DiscreteGPU bool
	/** @brief Extra device extensions, e.g. the acceleration structure set. */
	DeviceExtensions []string
}

/**
 * @brief Everything the backend needs to talk to one logical device. There is
 * no surface or swapchain: rendering targets are images owned by the caller.
 */
type Context struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	Device *Device

	/** @brief Serializes queue submission and object creation per group. */
	locks *LockPool

	mu sync.Mutex
	/** @brief Memory bound to buffers created through CreateBuffer. */
	memories map[vk.Buffer]vk.DeviceMemory
	images   map[vk.Image]image
}

// NewContext loads the Vulkan loader, creates an instance without any surface
// extension and selects a device with a compute-capable queue.
func NewContext(cfg ContextConfig) (*Context, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("%w: failed to load the vulkan library: %s", core.ErrDevice, err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize vulkan: %s", core.ErrDevice, err)
	}

	ctx := &Context{
		locks:    NewLockPool(),
		memories: make(map[vk.Buffer]vk.DeviceMemory),
		images:   make(map[vk.Image]image),
		Device:   &Device{QueueIndex: -1},
	}

	if err := ctx.createInstance(cfg); err != nil {
		return nil, err
	}
	if err := ctx.createDevice(cfg); err != nil {
		vk.DestroyInstance(ctx.Instance, ctx.Allocator)
		return nil, err
	}
	return ctx, nil
}

func (ctx *Context) createInstance(cfg ContextConfig) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   SafeString(cfg.AppName),
		PEngineName:        SafeString("Lumen"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := []string{}
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		createInfo.Flags |= 1
	}

	layers := []string{}
	if cfg.Validation {
		if !layerAvailable("VK_LAYER_KHRONOS_validation") {
			return fmt.Errorf("%w: validation layer VK_LAYER_KHRONOS_validation is missing", core.ErrDevice)
		}
		layers = append(layers, "VK_LAYER_KHRONOS_validation")
		core.LogInfo("Validation layers enabled.")
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = SafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = SafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, ctx.Allocator, &ctx.Instance); res != vk.Success {
		return resultError("vkCreateInstance", res)
	}
	if err := vk.InitInstance(ctx.Instance); err != nil {
		return fmt.Errorf("%w: %s", core.ErrDevice, err)
	}
	core.LogInfo("Vulkan instance created.")
	return nil
}

func layerAvailable(name string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return false
	}
	layers := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, layers); res != vk.Success {
		return false
	}
	for i := range layers {
		layers[i].Deref()
		end := FindFirstZeroInByteArray(layers[i].LayerName[:])
		if string(layers[i].LayerName[:end]) == name {
			return true
		}
	}
	return false
}

// Destroy waits for the device to go idle and releases the device and instance.
func (ctx *Context) Destroy() {
	if ctx.Device.LogicalDevice != nil {
		vk.DeviceWaitIdle(ctx.Device.LogicalDevice)
	}
	ctx.mu.Lock()
	for buf, mem := range ctx.memories {
		vk.DestroyBuffer(ctx.Device.LogicalDevice, buf, ctx.Allocator)
		vk.FreeMemory(ctx.Device.LogicalDevice, mem, ctx.Allocator)
	}
	ctx.memories = map[vk.Buffer]vk.DeviceMemory{}
	for img, owned := range ctx.images {
		vk.DestroyImageView(ctx.Device.LogicalDevice, owned.view, ctx.Allocator)
		vk.DestroyImage(ctx.Device.LogicalDevice, img, ctx.Allocator)
		vk.FreeMemory(ctx.Device.LogicalDevice, owned.memory, ctx.Allocator)
	}
	ctx.images = map[vk.Image]image{}
	ctx.mu.Unlock()

	ctx.destroyDevice()
	if ctx.Instance != nil {
		vk.DestroyInstance(ctx.Instance, ctx.Allocator)
		ctx.Instance = nil
	}
}

func (ctx *Context) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	memoryProperties := ctx.Device.Memory
	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(memoryProperties.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

// CreateBuffer creates a buffer with dedicated memory. Host-visible buffers
// are host coherent, everything else is device local.
func (ctx *Context) CreateBuffer(name string, size uint64, usage metadata.BufferUsage) (*metadata.Buffer, error) {
	dev := ctx.Device.LogicalDevice

	var buffer vk.Buffer
	if res := vk.CreateBuffer(dev, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Usage:       bufferUsage(usage),
		Size:        vk.DeviceSize(size),
		SharingMode: vk.SharingModeExclusive,
	}, ctx.Allocator, &buffer); res != vk.Success {
		return nil, resultError("vkCreateBuffer", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buffer, &memReqs)
	memReqs.Deref()

	props := uint32(vk.MemoryPropertyDeviceLocalBit)
	if usage&metadata.BufferUsageHostVisible != 0 {
		props = uint32(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	index := ctx.FindMemoryIndex(memReqs.MemoryTypeBits, props)
	if index < 0 {
		vk.DestroyBuffer(dev, buffer, ctx.Allocator)
		return nil, fmt.Errorf("%w: no memory type for buffer %q", core.ErrDevice, name)
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: uint32(index),
	}

	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(dev, &allocInfo, ctx.Allocator, &memory); res != vk.Success {
		vk.DestroyBuffer(dev, buffer, ctx.Allocator)
		return nil, resultError("vkAllocateMemory", res)
	}
	if res := vk.BindBufferMemory(dev, buffer, memory, 0); res != vk.Success {
		vk.DestroyBuffer(dev, buffer, ctx.Allocator)
		vk.FreeMemory(dev, memory, ctx.Allocator)
		return nil, resultError("vkBindBufferMemory", res)
	}

	ctx.mu.Lock()
	ctx.memories[buffer] = memory
	ctx.mu.Unlock()

	return &metadata.Buffer{
		Name:   name,
		Handle: buffer,
		Size:   size,
		Usage:  usage,
	}, nil
}

func (ctx *Context) DestroyBuffer(buf *metadata.Buffer) {
	if buf == nil {
		return
	}
	handle, ok := buf.Handle.(vk.Buffer)
	if !ok || handle == nil {
		return
	}
	ctx.mu.Lock()
	memory := ctx.memories[handle]
	delete(ctx.memories, handle)
	ctx.mu.Unlock()

	vk.DestroyBuffer(ctx.Device.LogicalDevice, handle, ctx.Allocator)
	if memory != nil {
		vk.FreeMemory(ctx.Device.LogicalDevice, memory, ctx.Allocator)
	}
	buf.Handle = nil
}

// WriteBuffer copies data into a host-visible buffer created by CreateBuffer.
func (ctx *Context) WriteBuffer(buf *metadata.Buffer, data []byte) error {
	if uint64(len(data)) > buf.Size {
		return fmt.Errorf("%w: %d bytes do not fit into buffer %q", core.ErrContractViolation, len(data), buf.Name)
	}
	handle, _ := buf.Handle.(vk.Buffer)
	ctx.mu.Lock()
	memory, ok := ctx.memories[handle]
	ctx.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: buffer %q was not created by this context", core.ErrUnboundResource, buf.Name)
	}
	if len(data) == 0 {
		return nil
	}

	var ptr unsafe.Pointer
	if res := vk.MapMemory(ctx.Device.LogicalDevice, memory, 0, vk.DeviceSize(len(data)), 0, &ptr); res != vk.Success {
		return resultError("vkMapMemory", res)
	}
	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	vk.UnmapMemory(ctx.Device.LogicalDevice, memory)
	return nil
}
