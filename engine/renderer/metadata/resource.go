package metadata

/** @brief Identity of a resource registered with a render graph. 0 means unregistered. */
type ResourceID uint32

const InvalidResourceID ResourceID = 0

type ResourceKind int

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindImage
)

/** @brief Usage hints for buffers created by the scheduler itself. Bitset. */
type BufferUsage uint32

const (
	BufferUsageStorage             BufferUsage = 1 << 0
	BufferUsageTransferSrc         BufferUsage = 1 << 1
	BufferUsageTransferDst         BufferUsage = 1 << 2
	BufferUsageAccelerationStorage BufferUsage = 1 << 3
	BufferUsageAccelerationBuildIn BufferUsage = 1 << 4
	BufferUsageDeviceAddress       BufferUsage = 1 << 5
	BufferUsageHostVisible         BufferUsage = 1 << 6
	BufferUsageShaderBindingTable  BufferUsage = 1 << 7
)

// Resource is anything a pass can bind or declare an access on.
type Resource interface {
	ResourceID() ResourceID
	ResourceKind() ResourceKind
	ResourceName() string
}

/**
 * @brief A buffer owned outside of the scheduler. The graph only keeps a
 * weak reference and updates the current access on every declared use.
 */
type Buffer struct {
	/** @brief Assigned by RenderGraph.RegisterBuffer. */
	ID ResourceID
	/** @brief Debug name. */
	Name string
	/** @brief The API handle (vk.Buffer for the vulkan backend). */
	Handle interface{}
	/** @brief Size in bytes. */
	Size  uint64
	Usage BufferUsage
	/** @brief GPU virtual address, when the backend provides one. */
	DeviceAddress uint64
	/** @brief Access mode of the last declared use. */
	Access AccessFlags
}

func (b *Buffer) ResourceID() ResourceID     { return b.ID }
func (b *Buffer) ResourceKind() ResourceKind { return ResourceKindBuffer }
func (b *Buffer) ResourceName() string       { return b.Name }

/**
 * @brief An image owned outside of the scheduler. Layout tracks the layout the
 * image will be in once every recorded command so far has executed.
 */
type Image struct {
	ID     ResourceID
	Name   string
	Handle interface{}
	/** @brief The image view handle, used for descriptors and attachments. */
	View   interface{}
	Width  uint32
	Height uint32
	Format uint32
	Aspect ImageAspect
	Layout ImageLayout
	Access AccessFlags
}

func (i *Image) ResourceID() ResourceID     { return i.ID }
func (i *Image) ResourceKind() ResourceKind { return ResourceKindImage }
func (i *Image) ResourceName() string       { return i.Name }
