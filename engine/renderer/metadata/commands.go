package metadata

/** @brief An execution and memory dependency on a whole buffer. */
type BufferBarrier struct {
	Buffer    *Buffer
	SrcAccess AccessFlags
	DstAccess AccessFlags
}

/** @brief An image memory dependency, optionally with a layout transition. */
type ImageBarrier struct {
	Image     *Image
	SrcAccess AccessFlags
	DstAccess AccessFlags
	OldLayout ImageLayout
	NewLayout ImageLayout
	Aspect    ImageAspect
}

/** @brief A global memory dependency. */
type MemoryBarrier struct {
	SrcAccess AccessFlags
	DstAccess AccessFlags
}

/** @brief Barriers emitted by a single pipeline-barrier or wait-events call. */
type BarrierBatch struct {
	SrcStage PipelineStage
	DstStage PipelineStage
	Memory   []MemoryBarrier
	Buffers  []BufferBarrier
	Images   []ImageBarrier
}

func (b *BarrierBatch) Empty() bool {
	return len(b.Memory) == 0 && len(b.Buffers) == 0 && len(b.Images) == 0
}

/** @brief A region of a buffer to buffer copy. */
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

/** @brief Resources bound to one descriptor slot. */
type BoundResource struct {
	Slot    uint32
	Kind    DescriptorKind
	Buffers []*Buffer
	Images  []*Image
	Accel   *AccelerationStructure
}

/** @brief A color or depth attachment used by a graphics pass. */
type Attachment struct {
	Image      *Image
	Clear      bool
	ClearValue [4]float32
}

/** @brief Parameters for beginning a graphics pass. */
type RenderingInfo struct {
	Width  uint32
	Height uint32
	Colors []Attachment
	Depth  *Attachment
	/** @brief Backend-specific render target, mirrors GraphicsState.RenderTarget. */
	RenderTarget interface{}
}

/** @brief One acceleration-structure build recorded inside a pass. */
type AccelBuild struct {
	Dst     *AccelerationStructure
	Input   *BLASInput
	Scratch *Buffer
	Update  bool
}

// Event is an opaque GPU event handle from an EventPool.
type Event interface{}

// CommandRecorder records commands into a single command buffer. It is only
// used from one goroutine. Recording errors are sticky and reported by End.
type CommandRecorder interface {
	PipelineBarrier(batch BarrierBatch)
	SetEvent(event Event, stage PipelineStage)
	WaitEvents(events []Event, batch BarrierBatch)

	FillBuffer(buf *Buffer, offset, size uint64, data uint32)
	CopyBuffer(src, dst *Buffer, regions []BufferCopy)
	BuildAccelerationStructures(builds []AccelBuild)

	BindPipeline(kind PassKind, pipeline PipelineObject)
	BindResources(kind PassKind, pipeline PipelineObject, resources []BoundResource)
	PushConstants(pipeline PipelineObject, stages ShaderStage, data []byte)

	Dispatch(x, y, z uint32)
	TraceRays(pipeline PipelineObject, width, height, depth uint32)
	BeginRendering(info RenderingInfo)
	EndRendering()

	End() error
}

// Submitter is implemented by recorders that can hand their commands to a queue.
type Submitter interface {
	Submit() error
}

// EventPool hands out GPU events for one frame. Reset makes every acquired
// event available again and unsignaled.
type EventPool interface {
	Acquire() (Event, error)
	Reset() error
	Destroy()
}
