package metadata

/** @brief Acceleration structure build flags. Bitset. */
type BuildFlags uint32

const (
	BuildAllowUpdate     BuildFlags = 1 << 0
	BuildAllowCompaction BuildFlags = 1 << 1
	BuildPreferFastTrace BuildFlags = 1 << 2
	BuildPreferFastBuild BuildFlags = 1 << 3
	BuildLowMemory       BuildFlags = 1 << 4
)

type AccelLevel int

const (
	AccelBottomLevel AccelLevel = iota
	AccelTopLevel
)

/** @brief Triangle geometry feeding a bottom-level build. */
type Geometry struct {
	VertexBuffer *Buffer
	VertexCount  uint32
	VertexStride uint32
	IndexBuffer  *Buffer
	IndexCount   uint32
	/** @brief Optional 3x4 row-major transform buffer. */
	TransformBuffer *Buffer
	Opaque          bool
}

// PrimitiveCount is the number of triangles described by the geometry.
func (g *Geometry) PrimitiveCount() uint32 {
	if g.IndexBuffer != nil {
		return g.IndexCount / 3
	}
	return g.VertexCount / 3
}

/** @brief Input for one bottom-level acceleration structure. */
type BLASInput struct {
	Name       string
	Geometries []Geometry
	Flags      BuildFlags
}

/** @brief One top-level instance. */
type Instance struct {
	/** @brief 3x4 row-major transform. */
	Transform   [12]float32
	CustomIndex uint32
	Mask        uint8
	SBTOffset   uint32
	Flags       uint8
	BLAS        *AccelerationStructure
}

/** @brief Sizes reported by the device for a build. */
type BuildSizes struct {
	AccelerationStructureSize uint64
	BuildScratchSize          uint64
	UpdateScratchSize         uint64
}

/** @brief What a device needs to size or record a build. */
type BuildGeometryInfo struct {
	Level         AccelLevel
	Flags         BuildFlags
	Geometries    []Geometry
	InstanceCount uint32
	Instances     *Buffer
	Update        bool
}

/** @brief A built acceleration structure and the buffer backing it. */
type AccelerationStructure struct {
	Name          string
	Level         AccelLevel
	Handle        interface{}
	Buffer        *Buffer
	Size          uint64
	DeviceAddress uint64
	Flags         BuildFlags
	/** @brief Top level only: the instance buffer and its element count. */
	InstanceBuffer *Buffer
	InstanceCount  uint32
}

// QueryPool is an opaque pool for compacted-size queries.
type QueryPool interface{}

// AccelCommands records acceleration-structure work into one command buffer.
type AccelCommands interface {
	Build(dst *AccelerationStructure, src *AccelerationStructure, scratch *Buffer, info BuildGeometryInfo)
	MemoryBarrier(barrier MemoryBarrier, srcStage, dstStage PipelineStage)
	ResetQueryPool(pool QueryPool, first, count uint32)
	WriteCompactedSize(as *AccelerationStructure, pool QueryPool, index uint32)
	CopyCompact(src, dst *AccelerationStructure)
}

// AccelDevice is the device surface the acceleration structure builder needs.
// Submit blocks until the commands finished executing.
type AccelDevice interface {
	BuildSizes(info BuildGeometryInfo) (BuildSizes, error)
	SupportsCompaction() bool

	CreateBuffer(name string, size uint64, usage BufferUsage) (*Buffer, error)
	DestroyBuffer(buf *Buffer)
	UploadInstances(buf *Buffer, instances []Instance) error

	CreateAccelerationStructure(name string, level AccelLevel, buf *Buffer, size uint64) (*AccelerationStructure, error)
	DestroyAccelerationStructure(as *AccelerationStructure)

	CreateQueryPool(count uint32) (QueryPool, error)
	DestroyQueryPool(pool QueryPool)
	ReadCompactedSizes(pool QueryPool, count uint32) ([]uint64, error)

	Begin() (AccelCommands, error)
	Submit(cmd AccelCommands) error
}

// InstanceSize is the byte size of one packed top-level instance.
const InstanceSize = 64
