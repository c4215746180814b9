package headless

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

var (
	_ metadata.AccelDevice   = (*AccelDevice)(nil)
	_ metadata.AccelCommands = (*AccelCommands)(nil)
)

const (
	bytesPerPrimitive        = 64
	scratchBytesPerPrimitive = 32
	bytesPerInstance         = 128
	structureHeader          = 256
)

type AccelOp int

const (
	AccelOpBuild AccelOp = iota
	AccelOpMemoryBarrier
	AccelOpResetQueryPool
	AccelOpWriteCompactedSize
	AccelOpCopyCompact
)

/** @brief One command recorded by AccelCommands. */
type AccelCommand struct {
	Op      AccelOp
	Dst     *metadata.AccelerationStructure
	Src     *metadata.AccelerationStructure
	Scratch *metadata.Buffer
	Info    metadata.BuildGeometryInfo
	Pool    metadata.QueryPool
	Index   uint32
}

// AccelCommands records acceleration structure work for AccelDevice.
type AccelCommands struct {
	Commands []AccelCommand
}

func (ac *AccelCommands) Build(dst, src *metadata.AccelerationStructure, scratch *metadata.Buffer, info metadata.BuildGeometryInfo) {
	ac.Commands = append(ac.Commands, AccelCommand{Op: AccelOpBuild, Dst: dst, Src: src, Scratch: scratch, Info: info})
}

func (ac *AccelCommands) MemoryBarrier(barrier metadata.MemoryBarrier, srcStage, dstStage metadata.PipelineStage) {
	ac.Commands = append(ac.Commands, AccelCommand{Op: AccelOpMemoryBarrier})
}

func (ac *AccelCommands) ResetQueryPool(pool metadata.QueryPool, first, count uint32) {
	ac.Commands = append(ac.Commands, AccelCommand{Op: AccelOpResetQueryPool, Pool: pool, Index: count})
}

func (ac *AccelCommands) WriteCompactedSize(as *metadata.AccelerationStructure, pool metadata.QueryPool, index uint32) {
	ac.Commands = append(ac.Commands, AccelCommand{Op: AccelOpWriteCompactedSize, Src: as, Pool: pool, Index: index})
}

func (ac *AccelCommands) CopyCompact(src, dst *metadata.AccelerationStructure) {
	ac.Commands = append(ac.Commands, AccelCommand{Op: AccelOpCopyCompact, Src: src, Dst: dst})
}

// Count counts commands of one kind.
func (ac *AccelCommands) Count(op AccelOp) int {
	n := 0
	for _, c := range ac.Commands {
		if c.Op == op {
			n++
		}
	}
	return n
}

type queryPool struct {
	id      uuid.UUID
	results []uint64
}

// AccelDevice is an in-memory metadata.AccelDevice. Sizes grow linearly with
// the primitive or instance count. Submitted command lists are simulated so
// compacted-size queries return CompactRatio of the structure size.
type AccelDevice struct {
	Compaction bool
	// CompactRatio scales structure sizes reported by compaction queries.
	CompactRatio float64

	Submissions  []*AccelCommands
	QueryPools   int
	LiveBuffers  map[*metadata.Buffer]bool
	BuffersMade  int
	LiveAccel    map[*metadata.AccelerationStructure]bool
	Uploaded     map[*metadata.Buffer][]metadata.Instance
	FailBuildFor string
}

func NewAccelDevice(compaction bool) *AccelDevice {
	return &AccelDevice{
		Compaction:   compaction,
		CompactRatio: 0.5,
		LiveBuffers:  make(map[*metadata.Buffer]bool),
		LiveAccel:    make(map[*metadata.AccelerationStructure]bool),
		Uploaded:     make(map[*metadata.Buffer][]metadata.Instance),
	}
}

func (ad *AccelDevice) BuildSizes(info metadata.BuildGeometryInfo) (metadata.BuildSizes, error) {
	var count uint64
	if info.Level == metadata.AccelTopLevel {
		count = uint64(info.InstanceCount) * bytesPerInstance / bytesPerPrimitive
	} else {
		for i := range info.Geometries {
			count += uint64(info.Geometries[i].PrimitiveCount())
		}
	}
	return metadata.BuildSizes{
		AccelerationStructureSize: structureHeader + count*bytesPerPrimitive,
		BuildScratchSize:          structureHeader + count*scratchBytesPerPrimitive,
		UpdateScratchSize:         structureHeader + count*scratchBytesPerPrimitive/2,
	}, nil
}

func (ad *AccelDevice) SupportsCompaction() bool {
	return ad.Compaction
}

func (ad *AccelDevice) CreateBuffer(name string, size uint64, usage metadata.BufferUsage) (*metadata.Buffer, error) {
	buf := &metadata.Buffer{
		Name:          name,
		Handle:        uuid.New(),
		Size:          size,
		Usage:         usage,
		DeviceAddress: uint64(0x1000 * (ad.BuffersMade + 1)),
	}
	ad.BuffersMade++
	ad.LiveBuffers[buf] = true
	return buf, nil
}

func (ad *AccelDevice) DestroyBuffer(buf *metadata.Buffer) {
	if buf == nil {
		return
	}
	delete(ad.LiveBuffers, buf)
}

func (ad *AccelDevice) UploadInstances(buf *metadata.Buffer, instances []metadata.Instance) error {
	if uint64(len(instances))*metadata.InstanceSize > buf.Size {
		return fmt.Errorf("upload %d instances into %d bytes: %w", len(instances), buf.Size, core.ErrDevice)
	}
	ad.Uploaded[buf] = append([]metadata.Instance(nil), instances...)
	return nil
}

func (ad *AccelDevice) CreateAccelerationStructure(name string, level metadata.AccelLevel, buf *metadata.Buffer, size uint64) (*metadata.AccelerationStructure, error) {
	if buf == nil || buf.Size < size {
		return nil, fmt.Errorf("create acceleration structure %s: backing buffer too small: %w", name, core.ErrDevice)
	}
	as := &metadata.AccelerationStructure{
		Name:          name,
		Level:         level,
		Handle:        uuid.New(),
		Buffer:        buf,
		Size:          size,
		DeviceAddress: buf.DeviceAddress,
	}
	ad.LiveAccel[as] = true
	return as, nil
}

func (ad *AccelDevice) DestroyAccelerationStructure(as *metadata.AccelerationStructure) {
	if as == nil {
		return
	}
	delete(ad.LiveAccel, as)
}

func (ad *AccelDevice) CreateQueryPool(count uint32) (metadata.QueryPool, error) {
	ad.QueryPools++
	return &queryPool{id: uuid.New(), results: make([]uint64, count)}, nil
}

func (ad *AccelDevice) DestroyQueryPool(pool metadata.QueryPool) {}

func (ad *AccelDevice) ReadCompactedSizes(pool metadata.QueryPool, count uint32) ([]uint64, error) {
	qp, ok := pool.(*queryPool)
	if !ok || int(count) > len(qp.results) {
		return nil, fmt.Errorf("read compacted sizes: invalid query pool: %w", core.ErrDevice)
	}
	return append([]uint64(nil), qp.results[:count]...), nil
}

func (ad *AccelDevice) Begin() (metadata.AccelCommands, error) {
	return &AccelCommands{}, nil
}

func (ad *AccelDevice) Submit(cmd metadata.AccelCommands) error {
	ac, ok := cmd.(*AccelCommands)
	if !ok {
		return fmt.Errorf("submit: foreign command list %T: %w", cmd, core.ErrDevice)
	}
	for _, c := range ac.Commands {
		switch c.Op {
		case AccelOpBuild:
			if ad.FailBuildFor != "" && c.Dst.Name == ad.FailBuildFor {
				return fmt.Errorf("build %s: %w", c.Dst.Name, core.ErrDevice)
			}
		case AccelOpWriteCompactedSize:
			qp := c.Pool.(*queryPool)
			compacted := uint64(float64(c.Src.Size) * ad.CompactRatio)
			qp.results[c.Index] = core.AlignUp(compacted, uint64(structureHeader))
		}
	}
	ad.Submissions = append(ad.Submissions, ac)
	return nil
}
