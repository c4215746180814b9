package accel

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

const (
	// DefaultBatchCeiling caps the output plus scratch bytes of one BLAS batch.
	DefaultBatchCeiling uint64 = 256 << 20
	scratchAlignment    uint64 = 256
)

// Builder builds bottom-level structures in memory-bounded batches and
// builds or refits top-level structures. It is not safe for concurrent use.
type Builder struct {
	device  metadata.AccelDevice
	ceiling uint64

	tlasScratch *metadata.Buffer
}

type Option func(*Builder)

// WithBatchCeiling overrides DefaultBatchCeiling. Zero keeps the default.
func WithBatchCeiling(bytes uint64) Option {
	return func(b *Builder) {
		if bytes > 0 {
			b.ceiling = bytes
		}
	}
}

func NewBuilder(device metadata.AccelDevice, opts ...Option) *Builder {
	b := &Builder{
		device:  device,
		ceiling: DefaultBatchCeiling,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) Ceiling() uint64 {
	return b.ceiling
}

// Destroy frees the scratch buffer kept for top-level builds.
func (b *Builder) Destroy() {
	if b.tlasScratch != nil {
		b.device.DestroyBuffer(b.tlasScratch)
		b.tlasScratch = nil
	}
}

func scratchName(kind string) string {
	return fmt.Sprintf("%s-scratch-%s", kind, uuid.NewString())
}

func (b *Builder) createScratch(kind string, size uint64) (*metadata.Buffer, error) {
	size = core.AlignUp(max(size, 1), scratchAlignment)
	buf, err := b.device.CreateBuffer(scratchName(kind), size, metadata.BufferUsageStorage|metadata.BufferUsageDeviceAddress)
	if err != nil {
		return nil, fmt.Errorf("create %s scratch buffer (%d bytes): %w", kind, size, err)
	}
	return buf, nil
}

// createStructure allocates a backing buffer of size bytes and an
// acceleration structure on top of it.
func (b *Builder) createStructure(name string, level metadata.AccelLevel, size uint64) (*metadata.AccelerationStructure, error) {
	usage := metadata.BufferUsageAccelerationStorage | metadata.BufferUsageDeviceAddress
	buf, err := b.device.CreateBuffer(name, size, usage)
	if err != nil {
		return nil, fmt.Errorf("create buffer for %s: %w", name, err)
	}
	as, err := b.device.CreateAccelerationStructure(name, level, buf, size)
	if err != nil {
		b.device.DestroyBuffer(buf)
		return nil, fmt.Errorf("create acceleration structure %s: %w", name, err)
	}
	return as, nil
}

func (b *Builder) destroyStructure(as *metadata.AccelerationStructure) {
	if as == nil {
		return
	}
	b.device.DestroyAccelerationStructure(as)
	b.device.DestroyBuffer(as.Buffer)
}

// buildBarrier orders a build after the previous one that used the same scratch memory.
func buildBarrier(cmd metadata.AccelCommands) {
	cmd.MemoryBarrier(metadata.MemoryBarrier{
		SrcAccess: metadata.AccessAccelerationStructWrite,
		DstAccess: metadata.AccessAccelerationStructRead | metadata.AccessAccelerationStructWrite,
	}, metadata.StageAccelBuild, metadata.StageAccelBuild)
}
