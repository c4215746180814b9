package accel

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

// BuildTLAS builds or refits a top-level structure over instances.
//
// With update set, tlas is refitted in place. It must have been built with
// BuildAllowUpdate over the same number of instances. Without update, the
// structure and its buffer are reused when the required size did not change,
// otherwise a new structure replaces tlas. A nil tlas always builds a new one.
// Zero instances produce a valid empty structure.
func (b *Builder) BuildTLAS(tlas *metadata.AccelerationStructure, instances []metadata.Instance, flags metadata.BuildFlags, update bool) (*metadata.AccelerationStructure, error) {
	count := uint32(len(instances))
	if update {
		switch {
		case tlas == nil:
			return nil, fmt.Errorf("update tlas: no structure to refit: %w", core.ErrUpdateNotAllowed)
		case tlas.Flags&metadata.BuildAllowUpdate == 0:
			return nil, fmt.Errorf("update tlas %s: built without allow-update: %w", tlas.Name, core.ErrUpdateNotAllowed)
		case tlas.InstanceCount != count:
			return nil, fmt.Errorf("update tlas %s: instance count changed from %d to %d: %w",
				tlas.Name, tlas.InstanceCount, count, core.ErrUpdateNotAllowed)
		}
		flags = tlas.Flags
	}

	name := "tlas"
	if tlas != nil {
		name = tlas.Name
	}

	instanceBuf, err := b.instanceBuffer(name, tlas, count)
	if err != nil {
		return nil, err
	}
	if err := b.device.UploadInstances(instanceBuf, instances); err != nil {
		b.releaseInstanceBuffer(tlas, instanceBuf)
		return nil, fmt.Errorf("upload %d instance(s) for %s: %w", count, name, err)
	}

	info := metadata.BuildGeometryInfo{
		Level:         metadata.AccelTopLevel,
		Flags:         flags,
		InstanceCount: count,
		Instances:     instanceBuf,
		Update:        update,
	}
	sizes, err := b.device.BuildSizes(info)
	if err != nil {
		b.releaseInstanceBuffer(tlas, instanceBuf)
		return nil, fmt.Errorf("query tlas sizes for %s: %w", name, err)
	}

	dst, src := tlas, (*metadata.AccelerationStructure)(nil)
	switch {
	case update:
		src = tlas
	case tlas == nil || tlas.Size != sizes.AccelerationStructureSize:
		if dst, err = b.createStructure(name, metadata.AccelTopLevel, sizes.AccelerationStructureSize); err != nil {
			b.releaseInstanceBuffer(tlas, instanceBuf)
			return nil, err
		}
	}

	scratchSize := sizes.BuildScratchSize
	if update {
		scratchSize = sizes.UpdateScratchSize
	}
	scratch, err := b.scratchFor(scratchSize)
	if err != nil {
		b.abandon(tlas, dst, instanceBuf)
		return nil, err
	}

	cmd, err := b.device.Begin()
	if err != nil {
		b.abandon(tlas, dst, instanceBuf)
		return nil, fmt.Errorf("begin tlas commands: %w", err)
	}
	cmd.Build(dst, src, scratch, info)
	if err := b.device.Submit(cmd); err != nil {
		b.abandon(tlas, dst, instanceBuf)
		return nil, fmt.Errorf("submit tlas %s: %w", name, err)
	}

	if tlas != nil {
		if old := tlas.InstanceBuffer; old != nil && old != instanceBuf {
			b.device.DestroyBuffer(old)
		}
		if dst != tlas {
			b.destroyStructure(tlas)
		}
	}
	dst.Flags = flags
	dst.InstanceBuffer = instanceBuf
	dst.InstanceCount = count

	verb := "built"
	if update {
		verb = "refitted"
	}
	core.LogDebug("tlas %s %s with %d instance(s) (%d bytes)", name, verb, count, dst.Size)
	return dst, nil
}

// instanceBuffer returns the instance buffer of tlas when it can hold count
// instances, or a new one.
func (b *Builder) instanceBuffer(name string, tlas *metadata.AccelerationStructure, count uint32) (*metadata.Buffer, error) {
	size := uint64(max(count, 1)) * metadata.InstanceSize
	if tlas != nil && tlas.InstanceBuffer != nil && tlas.InstanceBuffer.Size >= size {
		return tlas.InstanceBuffer, nil
	}
	usage := metadata.BufferUsageAccelerationBuildIn | metadata.BufferUsageDeviceAddress | metadata.BufferUsageHostVisible
	buf, err := b.device.CreateBuffer(name+"-instances", size, usage)
	if err != nil {
		return nil, fmt.Errorf("create instance buffer for %s: %w", name, err)
	}
	return buf, nil
}

func (b *Builder) releaseInstanceBuffer(tlas *metadata.AccelerationStructure, buf *metadata.Buffer) {
	if tlas == nil || tlas.InstanceBuffer != buf {
		b.device.DestroyBuffer(buf)
	}
}

// abandon frees what a failed build allocated and leaves tlas untouched.
func (b *Builder) abandon(tlas, dst *metadata.AccelerationStructure, instanceBuf *metadata.Buffer) {
	if dst != tlas {
		b.destroyStructure(dst)
	}
	b.releaseInstanceBuffer(tlas, instanceBuf)
}

// scratchFor returns the cached top-level scratch buffer, growing it when too small.
func (b *Builder) scratchFor(size uint64) (*metadata.Buffer, error) {
	if b.tlasScratch != nil && b.tlasScratch.Size >= size {
		return b.tlasScratch, nil
	}
	scratch, err := b.createScratch("tlas", size)
	if err != nil {
		return nil, err
	}
	if b.tlasScratch != nil {
		b.device.DestroyBuffer(b.tlasScratch)
	}
	b.tlasScratch = scratch
	return scratch, nil
}
