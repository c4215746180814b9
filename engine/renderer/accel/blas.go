package accel

import (
	"fmt"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

type blasRequest struct {
	input *metadata.BLASInput
	info  metadata.BuildGeometryInfo
	sizes metadata.BuildSizes
}

func (r *blasRequest) footprint() uint64 {
	return r.sizes.AccelerationStructureSize + r.sizes.BuildScratchSize
}

func (r *blasRequest) compact() bool {
	return r.info.Flags&metadata.BuildAllowCompaction != 0
}

// planBatches splits footprints into consecutive batches whose sum stays
// within ceiling. An entry larger than ceiling gets a batch of its own.
func planBatches(footprints []uint64, ceiling uint64) [][]int {
	var (
		batches [][]int
		current []int
		total   uint64
	)
	for i, size := range footprints {
		if len(current) > 0 && total+size > ceiling {
			batches = append(batches, current)
			current, total = nil, 0
		}
		current = append(current, i)
		total += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// BuildBLAS builds one bottom-level structure per input. flags apply to every
// input on top of its own flags. Inputs are grouped into batches whose output
// and scratch memory stays under the ceiling. Within a batch either every
// input asks for compaction or none does.
func (b *Builder) BuildBLAS(inputs []*metadata.BLASInput, flags metadata.BuildFlags) ([]*metadata.AccelerationStructure, error) {
	requests := make([]blasRequest, len(inputs))
	footprints := make([]uint64, len(inputs))
	for i, in := range inputs {
		if in == nil {
			return nil, fmt.Errorf("build blas: input %d: %w", i, core.ErrUnboundResource)
		}
		info := metadata.BuildGeometryInfo{
			Level:      metadata.AccelBottomLevel,
			Flags:      in.Flags | flags,
			Geometries: in.Geometries,
		}
		sizes, err := b.device.BuildSizes(info)
		if err != nil {
			return nil, fmt.Errorf("build blas %s: query sizes: %w", in.Name, err)
		}
		requests[i] = blasRequest{input: in, info: info, sizes: sizes}
		footprints[i] = requests[i].footprint()
	}

	batches := planBatches(footprints, b.ceiling)
	for n, batch := range batches {
		want := requests[batch[0]].compact()
		for _, i := range batch[1:] {
			if requests[i].compact() != want {
				err := fmt.Errorf("build blas: batch %d mixes %s and %s: %w",
					n, requests[batch[0]].input.Name, requests[i].input.Name, core.ErrMixedCompaction)
				core.LogError("%s", err)
				return nil, err
			}
		}
	}

	out := make([]*metadata.AccelerationStructure, 0, len(inputs))
	for n, batch := range batches {
		reqs := make([]*blasRequest, len(batch))
		for j, i := range batch {
			reqs[j] = &requests[i]
		}
		built, err := b.flush(reqs)
		if err != nil {
			for _, as := range out {
				b.destroyStructure(as)
			}
			return nil, fmt.Errorf("build blas: batch %d of %d: %w", n+1, len(batches), err)
		}
		out = append(out, built...)
	}
	core.LogDebug("built %d bottom-level structure(s) in %d batch(es)", len(out), len(batches))
	return out, nil
}

// flush builds one batch over a shared scratch buffer and, when requested,
// compacts the results.
func (b *Builder) flush(reqs []*blasRequest) (out []*metadata.AccelerationStructure, err error) {
	compact := reqs[0].compact()
	if compact && !b.device.SupportsCompaction() {
		core.LogDebug("acceleration structure compaction unsupported, keeping full-size structures")
		compact = false
	}

	var scratchSize uint64
	for _, r := range reqs {
		scratchSize = max(scratchSize, r.sizes.BuildScratchSize)
	}
	scratch, err := b.createScratch("blas", scratchSize)
	if err != nil {
		return nil, err
	}
	defer b.device.DestroyBuffer(scratch)

	defer func() {
		if err != nil {
			for _, as := range out {
				b.destroyStructure(as)
			}
			out = nil
		}
	}()
	for _, r := range reqs {
		as, err := b.createStructure(r.input.Name, metadata.AccelBottomLevel, r.sizes.AccelerationStructureSize)
		if err != nil {
			return out, err
		}
		as.Flags = r.info.Flags
		out = append(out, as)
	}

	cmd, err := b.device.Begin()
	if err != nil {
		return out, fmt.Errorf("begin build commands: %w", err)
	}
	var pool metadata.QueryPool
	if compact {
		if pool, err = b.device.CreateQueryPool(uint32(len(reqs))); err != nil {
			return out, fmt.Errorf("create compaction query pool: %w", err)
		}
		defer b.device.DestroyQueryPool(pool)
		cmd.ResetQueryPool(pool, 0, uint32(len(reqs)))
	}
	for i, r := range reqs {
		if i > 0 {
			buildBarrier(cmd)
		}
		cmd.Build(out[i], nil, scratch, r.info)
	}
	if compact {
		buildBarrier(cmd)
		for i, as := range out {
			cmd.WriteCompactedSize(as, pool, uint32(i))
		}
	}
	if err := b.device.Submit(cmd); err != nil {
		return out, fmt.Errorf("submit builds: %w", err)
	}
	if !compact {
		return out, nil
	}
	return b.compact(out, pool)
}

// compact copies every structure into a buffer of its queried compacted size
// and frees the original. A structure that would not shrink is kept as is.
func (b *Builder) compact(built []*metadata.AccelerationStructure, pool metadata.QueryPool) ([]*metadata.AccelerationStructure, error) {
	sizes, err := b.device.ReadCompactedSizes(pool, uint32(len(built)))
	if err != nil {
		return built, fmt.Errorf("read compacted sizes: %w", err)
	}

	cmd, err := b.device.Begin()
	if err != nil {
		return built, fmt.Errorf("begin compaction commands: %w", err)
	}
	out := make([]*metadata.AccelerationStructure, len(built))
	var replaced []int
	for i, as := range built {
		size := sizes[i]
		if size == 0 || size >= as.Size {
			out[i] = as
			continue
		}
		dst, err := b.createStructure(as.Name, as.Level, size)
		if err != nil {
			for _, j := range replaced {
				b.destroyStructure(out[j])
			}
			return built, err
		}
		dst.Flags = as.Flags
		cmd.CopyCompact(as, dst)
		out[i] = dst
		replaced = append(replaced, i)
	}
	if len(replaced) == 0 {
		return built, nil
	}
	if err := b.device.Submit(cmd); err != nil {
		for _, j := range replaced {
			b.destroyStructure(out[j])
		}
		return built, fmt.Errorf("submit compaction: %w", err)
	}

	var before, after uint64
	for _, j := range replaced {
		before += built[j].Size
		after += out[j].Size
		b.destroyStructure(built[j])
	}
	core.LogDebug("compacted %d structure(s) from %d to %d bytes", len(replaced), before, after)
	return out, nil
}
