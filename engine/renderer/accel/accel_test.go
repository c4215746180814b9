package accel

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/headless"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

func mesh(name string, triangles uint32, flags metadata.BuildFlags) *metadata.BLASInput {
	return &metadata.BLASInput{
		Name:  name,
		Flags: flags,
		Geometries: []metadata.Geometry{{
			VertexBuffer: &metadata.Buffer{Name: name + "-vertices", Size: uint64(triangles) * 36},
			VertexCount:  triangles * 3,
			VertexStride: 12,
			Opaque:       true,
		}},
	}
}

func builds(cmds *headless.AccelCommands) []headless.AccelCommand {
	var out []headless.AccelCommand
	for _, c := range cmds.Commands {
		if c.Op == headless.AccelOpBuild {
			out = append(out, c)
		}
	}
	return out
}

func TestPlanBatches(t *testing.T) {
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, planBatches([]uint64{40, 50, 80, 10, 20}, 100))
	assert.Equal(t, [][]int{{0}, {1}, {2}}, planBatches([]uint64{500, 20, 300}, 100))
	assert.Equal(t, [][]int{{0, 1, 2}}, planBatches([]uint64{30, 30, 40}, 100))
	assert.Empty(t, planBatches(nil, 100))
}

func TestBatchesStayUnderCeiling(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		device := headless.NewAccelDevice(false)
		ceiling := uint64(2048 + rng.Intn(8192))
		builder := NewBuilder(device, WithBatchCeiling(ceiling))

		var inputs []*metadata.BLASInput
		for i := 0; i < 1+rng.Intn(20); i++ {
			inputs = append(inputs, mesh(fmt.Sprintf("mesh%d", i), uint32(1+rng.Intn(120)), 0))
		}
		out, err := builder.BuildBLAS(inputs, metadata.BuildPreferFastTrace)
		require.NoError(t, err)
		require.Len(t, out, len(inputs))

		built := 0
		for _, sub := range device.Submissions {
			var total uint64
			cmds := builds(sub)
			for _, c := range cmds {
				sizes, err := device.BuildSizes(c.Info)
				require.NoError(t, err)
				total += sizes.AccelerationStructureSize + sizes.BuildScratchSize
			}
			if len(cmds) > 1 {
				assert.LessOrEqual(t, total, ceiling, "round %d", round)
			}
			built += len(cmds)
		}
		assert.Equal(t, len(inputs), built)
	}
}

func TestBatchSharesScratch(t *testing.T) {
	device := headless.NewAccelDevice(false)
	builder := NewBuilder(device)

	out, err := builder.BuildBLAS([]*metadata.BLASInput{mesh("a", 10, 0), mesh("b", 40, 0), mesh("c", 20, 0)}, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Len(t, device.Submissions, 1)

	sub := device.Submissions[0]
	cmds := builds(sub)
	require.Len(t, cmds, 3)
	scratch := cmds[0].Scratch
	for _, c := range cmds {
		assert.Same(t, scratch, c.Scratch)
	}
	// sized to the largest requirement
	assert.GreaterOrEqual(t, scratch.Size, uint64(256+40*32))
	assert.Equal(t, 2, sub.Count(headless.AccelOpMemoryBarrier))
	assert.False(t, device.LiveBuffers[scratch])

	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, out[i].Name)
		assert.Equal(t, metadata.AccelBottomLevel, out[i].Level)
		assert.True(t, device.LiveAccel[out[i]])
	}
}

func TestCompactionUsesOneQueryPool(t *testing.T) {
	device := headless.NewAccelDevice(true)
	builder := NewBuilder(device)

	inputs := []*metadata.BLASInput{mesh("a", 12, 0), mesh("b", 30, 0), mesh("c", 7, 0)}
	out, err := builder.BuildBLAS(inputs, metadata.BuildAllowCompaction)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 1, device.QueryPools)
	require.Len(t, device.Submissions, 2)
	assert.Len(t, builds(device.Submissions[0]), 3)
	assert.Equal(t, 3, device.Submissions[0].Count(headless.AccelOpWriteCompactedSize))
	assert.Equal(t, 3, device.Submissions[1].Count(headless.AccelOpCopyCompact))

	for i, c := range device.Submissions[1].Commands {
		original := c.Src
		assert.LessOrEqual(t, c.Dst.Size, original.Size, "structure %d grew", i)
		assert.False(t, device.LiveAccel[original])
		assert.False(t, device.LiveBuffers[original.Buffer])
		assert.Same(t, out[i], c.Dst)
	}
	assert.Len(t, device.LiveAccel, 3)
	assert.Len(t, device.LiveBuffers, 3)
}

func TestCompactionNeverGrows(t *testing.T) {
	device := headless.NewAccelDevice(true)
	device.CompactRatio = 1.5
	builder := NewBuilder(device)

	out, err := builder.BuildBLAS([]*metadata.BLASInput{mesh("a", 12, 0), mesh("b", 30, 0)}, metadata.BuildAllowCompaction)
	require.NoError(t, err)
	require.Len(t, device.Submissions, 1)
	for i, c := range builds(device.Submissions[0]) {
		assert.Same(t, c.Dst, out[i])
	}
}

func TestCompactionUnsupportedKeepsFullSize(t *testing.T) {
	device := headless.NewAccelDevice(false)
	builder := NewBuilder(device)

	out, err := builder.BuildBLAS([]*metadata.BLASInput{mesh("a", 12, 0), mesh("b", 30, 0)}, metadata.BuildAllowCompaction)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Zero(t, device.QueryPools)
	assert.Len(t, device.Submissions, 1)
	assert.Equal(t, uint64(256+12*64), out[0].Size)
}

func TestMixedCompactionIsRejected(t *testing.T) {
	device := headless.NewAccelDevice(true)
	builder := NewBuilder(device)

	_, err := builder.BuildBLAS([]*metadata.BLASInput{
		mesh("a", 12, metadata.BuildAllowCompaction),
		mesh("b", 30, 0),
	}, 0)
	assert.ErrorIs(t, err, core.ErrMixedCompaction)
	assert.ErrorIs(t, err, core.ErrContractViolation)
	assert.Empty(t, device.Submissions)
	assert.Empty(t, device.LiveBuffers)
}

func TestMixedCompactionAcrossBatchesIsAllowed(t *testing.T) {
	device := headless.NewAccelDevice(true)
	builder := NewBuilder(device, WithBatchCeiling(1))

	out, err := builder.BuildBLAS([]*metadata.BLASInput{
		mesh("a", 12, metadata.BuildAllowCompaction),
		mesh("b", 30, 0),
	}, 0)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, 1, device.QueryPools)
}

func TestFailedBatchReleasesEverything(t *testing.T) {
	device := headless.NewAccelDevice(false)
	device.FailBuildFor = "c"
	builder := NewBuilder(device, WithBatchCeiling(2000))

	_, err := builder.BuildBLAS([]*metadata.BLASInput{mesh("a", 5, 0), mesh("b", 5, 0), mesh("c", 5, 0)}, 0)
	assert.ErrorIs(t, err, core.ErrDevice)
	assert.Empty(t, device.LiveAccel)
	assert.Empty(t, device.LiveBuffers)
}

func instances(n int, blas *metadata.AccelerationStructure) []metadata.Instance {
	out := make([]metadata.Instance, n)
	for i := range out {
		out[i] = metadata.Instance{
			Transform:   [12]float32{1, 0, 0, float32(i), 0, 1, 0, 0, 0, 0, 1, 0},
			CustomIndex: uint32(i),
			Mask:        0xff,
			BLAS:        blas,
		}
	}
	return out
}

func TestTLASUpdateReusesStructure(t *testing.T) {
	device := headless.NewAccelDevice(false)
	builder := NewBuilder(device)
	defer builder.Destroy()

	blas, err := builder.BuildBLAS([]*metadata.BLASInput{mesh("a", 12, 0)}, 0)
	require.NoError(t, err)

	tlas, err := builder.BuildTLAS(nil, instances(4, blas[0]), metadata.BuildAllowUpdate, false)
	require.NoError(t, err)
	assert.Equal(t, metadata.AccelTopLevel, tlas.Level)
	assert.Equal(t, uint32(4), tlas.InstanceCount)
	buffer := tlas.Buffer

	refit, err := builder.BuildTLAS(tlas, instances(4, blas[0]), 0, true)
	require.NoError(t, err)
	assert.Same(t, tlas, refit)
	assert.Same(t, buffer, refit.Buffer)
	last := builds(device.Submissions[len(device.Submissions)-1])
	require.Len(t, last, 1)
	assert.Same(t, tlas, last[0].Src)
	assert.True(t, last[0].Info.Update)

	rebuilt, err := builder.BuildTLAS(tlas, instances(4, blas[0]), metadata.BuildAllowUpdate, false)
	require.NoError(t, err)
	assert.Same(t, tlas, rebuilt)
	assert.Same(t, buffer, rebuilt.Buffer)
	assert.Len(t, device.Uploaded[tlas.InstanceBuffer], 4)
}

func TestTLASGrowsIntoNewStructure(t *testing.T) {
	device := headless.NewAccelDevice(false)
	builder := NewBuilder(device)
	defer builder.Destroy()

	small, err := builder.BuildTLAS(nil, instances(2, nil), 0, false)
	require.NoError(t, err)
	large, err := builder.BuildTLAS(small, instances(16, nil), 0, false)
	require.NoError(t, err)

	assert.NotSame(t, small, large)
	assert.Greater(t, large.Size, small.Size)
	assert.False(t, device.LiveAccel[small])
	assert.True(t, device.LiveAccel[large])
	assert.GreaterOrEqual(t, large.InstanceBuffer.Size, uint64(16*metadata.InstanceSize))
}

func TestTLASUpdateRules(t *testing.T) {
	device := headless.NewAccelDevice(false)
	builder := NewBuilder(device)
	defer builder.Destroy()

	_, err := builder.BuildTLAS(nil, instances(1, nil), 0, true)
	assert.ErrorIs(t, err, core.ErrUpdateNotAllowed)

	static, err := builder.BuildTLAS(nil, instances(3, nil), 0, false)
	require.NoError(t, err)
	_, err = builder.BuildTLAS(static, instances(3, nil), 0, true)
	assert.ErrorIs(t, err, core.ErrUpdateNotAllowed)

	dynamic, err := builder.BuildTLAS(nil, instances(3, nil), metadata.BuildAllowUpdate, false)
	require.NoError(t, err)
	_, err = builder.BuildTLAS(dynamic, instances(5, nil), 0, true)
	assert.ErrorIs(t, err, core.ErrUpdateNotAllowed)
	assert.ErrorIs(t, err, core.ErrContractViolation)
}

func TestEmptyTLASIsValid(t *testing.T) {
	device := headless.NewAccelDevice(false)
	builder := NewBuilder(device)

	tlas, err := builder.BuildTLAS(nil, nil, 0, false)
	require.NoError(t, err)
	assert.NotNil(t, tlas.Handle)
	assert.Zero(t, tlas.InstanceCount)
	assert.Positive(t, tlas.Size)
	assert.Equal(t, uint64(metadata.InstanceSize), tlas.InstanceBuffer.Size)

	builder.Destroy()
	assert.Len(t, device.LiveBuffers, 2)
}
