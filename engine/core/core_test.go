package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifierPoolRecyclesSlots(t *testing.T) {
	ip := NewIdentifierPool()

	a := ip.Acquire("a")
	b := ip.Acquire("b")
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)

	require.NoError(t, ip.Release(a))
	assert.Nil(t, ip.Owner(a))

	c := ip.Acquire("c")
	assert.Equal(t, a, c)
	assert.Equal(t, "c", ip.Owner(c))
	assert.Equal(t, 3, ip.Capacity())
}

func TestIdentifierPoolRejectsInvalidRelease(t *testing.T) {
	ip := NewIdentifierPool()
	assert.Error(t, ip.Release(0))
	assert.Error(t, ip.Release(7))
}

func TestEventBusStopsAtFirstHandler(t *testing.T) {
	eb := NewEventBus()
	var calls []string

	first, second := "first", "second"
	require.True(t, eb.Register(EVENT_CODE_SHADER_RELOADED, first, func(code SystemEventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, listener.(string)+":"+data.Data.C[0])
		return true
	}))
	require.True(t, eb.Register(EVENT_CODE_SHADER_RELOADED, second, func(SystemEventCode, interface{}, interface{}, EventContext) bool {
		calls = append(calls, "second")
		return false
	}))
	assert.False(t, eb.Register(EVENT_CODE_SHADER_RELOADED, first, nil))

	var ctx EventContext
	ctx.Data.C[0] = "blur.wgsl"
	assert.True(t, eb.Fire(EVENT_CODE_SHADER_RELOADED, nil, ctx))
	assert.Equal(t, []string{"first:blur.wgsl"}, calls)

	assert.True(t, eb.Unregister(EVENT_CODE_SHADER_RELOADED, first))
	assert.False(t, eb.Fire(EVENT_CODE_SHADER_RELOADED, nil, ctx))
	assert.Equal(t, []string{"first:blur.wgsl", "second"}, calls)
	assert.False(t, eb.Fire(EVENT_CODE_PIPELINE_RECREATED, nil, ctx))
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint32(0), AlignUp(uint32(0), 4))
	assert.Equal(t, uint32(4), AlignUp(uint32(1), 4))
	assert.Equal(t, uint64(256), AlignUp(uint64(129), 128))
	assert.Equal(t, uint64(7), AlignUp(uint64(7), 0))
}
