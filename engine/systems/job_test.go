package systems

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemValidation(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestJobSystemRunsAllJobs(t *testing.T) {
	js, err := NewJobSystem(4, 8)
	require.NoError(t, err)
	defer js.Shutdown()

	var counter atomic.Int32
	var futures []*Future
	for i := 0; i < 32; i++ {
		futures = append(futures, js.Submit("inc", func() error {
			counter.Add(1)
			return nil
		}))
	}
	require.NoError(t, WaitAll(futures...))
	assert.Equal(t, int32(32), counter.Load())
	for _, f := range futures {
		assert.True(t, f.Done())
	}
}

func TestJobSystemReportsFirstError(t *testing.T) {
	js, err := NewJobSystem(2, 0)
	require.NoError(t, err)
	defer js.Shutdown()

	boom := errors.New("boom")
	ok := js.Submit("ok", func() error { return nil })
	bad := js.Submit("bad", func() error { return boom })
	panicky := js.Submit("panic", func() error { panic("kaboom") })

	assert.ErrorIs(t, WaitAll(ok, bad, panicky), boom)
	assert.ErrorContains(t, panicky.Wait(), "kaboom")
}

func TestJobSystemSubmitAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(1, 1)
	require.NoError(t, err)
	require.NoError(t, js.Shutdown())
	require.NoError(t, js.Shutdown())

	assert.ErrorIs(t, js.Submit("late", func() error { return nil }).Wait(), ErrJobSystemShutdown)
}
