package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
)

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemShutdown = errors.New("job system is shut down")

/** @brief A unit of work executed on one of the job threads. */
type JobTask struct {
	/** @brief Name used in logs when the job fails. */
	Name string
	/** @brief The work itself. Required. */
	EntryPoint func() error
	future     *Future
}

// Future is the pending result of a submitted job.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the job finished and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

// Done reports whether the job already finished without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// WaitAll joins every future and returns the first error in submission order,
// after all of them completed.
func WaitAll(futures ...*Future) error {
	var first error
	for _, f := range futures {
		if err := f.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
	}

	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				err := runJob(job)
				if err != nil {
					core.LogError("job %q failed: %s", job.Name, err)
				}
				job.future.complete(err)
			}
		}()
	}
}

func runJob(job JobTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %q panicked: %v", job.Name, r)
		}
	}()
	return job.EntryPoint()
}

/**
 * @brief Shuts the job system down. Already queued jobs still run.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()
	return nil
}

func (js *JobSystem) Workers() int {
	return js.numWorkers
}

/**
 * @brief Submits the provided job to be queued for execution.
 * Blocks while the queue is full.
 */
func (js *JobSystem) Submit(name string, fn func() error) *Future {
	f := newFuture()

	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		f.complete(fmt.Errorf("submit %q: %w", name, ErrJobSystemShutdown))
		return f
	}
	js.jobQueue <- JobTask{Name: name, EntryPoint: fn, future: f}
	return f
}
