package graph

import (
	"sync"

	"github.com/spaghettifunk/lumen/engine/containers"
	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief A cached pipeline plus the passes that used it during recording. */
type pipelineEntry struct {
	pipeline *Pipeline
	/** @brief Ordinals of the passes created for this key, in recording order. */
	passes []int
	/** @brief Next entry of passes handed out in the current frame. */
	cursor int
}

type retiredPipeline struct {
	object metadata.PipelineObject
	frame  uint64
}

// pipelineCache owns every pipeline of a graph. Entries are added by the main
// goroutine; build jobs only touch the per-file index.
type pipelineCache struct {
	mu      sync.Mutex
	entries map[PipelineKey]*pipelineEntry
	byFile  map[string][]*Pipeline

	retired *containers.RingQueue[retiredPipeline]
}

func newPipelineCache() *pipelineCache {
	return &pipelineCache{
		entries: make(map[PipelineKey]*pipelineEntry),
		byFile:  make(map[string][]*Pipeline),
		retired: containers.NewRingQueue[retiredPipeline](0),
	}
}

func (pc *pipelineCache) lookup(key PipelineKey) (*pipelineEntry, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e, ok := pc.entries[key]
	return e, ok
}

func (pc *pipelineCache) insert(p *Pipeline) *pipelineEntry {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e := &pipelineEntry{pipeline: p}
	pc.entries[p.Key] = e
	return e
}

// replace swaps old for p under the same key. Passes recorded for old are
// dropped from the entry, old leaves the per-file index and its device object
// is retired at frame. Passes of the current frame already bound to old keep
// a valid object until the retirement is collected.
func (pc *pipelineCache) replace(old, p *Pipeline, frame uint64) *pipelineEntry {
	if old.future != nil {
		old.future.Wait()
	}
	pc.mu.Lock()
	for path, list := range pc.byFile {
		if !old.usesFile(path) {
			continue
		}
		kept := make([]*Pipeline, 0, len(list))
		for _, existing := range list {
			if existing != old {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(pc.byFile, path)
		} else {
			pc.byFile[path] = kept
		}
	}
	e := &pipelineEntry{pipeline: p}
	pc.entries[p.Key] = e
	pc.mu.Unlock()

	pc.retire(old.Object, frame)
	return e
}

// index records that p was built from path. Returns true the first time path is seen.
func (pc *pipelineCache) index(path string, p *Pipeline) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	list, seen := pc.byFile[path]
	for _, existing := range list {
		if existing == p {
			return false
		}
	}
	pc.byFile[path] = append(list, p)
	return !seen
}

func (pc *pipelineCache) pipelinesUsing(path string) []*Pipeline {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]*Pipeline(nil), pc.byFile[path]...)
}

func (pc *pipelineCache) rewind() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, e := range pc.entries {
		e.cursor = 0
	}
}

func (pc *pipelineCache) retire(obj metadata.PipelineObject, frame uint64) {
	if obj == nil {
		return
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.retired.Enqueue(retiredPipeline{object: obj, frame: frame}); err != nil {
		core.LogError("retire pipeline: %s", err)
	}
}

// collect destroys retired pipelines that have survived framesInFlight resets.
func (pc *pipelineCache) collect(device metadata.PipelineDevice, frame uint64, framesInFlight int) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	n := 0
	for !pc.retired.IsEmpty() {
		r, err := pc.retired.Peek()
		if err != nil || r.frame+uint64(framesInFlight) > frame {
			break
		}
		pc.retired.Dequeue()
		device.DestroyPipeline(r.object)
		n++
	}
	return n
}

// destroyAll releases every live and retired pipeline object. Pending build
// jobs are joined first.
func (pc *pipelineCache) destroyAll(device metadata.PipelineDevice) {
	pc.mu.Lock()
	entries := pc.entries
	pc.entries = make(map[PipelineKey]*pipelineEntry)
	pc.byFile = make(map[string][]*Pipeline)
	pc.mu.Unlock()

	for _, e := range entries {
		if e.pipeline.future != nil {
			e.pipeline.future.Wait()
		}
		if e.pipeline.Object != nil {
			device.DestroyPipeline(e.pipeline.Object)
			e.pipeline.Object = nil
		}
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	for !pc.retired.IsEmpty() {
		r, _ := pc.retired.Dequeue()
		device.DestroyPipeline(r.object)
	}
}

func (pc *pipelineCache) size() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.entries)
}
