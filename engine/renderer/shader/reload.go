package shader

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/lumen/engine/core"
)

var ErrReloaderRunning = errors.New("shader reloader already running")

type watchEntry struct {
	modTime   time.Time
	callbacks []func(path string)
}

// Reloader polls the modification time of watched shader files and calls the
// registered callbacks from its own goroutine when one changes. When root names
// a directory on disk, fsnotify write events trigger a poll before the next tick.
type Reloader struct {
	fsys     fs.FS
	root     string
	interval time.Duration

	mu      sync.Mutex
	watched map[string]*watchEntry

	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewReloader(fsys fs.FS, root string, interval time.Duration) *Reloader {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Reloader{
		fsys:     fsys,
		root:     root,
		interval: interval,
		watched:  make(map[string]*watchEntry),
	}
}

// Watch registers a callback for path. The current modification time is the baseline.
func (r *Reloader) Watch(path string, onChange func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.watched[path]
	if !ok {
		mtime, err := modTime(r.fsys, path)
		if err != nil {
			core.LogWarn("shader reloader: cannot stat %s: %s", path, err)
		}
		entry = &watchEntry{modTime: mtime}
		r.watched[path] = entry
	}
	entry.callbacks = append(entry.callbacks, onChange)
}

func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped != nil {
		r.mu.Unlock()
		return ErrReloaderRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})
	stopped := r.stopped
	r.mu.Unlock()

	watcher := r.newWatcher()
	go r.loop(ctx, watcher, stopped)
	return nil
}

// Stop cancels the polling goroutine and returns once it has exited.
func (r *Reloader) Stop() {
	r.mu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel, r.stopped = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (r *Reloader) newWatcher() *fsnotify.Watcher {
	if r.root == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		core.LogWarn("shader reloader: fsnotify unavailable, polling only: %s", err)
		return nil
	}
	err = filepath.WalkDir(r.root, func(walkPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(walkPath)
		}
		return nil
	})
	if err != nil {
		core.LogWarn("shader reloader: cannot watch %s, polling only: %s", r.root, err)
		watcher.Close()
		return nil
	}
	return watcher
}

func (r *Reloader) loop(ctx context.Context, watcher *fsnotify.Watcher, stopped chan struct{}) {
	defer close(stopped)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		errs = watcher.Errors
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll()
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
					watcher.Add(e.Name)
				}
				r.poll()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			core.LogError("shader reloader: %s", err)
		}
	}
}

type change struct {
	path      string
	callbacks []func(string)
}

// poll compares every watched file against its last known modification time.
func (r *Reloader) poll() {
	var changed []change

	r.mu.Lock()
	for path, entry := range r.watched {
		mtime, err := modTime(r.fsys, path)
		if err != nil {
			// missing files are retried on the next tick
			continue
		}
		if !mtime.Equal(entry.modTime) {
			entry.modTime = mtime
			changed = append(changed, change{path: path, callbacks: append([]func(string)(nil), entry.callbacks...)})
		}
	}
	r.mu.Unlock()

	for _, c := range changed {
		core.LogInfo("shader %s changed on disk", c.path)
		for _, fn := range c.callbacks {
			fn(c.path)
		}
	}
}
