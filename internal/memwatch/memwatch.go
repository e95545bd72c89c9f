// Package memwatch hot-provisions an Allocator by watching a directory for
// new or rewritten memconfig provisioning documents, the same
// fsnotify-event-loop shape the wider codebase uses for its virtual
// filesystem watcher.
package memwatch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/execmem/execmem/internal/memconfig"
	"github.com/execmem/execmem/internal/memsys"
)

// Result reports the outcome of applying one provisioning document.
type Result struct {
	Path string
	Err  error
}

// Watcher applies every *.json document written into a directory to an
// Allocator, via a registered memconfig.Registry. It only ever adds
// regions/handlers — it never calls RemRegion/RemHandler, since a watched
// document gives no indication which of a previous document's resources
// should be torn down.
type Watcher struct {
	w        *fsnotify.Watcher
	alloc    *memsys.Allocator
	registry *memconfig.Registry
	results  chan Result
	done     chan struct{}
}

// New opens a fsnotify watch on dir and starts applying documents written
// into it to a, resolving handler callbacks through registry.
func New(dir string, a *memsys.Allocator, registry *memconfig.Registry) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	watcher := &Watcher{
		w:        w,
		alloc:    a,
		registry: registry,
		results:  make(chan Result, 32),
		done:     make(chan struct{}),
	}

	go watcher.loop()

	return watcher, nil
}

// Results yields the outcome of every document this Watcher has applied.
func (w *Watcher) Results() <-chan Result { return w.results }

// Close stops the watch and releases its fsnotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}

func (w *Watcher) loop() {
	defer close(w.results)

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}

			w.apply(ev.Name)
		case _, ok := <-w.w.Errors:
			if !ok {
				return
			}
			// Watch errors surface no actionable path; a caller diagnosing
			// silence here should check the directory still exists.
		}
	}
}

func (w *Watcher) apply(path string) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		w.results <- Result{Path: path, Err: err}
		return
	}

	doc, err := memconfig.ParseDocument(data)
	if err != nil {
		w.results <- Result{Path: path, Err: err}
		return
	}

	err = memconfig.Apply(w.alloc, doc, w.registry)
	w.results <- Result{Path: path, Err: err}
}
