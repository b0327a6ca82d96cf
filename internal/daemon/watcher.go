package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new document appeared in the spool.
	OpCreate EventOp = iota
	// OpModify indicates an existing document was rewritten.
	OpModify
	// OpDelete indicates a document left the spool.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// SpoolEvent is a change to a receipt document in the spool directory.
type SpoolEvent struct {
	Path string
	Op   EventOp
}

// SpoolWatcher watches the receipt spool directory for document files.
type SpoolWatcher struct {
	watcher *fsnotify.Watcher
	ext     string
	dir     string

	events chan SpoolEvent
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewSpoolWatcher creates a watcher for files with the given extension
// (".pdf" when empty). It emits nothing until Start is called.
func NewSpoolWatcher(ext string) (*SpoolWatcher, error) {
	if ext == "" {
		ext = ".pdf"
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &SpoolWatcher{
		watcher: watcher,
		ext:     ext,
		events:  make(chan SpoolEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (sw *SpoolWatcher) Start(dir string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return fmt.Errorf("watcher already running")
	}
	if err := sw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	sw.dir = abs
	sw.running = true

	sw.wg.Add(1)
	go sw.processEvents()
	return nil
}

// Stop closes the watcher and waits for the event loop. Events and Errors
// are closed afterwards.
func (sw *SpoolWatcher) Stop() error {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return sw.watcher.Close()
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.done)
	err := sw.watcher.Close()
	sw.wg.Wait()

	close(sw.events)
	close(sw.errors)

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Events returns the channel of spool events.
func (sw *SpoolWatcher) Events() <-chan SpoolEvent {
	return sw.events
}

// Errors returns the channel of watcher errors.
func (sw *SpoolWatcher) Errors() <-chan error {
	return sw.errors
}

// IsRunning reports whether the watcher is started.
func (sw *SpoolWatcher) IsRunning() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.running
}

func (sw *SpoolWatcher) processEvents() {
	defer sw.wg.Done()

	for {
		select {
		case <-sw.done:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := sw.convertEvent(event); ok {
				select {
				case sw.events <- ev:
				case <-sw.done:
					return
				}
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case sw.errors <- err:
			case <-sw.done:
				return
			}
		}
	}
}

// convertEvent filters out temp files and anything outside the spool
// directory. Renames count as deletes; the new name arrives as a create.
func (sw *SpoolWatcher) convertEvent(event fsnotify.Event) (SpoolEvent, bool) {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || !strings.EqualFold(filepath.Ext(base), sw.ext) {
		return SpoolEvent{}, false
	}
	if abs, err := filepath.Abs(event.Name); err == nil && filepath.Dir(abs) != sw.dir {
		return SpoolEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return SpoolEvent{}, false
	}
	return SpoolEvent{Path: event.Name, Op: op}, true
}
