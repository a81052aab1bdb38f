package server

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SequenceWatcher reports changes to one sequence file. The directory is
// watched because atomic writes replace the file by rename.
type SequenceWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	log     *slog.Logger
	Changes chan string
	done    chan struct{}
	once    sync.Once
}

func NewSequenceWatcher(path string, log *slog.Logger) (*SequenceWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SequenceWatcher{
		watcher: w,
		path:    abs,
		log:     log,
		Changes: make(chan string, 8),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the sequence directory
func (sw *SequenceWatcher) Start() error {
	if err := sw.watcher.Add(filepath.Dir(sw.path)); err != nil {
		return err
	}
	sw.log.Info("watching sequence", "path", sw.path)
	go sw.processEvents()
	return nil
}

func (sw *SequenceWatcher) Stop() error {
	var err error
	sw.once.Do(func() {
		close(sw.done)
		err = sw.watcher.Close()
	})
	return err
}

func (sw *SequenceWatcher) processEvents() {
	defer close(sw.Changes)
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != sw.path {
				continue
			}
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create,
				event.Op&fsnotify.Write == fsnotify.Write:
			default:
				continue
			}

			select {
			case sw.Changes <- event.Name:
			default:
				// a reload is already pending
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.log.Warn("sequence watcher error", "error", err)

		case <-sw.done:
			return
		}
	}
}
