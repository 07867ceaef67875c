package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher invalidates the index throttle whenever a file under the data dir
// changes, so edits are picked up by the next query instead of after the
// refresh interval.
type Watcher struct {
	index   *Index
	watcher *fsnotify.Watcher
}

func NewWatcher(index *Index) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	err = filepath.WalkDir(index.opts.DataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", index.opts.DataDir, err)
	}
	return &Watcher{index: index, watcher: w}, nil
}

// Run blocks until ctx is done, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				// new subdirectories are not watched automatically
				_ = filepath.WalkDir(event.Name, func(path string, d fs.DirEntry, err error) error {
					if err == nil && d.IsDir() {
						_ = w.watcher.Add(path)
					}
					return nil
				})
			}
			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("knowledge file changed")
			w.index.Invalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("file watcher error")
		}
	}
}
