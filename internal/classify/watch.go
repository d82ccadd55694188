package classify

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the table from path whenever the file changes, until ctx is
// done. The parent directory is watched so that atomic replaces (rename over
// the file) are seen as well. A file that fails to parse is logged and the
// previous table is kept.
func (c *Classifier) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating pattern watcher: %w", err)
	}

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				if err := c.Reload(target); err != nil {
					c.logger.Printf("WARNING: keeping previous pattern table: %v", err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Printf("WARNING: pattern watcher error: %v", err)
			}
		}
	}()

	return nil
}
