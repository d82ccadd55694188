package cooldown

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the create and rename events of one atomic write.
const reloadDebounce = 50 * time.Millisecond

// Watch reloads the store whenever another process rewrites the file, until
// ctx is done. Waiters on Bypassed are woken when a reload shows their agent
// was released, so `cooldown bypass` from a second process reaches tasks that
// are blocked in this one. Memory-only stores have nothing to watch.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	target := filepath.Clean(s.path)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating cooldown watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
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
				s.mu.Lock()
				s.reload()
				s.mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Printf("WARNING: cooldown watcher error: %v", err)
			}
		}
	}()

	return nil
}
