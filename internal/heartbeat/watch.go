package heartbeat

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/earlbot/earl/internal/log"
)

const reloadDebounce = time.Second

// WatchFile reloads definitions whenever the heartbeats file changes.
// Edits are debounced; a file that fails to parse leaves the current
// definitions in place.
func (s *Scheduler) WatchFile(ctx context.Context, path string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = fsw.Close() }()

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					timerC = timer.C
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(reloadDebounce)
				}

			case <-timerC:
				defs, err := LoadDefinitions(path)
				if err != nil {
					log.Warn(log.CatHeartbeat, "reload failed, keeping current definitions", "path", path, "error", err)
					continue
				}
				s.SetDefinitions(defs)

			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn(log.CatHeartbeat, "watcher error", "error", err)
			}
		}
	}()
	return nil
}
