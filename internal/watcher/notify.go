package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fentz26/flagsweep/internal/models"
)

// WatchDir wakes the watcher when a task file in dir is created or written,
// so new submissions are picked up before the next poll. Events are
// debounced by Config.Debounce.
func (w *Watcher) WatchDir(dir string) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.notifyLoop(fsw)
	w.logger.Debug("Watching task directory", "dir", dir)
	return nil
}

func (w *Watcher) notifyLoop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isTaskFile(event.Name) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.config.Debounce, w.Wake)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Directory watch error", "error", err)
		}
	}
}

// isTaskFile matches remove_<flag>.yaml and ignores temp files.
func isTaskFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".yaml") {
		return false
	}
	_, ok := models.FlagFromKey(strings.TrimSuffix(base, ".yaml"))
	return ok
}
