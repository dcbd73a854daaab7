package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 250 * time.Millisecond

// WatchTasks calls apply with the new definitions whenever the tasks file
// changes. Edits that fail to parse are logged and ignored; identical content
// is not re-applied. It blocks until ctx is done.
func WatchTasks(ctx context.Context, path string, log zerolog.Logger, apply func([]TaskDef)) error {
	log = log.With().Str("comp", "tasks-watch").Str("path", path).Logger()
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	last, _ := os.ReadFile(path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		b, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Msg("tasks file unreadable")
			return
		}
		mu.Lock()
		unchanged := bytes.Equal(b, last)
		mu.Unlock()
		if unchanged {
			log.Debug().Msg("tasks file unchanged")
			return
		}
		defs, err := ParseTasks(b)
		if err != nil {
			log.Warn().Err(err).Msg("tasks file rejected")
			return
		}
		mu.Lock()
		last = b
		mu.Unlock()
		log.Info().Int("tasks", len(defs)).Msg("tasks file reloaded")
		apply(defs)
	}
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	log.Debug().Msg("tasks watcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("tasks watcher error")
		}
	}
}
