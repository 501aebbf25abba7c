package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the registry whenever a schema file changes in the override
// directory. It blocks until ctx is cancelled and is a no-op for registries
// built purely from embedded schemas.
//
// Events are debounced: editors often emit several writes per save, and a
// reload mid-write would fail to compile. A failed reload keeps the previous
// compiled set and is logged.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create schema watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch schema dir %s: %w", r.dir, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".schema.json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("schema watcher error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				r.logger.Warn("schema reload failed, keeping previous set", slog.String("error", err.Error()))
				continue
			}
			r.logger.Info("schemas reloaded", slog.String("dir", r.dir))
		}
	}
}
