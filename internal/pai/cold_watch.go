package pai

import (
	"context"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/nexus/internal/observability"
)

// ColdArchiveEvent reports a single change observed under a cold archive
// directory, for diagnostics/doctor tooling (not part of the archive's
// read/write path itself).
type ColdArchiveEvent struct {
	Phase Phase
	Path  string
	Op    string
}

// WatchCold watches every phase directory under the archive root and
// emits an event for each create/write/remove, until ctx is canceled. A
// best-effort diagnostics surface; failures to watch a given directory are
// logged and skipped rather than treated as fatal.
func (a *ColdArchive) WatchCold(ctx context.Context, logger *observability.Logger) (<-chan ColdArchiveEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, phase := range Phases {
		if err := watcher.Add(a.phaseDir(phase)); err != nil && logger != nil {
			logger.Warn(ctx, "pai: failed to watch cold archive directory", "phase", phase, "error", err)
		}
	}

	out := make(chan ColdArchiveEvent, 32)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(event.Name, ".json") {
					continue
				}
				phase := phaseFromPath(event.Name)
				select {
				case out <- ColdArchiveEvent{Phase: phase, Path: event.Name, Op: event.Op.String()}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn(ctx, "pai: cold archive watch error", "error", err)
				}
			}
		}
	}()

	return out, nil
}

func phaseFromPath(path string) Phase {
	for _, p := range Phases {
		if strings.Contains(path, strings.ToUpper(string(p))) {
			return p
		}
	}
	return ""
}
