// Package watcher polls open source files for modification and tells
// the probe service to rebuild their stream indexes. An index describes
// a file as it was at probe time; editing against a stale one would
// resolve cuts onto packet offsets that no longer exist.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"time"
)

const defaultInterval = 5 * time.Second

// IndexHolder is the slice of the probe service the watcher drives.
type IndexHolder interface {
	Paths() []string
	SourceModTime(path string) (modTime int64, ok bool)
	Invalidate(path string)
}

type Watcher struct {
	probes   IndexHolder
	logger   *slog.Logger
	interval time.Duration
}

func New(probes IndexHolder, logger *slog.Logger) *Watcher {
	return &Watcher{probes: probes, logger: logger, interval: defaultInterval}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watcher) sweep() {
	for _, path := range w.probes.Paths() {
		recorded, ok := w.probes.SourceModTime(path)
		if !ok {
			// Still probing or already failed; nothing to compare.
			continue
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		if st.ModTime().UnixNano() != recorded {
			if w.logger != nil {
				w.logger.Info("source file changed on disk", "path", path)
			}
			w.probes.Invalidate(path)
		}
	}
}
