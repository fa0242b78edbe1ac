package probe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/clipcut/clipcut-agent/internal/media"
)

// Probe states exposed to pollers.
const (
	StateProbing = "probing"
	StateReady   = "ready"
	StateFailed  = "failed"
)

// Snapshot is the poll view of one open file.
type Snapshot struct {
	State string
	Index *StreamIndex
	Err   error
}

type entry struct {
	state  string
	index  *StreamIndex
	err    error
	cancel context.CancelFunc
}

// Service runs probes on background goroutines and caches their
// results keyed by absolute source path. A full packet-timeline scan can
// take a while on large files, so callers poll Get until the state
// leaves "probing".
type Service struct {
	fw     media.Framework
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewService(fw media.Framework, logger *slog.Logger) *Service {
	return &Service{
		fw:      fw,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Open starts probing the file unless an up-to-date index already
// exists. It returns immediately; poll Get for the result.
func (s *Service) Open(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreadableContainer, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[abs]; ok {
		switch e.state {
		case StateProbing:
			return abs, nil
		case StateReady:
			if !s.stale(abs, e) {
				return abs, nil
			}
		}
		// Failed or stale: rebuild wholesale.
		if e.cancel != nil {
			e.cancel()
		}
	}

	s.startLocked(abs)
	return abs, nil
}

// Get returns the current snapshot for the path, reporting ok=false for
// paths that were never opened.
func (s *Service) Get(path string) (Snapshot, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[abs]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{State: e.state, Index: e.index, Err: e.err}, true
}

// Close discards the index for the path, cancelling a probe in flight.
func (s *Service) Close(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[abs]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(s.entries, abs)
	}
}

// IsOpen reports whether the path has an entry, probing or not. The
// playback gate uses it to refuse files the user never opened.
func (s *Service) IsOpen(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// Paths lists all open paths, for the staleness watcher.
func (s *Service) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	return paths
}

// Invalidate re-probes the path if its index is held. The watcher calls
// this when the source file's mtime moves.
func (s *Service) Invalidate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[path]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	if s.logger != nil {
		s.logger.Info("stream index invalidated", "path", path)
	}
	s.startLocked(path)
}

// SourceModTime returns the mtime recorded when the path's index was
// built, for staleness comparison. ok is false while probing or failed.
func (s *Service) SourceModTime(path string) (modTime int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[path]
	if !exists || e.state != StateReady || e.index == nil {
		return 0, false
	}
	return e.index.SourceModTime.UnixNano(), true
}

func (s *Service) startLocked(abs string) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{state: StateProbing, cancel: cancel}
	s.entries[abs] = e

	go func() {
		index, err := Probe(ctx, s.fw, abs)

		s.mu.Lock()
		defer s.mu.Unlock()

		// The entry may have been replaced or closed while we worked.
		if s.entries[abs] != e {
			return
		}
		e.cancel = nil
		if err != nil {
			e.state = StateFailed
			e.err = err
			if s.logger != nil {
				s.logger.Warn("probe failed", "path", abs, "error", err)
			}
			return
		}
		e.state = StateReady
		e.index = index
		if s.logger != nil {
			s.logger.Info("probe complete", "path", abs,
				"streams", len(index.Streams), "duration_ms", index.DurationMs)
		}
	}()
}

func (s *Service) stale(abs string, e *entry) bool {
	if e.index == nil {
		return true
	}
	st, err := os.Stat(abs)
	if err != nil {
		return true
	}
	return !st.ModTime().Equal(e.index.SourceModTime)
}
