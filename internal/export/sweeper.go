package export

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clipcut/clipcut-agent/internal/history"
	"github.com/clipcut/clipcut-agent/internal/remux"
)

// staleAge is how old an in-progress temp file must be before the
// sweeper considers it abandoned. A healthy export renames or removes
// its temp file long before this.
const staleAge = 24 * time.Hour

// Sweeper periodically removes abandoned temp files from directories
// the export history knows about. Crashed runs are the only way such
// files appear.
type Sweeper struct {
	repo   history.Repository
	logger *slog.Logger
	cron   *cron.Cron
	maxAge time.Duration
}

func NewSweeper(repo history.Repository, logger *slog.Logger) *Sweeper {
	return &Sweeper{repo: repo, logger: logger, maxAge: staleAge}
}

// Start schedules sweeps with a cron expression (e.g. "@hourly") and
// runs one immediately to clean up after a possible crash.
func (s *Sweeper) Start(schedule string) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	go s.Sweep()
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep scans every directory that appears in recent export history.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	records, err := s.repo.ListExports(ctx, 200)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("sweep: listing export history failed", "error", err)
		}
		return
	}

	dirs := map[string]bool{}
	for _, rec := range records {
		dirs[filepath.Dir(rec.OutputPath)] = true
	}

	for dir := range dirs {
		removed := s.SweepDir(dir)
		if removed > 0 && s.logger != nil {
			s.logger.Info("removed stale temp files", "dir", dir, "count", removed)
		}
	}
}

// SweepDir removes stale in-progress files from one directory and
// returns how many went away.
func (s *Sweeper) SweepDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	removed := 0
	cutoff := time.Now().Add(-s.maxAge)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, remux.TempSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err == nil {
			removed++
		}
	}
	return removed
}
