package export

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipcut/clipcut-agent/internal/compat"
	"github.com/clipcut/clipcut-agent/internal/history"
	"github.com/clipcut/clipcut-agent/internal/plan"
	"github.com/clipcut/clipcut-agent/internal/probe"
	"github.com/clipcut/clipcut-agent/internal/remux"
)

// runner is the slice of the remux engine the manager needs; tests
// substitute a stub.
type runner interface {
	Run(ctx context.Context, cut *plan.ResolvedCut, outputPath string, progress func(float64)) error
}

type job struct {
	snapshot Snapshot
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager owns all export jobs. Resolution and the compatibility gate
// run synchronously in Start so illegal plans fail before any file I/O;
// the remux itself runs on a dedicated goroutine per job.
type Manager struct {
	engine runner
	repo   history.Repository
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	// active maps a source path to its one non-terminal job id.
	active map[string]string
}

func NewManager(engine *remux.Engine, repo history.Repository, logger *slog.Logger) *Manager {
	return newManager(engine, repo, logger)
}

func newManager(engine runner, repo history.Repository, logger *slog.Logger) *Manager {
	return &Manager{
		engine: engine,
		repo:   repo,
		logger: logger,
		jobs:   make(map[string]*job),
		active: make(map[string]string),
	}
}

// Start resolves the plan, checks compatibility and launches the remux.
// Resolve and compatibility failures return immediately with no job
// created and nothing touched on disk.
func (m *Manager) Start(index *probe.StreamIndex, p *plan.EditPlan, outputPath string) (Snapshot, error) {
	if err := ValidateOutputPath(outputPath); err != nil {
		return Snapshot{}, err
	}

	cut, err := plan.Resolve(index, p)
	if err != nil {
		return Snapshot{}, err
	}
	if err := compat.Check(cut, p.OutputFormat); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if activeID, ok := m.active[p.SourcePath]; ok {
		if j, exists := m.jobs[activeID]; exists && !IsTerminal(j.snapshot.State) {
			return Snapshot{}, ErrExportInProgress
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		snapshot: Snapshot{
			ID:           uuid.NewString(),
			SourcePath:   p.SourcePath,
			OutputPath:   outputPath,
			OutputFormat: p.OutputFormat,
			State:        StatePending,
			Diagnostics:  cut.Diagnostics,
			CreatedAt:    time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[j.snapshot.ID] = j
	m.active[p.SourcePath] = j.snapshot.ID

	m.record(j.snapshot)
	go m.run(ctx, j, cut)

	return j.snapshot, nil
}

func (m *Manager) run(ctx context.Context, j *job, cut *plan.ResolvedCut) {
	defer close(j.done)

	id := j.snapshot.ID
	m.transition(j, StateRunning, nil)

	lastPct := -1
	err := m.engine.Run(ctx, cut, j.snapshot.OutputPath, func(f float64) {
		m.mu.Lock()
		j.snapshot.Progress = f
		m.mu.Unlock()

		if pct := int(f * 100); pct != lastPct && m.repo != nil {
			lastPct = pct
			m.repo.UpdateExportProgress(context.Background(), id, pct)
		}
	})

	switch {
	case err == nil:
		m.mu.Lock()
		j.snapshot.Progress = 1.0
		m.mu.Unlock()
		m.transition(j, StateCompleted, nil)
	case errors.Is(err, remux.ErrCancelled):
		m.transition(j, StateCancelled, nil)
	default:
		m.transition(j, StateFailed, err)
	}
}

func (m *Manager) transition(j *job, state string, err error) {
	m.mu.Lock()
	j.snapshot.State = state
	if err != nil {
		j.snapshot.Error = err.Error()
	}
	if IsTerminal(state) {
		delete(m.active, j.snapshot.SourcePath)
	}
	snap := j.snapshot
	m.mu.Unlock()

	if m.repo != nil {
		m.repo.UpdateExportStatus(context.Background(), snap.ID, state, snap.Error)
	}
	if m.logger != nil {
		m.logger.Info("export state change",
			"job_id", snap.ID, "state", state, "error", snap.Error)
	}
}

// Cancel requests cooperative cancellation of a running job. The engine
// stops at the next packet boundary; the state flips to cancelled once
// it has cleaned up.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if IsTerminal(j.snapshot.State) {
		m.mu.Unlock()
		return ErrNotCancellable
	}
	cancel := j.cancel
	m.mu.Unlock()

	cancel()
	return nil
}

// Get returns the job's current snapshot.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	return j.snapshot, nil
}

// Active reports the in-memory job with the highest interest for the
// tray: a running one if any, else the most recent.
func (m *Manager) Active() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *job
	for _, j := range m.jobs {
		if j.snapshot.State == StateRunning || j.snapshot.State == StatePending {
			return j.snapshot, true
		}
		if latest == nil || j.snapshot.CreatedAt.After(latest.snapshot.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return Snapshot{}, false
	}
	return latest.snapshot, true
}

// Wait blocks until the job's worker finishes. Test helper and shutdown
// aid; polling via Get is the normal interface.
func (m *Manager) Wait(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	<-j.done
	return nil
}

func (m *Manager) record(snap Snapshot) {
	if m.repo == nil {
		return
	}
	rec := &history.ExportRecord{
		ID:           snap.ID,
		SourcePath:   snap.SourcePath,
		OutputPath:   snap.OutputPath,
		OutputFormat: snap.OutputFormat,
		Status:       snap.State,
		Diagnostics:  snap.Diagnostics,
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.CreatedAt,
	}
	if err := m.repo.CreateExport(context.Background(), rec); err != nil && m.logger != nil {
		m.logger.Warn("failed to record export", "job_id", snap.ID, "error", err)
	}
}
