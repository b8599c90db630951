// Package orchestrator owns the run state machine: initialize or resume a
// run, commit its workload, fold item outcomes into its counters, finalize
// it exactly once, and react to cancellation.
package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/email-extract/internal/dispatch"
	"github.com/sells-group/email-extract/internal/extract"
	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/store"
)

// DefaultStaleAfter is how old a running run's heartbeat must be before a
// resume treats the run as abandoned.
const DefaultStaleAfter = 10 * time.Minute

// Config tunes the manager.
type Config struct {
	StaleAfter time.Duration
}

// StartRequest starts a new run, or resumes one when ResumeRunID is set.
type StartRequest struct {
	CollectionID string `json:"collection_id"`
	ModelID      string `json:"model_id"`
	PromptID     string `json:"prompt_id"`
	SampleSize   *int   `json:"sample_size,omitempty"`
	ResumeRunID  string `json:"-"`
}

// RunInfo is an initialized run claimed by this process.
type RunInfo struct {
	Run       *model.Run
	Prompt    *model.Prompt
	Resuming  bool
	Processed map[string]bool
	Token     *dispatch.Token
}

// Workload is the list of items still to dispatch and the run's target.
type Workload struct {
	Items       []model.Email
	TargetTotal int
}

// Manager drives runs through their lifecycle.
type Manager struct {
	store      store.Store
	processor  *extract.Processor
	dispatcher *dispatch.Dispatcher
	registry   *dispatch.Registry
	cfg        Config

	wg sync.WaitGroup

	now     func() time.Time
	newID   func() string
	shuffle func(n int, swap func(i, j int))
}

// New creates a Manager.
func New(st store.Store, processor *extract.Processor, dispatcher *dispatch.Dispatcher, registry *dispatch.Registry, cfg Config) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if registry == nil {
		registry = dispatch.NewRegistry()
	}
	return &Manager{
		store:      st,
		processor:  processor,
		dispatcher: dispatcher,
		registry:   registry,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
		shuffle:    rand.Shuffle,
	}
}

// InitializeOrResume creates a new run or re-opens an existing one, and
// claims it for this process. The caller must eventually Execute the run or
// call Abandon.
func (m *Manager) InitializeOrResume(ctx context.Context, req StartRequest) (*RunInfo, error) {
	if req.ResumeRunID != "" {
		return m.resume(ctx, req.ResumeRunID)
	}
	return m.initialize(ctx, req)
}

func (m *Manager) initialize(ctx context.Context, req StartRequest) (*RunInfo, error) {
	if req.CollectionID == "" || req.ModelID == "" || req.PromptID == "" {
		return nil, eris.Wrap(ErrInvalidRequest, "collection, model and prompt are required")
	}
	if req.SampleSize != nil && *req.SampleSize <= 0 {
		return nil, eris.Wrapf(ErrInvalidRequest, "sample size must be positive, got %d", *req.SampleSize)
	}

	prompt, err := m.prompt(ctx, req.PromptID)
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:           m.newID(),
		CollectionID: req.CollectionID,
		ModelID:      req.ModelID,
		PromptID:     req.PromptID,
		Status:       model.RunStatusRunning,
		SampleSize:   req.SampleSize,
		StartedAt:    m.now(),
	}

	token, ok := m.registry.Register(run.ID)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidState, "run %s already executing", run.ID)
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		m.registry.Release(run.ID)
		return nil, eris.Wrap(err, "orchestrator: create run")
	}

	zap.L().Info("run initialized",
		zap.String("run_id", run.ID),
		zap.String("collection_id", run.CollectionID),
		zap.Int("version", run.Version),
		zap.String("model", run.ModelID),
	)
	return &RunInfo{Run: run, Prompt: prompt, Processed: map[string]bool{}, Token: token}, nil
}

func (m *Manager) resume(ctx context.Context, runID string) (*RunInfo, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch run.Status {
	case model.RunStatusCompleted:
		return nil, eris.Wrapf(ErrInvalidState, "run %s is completed", runID)
	case model.RunStatusRunning:
		if m.registry.Active(runID) {
			return nil, eris.Wrapf(ErrInvalidState, "run %s is already running", runID)
		}
		if run.HeartbeatAt != nil && m.now().Sub(*run.HeartbeatAt) < m.cfg.StaleAfter {
			return nil, eris.Wrapf(ErrInvalidState, "run %s is running elsewhere (heartbeat %s)",
				runID, run.HeartbeatAt.Format(time.RFC3339))
		}
	}

	token, ok := m.registry.Register(runID)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidState, "run %s is already running", runID)
	}

	info, err := m.reopen(ctx, run)
	if err != nil {
		m.registry.Release(runID)
		return nil, err
	}
	info.Token = token
	return info, nil
}

// reopen loads the processed set and puts the run back in running with
// counters rebuilt from its persisted outcomes.
func (m *Manager) reopen(ctx context.Context, run *model.Run) (*RunInfo, error) {
	outcomes, err := m.store.ListOutcomes(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load outcomes for run %s", run.ID)
	}

	processed := make(map[string]bool, len(outcomes))
	var counters model.Counters
	for i := range outcomes {
		processed[outcomes[i].EmailID] = true
		counters = counters.Add(outcomes[i].Contribution())
	}
	if counters != run.Counters {
		zap.L().Warn("run counters reconciled from outcomes",
			zap.String("run_id", run.ID),
			zap.Any("stored", run.Counters),
			zap.Any("reconciled", counters),
		)
	}

	if err := m.store.ReopenRun(ctx, run.ID, counters, m.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrInvalidState, "run %s can no longer be resumed", run.ID)
		}
		return nil, eris.Wrapf(err, "orchestrator: reopen run %s", run.ID)
	}

	prompt, err := m.prompt(ctx, run.PromptID)
	if err != nil {
		return nil, err
	}

	reopened, err := m.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	zap.L().Info("run resumed",
		zap.String("run_id", run.ID),
		zap.String("previous_status", string(run.Status)),
		zap.Int("already_processed", len(processed)),
	)
	return &RunInfo{Run: reopened, Prompt: prompt, Resuming: true, Processed: processed}, nil
}

// ComputeWorkload commits the run's population on first dispatch (sampling
// if requested) and returns the items not yet processed. On resume the
// committed population is reused unchanged.
func (m *Manager) ComputeWorkload(ctx context.Context, info *RunInfo) (*Workload, error) {
	run := info.Run
	emails, err := m.store.ListEmails(ctx, run.CollectionID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: list emails for collection %s", run.CollectionID)
	}

	committed, err := m.store.ListRunItems(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: list run items %s", run.ID)
	}

	var population []model.Email
	target := run.TargetTotal

	if len(committed) == 0 && len(info.Processed) == 0 {
		population = emails
		if run.SampleSize != nil && *run.SampleSize < len(population) {
			population = m.sample(population, *run.SampleSize)
		}
		ids := make([]string, len(population))
		for i, e := range population {
			ids[i] = e.ID
		}
		target = len(population)
		if err := m.store.SetWorkload(ctx, run.ID, target, ids); err != nil {
			return nil, eris.Wrapf(err, "orchestrator: commit workload for run %s", run.ID)
		}
		run.TargetTotal = target
	} else {
		byID := make(map[string]model.Email, len(emails))
		for _, e := range emails {
			byID[e.ID] = e
		}
		for _, id := range committed {
			e, ok := byID[id]
			if !ok {
				zap.L().Warn("committed email missing from collection",
					zap.String("run_id", run.ID),
					zap.String("email_id", id),
				)
				continue
			}
			population = append(population, e)
		}
	}

	items := make([]model.Email, 0, len(population))
	for _, e := range population {
		if !info.Processed[e.ID] {
			items = append(items, e)
		}
	}

	zap.L().Info("workload computed",
		zap.String("run_id", run.ID),
		zap.Int("target_total", target),
		zap.Int("remaining", len(items)),
		zap.Bool("resuming", info.Resuming),
	)
	return &Workload{Items: items, TargetTotal: target}, nil
}

// sample draws k emails uniformly at random without replacement.
func (m *Manager) sample(emails []model.Email, k int) []model.Email {
	shuffled := make([]model.Email, len(emails))
	copy(shuffled, emails)
	m.shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:k]
}

// RecordOutcome folds one item's contribution into the run counters and
// reports whether the run has reached its target and is still running.
func (m *Manager) RecordOutcome(ctx context.Context, runID string, c model.Contribution, costUSD float64) (bool, error) {
	p, err := m.store.IncrementCounters(ctx, runID, c, costUSD)
	if err != nil {
		return false, eris.Wrapf(err, "orchestrator: record outcome for run %s", runID)
	}
	return p.Complete() && p.Status == model.RunStatusRunning, nil
}

// Finalize moves the run from running to completed and marks its
// transactions. Only one caller ever wins; the rest get false.
func (m *Manager) Finalize(ctx context.Context, runID string) (bool, error) {
	won, err := m.store.CompleteRun(ctx, runID, m.now())
	if err != nil {
		return false, eris.Wrapf(err, "orchestrator: finalize run %s", runID)
	}
	if won {
		zap.L().Info("run finalized", zap.String("run_id", runID))
	}
	return won, nil
}

// Cancel moves a running run to cancelled and signals its dispatcher if it
// is executing in this process. Other processes observe the persisted
// status before their next wave.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusRunning {
		return eris.Wrapf(ErrInvalidState, "run %s is %s", runID, run.Status)
	}

	ok, err := m.store.CancelRun(ctx, runID, m.now())
	if err != nil {
		return eris.Wrapf(err, "orchestrator: cancel run %s", runID)
	}
	if !ok {
		return eris.Wrapf(ErrInvalidState, "run %s finished before it could be cancelled", runID)
	}

	signalled := m.registry.Cancel(runID)
	zap.L().Info("run cancelled",
		zap.String("run_id", runID),
		zap.Bool("local_executor", signalled),
	)
	return nil
}

// Abandon releases a claimed run without executing it. A run whose
// workload could not be committed is marked failed so it can be resumed.
func (m *Manager) Abandon(ctx context.Context, info *RunInfo, cause error) {
	defer m.registry.Release(info.Run.ID)
	if _, err := m.store.FailRun(ctx, info.Run.ID, m.now()); err != nil {
		zap.L().Error("mark run failed", zap.String("run_id", info.Run.ID), zap.Error(err))
	}
	zap.L().Warn("run abandoned", zap.String("run_id", info.Run.ID), zap.Error(cause))
}

// GetRun loads a run, mapping a missing row to ErrNotFound.
func (m *Manager) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "orchestrator: get run %s", runID)
	}
	return run, nil
}

func (m *Manager) prompt(ctx context.Context, promptID string) (*model.Prompt, error) {
	p, err := m.store.GetPrompt(ctx, promptID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrNotFound, "prompt %s", promptID)
		}
		return nil, eris.Wrapf(err, "orchestrator: get prompt %s", promptID)
	}
	return p, nil
}
