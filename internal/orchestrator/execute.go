package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/email-extract/internal/account"
	"github.com/sells-group/email-extract/internal/dispatch"
	"github.com/sells-group/email-extract/internal/extract"
	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/store"
)

// Result is the state of a run after an execution returns.
type Result struct {
	Run    *model.Run      `json:"run"`
	Report dispatch.Report `json:"report"`
}

// StartRun initializes (or resumes) a run and executes it to the end of its
// workload, cancellation, or ctx.
func (m *Manager) StartRun(ctx context.Context, req StartRequest) (*Result, error) {
	info, wl, err := m.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.Execute(ctx, info, wl)
}

// ResumeRun continues an interrupted, cancelled, or failed run.
func (m *Manager) ResumeRun(ctx context.Context, runID string) (*Result, error) {
	return m.StartRun(ctx, StartRequest{ResumeRunID: runID})
}

// StartAsync prepares the run synchronously, so initialization errors reach
// the caller, and executes it in the background under ctx. ctx should
// outlive the caller's request; Wait blocks until every background
// execution returns.
func (m *Manager) StartAsync(ctx context.Context, req StartRequest) (*model.Run, error) {
	info, wl, err := m.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if _, err := m.Execute(ctx, info, wl); err != nil {
			zap.L().Error("background run failed", zap.String("run_id", info.Run.ID), zap.Error(err))
		}
	}()
	return info.Run, nil
}

// Wait blocks until all runs started with StartAsync have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Prepare claims the run and commits its workload.
func (m *Manager) Prepare(ctx context.Context, req StartRequest) (*RunInfo, *Workload, error) {
	info, err := m.InitializeOrResume(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	wl, err := m.ComputeWorkload(ctx, info)
	if err != nil {
		m.Abandon(ctx, info, err)
		return nil, nil, err
	}
	return info, wl, nil
}

// Execute dispatches the workload of a prepared run and finalizes the run
// when its target is reached. The run's claim is released on return.
func (m *Manager) Execute(ctx context.Context, info *RunInfo, wl *Workload) (*Result, error) {
	run := info.Run
	defer m.registry.Release(run.ID)

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("collection_id", run.CollectionID),
		zap.String("model", run.ModelID),
	)

	resolver, err := account.NewResolver(ctx, m.store, log)
	if err != nil {
		if _, ferr := m.store.FailRun(ctx, run.ID, m.now()); ferr != nil {
			log.Error("mark run failed", zap.Error(ferr))
		}
		return nil, eris.Wrapf(err, "orchestrator: seed accounts for run %s", run.ID)
	}

	start := time.Now()
	rep, err := m.dispatcher.Run(ctx, dispatch.Job{
		RunID:   run.ID,
		ModelID: run.ModelID,
		Items:   wl.Items,
		Token:   info.Token,
		Process: func(ctx context.Context, email model.Email) {
			m.processItem(ctx, log, info, resolver, email)
		},
		Cancelled: func(ctx context.Context) bool {
			r, err := m.store.GetRun(ctx, run.ID)
			if err != nil {
				log.Warn("check persisted status", zap.Error(err))
				return false
			}
			return r.Status == model.RunStatusCancelled
		},
		BeforeWave: func(ctx context.Context, _ int) {
			if err := m.store.TouchHeartbeat(ctx, run.ID, m.now()); err != nil {
				log.Warn("heartbeat", zap.Error(err))
			}
		},
	})
	if err != nil {
		// The claim is released on return; without a heartbeat the run is
		// immediately resumable instead of waiting out the stale window.
		if herr := m.store.ClearHeartbeat(context.WithoutCancel(ctx), run.ID); herr != nil {
			log.Warn("clear heartbeat", zap.Error(herr))
		}
		log.Warn("dispatch interrupted; run left resumable", zap.Error(err), zap.Int("launched", rep.Launched))
		return nil, eris.Wrapf(err, "orchestrator: dispatch run %s", run.ID)
	}

	if !rep.Cancelled {
		m.finalizeIfDone(ctx, log, run.ID)
	}

	final, err := m.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	log.Info("run execution finished",
		zap.String("status", string(final.Status)),
		zap.Int("waves", rep.Waves),
		zap.Int("emails_processed", final.Counters.EmailsProcessed),
		zap.Int("target_total", final.TargetTotal),
		zap.Float64("cost_usd", final.CostUSD),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Result{Run: final, Report: rep}, nil
}

// processItem runs one email through extraction, persists everything it
// produced in one transaction, then counts it. An item whose writes fail is
// recorded as a persistence failure so the run can still reach its target.
func (m *Manager) processItem(ctx context.Context, log *zap.Logger, info *RunInfo, resolver *account.Resolver, email model.Email) {
	item := extract.Item{
		RunID:   info.Run.ID,
		ModelID: info.Run.ModelID,
		Email:   email,
		Prompt:  *info.Prompt,
	}
	res := m.processor.Process(ctx, item, resolver)

	err := resolver.Flush(ctx)
	if err == nil {
		err = m.store.SaveItem(ctx, record(res))
	}
	if err != nil {
		log.Error("persist item", zap.String("email_id", email.ID), zap.Error(err))
		fallback := m.processor.FailedResult(item, model.ErrorKindPersistence, err.Error())
		fallback.Outcome.RawOutput = res.Outcome.RawOutput
		fallback.Outcome.DurationMs = res.Outcome.DurationMs
		fallback.Outcome.InputTokens = res.Outcome.InputTokens
		fallback.Outcome.OutputTokens = res.Outcome.OutputTokens
		fallback.Outcome.CostUSD = res.Outcome.CostUSD
		if ferr := m.store.SaveItem(ctx, record(fallback)); ferr != nil {
			log.Error("persist failure outcome", zap.String("email_id", email.ID), zap.Error(ferr))
		}
		res = fallback
	}

	complete, err := m.RecordOutcome(ctx, info.Run.ID, res.Outcome.Contribution(), res.Outcome.CostUSD)
	if err != nil {
		log.Warn("outcome not counted", zap.String("email_id", email.ID), zap.Error(err))
		return
	}
	if complete {
		if _, err := m.Finalize(ctx, info.Run.ID); err != nil {
			log.Error("finalize", zap.Error(err))
		}
	}
}

// finalizeIfDone covers runs whose last counted outcome did not finalize,
// such as an empty workload or a crash between counting and finalizing.
func (m *Manager) finalizeIfDone(ctx context.Context, log *zap.Logger, runID string) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		log.Error("load run for finalize", zap.Error(err))
		return
	}
	if run.Status != model.RunStatusRunning {
		return
	}
	if !run.Done() {
		log.Info("run paused below target",
			zap.Int("emails_processed", run.Counters.EmailsProcessed),
			zap.Int("target_total", run.TargetTotal),
		)
		return
	}
	if _, err := m.Finalize(ctx, runID); err != nil {
		log.Error("finalize", zap.Error(err))
	}
}

func record(res *extract.ItemResult) store.ItemRecord {
	return store.ItemRecord{
		Outcome:      res.Outcome,
		Transactions: res.Transactions,
		Evidence:     res.Evidence,
		ErrorLog:     res.ErrorLog,
	}
}
