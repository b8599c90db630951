// Package dispatch runs a run's items in concurrency-bounded waves. Every
// item of a wave is launched together and the wave settles completely
// before the next one starts.
package dispatch

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/email-extract/internal/cost"
	"github.com/sells-group/email-extract/internal/model"
)

// Job describes one dispatch of a run's remaining items.
type Job struct {
	RunID   string
	ModelID string
	Items   []model.Email
	Token   *Token

	// Process handles one item. It must record its own failures; the
	// dispatcher never sees item errors.
	Process func(ctx context.Context, email model.Email)
	// Cancelled consults durable run state before each wave, so a
	// cancellation issued by another process is observed too.
	Cancelled func(ctx context.Context) bool
	// BeforeWave runs before each wave is launched.
	BeforeWave func(ctx context.Context, wave int)
}

// Report summarizes a dispatch.
type Report struct {
	Waves     int   `json:"waves"`
	WaveSizes []int `json:"wave_sizes"`
	Launched  int   `json:"launched"`
	Cancelled bool  `json:"cancelled"`
}

// Dispatcher sizes waves from the model catalog.
type Dispatcher struct {
	catalog *cost.Catalog
}

// New creates a Dispatcher.
func New(catalog *cost.Catalog) *Dispatcher {
	return &Dispatcher{catalog: catalog}
}

// Run dispatches job.Items wave by wave. Cancellation is checked before each
// wave; a cancelled dispatch returns a partial report and no error. An error
// is returned only when ctx ends.
func (d *Dispatcher) Run(ctx context.Context, job Job) (Report, error) {
	log := zap.L().With(zap.String("run_id", job.RunID), zap.String("model", job.ModelID))
	var pace pacer

	var rep Report
	for start := 0; start < len(job.Items); {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if d.cancelled(ctx, job) {
			rep.Cancelled = true
			log.Info("dispatch: cancelled, no further waves",
				zap.Int("waves", rep.Waves),
				zap.Int("remaining", len(job.Items)-start),
			)
			return rep, nil
		}

		// Read the limits per wave so a reloaded provider table applies to
		// later waves of a running job.
		limits := d.catalog.Limits(job.ModelID)
		limiter := pace.update(limits)
		end := min(start+limits.Concurrency, len(job.Items))
		wave := job.Items[start:end]

		if job.BeforeWave != nil {
			job.BeforeWave(ctx, rep.Waves+1)
		}

		var launched atomic.Int64
		g, gCtx := errgroup.WithContext(ctx)
		for _, email := range wave {
			g.Go(func() error {
				if limiter != nil {
					if err := limiter.Wait(gCtx); err != nil {
						return nil
					}
				}
				launched.Add(1)
				job.Process(gCtx, email)
				return nil
			})
		}
		_ = g.Wait()

		rep.Waves++
		rep.WaveSizes = append(rep.WaveSizes, len(wave))
		rep.Launched += int(launched.Load())
		log.Debug("dispatch: wave settled",
			zap.Int("wave", rep.Waves),
			zap.Int("size", len(wave)),
		)
		start = end
	}
	return rep, nil
}

func (d *Dispatcher) cancelled(ctx context.Context, job Job) bool {
	if job.Token != nil && job.Token.Cancelled() {
		return true
	}
	return job.Cancelled != nil && job.Cancelled(ctx)
}

// pacer holds the requests-per-minute limiter of one dispatch. The limiter
// keeps its token state across waves and is retuned when limits change.
type pacer struct {
	limiter *rate.Limiter
	limits  cost.ProviderLimits
}

// update returns the limiter for the given limits. Providers without a
// budget are only bounded by wave size.
func (p *pacer) update(limits cost.ProviderLimits) *rate.Limiter {
	switch {
	case limits.RequestsPerMinute <= 0:
		p.limiter = nil
	case p.limiter == nil:
		p.limiter = rate.NewLimiter(perMinute(limits.RequestsPerMinute), limits.Concurrency)
	case limits != p.limits:
		p.limiter.SetLimit(perMinute(limits.RequestsPerMinute))
		p.limiter.SetBurst(limits.Concurrency)
	}
	p.limits = limits
	return p.limiter
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60.0)
}
