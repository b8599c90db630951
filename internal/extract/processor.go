// Package extract drives one email through the model capability and turns
// the response into an item outcome with its transactions or artifacts.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/email-extract/internal/cost"
	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/normalize"
	"github.com/sells-group/email-extract/internal/resilience"
)

// DefaultTimeout bounds a single extraction call.
const DefaultTimeout = 90 * time.Second

var errEmptyResponse = eris.New("extract: extractor returned no result")

// AccountResolver maps raw account identifiers to account ids.
type AccountResolver interface {
	Resolve(ids model.AccountIdentifiers, isExternal bool) (string, bool)
}

// Item is one unit of work for the processor.
type Item struct {
	RunID   string
	ModelID string
	Email   model.Email
	Prompt  model.Prompt
}

// ItemResult is everything one processed email produces. It is not yet
// persisted.
type ItemResult struct {
	Outcome      model.ItemOutcome
	Transactions []model.Transaction
	Evidence     *model.Evidence
	ErrorLog     *model.ErrorLog
	Usage        cost.Usage
}

// Config tunes the processor's invocation wrapper.
type Config struct {
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// Processor runs the per-item extraction contract. It holds no run state;
// the account resolver passed to Process carries the run's account index.
type Processor struct {
	extractor Extractor
	catalog   *cost.Catalog
	breakers  *resilience.Breakers
	cfg       Config

	now   func() time.Time
	newID func() string
}

// NewProcessor creates a Processor.
func NewProcessor(extractor Extractor, catalog *cost.Catalog, breakers *resilience.Breakers, cfg Config) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if breakers == nil {
		breakers = resilience.NewBreakers(resilience.DefaultBreakerConfig())
	}
	return &Processor{
		extractor: extractor,
		catalog:   catalog,
		breakers:  breakers,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

// Process extracts one email and classifies the outcome. It never returns an
// error: failures become a failed outcome with an error log entry.
func (p *Processor) Process(ctx context.Context, item Item, accounts AccountResolver) *ItemResult {
	start := time.Now()
	log := zap.L().With(
		zap.String("run_id", item.RunID),
		zap.String("email_id", item.Email.ID),
		zap.String("model", item.ModelID),
	)

	resp, usage, err := p.invoke(ctx, item)

	res := &ItemResult{
		Usage: usage,
		Outcome: model.ItemOutcome{
			ID:           p.newID(),
			RunID:        item.RunID,
			EmailID:      item.Email.ID,
			DurationMs:   time.Since(start).Milliseconds(),
			InputTokens:  usage.InputTokens + usage.CacheWriteTokens + usage.CacheReadTokens,
			OutputTokens: usage.OutputTokens,
			CostUSD:      p.cost(item.ModelID, usage),
			CreatedAt:    p.now(),
		},
	}
	if resp != nil {
		res.Outcome.RawOutput = resp.RawOutput
	}

	if usage != (cost.Usage{}) {
		log.Debug("cost attribution",
			zap.Int64("input_tokens", usage.InputTokens),
			zap.Int64("output_tokens", usage.OutputTokens),
			zap.Int64("cache_read_tokens", usage.CacheReadTokens),
			zap.Float64("cost_usd", res.Outcome.CostUSD),
		)
	}

	if err != nil {
		p.fail(res, Classify(err), err.Error())
		log.Warn("extract: item failed",
			zap.String("kind", string(res.Outcome.ErrorKind)),
			zap.Int64("duration_ms", res.Outcome.DurationMs),
			zap.Error(err),
		)
		return res
	}

	result := resp.Result
	res.Outcome.Confidence = result.Confidence

	switch {
	case strings.EqualFold(result.EmailType, model.EmailTypeEvidence):
		res.Outcome.Status = model.OutcomeEvidence
		res.Evidence = &model.Evidence{
			ID:                      p.newID(),
			RunID:                   item.RunID,
			EmailID:                 item.Email.ID,
			DiscussionSummary:       result.DiscussionSummary,
			RelatedReferenceNumbers: result.RelatedReferenceNumbers,
			CreatedAt:               res.Outcome.CreatedAt,
		}
	case result.IsTransactional && len(result.Transactions) > 0:
		res.Outcome.Status = model.OutcomeCompleted
		for _, raw := range result.Transactions {
			tx := p.transaction(item, raw, result.Confidence, accounts)
			tx.CreatedAt = res.Outcome.CreatedAt
			res.Transactions = append(res.Transactions, tx)
			res.Outcome.TransactionIDs = append(res.Outcome.TransactionIDs, tx.ID)
		}
	default:
		res.Outcome.Status = model.OutcomeInformational
	}

	log.Debug("extract: item processed",
		zap.String("status", string(res.Outcome.Status)),
		zap.Int("transactions", len(res.Transactions)),
		zap.Int64("duration_ms", res.Outcome.DurationMs),
	)
	return res
}

// invoke runs the extractor behind the provider breaker, the per-call
// timeout, and the retry policy. Usage is summed over attempts.
func (p *Processor) invoke(ctx context.Context, item Item) (*Response, cost.Usage, error) {
	provider := p.provider(item.ModelID)
	breaker := p.breakers.Get(provider)

	retry := p.cfg.Retry
	retry.OnRetry = resilience.RetryLogger(provider, item.Email.ID)

	req := Request{
		Email:         item.Email,
		ModelID:       item.ModelID,
		PromptContent: item.Prompt.Content,
		JSONSchema:    item.Prompt.JSONSchema,
	}

	var last *Response
	var usage cost.Usage
	_, err := resilience.Do(ctx, retry, func(ctx context.Context) (*Response, error) {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		resp, err := p.extractor.Extract(callCtx, req)
		breaker.Record(err)
		if resp != nil {
			last = resp
			usage = usage.Add(resp.Usage)
		}
		return resp, err
	})
	if err == nil && (last == nil || last.Result == nil) {
		err = errEmptyResponse
	}
	return last, usage, err
}

// FailedResult builds a failed item result for errors raised outside the
// extraction call, such as persistence failures.
func (p *Processor) FailedResult(item Item, kind model.ErrorKind, message string) *ItemResult {
	res := &ItemResult{
		Outcome: model.ItemOutcome{
			ID:        p.newID(),
			RunID:     item.RunID,
			EmailID:   item.Email.ID,
			CreatedAt: p.now(),
		},
	}
	p.fail(res, kind, message)
	return res
}

func (p *Processor) fail(res *ItemResult, kind model.ErrorKind, message string) {
	res.Outcome.Status = model.OutcomeFailed
	res.Outcome.ErrorKind = kind
	res.Outcome.ErrorMessage = message
	res.Outcome.TransactionIDs = nil
	res.Transactions = nil
	res.Evidence = nil
	res.ErrorLog = &model.ErrorLog{
		ID:        p.newID(),
		RunID:     res.Outcome.RunID,
		EmailID:   res.Outcome.EmailID,
		Kind:      kind,
		Message:   message,
		CreatedAt: res.Outcome.CreatedAt,
	}
}

func (p *Processor) transaction(item Item, raw map[string]any, confidence float64, accounts AccountResolver) model.Transaction {
	parties := normalize.ExtractParties(raw)
	var fromID, toID string
	if accounts != nil {
		fromID, _ = accounts.Resolve(parties.From, parties.FromExternal)
		toID, _ = accounts.Resolve(parties.To, parties.ToExternal)
	}

	tx := normalize.Normalize(raw, fromID, toID)
	tx.ID = p.newID()
	tx.RunID = item.RunID
	tx.EmailID = item.Email.ID
	tx.ModelID = item.ModelID
	if tx.Confidence == 0 {
		tx.Confidence = confidence
	}
	return tx
}

func (p *Processor) provider(modelID string) string {
	if p.catalog != nil {
		if name := p.catalog.Provider(modelID); name != "" {
			return name
		}
	}
	return "unknown"
}

func (p *Processor) cost(modelID string, u cost.Usage) float64 {
	if p.catalog == nil {
		return 0
	}
	return p.catalog.Cost(modelID, u)
}
