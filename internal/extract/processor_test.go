package extract

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/email-extract/internal/cost"
	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/resilience"
)

type fakeExtractor struct {
	calls atomic.Int32
	fn    func(call int32, req Request) (*Response, error)
}

func (f *fakeExtractor) Extract(_ context.Context, req Request) (*Response, error) {
	n := f.calls.Add(1)
	return f.fn(n, req)
}

// hangingExtractor never answers; only the call deadline ends it.
type hangingExtractor struct {
	calls atomic.Int32
}

func (h *hangingExtractor) Extract(ctx context.Context, _ Request) (*Response, error) {
	h.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeResolver struct {
	ids map[string]string
}

func (r *fakeResolver) Resolve(ids model.AccountIdentifiers, _ bool) (string, bool) {
	if ids.Empty() {
		return "", false
	}
	id, ok := r.ids[ids.MaskedNumber+ids.Name]
	return id, ok
}

func resultResponse(result model.ExtractionResult) *Response {
	return &Response{
		Result:    &result,
		RawOutput: "{}",
		Usage:     cost.Usage{InputTokens: 1000, OutputTokens: 200},
	}
}

func newTestProcessor(ex Extractor, breakers *resilience.Breakers) *Processor {
	cfg := Config{
		Timeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
	return NewProcessor(ex, cost.NewCatalog(cost.DefaultModels(), cost.DefaultProviders()), breakers, cfg)
}

func testItem() Item {
	return Item{
		RunID:   "run-1",
		ModelID: "claude-haiku-4-5-20251001",
		Email:   model.Email{ID: "e1", Subject: "Receipt"},
		Prompt:  model.Prompt{ID: "p1", Content: "Extract."},
	}
}

func TestProcess_Transactional(t *testing.T) {
	ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
		return resultResponse(model.ExtractionResult{
			IsTransactional: true,
			Confidence:      0.8,
			Transactions: []map[string]any{
				{"amount": "$12.00", "fromAccount": map[string]any{"maskedNumber": "1234"}, "merchant": "ACME"},
				{"amount": 5.5, "confidence": 0.95},
			},
		}), nil
	}}
	resolver := &fakeResolver{ids: map[string]string{"1234": "acct-1"}}

	res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), resolver)

	assert.Equal(t, model.OutcomeCompleted, res.Outcome.Status)
	require.Len(t, res.Transactions, 2)
	assert.Equal(t, []string{res.Transactions[0].ID, res.Transactions[1].ID}, res.Outcome.TransactionIDs)

	first := res.Transactions[0]
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, "e1", first.EmailID)
	assert.Equal(t, "acct-1", first.AccountID)
	assert.Equal(t, "12.00", first.Amount)
	assert.Equal(t, "ACME", first.Counterparty)
	assert.Equal(t, "claude-haiku-4-5-20251001", first.ModelID)
	assert.InDelta(t, 0.8, first.Confidence, 1e-9)
	assert.InDelta(t, 0.95, res.Transactions[1].Confidence, 1e-9)

	assert.Nil(t, res.ErrorLog)
	assert.Equal(t, int64(1000), res.Outcome.InputTokens)
	assert.Greater(t, res.Outcome.CostUSD, 0.0)
	assert.Equal(t, model.Contribution{Processed: 1, Transactions: 2}, res.Outcome.Contribution())
}

func TestProcess_Informational(t *testing.T) {
	tests := []struct {
		name   string
		result model.ExtractionResult
	}{
		{"not transactional", model.ExtractionResult{IsTransactional: false}},
		{"transactional without payloads", model.ExtractionResult{IsTransactional: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
				return resultResponse(tt.result), nil
			}}
			res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), nil)
			assert.Equal(t, model.OutcomeInformational, res.Outcome.Status)
			assert.Empty(t, res.Transactions)
			assert.Equal(t, model.Contribution{Processed: 1, Informational: 1}, res.Outcome.Contribution())
		})
	}
}

func TestProcess_Evidence(t *testing.T) {
	ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
		return resultResponse(model.ExtractionResult{
			IsTransactional:         true,
			EmailType:               "evidence",
			Transactions:            []map[string]any{{"amount": "1.00"}},
			DiscussionSummary:       "Customer disputes charge REF-1",
			RelatedReferenceNumbers: []string{"REF-1"},
		}), nil
	}}

	res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), nil)

	assert.Equal(t, model.OutcomeEvidence, res.Outcome.Status)
	assert.Empty(t, res.Transactions)
	require.NotNil(t, res.Evidence)
	assert.Equal(t, "Customer disputes charge REF-1", res.Evidence.DiscussionSummary)
	assert.Equal(t, []string{"REF-1"}, res.Evidence.RelatedReferenceNumbers)
	assert.Equal(t, model.Contribution{Processed: 1}, res.Outcome.Contribution())
}

func TestProcess_SchemaFailureNotRetried(t *testing.T) {
	ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
		return &Response{RawOutput: `{"oops":true}`, Usage: cost.Usage{InputTokens: 10}}, schemaError(eris.New("missing transactions"))
	}}

	res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), nil)

	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, model.OutcomeFailed, res.Outcome.Status)
	assert.Equal(t, model.ErrorKindSchemaValidation, res.Outcome.ErrorKind)
	assert.Equal(t, `{"oops":true}`, res.Outcome.RawOutput)
	require.NotNil(t, res.ErrorLog)
	assert.Equal(t, "run-1", res.ErrorLog.RunID)
	assert.Equal(t, "e1", res.ErrorLog.EmailID)
	assert.Equal(t, model.ErrorKindSchemaValidation, res.ErrorLog.Kind)
	assert.Equal(t, model.Contribution{Processed: 1, Errors: 1}, res.Outcome.Contribution())
}

func TestProcess_TransientRetriedThenSucceeds(t *testing.T) {
	ex := &fakeExtractor{fn: func(call int32, _ Request) (*Response, error) {
		if call < 3 {
			return nil, resilience.NewTransientError(eris.New("overloaded"), 529)
		}
		return resultResponse(model.ExtractionResult{}), nil
	}}

	res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), nil)

	assert.Equal(t, int32(3), ex.calls.Load())
	assert.Equal(t, model.OutcomeInformational, res.Outcome.Status)
}

func TestProcess_TransientExhausted(t *testing.T) {
	ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
		return nil, resilience.NewTransientError(eris.New("service unavailable"), 503)
	}}

	res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), nil)

	assert.Equal(t, int32(3), ex.calls.Load())
	assert.Equal(t, model.OutcomeFailed, res.Outcome.Status)
	assert.Equal(t, model.ErrorKindAPI, res.Outcome.ErrorKind)
}

func TestProcess_CallTimeout(t *testing.T) {
	ex := &hangingExtractor{}
	p := NewProcessor(ex, cost.NewCatalog(cost.DefaultModels(), cost.DefaultProviders()), nil, Config{
		Timeout: 20 * time.Millisecond,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	})

	res := p.Process(context.Background(), testItem(), nil)

	assert.Equal(t, int32(2), ex.calls.Load())
	assert.Equal(t, model.OutcomeFailed, res.Outcome.Status)
	assert.Equal(t, model.ErrorKindAPI, res.Outcome.ErrorKind)
	require.NotNil(t, res.ErrorLog)
	assert.Equal(t, model.ErrorKindAPI, res.ErrorLog.Kind)
	assert.GreaterOrEqual(t, res.Outcome.DurationMs, int64(40))
	assert.Equal(t, model.Contribution{Processed: 1, Errors: 1}, res.Outcome.Contribution())
}

func TestProcess_UnknownFailure(t *testing.T) {
	ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
		return nil, eris.New("unexpected EOF while decoding")
	}}

	res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), nil)

	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, model.ErrorKindUnknown, res.Outcome.ErrorKind)
}

func TestProcess_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
		return nil, resilience.NewTransientError(eris.New("overloaded"), 529)
	}}
	breakers := resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour})
	p := newTestProcessor(ex, breakers)

	first := p.Process(context.Background(), testItem(), nil)
	assert.Equal(t, model.ErrorKindAPI, first.Outcome.ErrorKind)
	assert.Equal(t, int32(3), ex.calls.Load())

	second := p.Process(context.Background(), testItem(), nil)
	assert.Equal(t, model.ErrorKindAPI, second.Outcome.ErrorKind)
	assert.Contains(t, second.Outcome.ErrorMessage, "circuit breaker is open")
	assert.Equal(t, int32(3), ex.calls.Load())
}

func TestProcess_EmptyResponse(t *testing.T) {
	ex := &fakeExtractor{fn: func(int32, Request) (*Response, error) {
		return nil, nil
	}}

	res := newTestProcessor(ex, nil).Process(context.Background(), testItem(), nil)
	assert.Equal(t, model.OutcomeFailed, res.Outcome.Status)
	assert.Equal(t, model.ErrorKindUnknown, res.Outcome.ErrorKind)
}

func TestFailedResult(t *testing.T) {
	p := newTestProcessor(&fakeExtractor{}, nil)
	res := p.FailedResult(testItem(), model.ErrorKindPersistence, "insert outcome: disk full")

	assert.Equal(t, model.OutcomeFailed, res.Outcome.Status)
	assert.Equal(t, model.ErrorKindPersistence, res.Outcome.ErrorKind)
	require.NotNil(t, res.ErrorLog)
	assert.Equal(t, "insert outcome: disk full", res.ErrorLog.Message)
}
