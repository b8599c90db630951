//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/email-extract/internal/cost"
	"github.com/sells-group/email-extract/internal/dispatch"
	"github.com/sells-group/email-extract/internal/extract"
	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/orchestrator"
	"github.com/sells-group/email-extract/internal/resilience"
	"github.com/sells-group/email-extract/internal/store"
)

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, req extract.Request) (*extract.Response, error) {
	return &extract.Response{
		Result: &model.ExtractionResult{
			IsTransactional: true,
			Transactions:    []map[string]any{{"amount": "$5.00", "description": req.Email.Subject}},
		},
		RawOutput: "{}",
	}, nil
}

type testServer struct {
	handler http.Handler
	manager *orchestrator.Manager
	store   *store.SQLiteStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	cfg = nil

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	require.NoError(t, st.UpsertPrompt(ctx, &model.Prompt{ID: "p1", Name: "p1", Content: "Extract."}))
	_, err = st.InsertEmails(ctx, []model.Email{
		{ID: "e1", CollectionID: "inbox", Subject: "one", ReceivedAt: time.Now()},
		{ID: "e2", CollectionID: "inbox", Subject: "two", ReceivedAt: time.Now()},
	})
	require.NoError(t, err)

	cat := cost.NewCatalog(cost.DefaultModels(), cost.DefaultProviders())
	processor := extract.NewProcessor(stubExtractor{}, cat,
		resilience.NewBreakers(resilience.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Second}),
		extract.Config{Timeout: time.Second, Retry: resilience.RetryConfig{MaxAttempts: 1}},
	)
	m := orchestrator.New(st, processor, dispatch.New(cat), dispatch.NewRegistry(), orchestrator.Config{})

	return &testServer{
		handler: newRouter(ctx, m, st, []string{"*"}),
		manager: m,
		store:   st,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStartRunEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rr := srv.do(t, http.MethodPost, "/runs", map[string]string{
		"collection_id": "inbox",
		"model_id":      "claude-haiku-4-5-20251001",
		"prompt_id":     "p1",
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var run model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &run))
	assert.Equal(t, 1, run.Version)
	assert.Equal(t, 2, run.TargetTotal)

	srv.manager.Wait()

	rr = srv.do(t, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Counters.TransactionsCreated)

	rr = srv.do(t, http.MethodGet, "/runs/"+run.ID+"/transactions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var txs []model.Transaction
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &txs))
	assert.Len(t, txs, 2)

	rr = srv.do(t, http.MethodGet, "/runs/"+run.ID+"/outcomes", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var outcomes []model.ItemOutcome
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &outcomes))
	assert.Len(t, outcomes, 2)

	rr = srv.do(t, http.MethodGet, "/runs?collection_id=inbox", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var runs []model.Run
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)
}

func TestStartRunEndpoint_Errors(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString("{bad"))
	rr := httptest.NewRecorder()
	srv.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/runs", map[string]string{"collection_id": "inbox"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = srv.do(t, http.MethodPost, "/runs", map[string]string{
		"collection_id": "inbox",
		"model_id":      "claude-haiku-4-5-20251001",
		"prompt_id":     "missing",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRunEndpoints_NotFound(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/runs/nope", "/runs/nope/outcomes", "/runs/nope/transactions"} {
		rr := srv.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}

	rr := srv.do(t, http.MethodPost, "/runs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = srv.do(t, http.MethodPost, "/runs/nope/resume", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelAndResumeEndpoints_Conflict(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	res, err := srv.manager.StartRun(ctx, orchestrator.StartRequest{
		CollectionID: "inbox",
		ModelID:      "claude-haiku-4-5-20251001",
		PromptID:     "p1",
	})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusCompleted, res.Run.Status)

	rr := srv.do(t, http.MethodPost, "/runs/"+res.Run.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = srv.do(t, http.MethodPost, "/runs/"+res.Run.ID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	srv.handler.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
