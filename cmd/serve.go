package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/email-extract/internal/model"
	"github.com/sells-group/email-extract/internal/orchestrator"
	"github.com/sells-group/email-extract/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin HTTP server for runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initExtractor(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		startChecker(ctx, env.Store)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(ctx, env.Manager, env.Store, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// Background runs share ctx and stop at their next wave boundary;
		// they stay resumable.
		env.Manager.Wait()
		return nil
	},
}

// newRouter builds the admin API. Runs started through it execute under
// runCtx rather than the request context.
func newRouter(runCtx context.Context, m *orchestrator.Manager, st store.Store, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			limit, _ := strconv.Atoi(q.Get("limit"))
			offset, _ := strconv.Atoi(q.Get("offset"))
			runs, err := st.ListRuns(req.Context(), store.RunFilter{
				Status:       model.RunStatus(q.Get("status")),
				CollectionID: q.Get("collection_id"),
				Limit:        limit,
				Offset:       offset,
			})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, runs)
		})

		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body orchestrator.StartRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
			if body.ModelID == "" && cfg != nil {
				body.ModelID = cfg.Extraction.DefaultModel
			}
			run, err := m.StartAsync(runCtx, body)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, run)
		})

		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				run, err := m.GetRun(req.Context(), chi.URLParam(req, "runID"))
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, run)
			})

			r.Get("/outcomes", func(w http.ResponseWriter, req *http.Request) {
				runID := chi.URLParam(req, "runID")
				if _, err := m.GetRun(req.Context(), runID); err != nil {
					writeError(w, err)
					return
				}
				outcomes, err := st.ListOutcomes(req.Context(), runID)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, outcomes)
			})

			r.Get("/transactions", func(w http.ResponseWriter, req *http.Request) {
				runID := chi.URLParam(req, "runID")
				if _, err := m.GetRun(req.Context(), runID); err != nil {
					writeError(w, err)
					return
				}
				txs, err := st.ListTransactions(req.Context(), runID)
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, txs)
			})

			r.Post("/resume", func(w http.ResponseWriter, req *http.Request) {
				run, err := m.StartAsync(runCtx, orchestrator.StartRequest{ResumeRunID: chi.URLParam(req, "runID")})
				if err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusAccepted, run)
			})

			r.Post("/cancel", func(w http.ResponseWriter, req *http.Request) {
				runID := chi.URLParam(req, "runID")
				if err := m.Cancel(req.Context(), runID); err != nil {
					writeError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "run_id": runID})
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		status = http.StatusBadRequest
	default:
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
