package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coverdesk/policy-cli/internal/consistency"
	"github.com/coverdesk/policy-cli/internal/dispatch"
	"github.com/coverdesk/policy-cli/internal/duplicate"
	"github.com/coverdesk/policy-cli/internal/extract"
	"github.com/coverdesk/policy-cli/internal/model"
	"github.com/coverdesk/policy-cli/internal/store"
	"github.com/coverdesk/policy-cli/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Exposes analysis, consistency and duplicate detection over HTTP.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "HTTP server port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// api bundles the dependencies the HTTP handlers need.
type api struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	applier    *extract.Applier
	engine     *consistency.Engine
	detector   *duplicate.Detector
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = cfg.Server.Port
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := oracleClient()
	if err != nil {
		return err
	}

	a := &api{
		store:      st,
		dispatcher: dispatch.New(client, st, cfg.Oracle),
		applier:    extract.NewApplier(st),
		engine:     consistency.NewEngine(st, cfg.Consistency),
		detector:   duplicate.NewDetector(st, client, cfg.Oracle, cfg.Duplicate),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/health", a.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyze", a.handleAnalyze)
		r.Post("/consistency/check", a.handleConsistency)
		r.Post("/duplicates/check", a.handleDuplicates)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	zap.L().Info("starting api server", zap.String("addr", srv.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// analyzeRequest is a typed task descriptor. The data map carries the
// task-specific fields (entity_id, document_text, message, ...).
type analyzeRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

type chatResponse struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (a *api) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	tt := dispatch.TaskType(req.Type)
	if !dispatch.ValidTaskType(tt) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task type %q", req.Type))
		return
	}

	if tt == dispatch.TaskChat {
		a.handleChat(w, r, req)
		return
	}

	userID := dataString(req.Data, "user_id")
	builder := task.NewBuilder(task.AuthContext{UserID: userID, Role: "user"})
	built, err := builder.Build(r.Context(), task.BuildInput{
		TaskType:     tt,
		EntityID:     dataString(req.Data, "entity_id"),
		DocumentText: dataString(req.Data, "document_text"),
		DocumentURL:  dataString(req.Data, "document_url"),
		Placeholder:  placeholderFactory(a.store, targetEntity(tt), userID),
	})
	if err != nil {
		status := http.StatusBadRequest
		if task.IsSetupError(err) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, friendlyError(err))
		return
	}

	outcome, err := a.dispatcher.Dispatch(r.Context(), built.Task)
	if err != nil {
		zap.L().Error("analyze failed", zap.String("task", req.Type), zap.Error(err))
		writeError(w, http.StatusBadGateway, friendlyError(err))
		return
	}

	var applied []string
	if targetEntity(tt) == model.EntityProduct {
		applied, err = a.applier.ApplyProduct(r.Context(), built.EntityID, outcome.Result)
	} else {
		applied, err = a.applier.ApplyPolicy(r.Context(), built.EntityID, outcome.Result)
	}
	if err != nil {
		zap.L().Error("apply failed", zap.String("entity_id", built.EntityID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "analysis succeeded but results could not be saved")
		return
	}
	zap.L().Info("analysis applied",
		zap.String("task", req.Type),
		zap.String("entity_id", built.EntityID),
		zap.Strings("applied_fields", applied))

	// The body is the extracted-fields object itself; on parse failure it
	// carries the raw oracle text under raw_response.
	writeJSON(w, http.StatusOK, outcome.Result.Fields)
}

func (a *api) handleChat(w http.ResponseWriter, r *http.Request, req analyzeRequest) {
	outcome, err := a.dispatcher.Dispatch(r.Context(), dispatch.Task{
		Type: dispatch.TaskChat,
		Data: req.Data,
	})
	if err != nil {
		zap.L().Error("chat failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, friendlyError(err))
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Content:        outcome.Content,
		ConversationID: outcome.ConversationID,
	})
}

func dataString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

type consistencyRequest struct {
	Action    string `json:"action"` // "check_all" or "check_product"
	ProductID string `json:"product_id,omitempty"`
}

func (a *api) handleConsistency(w http.ResponseWriter, r *http.Request) {
	var req consistencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		report *consistency.Report
		err    error
	)
	switch req.Action {
	case "check_all":
		report, err = a.engine.CheckAll(r.Context())
	case "check_product":
		if req.ProductID == "" {
			writeError(w, http.StatusBadRequest, "product_id is required for check_product")
			return
		}
		report, err = a.engine.CheckProduct(r.Context(), req.ProductID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}
	if err != nil {
		zap.L().Error("consistency check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "consistency check failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type duplicatesRequest struct {
	ProductID string `json:"product_id"`
}

type duplicatesResponse struct {
	Duplicates               []model.DuplicateDetection `json:"duplicates"`
	Count                    int                        `json:"count"`
	HighConfidenceDuplicates int                        `json:"high_confidence_duplicates"`
}

func (a *api) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	var req duplicatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id is required")
		return
	}

	report, err := a.detector.Detect(r.Context(), req.ProductID)
	if err != nil {
		zap.L().Error("duplicate detection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "duplicate detection failed")
		return
	}

	writeJSON(w, http.StatusOK, duplicatesResponse{
		Duplicates:               report.Detections,
		Count:                    len(report.Detections),
		HighConfidenceDuplicates: report.HighConfidence,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
