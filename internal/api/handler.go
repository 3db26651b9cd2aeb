package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/models"
	"github.com/opensource-finance/kestrel/internal/outlier"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/textclass"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 8 << 20

// Categorizer produces a consensus categorization.
type Categorizer interface {
	Categorize(ctx context.Context, tx domain.TransactionRecord) (*domain.ConsensusResult, error)
}

// Detector runs anomaly detection over a batch.
type Detector interface {
	Detect(ctx context.Context, userID string, batch []domain.TransactionRecord) (*domain.AnomalyReport, error)
}

// History records transactions and resolves detection batches.
type History interface {
	Record(ctx context.Context, userID string, txs ...domain.TransactionRecord) error
	Batch(ctx context.Context, userID string, explicit []domain.TransactionRecord) ([]domain.TransactionRecord, error)
}

// Deps holds the handler's collaborators. Repo, Cache, Bus and History may
// be nil; the endpoints that need them answer 503.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Categorizer Categorizer
	Detector    Detector
	History     History
	Models      *models.Manager
	Version     string
	Logger      *zap.Logger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	return &Handler{Deps: deps, logger: deps.Logger.Named("api")}
}

// Metadata is attached to synchronous responses.
type Metadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// CategorizeResponse is the response for POST /categorize.
type CategorizeResponse struct {
	TransactionID string `json:"transactionId"`
	*domain.ConsensusResult
	Metadata Metadata `json:"metadata"`
}

// Categorize handles POST /categorize.
func (h *Handler) Categorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req domain.TransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validateTransaction(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tx := req.ToRecord(GetUserID(ctx), uuid.New().String())
	result, err := h.Categorizer.Categorize(ctx, tx)
	if err != nil {
		h.fail(w, "categorize", err)
		return
	}

	writeJSON(w, http.StatusOK, CategorizeResponse{
		TransactionID:   tx.ID,
		ConsensusResult: result,
		Metadata:        h.metadata(ctx, start),
	})
}

// TransactionsRequest is the request body for POST /transactions.
type TransactionsRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions"`
}

// TransactionsResponse reports what happened to submitted transactions.
type TransactionsResponse struct {
	IDs      []string `json:"ids"`
	Recorded int      `json:"recorded"`
	Queued   int      `json:"queued"`
}

// IngestTransactions handles POST /transactions. Transactions are stored in
// the user's history and, when a bus is configured, queued for async
// categorization.
func (h *Handler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req TransactionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	txs, err := toRecords(userID, req.Transactions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(txs) == 0 {
		writeError(w, http.StatusBadRequest, "transactions must not be empty")
		return
	}
	if h.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	if err := h.History.Record(ctx, userID, txs...); err != nil {
		h.fail(w, "record transactions", err)
		return
	}

	resp := TransactionsResponse{IDs: make([]string, len(txs)), Recorded: len(txs)}
	for i, tx := range txs {
		resp.IDs[i] = tx.ID
		if h.Bus == nil {
			continue
		}
		payload, _ := json.Marshal(tx)
		if err := h.Bus.Publish(ctx, userID, domain.TopicTransactionIngested, payload); err != nil {
			h.logger.Warn("failed to queue transaction", zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		resp.Queued++
	}

	writeJSON(w, http.StatusCreated, resp)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	tx, err := h.Repo.GetTransaction(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// DetectRequest is the request body for POST /anomalies/detect. Without
// transactions the user's recent history is scored.
type DetectRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions,omitempty"`
	Async        bool                        `json:"async,omitempty"`
}

// DetectAnomalies handles POST /anomalies/detect.
func (h *Handler) DetectAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req DetectRequest
	if !h.decode(w, r, &req) {
		return
	}
	explicit, err := toRecords(userID, req.Transactions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		h.queueDetection(w, r, userID, explicit)
		return
	}

	batch := explicit
	if h.History != nil {
		if batch, err = h.History.Batch(ctx, userID, explicit); err != nil {
			h.fail(w, "load history", err)
			return
		}
	}

	report, err := h.Detector.Detect(ctx, userID, batch)
	if err != nil {
		h.fail(w, "detect anomalies", err)
		return
	}

	if h.Repo != nil {
		if err := h.Repo.SaveAnomalyReport(ctx, userID, report); err != nil {
			h.logger.Warn("failed to save anomaly report", zap.String("report_id", report.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) queueDetection(w http.ResponseWriter, r *http.Request, userID string, explicit []domain.TransactionRecord) {
	if h.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	payload, err := json.Marshal(domain.DetectionRequest{Transactions: explicit})
	if err != nil {
		h.fail(w, "encode detection request", err)
		return
	}
	if err := h.Bus.Publish(r.Context(), userID, domain.TopicAnomalyRequested, payload); err != nil {
		h.fail(w, "queue detection", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"topic":  domain.TopicAnomalyReport,
	})
}

// GetAnomalyReport handles GET /anomalies/{id}.
func (h *Handler) GetAnomalyReport(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	report, err := h.Repo.GetAnomalyReport(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get anomaly report", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TrainRequest is the request body for POST /models/train.
type TrainRequest struct {
	Transactions []domain.TransactionRequest `json:"transactions,omitempty"`
	Classifier   bool                        `json:"classifier,omitempty"`
	Save         bool                        `json:"save,omitempty"`
}

// ClassifierSummary describes a trained text classifier.
type ClassifierSummary struct {
	Documents int      `json:"documents"`
	Classes   []string `json:"classes"`
}

// TrainResponse is the response for POST /models/train.
type TrainResponse struct {
	Report     *outlier.TrainReport `json:"report"`
	Classifier *ClassifierSummary   `json:"classifier,omitempty"`
	Model      models.Summary       `json:"model"`
}

// TrainModels handles POST /models/train. The batch defaults to the user's
// recent history.
func (h *Handler) TrainModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := GetUserID(ctx)

	var req TrainRequest
	if !h.decode(w, r, &req) {
		return
	}
	explicit, err := toRecords(userID, req.Transactions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	batch := explicit
	if h.History != nil {
		if batch, err = h.History.Batch(ctx, userID, explicit); err != nil {
			h.fail(w, "load history", err)
			return
		}
	}

	opts := models.TrainOptions{Save: req.Save}
	report, err := h.Models.Train(ctx, batch, opts)
	if err != nil {
		h.fail(w, "train models", err)
		return
	}

	resp := TrainResponse{Report: report}
	if req.Classifier {
		model, err := h.Models.TrainClassifier(ctx, models.ExamplesFromTransactions(batch), opts)
		if err != nil {
			h.fail(w, "train classifier", err)
			return
		}
		resp.Classifier = &ClassifierSummary{Documents: model.Docs, Classes: model.Classes}
	}
	resp.Model = h.Models.Current().Summarize()

	writeJSON(w, http.StatusOK, resp)
}

// ReloadModels handles POST /models/reload.
func (h *Handler) ReloadModels(w http.ResponseWriter, r *http.Request) {
	if err := h.Models.Load(r.Context()); err != nil {
		h.fail(w, "reload models", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Models.Current().Summarize())
}

// GetModels handles GET /models.
func (h *Handler) GetModels(w http.ResponseWriter, r *http.Request) {
	set := h.Models.Current()
	if set == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"loaded": false,
			"config": h.Models.Config(),
		})
		return
	}
	writeJSON(w, http.StatusOK, set.Summarize())
}

// UpdateModelConfig handles PUT /models/config. Fields absent from the body
// keep their current values; ?save=true persists the new set.
func (h *Handler) UpdateModelConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.Models.Config()
	if !h.decode(w, r, &cfg) {
		return
	}
	if err := config.ValidateAnomaly(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := models.TrainOptions{Save: r.URL.Query().Get("save") == "true"}
	set, err := h.Models.UpdateConfig(r.Context(), cfg, opts)
	if err != nil {
		h.fail(w, "update model config", err)
		return
	}
	writeJSON(w, http.StatusOK, set.Summarize())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	probe := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		probe("repository", h.Repo.Ping)
	}
	if h.Cache != nil {
		probe("cache", h.Cache.Ping)
	}
	if h.Bus != nil {
		probe("bus", h.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.Version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":          true,
		"modelAvailable": h.Models.Current().HasOutlier(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	return true
}

func (h *Handler) metadata(ctx context.Context, start time.Time) Metadata {
	return Metadata{
		TraceID: GetTraceID(ctx),
		TotalMs: time.Since(start).Milliseconds(),
		Version: h.Version,
	}
}

// fail logs err and writes the status it maps to.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", zap.Error(err))
	} else {
		h.logger.Debug(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, outlier.ErrEmptyMatrix),
		errors.Is(err, textclass.ErrNoExamples),
		errors.Is(err, config.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, models.ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrModelUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func validateTransaction(req *domain.TransactionRequest) error {
	if req.Description == "" && req.Merchant == "" {
		return errors.New("description or merchant is required")
	}
	return nil
}

func toRecords(userID string, reqs []domain.TransactionRequest) ([]domain.TransactionRecord, error) {
	out := make([]domain.TransactionRecord, 0, len(reqs))
	for i := range reqs {
		if err := validateTransaction(&reqs[i]); err != nil {
			return nil, err
		}
		out = append(out, reqs[i].ToRecord(userID, uuid.New().String()))
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
