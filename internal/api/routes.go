package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"erp-mirror-sync/internal/config"
	"erp-mirror-sync/internal/conflict"
	"erp-mirror-sync/internal/logger"
	"erp-mirror-sync/internal/pool"
	"erp-mirror-sync/internal/store"
	"erp-mirror-sync/internal/sync"
)

// SyncService runs passes and single-item checks.
type SyncService interface {
	RunIncremental(ctx context.Context) (*sync.PassReport, error)
	RunFull(ctx context.Context) (*sync.PassReport, error)
	CheckItemQtyRealtime(ctx context.Context, code string) (*sync.RealtimeResult, error)
	History(ctx context.Context, limit, offset int) ([]*store.SyncHistory, error)
}

type StatusReporter interface {
	Status(ctx context.Context) sync.ManagerStatus
}

type ConflictService interface {
	Detect(ctx context.Context, entityType, entityID string, local, server map[string]any, actor string) (string, error)
	Resolve(ctx context.Context, id string, resolution store.Resolution, resolvedBy string, merged map[string]any) (map[string]any, error)
	AutoResolvePending(ctx context.Context, strategy conflict.Strategy) (int, error)
	Get(ctx context.Context, id string) (*store.Conflict, error)
	List(ctx context.Context, status store.ConflictStatus, limit, offset int) ([]*store.Conflict, error)
}

type Handler struct {
	cfg         config.ServerConfig
	syncService SyncService
	status      StatusReporter
	conflicts   ConflictService
	metrics     http.Handler
	metricsPath string
}

// NewHandler builds the HTTP handler. metrics may be nil to disable the metrics endpoint.
func NewHandler(cfg config.ServerConfig, syncService SyncService, status StatusReporter, conflicts ConflictService, metrics http.Handler, metricsPath string) *Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Handler{
		cfg:         cfg,
		syncService: syncService,
		status:      status,
		conflicts:   conflicts,
		metrics:     metrics,
		metricsPath: metricsPath,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, h.metricsPath, h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Post("/sync/incremental", h.RunIncremental)
		r.Post("/sync/full", h.RunFull)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)

		r.Get("/items/{code}/realtime", h.CheckItemRealtime)

		r.Get("/conflicts", h.ListConflicts)
		r.Post("/conflicts", h.DetectConflict)
		r.Post("/conflicts/auto-resolve", h.AutoResolveConflicts)
		r.Get("/conflicts/{id}", h.GetConflict)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := h.status.Status(r.Context())

	code := http.StatusOK
	status := "ok"
	if report.Pool.Status == pool.StatusUnhealthy {
		code = http.StatusServiceUnavailable
		status = "unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"sync":   report.Status,
		"pool":   report.Pool.Status,
	})
}

func (h *Handler) RunIncremental(w http.ResponseWriter, r *http.Request) {
	h.runPass(w, r, h.syncService.RunIncremental)
}

func (h *Handler) RunFull(w http.ResponseWriter, r *http.Request) {
	h.runPass(w, r, h.syncService.RunFull)
}

func (h *Handler) runPass(w http.ResponseWriter, r *http.Request, run func(ctx context.Context) (*sync.PassReport, error)) {
	report, err := run(r.Context())
	switch {
	case errors.Is(err, sync.ErrPassInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil && report != nil:
		writeJSON(w, http.StatusBadGateway, report)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status(r.Context()))
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r, 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	history, err := h.syncService.History(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) CheckItemRealtime(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	res, err := h.syncService.CheckItemQtyRealtime(r.Context(), code)
	switch {
	case errors.Is(err, sync.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := store.ConflictStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.StatusPending, store.StatusResolved, store.StatusIgnored:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown status "+string(status)))
		return
	}

	conflicts, err := h.conflicts.List(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type detectRequest struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	LocalData  map[string]any `json:"local_data"`
	ServerData map[string]any `json:"server_data"`
	DetectedBy string         `json:"detected_by"`
}

func (h *Handler) DetectConflict(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.EntityType == "" || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, errors.New("entity_type and entity_id are required"))
		return
	}

	id, err := h.conflicts.Detect(r.Context(), req.EntityType, req.EntityID, req.LocalData, req.ServerData, req.DetectedBy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"conflict": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conflict": true, "id": id})
}

func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := h.conflicts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, conflictErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type resolveRequest struct {
	Resolution store.Resolution `json:"resolution"`
	ResolvedBy string           `json:"resolved_by"`
	MergedData map[string]any   `json:"merged_data"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := chi.URLParam(r, "id")
	data, err := h.conflicts.Resolve(r.Context(), id, req.Resolution, req.ResolvedBy, req.MergedData)
	if err != nil {
		writeError(w, conflictErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"resolution":    req.Resolution,
		"resolved_data": data,
	})
}

type autoResolveRequest struct {
	Strategy string `json:"strategy"`
}

func (h *Handler) AutoResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req autoResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	strategy, err := conflict.StrategyByName(req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n, err := h.conflicts.AutoResolvePending(r.Context(), strategy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategy": strategy.Name(), "resolved": n})
}

func conflictErrorStatus(err error) int {
	switch {
	case errors.Is(err, conflict.ErrConflictNotFound):
		return http.StatusNotFound
	case errors.Is(err, conflict.ErrConflictAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, conflict.ErrMissingMergeData), errors.Is(err, conflict.ErrInvalidResolution):
		return http.StatusBadRequest
	case errors.Is(err, conflict.ErrApplyFailed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func paging(r *http.Request, defaultLimit int) (int, int, error) {
	limit, offset := defaultLimit, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return 0, 0, errors.New("limit must be between 1 and 1000")
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := "*"
			if len(allowed) > 0 && !allowed["*"] {
				origin = r.Header.Get("Origin")
				if !allowed[origin] {
					origin = ""
				}
				w.Header().Add("Vary", "Origin")
			}
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires "Authorization: Bearer <token>". An empty token disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
