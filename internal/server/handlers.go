package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/patternd/internal/consume"
	"github.com/ashita-ai/patternd/internal/ctxutil"
	"github.com/ashita-ai/patternd/internal/jobs"
	"github.com/ashita-ai/patternd/internal/model"
	"github.com/ashita-ai/patternd/internal/snapshot"
	"github.com/ashita-ai/patternd/internal/storage"
)

const maxHistoryLimit = 500

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	reader              *consume.Reader
	recorder            *snapshot.Recorder
	runner              *jobs.Runner
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	Reader              *consume.Reader
	Recorder            *snapshot.Recorder
	Runner              *jobs.Runner
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		store:               d.Store,
		reader:              d.Reader,
		recorder:            d.Recorder,
		runner:              d.Runner,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		Store:          "connected",
		SnapshotStatus: "ok",
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Store = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer above 75% of capacity degrades, above 50% is reported high.
	if h.recorder != nil {
		depth, capacity := h.recorder.Len(), h.recorder.Capacity()
		resp.SnapshotBuffer = depth
		resp.SnapshotsDropped = h.recorder.Dropped()
		switch {
		case depth > capacity*3/4:
			resp.SnapshotStatus = "critical"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		case depth > capacity/2:
			resp.SnapshotStatus = "high"
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleSnapshots handles POST /v1/tenants/{tenant_id}/snapshots. The body is
// one SnapshotRequest or an array of them. Well-formed bodies are always
// accepted; individual snapshots that fail validation are dropped by the
// recorder.
func (h *Handlers) HandleSnapshots(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	var reqs []model.SnapshotRequest
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &reqs)
	} else {
		var one model.SnapshotRequest
		err = json.Unmarshal(trimmed, &one)
		reqs = []model.SnapshotRequest{one}
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid snapshot body")
		return
	}

	for _, req := range reqs {
		h.recorder.Record(r.Context(), tenantID, req.TouchID, req.Features)
	}
	writeJSON(w, r, http.StatusAccepted, map[string]int{"accepted": len(reqs)})
}

// HandleListPatterns handles GET /v1/tenants/{tenant_id}/patterns.
func (h *Handlers) HandleListPatterns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	patterns, err := h.store.ListPatterns(r.Context(), tenantID)
	if err != nil {
		h.internalError(w, r, "list patterns", err)
		return
	}
	if patterns == nil {
		patterns = []model.PatternSummary{}
	}
	writeJSON(w, r, http.StatusOK, patterns)
}

// HandleGetPattern handles GET /v1/tenants/{tenant_id}/patterns/{type}.
func (h *Handlers) HandleGetPattern(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	typ, ok := patternType(w, r)
	if !ok {
		return
	}
	p, err := h.store.GetPattern(r.Context(), tenantID, typ)
	if err != nil {
		h.internalError(w, r, "get pattern", err)
		return
	}
	if p == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, fmt.Sprintf("no current %s pattern", typ))
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandlePatternHistory handles GET /v1/tenants/{tenant_id}/patterns/{type}/history.
func (h *Handlers) HandlePatternHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	typ, ok := patternType(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, storage.DefaultHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	entries, err := h.store.PatternHistory(r.Context(), tenantID, typ, limit)
	if err != nil {
		h.internalError(w, r, "pattern history", err)
		return
	}
	if entries == nil {
		entries = []model.PatternHistoryEntry{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"entries": entries,
		"root":    storage.HistoryRoot(entries),
	})
}

// HandleEffective handles POST /v1/tenants/{tenant_id}/effective/{type}. The
// body holds the caller's default payload data; an empty body uses the
// built-in defaults for the type.
func (h *Handlers) HandleEffective(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	typ, ok := patternType(w, r)
	if !ok {
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}

	defaults := model.DefaultPayload(typ)
	if len(bytes.TrimSpace(body)) > 0 {
		defaults, err = model.DecodePayloadData(typ, body)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	eff := consume.Resolve(r.Context(), h.reader, tenantID, defaults)
	writeJSON(w, r, http.StatusOK, model.EffectiveResponse{
		Type:       typ,
		Source:     eff.Source,
		Values:     eff.Values,
		Confidence: eff.Confidence,
		ComputedAt: eff.ComputedAt,
	})
}

// HandleBackfill handles POST /v1/tenants/{tenant_id}/backfill. It runs
// synchronously and returns the per-detector report.
func (h *Handlers) HandleBackfill(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	body, err := h.readBody(w, r)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	var req model.BackfillRequest
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid backfill body")
			return
		}
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	h.logger.Info("backfill requested", "tenant_id", tenantID, "subject", claims.Subject,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))

	report, err := h.runner.Backfill(r.Context(), tenantID, req.Window())
	switch {
	case errors.Is(err, jobs.ErrEmptyWindow):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	case err != nil && len(report.Outcomes) == 0:
		h.internalError(w, r, "backfill", err)
		return
	}
	// Detector failures are reported per outcome; prior patterns were kept.
	writeJSON(w, r, http.StatusOK, report)
}

// HandlePatternHealth handles GET /v1/pattern-health?horizon=48h.
func (h *Handlers) HandlePatternHealth(w http.ResponseWriter, r *http.Request) {
	var horizon time.Duration
	if v := r.URL.Query().Get("horizon"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "horizon must be a positive duration")
			return
		}
		horizon = d
	}
	report, err := h.runner.RunHealth(r.Context(), horizon)
	if err != nil {
		h.internalError(w, r, "pattern health", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// tenant parses the tenant_id path value and checks the caller may address it.
func (h *Handlers) tenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("tenant_id"))
	if err != nil || id == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid tenant_id")
		return uuid.Nil, false
	}
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || !claims.CanAccess(id) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "token is not scoped to this tenant")
		return uuid.Nil, false
	}
	return id, true
}

func patternType(w http.ResponseWriter, r *http.Request) (model.PatternType, bool) {
	t, err := model.ParsePatternType(r.PathValue("type"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return "", false
	}
	return t, true
}

func (h *Handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
}

func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "could not read request body")
}

func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("http: "+op+" failed", "error", err,
		"request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, op+" failed")
}

func queryLimit(r *http.Request, defaultVal int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxHistoryLimit), nil
}
