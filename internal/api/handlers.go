package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
	handlerTimeout    = 3 * time.Second
)

// Handler implements the individual endpoints.
type Handler struct {
	repo    Repository
	proxies ProxyPool
	ids     monitor.IDGenerator
	clock   monitor.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewHandler wires the store, proxy pool and logger.
func NewHandler(repo Repository, proxies ProxyPool, ids monitor.IDGenerator, clock monitor.Clock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		repo:    repo,
		proxies: proxies,
		ids:     ids,
		clock:   clock,
		timeout: handlerTimeout,
		logger:  logger.Named("api"),
	}
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. Readiness follows the store: if targets can be
// listed the engine can serve.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if _, err := h.repo.ListTargets(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ListTargets handles GET /v1/targets. It returns {"targets": [...]} with the
// run-state of every registered target, active or not.
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	targets, err := h.repo.ListTargets(ctx)
	if err != nil {
		h.logger.Error("list targets failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": toTargetDTOs(targets)})
}

// RegisterTarget handles POST /v1/targets. A missing ID is generated; the
// body is validated before anything is stored. Returns 201 with the target
// ID, 400 for malformed or invalid definitions.
func (h *Handler) RegisterTarget(w http.ResponseWriter, r *http.Request) {
	var req registerTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := h.toTarget(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.repo.PutTarget(ctx, target); err != nil {
		var cfgErr *monitor.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, cfgErr.Error())
			return
		}
		h.logger.Error("register target failed", zap.String("target_id", target.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store target")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"target_id": target.ID})
}

// GetTarget handles GET /v1/targets/{target_id}.
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	target, err := h.repo.Target(ctx, targetID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		h.logger.Error("get target failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": toTargetDTO(target)})
}

// SetTargetActive handles POST /v1/targets/{target_id}/active with a body of
// {"active": bool}. Deactivation takes effect on the next cycle; an in-flight
// dispatch still stores its snapshot.
func (h *Handler) SetTargetActive(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "missing active flag")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.repo.SetActive(ctx, targetID, *req.Active); err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		h.logger.Error("set active failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target_id": targetID, "active": *req.Active})
}

// LatestSnapshot handles GET /v1/targets/{target_id}/snapshots/latest.
func (h *Handler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.repo.LatestSnapshot(ctx, targetID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no snapshots yet")
			return
		}
		h.logger.Error("latest snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": toSnapshotDTO(snap)})
}

// ListChangeEvents handles GET /v1/targets/{target_id}/events?limit=&offset=.
// Events come back newest first.
func (h *Handler) ListChangeEvents(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	limit, offset, err := parseLimitOffset(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	events, err := h.repo.ListChangeEvents(ctx, targetID, limit, offset)
	if err != nil {
		h.logger.Error("list change events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(events)})
}

// ListProxies handles GET /v1/proxies with the pool's current health records.
func (h *Handler) ListProxies(w http.ResponseWriter, _ *http.Request) {
	if h.proxies == nil {
		writeJSON(w, http.StatusOK, map[string]any{"proxies": []proxyDTO{}})
		return
	}
	now := time.Now().UTC()
	if h.clock != nil {
		now = h.clock.Now()
	}
	writeJSON(w, http.StatusOK, map[string]any{"proxies": toProxyDTOs(h.proxies.Records(), now)})
}

func (h *Handler) toTarget(req registerTargetRequest) (monitor.Target, error) {
	id := req.ID
	if id == "" {
		var err error
		id, err = h.ids.NewID()
		if err != nil {
			return monitor.Target{}, errors.New("failed to generate target id")
		}
	}
	rules := make(map[string]monitor.Rule, len(req.Rules))
	for name, r := range req.Rules {
		rules[name] = monitor.Rule{
			Selector: r.Selector,
			Type:     monitor.RuleType(r.Type),
			Required: r.Required,
			Attr:     r.Attr,
		}
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	target := monitor.Target{
		ID:           id,
		ClientID:     req.ClientID,
		Name:         req.Name,
		URL:          req.URL,
		Rules:        rules,
		PollInterval: time.Duration(req.PollIntervalSeconds) * time.Second,
		Active:       active,
	}
	if err := target.Validate(); err != nil {
		return monitor.Target{}, err
	}
	return target, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type registerTargetRequest struct {
	ID                  string             `json:"id"`
	ClientID            string             `json:"client_id"`
	Name                string             `json:"name"`
	URL                 string             `json:"url"`
	Rules               map[string]ruleDTO `json:"rules"`
	PollIntervalSeconds int                `json:"poll_interval_seconds"`
	Active              *bool              `json:"active"`
}

type ruleDTO struct {
	Selector string `json:"selector"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Attr     string `json:"attr,omitempty"`
}

type targetDTO struct {
	ID                  string     `json:"id"`
	ClientID            string     `json:"client_id"`
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	Active              bool       `json:"active"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastStatus          string     `json:"last_status"`
	FailureCount        int        `json:"failure_count"`
	SuccessRate         float64    `json:"success_rate"`
}

func toTargetDTOs(in []monitor.Target) []targetDTO {
	out := make([]targetDTO, 0, len(in))
	for _, t := range in {
		out = append(out, toTargetDTO(t))
	}
	return out
}

func toTargetDTO(t monitor.Target) targetDTO {
	dto := targetDTO{
		ID:                  t.ID,
		ClientID:            t.ClientID,
		Name:                t.Name,
		URL:                 t.URL,
		PollIntervalSeconds: int(t.PollInterval / time.Second),
		Active:              t.Active,
		LastStatus:          string(t.LastStatus),
		FailureCount:        t.FailureCount,
		SuccessRate:         t.SuccessRate,
	}
	if dto.LastStatus == "" {
		dto.LastStatus = string(monitor.TargetStatusNew)
	}
	if !t.LastRun.IsZero() {
		lastRun := t.LastRun
		dto.LastRun = &lastRun
	}
	return dto
}

type snapshotDTO struct {
	ID         string         `json:"id"`
	TargetID   string         `json:"target_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Fields     monitor.Fields `json:"fields"`
	Checksum   string         `json:"checksum"`
	ContentURI string         `json:"content_uri,omitempty"`
	StatusCode int            `json:"status_code"`
	DurationMs int64          `json:"duration_ms"`
}

func toSnapshotDTO(s monitor.Snapshot) snapshotDTO {
	return snapshotDTO{
		ID:         s.ID,
		TargetID:   s.TargetID,
		CapturedAt: s.CapturedAt,
		Fields:     s.Fields,
		Checksum:   s.Checksum,
		ContentURI: s.ContentURI,
		StatusCode: s.StatusCode,
		DurationMs: s.Duration.Milliseconds(),
	}
}

type eventDTO struct {
	ID             string    `json:"id"`
	TargetID       string    `json:"target_id"`
	PrevSnapshotID string    `json:"prev_snapshot_id"`
	NewSnapshotID  string    `json:"new_snapshot_id"`
	Field          string    `json:"field"`
	Kind           string    `json:"kind"`
	Magnitude      float64   `json:"magnitude,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func toEventDTOs(in []monitor.ChangeEvent) []eventDTO {
	out := make([]eventDTO, 0, len(in))
	for _, ev := range in {
		out = append(out, eventDTO{
			ID:             ev.ID,
			TargetID:       ev.TargetID,
			PrevSnapshotID: ev.PrevSnapshotID,
			NewSnapshotID:  ev.NewSnapshotID,
			Field:          ev.Field,
			Kind:           string(ev.Kind),
			Magnitude:      ev.Magnitude,
			OccurredAt:     ev.OccurredAt,
		})
	}
	return out
}

type proxyDTO struct {
	Endpoint      string     `json:"endpoint"`
	Health        int        `json:"health"`
	Failures      int        `json:"failures"`
	CoolingDown   bool       `json:"cooling_down"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

func toProxyDTOs(in []monitor.ProxyRecord, now time.Time) []proxyDTO {
	out := make([]proxyDTO, 0, len(in))
	for _, rec := range in {
		dto := proxyDTO{
			Endpoint:    rec.Endpoint,
			Health:      rec.Health,
			Failures:    rec.Failures,
			CoolingDown: rec.CoolingDown(now),
		}
		if !rec.CooldownUntil.IsZero() {
			until := rec.CooldownUntil
			dto.CooldownUntil = &until
		}
		out = append(out, dto)
	}
	return out
}
