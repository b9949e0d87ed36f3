// Package server exposes loaded entries, their entities and mutations over
// a JSON REST surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/powerhive/nicehash-bridge/internal/integration"
	"github.com/powerhive/nicehash-bridge/pkg/database"
	"github.com/powerhive/nicehash-bridge/pkg/fleet"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// Entries is the part of integration.Manager the server reads.
type Entries interface {
	Get(entryID string) (*integration.Instance, error)
	Status(ctx context.Context) ([]integration.EntryStatus, error)
}

// ChangeLog lists recorded mutations.
type ChangeLog interface {
	RecentChanges(ctx context.Context, entryID string, limit int) ([]*database.Change, error)
}

// Handler serves the REST surface.
type Handler struct {
	entries Entries
	changes ChangeLog
	hub     *sseHub
	lg      zerolog.Logger
}

type switchRequest struct {
	On *bool `json:"on"`
}

type powerModeRequest struct {
	EntityID  string `json:"entity_id"`
	PowerMode string `json:"power_mode"`
}

type optionsRequest struct {
	UpdateInterval int `json:"update_interval"`
}

type snapshotResponse struct {
	EntryID             string          `json:"entry_id"`
	Success             bool            `json:"success"`
	State               string          `json:"state"`
	Interval            string          `json:"interval"`
	LastUpdated         *time.Time      `json:"last_updated,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Error               string          `json:"error,omitempty"`
	Rigs                json.RawMessage `json:"rigs"`
	Account             json.RawMessage `json:"account"`
}

type errorResponse struct {
	Error     string   `json:"error"`
	Kind      string   `json:"kind,omitempty"`
	Supported []string `json:"supported,omitempty"`
}

// New builds the router.
func New(entries Entries, changes ChangeLog, lg zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(lg))
	r.Use(middleware.Recoverer)

	h := &Handler{
		entries: entries,
		changes: changes,
		hub:     newSSEHub(lg),
		lg:      lg,
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Get("/entries", h.handleEntries)

		r.Route("/entries/{entryID}", func(r chi.Router) {
			r.Get("/snapshot", h.handleSnapshot)
			r.Get("/entities", h.handleEntities)
			r.Post("/refresh", h.handleRefresh)
			r.Post("/switch/{uniqueID}", h.handleSwitch)
			r.Post("/services/set_power_mode", h.handleSetPowerMode)
			r.Put("/options", h.handleOptions)
			r.Get("/changes", h.handleChanges)
			r.Get("/events", h.hub.handleEvents(h))
		})
	})

	return r
}

func requestLogger(lg zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			lg.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http")
		})
	}
}

func (h *Handler) instance(w http.ResponseWriter, r *http.Request) (*integration.Instance, bool) {
	inst, err := h.entries.Get(chi.URLParam(r, "entryID"))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return inst, true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := h.entries.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	loaded := 0
	for _, st := range status {
		if st.Loaded {
			loaded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"entries": len(status),
		"loaded":  loaded,
		"streams": h.hub.Count(),
	})
}

func (h *Handler) handleEntries(w http.ResponseWriter, r *http.Request) {
	status, err := h.entries.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describeSnapshot(inst))
}

func describeSnapshot(inst *integration.Instance) snapshotResponse {
	c := inst.Coordinator
	resp := snapshotResponse{
		EntryID:             inst.Entry.EntryID,
		Success:             c.LastUpdateSuccess(),
		State:               string(c.State()),
		Interval:            c.Interval().String(),
		ConsecutiveFailures: c.ConsecutiveFailures(),
	}
	if t := c.LastUpdated(); !t.IsZero() {
		resp.LastUpdated = &t
	}
	if err := c.LastError(); err != nil {
		resp.Error = err.Error()
	}
	if snap, ok := c.Snapshot(); ok {
		resp.Rigs = snap.RigsRaw
		resp.Account = snap.AccountRaw
	}
	return resp
}

func (h *Handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, inst.Registry.States())
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}
	if err := inst.Coordinator.Refresh(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describeSnapshot(inst))
}

func (h *Handler) handleSwitch(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.On == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"on": true|false}`})
		return
	}

	uniqueID := chi.URLParam(r, "uniqueID")
	e, found := inst.Registry.Get(uniqueID)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown entity " + uniqueID})
		return
	}
	sw, isSwitch := e.(fleet.Switchable)
	if !isSwitch {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: uniqueID + " is not a switch"})
		return
	}

	var err error
	if *req.On {
		err = sw.TurnOn(r.Context())
	} else {
		err = sw.TurnOff(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fleet.Describe(sw))
}

func (h *Handler) handleSetPowerMode(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}

	var req powerModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EntityID == "" || req.PowerMode == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"entity_id": "...", "power_mode": "..."}`})
		return
	}

	e, found := inst.Registry.Get(req.EntityID)
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown entity " + req.EntityID})
		return
	}
	target, settable := e.(fleet.PowerModeSettable)
	if !settable {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: req.EntityID + " does not accept power modes"})
		return
	}

	if err := target.SetPowerMode(r.Context(), req.PowerMode); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fleet.Describe(target))
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.instance(w, r)
	if !ok {
		return
	}

	var req optionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `body must be {"update_interval": minutes}`})
		return
	}
	entry, err := inst.UpdateOptions(r.Context(), req.UpdateInterval)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	changes, err := h.changes.RecentChanges(r.Context(), entryID, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if changes == nil {
		changes = []*database.Change{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// writeError maps the error taxonomy onto HTTP statuses. Credential failures
// never expose the upstream cause.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var dErr *nicehash.DomainError
	var decErr *nicehash.DecodeError
	switch {
	case errors.Is(err, nicehash.ErrInvalidCredentials):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: nicehash.ErrInvalidCredentials.Error()})
	case errors.Is(err, integration.ErrEntryNotLoaded), errors.Is(err, database.ErrEntryNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, integration.ErrInvalidInterval):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &dErr):
		status := http.StatusUnprocessableEntity
		if dErr.Kind == nicehash.KindUnknownTarget {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: dErr.Message, Kind: string(dErr.Kind), Supported: dErr.Supported})
	case nicehash.IsAuthError(err):
		h.lg.Warn().Err(err).Int("status", nicehash.StatusCode(err)).Msg("upstream rejected credentials")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: nicehash.ErrInvalidCredentials.Error()})
	case nicehash.StatusCode(err) != 0, nicehash.IsNetworkError(err), errors.As(err, &decErr):
		h.lg.Warn().Err(err).Msg("upstream request failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	default:
		h.lg.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
