package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/store"
)

const (
	defaultInteractionLimit = 1000
	maxInteractionLimit     = 10000
	exportTimeout           = 30 * time.Second
)

// exportHandler serves read-only JSON exports of recorded experiment data.
type exportHandler struct {
	exporter store.Exporter
}

func newExportHandler(exporter store.Exporter) *exportHandler {
	return &exportHandler{exporter: exporter}
}

func (h *exportHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/export/sessions", h.handleSessions)
	mux.HandleFunc("GET /api/export/groups", h.handleGroups)
	mux.HandleFunc("GET /api/export/interactions", h.handleInteractions)
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/correlation-analysis", h.handleCorrelation)
	mux.HandleFunc("GET /api/group-analysis", h.handleGroupAnalysis)
}

func (h *exportHandler) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()
	sessions, err := h.exporter.Sessions(ctx)
	if err != nil {
		h.fail(w, "sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(sessions), "sessions": sessions})
}

func (h *exportHandler) handleGroups(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()
	groups, err := h.exporter.Groups(ctx)
	if err != nil {
		h.fail(w, "groups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(groups), "groups": groups})
}

func (h *exportHandler) handleInteractions(w http.ResponseWriter, r *http.Request) {
	limit := defaultInteractionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxInteractionLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()
	interactions, err := h.exporter.Interactions(ctx, limit)
	if err != nil {
		h.fail(w, "interactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(interactions), "limit": limit, "interactions": interactions})
}

func (h *exportHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()
	stats, err := h.exporter.Stats(ctx)
	if err != nil {
		h.fail(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *exportHandler) handleCorrelation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()
	rows, err := h.exporter.Correlation(ctx)
	if err != nil {
		h.fail(w, "correlation analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(rows), "rows": rows})
}

func (h *exportHandler) handleGroupAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()
	groups, err := h.exporter.GroupAnalysis(ctx)
	if err != nil {
		h.fail(w, "group analysis", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(groups), "groups": groups})
}

func (h *exportHandler) fail(w http.ResponseWriter, what string, err error) {
	log.Error().Err(err).Str("export", what).Msg("export failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to export " + what})
}
