package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mcdev12/publicgoods/go/internal/recorder"
)

const pendingWarnThreshold = 512

type HealthStatus struct {
	Healthy           bool                `json:"healthy"`
	DatabaseConnected bool                `json:"database_connected"`
	NATSConnected     *bool               `json:"nats_connected,omitempty"`
	Recorder          recorder.AsyncStats `json:"recorder"`
	Errors            []string            `json:"errors"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

type natsStatus interface {
	Connected() bool
}

type recorderStats interface {
	Stats() recorder.AsyncStats
}

// HealthChecker reports whether the coordinator can persist what rooms record.
// A degraded store never stops the game, so the check is for operators only.
type HealthChecker struct {
	db       pinger
	nats     natsStatus
	recorder recorderStats
}

func NewHealthChecker(p *Persistence) *HealthChecker {
	h := &HealthChecker{db: p.Backend, recorder: p.Recorder}
	if p.Publisher != nil {
		h.nats = p.Publisher
	}
	return h
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	// Check database connection
	if err := h.db.Ping(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	// Check NATS connection
	if h.nats != nil {
		connected := h.nats.Connected()
		status.NATSConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	status.Recorder = h.recorder.Stats()
	if status.Recorder.Pending > pendingWarnThreshold {
		status.Errors = append(status.Errors, fmt.Sprintf("high pending record count: %d", status.Recorder.Pending))
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
