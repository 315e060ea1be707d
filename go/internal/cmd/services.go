package main

import (
	"fmt"
	"net/http"

	"github.com/mcdev12/publicgoods/go/internal/gateway"
	"github.com/mcdev12/publicgoods/go/internal/registry"
	"github.com/mcdev12/publicgoods/go/internal/store"
)

type Services struct {
	Registry    *registry.Registry
	Connections *gateway.ConnectionManager
	Exporter    store.Exporter
	Health      *HealthChecker
}

func setupServices(cfg *Config, persistence *Persistence) (*Services, error) {
	// Gateway → Registry → Rooms → Recorder
	connCfg := cfg.Connection
	connCfg.CheckOrigin = originChecker(cfg.AllowedOrigins)
	connections := gateway.NewConnectionManager(connCfg)

	regCfg := registry.DefaultConfig()
	regCfg.Policy = cfg.Policy
	regCfg.Notifier = connections
	regCfg.Recorder = persistence.Recorder
	reg, err := registry.New(regCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	connections.SetDispatcher(reg)

	return &Services{
		Registry:    reg,
		Connections: connections,
		Exporter:    persistence.Backend.Exporter,
		Health:      NewHealthChecker(persistence),
	}, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
