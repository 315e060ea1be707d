package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/eventbus"
	"github.com/mcdev12/publicgoods/go/internal/recorder"
	"github.com/mcdev12/publicgoods/go/internal/store"
)

// Persistence bundles the record sinks behind the async recorder the rooms
// write to.
type Persistence struct {
	Backend   *store.Backend
	Publisher *eventbus.JetStreamPublisher
	Recorder  *recorder.Async
}

func setupPersistence(ctx context.Context, cfg *Config) (*Persistence, error) {
	backend, err := store.NewBackendFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	log.Info().Str("mode", string(backend.Mode)).Msg("store ready")

	sinks := recorder.Multi{backend.Recorder}

	var publisher *eventbus.JetStreamPublisher
	if cfg.NATSURL != "" {
		jsCfg := eventbus.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		publisher, err = eventbus.NewJetStreamPublisher(ctx, jsCfg)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("failed to connect event bus: %w", err)
		}
		sinks = append(sinks, publisher)
		log.Info().Str("url", cfg.NATSURL).Str("stream", jsCfg.StreamName).Msg("event bus ready")
	}

	async := recorder.NewAsync(sinks, cfg.Recorder)
	async.Start(context.WithoutCancel(ctx))

	return &Persistence{Backend: backend, Publisher: publisher, Recorder: async}, nil
}

// Close drains pending records before closing the sinks.
func (p *Persistence) Close() {
	p.Recorder.Close()
	if p.Publisher != nil {
		if err := p.Publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event bus")
		}
	}
	if err := p.Backend.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close store")
	}
}
