package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/gateway"
	"github.com/mcdev12/publicgoods/go/internal/recorder"
	"github.com/mcdev12/publicgoods/go/internal/room"
)

const defaultPolicyFile = "config/experiment.yaml"

type Config struct {
	Port           string
	LogLevel       zerolog.Level
	PolicyFile     string
	NATSURL        string
	AllowedOrigins []string
	Policy         room.Policy
	Recorder       recorder.AsyncConfig
	Connection     gateway.ConnectionConfig
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func loadConfig() (*Config, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	cfg := &Config{
		Port:       getEnv("PORT", "8080"),
		LogLevel:   level,
		PolicyFile: getEnv("POLICY_FILE", defaultPolicyFile),
		NATSURL:    os.Getenv("NATS_URL"),
		Recorder:   recorder.DefaultAsyncConfig(),
		Connection: gateway.DefaultConnectionConfig(),
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	} else {
		cfg.AllowedOrigins = []string{"*"}
	}

	cfg.Recorder.QueueSize = getEnvAsInt("RECORDER_QUEUE_SIZE", cfg.Recorder.QueueSize)
	cfg.Recorder.MaxRetries = getEnvAsInt("RECORDER_MAX_RETRIES", cfg.Recorder.MaxRetries)
	cfg.Recorder.RetryDelay = getEnvAsDuration("RECORDER_RETRY_DELAY", cfg.Recorder.RetryDelay)
	cfg.Connection.PingInterval = getEnvAsDuration("WS_PING_INTERVAL", cfg.Connection.PingInterval)
	cfg.Connection.ReadTimeout = getEnvAsDuration("WS_READ_TIMEOUT", cfg.Connection.ReadTimeout)

	policy, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	return cfg, nil
}

// loadPolicy reads the experiment policy file, falling back to the built-in
// defaults only when the default path does not exist.
func loadPolicy(path string) (room.Policy, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultPolicyFile {
		log.Warn().Str("path", path).Msg("policy file not found, using defaults")
		return room.DefaultPolicy(), nil
	}
	policy, err := room.LoadPolicy(path)
	if err != nil {
		return room.Policy{}, fmt.Errorf("failed to load policy: %w", err)
	}
	log.Info().
		Str("path", path).
		Dur("decision_window", policy.DecisionWindow).
		Dur("min_wait", policy.MinWait).
		Dur("removal_timeout", policy.RemovalTimeout).
		Int("endowment", policy.Payoff.Endowment).
		Int("multiplier", policy.Payoff.Multiplier).
		Msg("loaded experiment policy")
	return policy, nil
}
