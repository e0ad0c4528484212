// Package config loads the gateway's runtime configuration.
//
// Loading itself is treated as an external contract by the specification
// (config/env loading is explicitly out of scope for the streaming core),
// but the service still needs a typed surface to construct its collaborators
// from, so this mirrors the teacher's chu-based loader.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	NATS NATS `cfg:"nats,no_prefix"`

	OpenAI    ProviderKey `cfg:"openai,no_prefix"`
	Anthropic ProviderKey `cfg:"anthropic,no_prefix"`

	ImageStore ImageStore `cfg:"image_store"`

	// LLMTimeoutSeconds bounds the whole per-request workflow (circuit breaker).
	LLMTimeoutSeconds int `cfg:"llm_timeout_seconds,no_prefix" default:"1200"`

	// EncryptionKey, if set, enables decrypting "enc:"-prefixed secret values
	// (api keys, NKey seed, NATS token and password) the same way the teacher encrypts provider
	// credentials at rest. Plaintext values pass through unchanged.
	EncryptionKey string `cfg:"encryption_key" log:"-"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// NATS configures the broker connection. Field names mirror the environment
// variables named in spec §6 (NATS_SERVERS, NATS_NKEY_SEED) plus the rest of
// the auth/reconnect knobs from spec §4.1.
type NATS struct {
	Servers []string `cfg:"servers" default:"nats://localhost:4222"`
	Name    string   `cfg:"name" default:"llm-gateway"`

	// Auth precedence (first non-empty wins): NkeySeed+UserID, Token, User+Password, anonymous.
	NkeySeed string `cfg:"nkey_seed" log:"-"`
	UserID   string `cfg:"user_id"`
	Token    string `cfg:"token" log:"-"`
	User     string `cfg:"user"`
	Password string `cfg:"password" log:"-"`

	TLSCACert string `cfg:"tls_ca_cert"`

	MaxReconnectAttempts int           `cfg:"max_reconnect_attempts" default:"-1"`
	ReconnectTimeWait    time.Duration `cfg:"reconnect_time_wait" default:"2s"`
	ConnectTimeout       time.Duration `cfg:"connect_timeout" default:"2s"`
	RequestTimeout       time.Duration `cfg:"request_timeout" default:"3s"`
	JWTExpiryHours       int           `cfg:"jwt_expiry_hours" default:"1"`
}

type ProviderKey struct {
	APIKey string `cfg:"api_key" log:"-"`
}

// ImageStore configures the sidecar used by the OpenAI adapter to persist
// generated images (spec §4.7). Out of scope itself, treated as a contract.
type ImageStore struct {
	BaseURL string `cfg:"base_url" default:"http://localhost:8081"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New())); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
