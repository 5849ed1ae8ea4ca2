// Package config loads the proxy's configuration from file and environment.
package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the root configuration for the proxy process.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Server  Server  `cfg:"server"`
	Store   Store   `cfg:"store"`
	Hooks   Hooks   `cfg:"hooks"`
	Webhook Webhook `cfg:"webhook"`

	Compaction      Compaction      `cfg:"compaction"`
	ContextProvider ContextProvider `cfg:"context_provider"`
	FileLog         FileLog         `cfg:"file_log"`
	Interceptor     Interceptor     `cfg:"interceptor"`

	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Server configures the loopback HTTP listener.
type Server struct {
	Host string `cfg:"host"`
	Port string `cfg:"port" default:"32080"`

	// AdminToken protects the internal control/admin surface. Requests
	// must carry "Authorization: Bearer <token>". If empty, admin
	// endpoints are disabled (403).
	AdminToken string `cfg:"admin_token" log:"-"`
}

// Store configures the persistent store (C1): a single embedded sqlite
// database plus a sibling API-key vault file.
type Store struct {
	// Datasource is the sqlite DSN, e.g. "/path/to/data.db".
	Datasource string `cfg:"datasource"`

	// KeyVaultPath is the sibling JSON file holding API keys, keyed by
	// account id. Defaults to "<dir of Datasource>/.api_keys.json".
	KeyVaultPath string `cfg:"key_vault_path"`

	// EncryptionKey, if set, enables AES-256-GCM encryption of values
	// written to the key vault file. Any non-empty string works; it is
	// hashed to a 32-byte key internally. Empty disables encryption.
	EncryptionKey string `cfg:"encryption_key" log:"-"`

	// SessionRetentionDays / UsageRetentionDays override the sweep windows
	// from spec §3 (90 days for sessions, 365 for usage-log rows).
	SessionRetentionDays int `cfg:"session_retention_days" default:"90"`
	UsageRetentionDays   int `cfg:"usage_retention_days" default:"365"`
}

// Hooks controls the global enable flags referenced throughout §4.2/§4.7.
type Hooks struct {
	Enabled        bool `cfg:"enabled" default:"true"`
	RetentionDays  int  `cfg:"retention_days" default:"30"`
}

// Webhook configures the fire-and-forget notification dispatcher (C10).
type Webhook struct {
	URL     string `cfg:"url"`
	Enabled bool   `cfg:"enabled" default:"false"`
}

// Compaction is the persisted, hot-reloadable compaction-injector config (C7).
type Compaction struct {
	Enabled                   bool   `cfg:"enabled" default:"false"`
	SummarizationInstructions string `cfg:"summarization_instructions"`
	ContextInjection          string `cfg:"context_injection"`
	ContextProvidersEnabled   bool   `cfg:"context_providers_enabled" default:"false"`

	// ConfigPath is where the hot-reloadable JSON copy of this struct lives.
	ConfigPath string `cfg:"config_path"`
}

// ContextProvider configures where declarative provider definitions live (C8).
type ContextProvider struct {
	// Dir holds "*.toml" provider definition files.
	Dir string `cfg:"dir"`
}

// FileLog configures the per-exchange JSON log sink (C11). Empty Dir
// resolves at startup to "$HOME/.sessioncast/logs".
type FileLog struct {
	Dir           string `cfg:"dir"`
	RetentionDays int    `cfg:"retention_days" default:"30"`
}

// Interceptor configures the command interceptor's task catalog (C6). Empty
// TasksPath resolves at startup to "$HOME/.sessioncast/tasks.json".
type Interceptor struct {
	TasksPath string `cfg:"tasks_path"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("SWIFTCAST_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
