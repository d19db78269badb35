package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the service configuration.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DataDir         string `json:"data_dir"`
	DatabasePath    string `json:"database_path"`
	LogLevel        string `json:"log_level"`
	GraphBaseURL    string `json:"graph_base_url"`
	OAuthClientID   string `json:"oauth_client_id"`
	OAuthSecret     string `json:"oauth_client_secret"`
	JWKSURL         string `json:"jwks_url"`
	NATSURL         string `json:"nats_url"`
	NotificationURL string `json:"notification_url"`
	SyncWorkers     int    `json:"sync_workers"`
}

// Default configuration values
const (
	DefaultListenAddr   = ":8080"
	DefaultDataDir      = "data"
	DefaultDatabasePath = "data/mailmirror.db"
	DefaultLogLevel     = "info"
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultSyncWorkers  = 4
)

// Load loads configuration from an optional JSON file and environment
// variables. Priority: environment > config file > defaults. The config
// file path is taken from MAILMIRROR_CONFIG when set.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:   DefaultListenAddr,
		DataDir:      DefaultDataDir,
		DatabasePath: DefaultDatabasePath,
		LogLevel:     DefaultLogLevel,
		GraphBaseURL: DefaultGraphBaseURL,
		SyncWorkers:  DefaultSyncWorkers,
	}

	if path := os.Getenv("MAILMIRROR_CONFIG"); path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if cfg.SyncWorkers < 1 {
		cfg.SyncWorkers = DefaultSyncWorkers
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	setIfPresent := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setIfPresent("MAILMIRROR_LISTEN_ADDR", &c.ListenAddr)
	setIfPresent("MAILMIRROR_DATA_DIR", &c.DataDir)
	setIfPresent("MAILMIRROR_DATABASE_PATH", &c.DatabasePath)
	setIfPresent("MAILMIRROR_LOG_LEVEL", &c.LogLevel)
	setIfPresent("MAILMIRROR_GRAPH_BASE_URL", &c.GraphBaseURL)
	setIfPresent("MAILMIRROR_OAUTH_CLIENT_ID", &c.OAuthClientID)
	setIfPresent("MAILMIRROR_OAUTH_CLIENT_SECRET", &c.OAuthSecret)
	setIfPresent("MAILMIRROR_JWKS_URL", &c.JWKSURL)
	setIfPresent("MAILMIRROR_NATS_URL", &c.NATSURL)
	setIfPresent("MAILMIRROR_NOTIFICATION_URL", &c.NotificationURL)

	if v := os.Getenv("MAILMIRROR_SYNC_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.SyncWorkers = n
		}
	}
}
