package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Backend BackendConfig
	Storage StorageConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port      int
	AuthToken string
}

type BackendConfig struct {
	BaseURL  string
	WSURL    string
	APIToken string
}

type StorageConfig struct {
	DataDir string
	MaxLogs int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			MaxLogs: 500,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "labtrack-data"
		}
	}
	return filepath.Join(dir, "labtrack")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/labtrack/config.json, then applies LABTRACK_* environment
// overrides. Secrets (backend.api_token, server.auth_token) are env-only and
// never touch the file.
//
// Missing secrets are not an error here: read-only commands work without
// them. Commands that talk to the backend validate what they need.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	return cfg, nil
}
