// Package config loads folderd's JSON configuration file, with
// environment variables as a fallback source for running a single folder
// without a config file on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config describes a single folderd process, which may serve any number
// of folders over one listening address.
type Config struct {
	ListenAddress string         `json:"listen_address"`
	DataDir       string         `json:"data_dir"`
	Folders       []FolderConfig `json:"folders"`
}

// FolderConfig describes one folder this process serves.
type FolderConfig struct {
	Name       string   `json:"name"`
	RootPath   string   `json:"root_path"`
	SystemPath string   `json:"system_path,omitempty"`
	Secret     string   `json:"secret"`
	Peers      []string `json:"peers,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv builds a single-folder Config from environment variables,
// for running folderd without a config file.
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddress: getEnv("FOLDERSYNC_LISTEN_ADDRESS", ":6947"),
		DataDir:       getEnv("FOLDERSYNC_DATA_DIR", "./data"),
	}

	if secret := os.Getenv("FOLDERSYNC_SECRET"); secret != "" {
		cfg.Folders = append(cfg.Folders, FolderConfig{
			Name:     getEnv("FOLDERSYNC_FOLDER_NAME", "default"),
			RootPath: getEnv("FOLDERSYNC_ROOT_PATH", "./sync"),
			Secret:   secret,
		})
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}