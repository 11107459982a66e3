package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/opencode-ai/chatsync/pkg/types"
)

// Defaults applied by the accessors when a field is unset.
const (
	DefaultInspectAddr    = "127.0.0.1:4097"
	DefaultHistoryTimeout = 30 * time.Second
	DefaultBridgeBuffer   = 64
)

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// Load loads configuration from multiple sources (priority order):
// 1. .env in directory (never overrides variables already set)
// 2. Global config (~/.config/chatsync/)
// 3. Project config (chatsync.json, .chatsync/)
// 4. CHATSYNC_CONFIG file
// 5. CHATSYNC_CONFIG_CONTENT inline JSON
// 6. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	if directory != "" {
		envPath := filepath.Join(directory, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
			}
		}
	}

	loaded := make(map[string]bool)
	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return nil
		}
		if err := loadConfigFile(path, config); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	paths := []string{
		filepath.Join(GetPaths().Config, "chatsync.json"),
		filepath.Join(GetPaths().Config, "chatsync.jsonc"),
	}
	if directory != "" {
		paths = append(paths,
			filepath.Join(directory, "chatsync.json"),
			filepath.Join(directory, "chatsync.jsonc"),
			ProjectConfigPath(directory),
			filepath.Join(directory, ".chatsync", "chatsync.jsonc"),
		)
	}
	if configPath := os.Getenv("CHATSYNC_CONFIG"); configPath != "" {
		paths = append(paths, configPath)
	}
	for _, path := range paths {
		if err := loadOnce(path); err != nil {
			return nil, err
		}
	}

	if content := os.Getenv("CHATSYNC_CONFIG_CONTENT"); content != "" {
		var inline types.Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("failed to parse CHATSYNC_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inline)
	}

	applyEnvOverrides(config)
	return config, nil
}

// loadConfigFile loads a single JSON or JSONC file with {env:VAR}
// interpolation.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}
	mergeConfig(config, &fileConfig)
	return nil
}

// mergeConfig merges source config into target. Nested sections are merged
// field by field so a later file can override a single setting.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.LogPretty != nil {
		target.LogPretty = source.LogPretty
	}

	if source.History != nil {
		if target.History == nil {
			target.History = &types.HistoryConfig{}
		}
		h := source.History
		if h.URL != "" {
			target.History.URL = h.URL
		}
		if h.CacheSize != 0 {
			target.History.CacheSize = h.CacheSize
		}
		if h.MaxRetries != nil {
			target.History.MaxRetries = h.MaxRetries
		}
		if h.TimeoutMs != 0 {
			target.History.TimeoutMs = h.TimeoutMs
		}
	}

	if source.Inspect != nil {
		if target.Inspect == nil {
			target.Inspect = &types.InspectConfig{}
		}
		if source.Inspect.Addr != "" {
			target.Inspect.Addr = source.Inspect.Addr
		}
		if source.Inspect.EnableCORS != nil {
			target.Inspect.EnableCORS = source.Inspect.EnableCORS
		}
	}

	if source.Bridge != nil {
		if target.Bridge == nil {
			target.Bridge = &types.BridgeConfig{}
		}
		if source.Bridge.Topic != "" {
			target.Bridge.Topic = source.Bridge.Topic
		}
		if source.Bridge.Buffer != 0 {
			target.Bridge.Buffer = source.Bridge.Buffer
		}
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	if level := os.Getenv("CHATSYNC_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}
	if url := os.Getenv("CHATSYNC_HISTORY_URL"); url != "" {
		if config.History == nil {
			config.History = &types.HistoryConfig{}
		}
		config.History.URL = url
	}
	if addr := os.Getenv("CHATSYNC_INSPECT_ADDR"); addr != "" {
		if config.Inspect == nil {
			config.Inspect = &types.InspectConfig{}
		}
		config.Inspect.Addr = addr
	}
	if pretty := os.Getenv("CHATSYNC_LOG_PRETTY"); pretty != "" {
		if v, err := strconv.ParseBool(pretty); err == nil {
			config.LogPretty = &v
		}
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// InspectAddr returns the inspector listen address.
func InspectAddr(config *types.Config) string {
	if config.Inspect != nil && config.Inspect.Addr != "" {
		return config.Inspect.Addr
	}
	return DefaultInspectAddr
}

// CORSEnabled reports whether the inspector should send CORS headers.
// It defaults to true.
func CORSEnabled(config *types.Config) bool {
	if config.Inspect != nil && config.Inspect.EnableCORS != nil {
		return *config.Inspect.EnableCORS
	}
	return true
}

// HistoryTimeout returns the per-fetch timeout.
func HistoryTimeout(config *types.Config) time.Duration {
	if config.History != nil && config.History.TimeoutMs > 0 {
		return time.Duration(config.History.TimeoutMs) * time.Millisecond
	}
	return DefaultHistoryTimeout
}

// BridgeBuffer returns the watermill channel buffer size.
func BridgeBuffer(config *types.Config) int64 {
	if config.Bridge != nil && config.Bridge.Buffer > 0 {
		return config.Bridge.Buffer
	}
	return DefaultBridgeBuffer
}
