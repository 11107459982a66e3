package types

// Config is the chatsync configuration as read from chatsync.json(c).
type Config struct {
	Schema string `json:"$schema,omitempty"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `json:"logLevel,omitempty"`
	// LogPretty enables human-readable console logs.
	LogPretty *bool `json:"logPretty,omitempty"`

	History *HistoryConfig `json:"history,omitempty"`
	Inspect *InspectConfig `json:"inspect,omitempty"`
	Bridge  *BridgeConfig  `json:"bridge,omitempty"`
}

// HistoryConfig configures loading of session history on a switch.
type HistoryConfig struct {
	// URL is the base URL of the history endpoint. Empty disables loading.
	URL string `json:"url,omitempty"`
	// CacheSize bounds the number of cached sessions. Zero means the default.
	CacheSize int `json:"cacheSize,omitempty"`
	// MaxRetries bounds fetch retries.
	MaxRetries *uint64 `json:"maxRetries,omitempty"`
	// TimeoutMs bounds a single fetch.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// InspectConfig configures the inspector HTTP server.
type InspectConfig struct {
	Addr       string `json:"addr,omitempty"`
	EnableCORS *bool  `json:"enableCORS,omitempty"`
}

// BridgeConfig configures the watermill bridge.
type BridgeConfig struct {
	Topic  string `json:"topic,omitempty"`
	Buffer int64  `json:"buffer,omitempty"`
}
