package config

// --- YAML-Specific Structs ---

// YamlQualityConfig holds the latency bucket boundaries in milliseconds.
type YamlQualityConfig struct {
	ExcellentBelowMs int64 `yaml:"excellent_below_ms"`
	GoodBelowMs      int64 `yaml:"good_below_ms"`
	FairBelowMs      int64 `yaml:"fair_below_ms"`
}

// YamlHealthConfig holds the liveness timing knobs in seconds.
type YamlHealthConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	SweepIntervalSeconds     int `yaml:"sweep_interval_seconds"`
	StaleThresholdSeconds    int `yaml:"stale_threshold_seconds"`
}

// YamlDatabaseConfig holds the Postgres connection settings.
type YamlDatabaseConfig struct {
	URL string `yaml:"url"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml
// file.
type YamlConfig struct {
	RunMode        string             `yaml:"run_mode"` // "dev" or "prod"
	WebSocketPort  string             `yaml:"websocket_port"`
	JWTSecret      string             `yaml:"jwt_secret"`
	DispatchBuffer int                `yaml:"dispatch_buffer"`
	Health         YamlHealthConfig   `yaml:"health"`
	Quality        YamlQualityConfig  `yaml:"quality"`
	Database       YamlDatabaseConfig `yaml:"database"`
}
