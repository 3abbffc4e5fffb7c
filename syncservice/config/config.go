// Package config holds the validated configuration for the sync service.
// Configuration loads in two stages: the raw YamlConfig is unmarshaled from
// the embedded config file, then converted into the canonical AppConfig with
// defaults applied and environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tradementor/go-sync-service/pkg/chatsync"
)

// AppConfig is the canonical, validated configuration object used throughout
// the application.
type AppConfig struct {
	RunMode        string
	WebSocketPort  string
	JWTSecret      string
	DispatchBuffer int

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	StaleThreshold    time.Duration

	Quality chatsync.QualityThresholds

	DatabaseURL string
}

// NewConfigFromYaml converts the raw unmarshaled YamlConfig into an AppConfig
// with defaults filled in and the JWT secret overridable from the
// environment.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	appCfg := &AppConfig{
		RunMode:           yamlCfg.RunMode,
		WebSocketPort:     yamlCfg.WebSocketPort,
		JWTSecret:         yamlCfg.JWTSecret,
		DispatchBuffer:    yamlCfg.DispatchBuffer,
		HeartbeatInterval: time.Duration(yamlCfg.Health.HeartbeatIntervalSeconds) * time.Second,
		SweepInterval:     time.Duration(yamlCfg.Health.SweepIntervalSeconds) * time.Second,
		StaleThreshold:    time.Duration(yamlCfg.Health.StaleThresholdSeconds) * time.Second,
		Quality: chatsync.QualityThresholds{
			ExcellentBelowMs: yamlCfg.Quality.ExcellentBelowMs,
			GoodBelowMs:      yamlCfg.Quality.GoodBelowMs,
			FairBelowMs:      yamlCfg.Quality.FairBelowMs,
		},
		DatabaseURL: yamlCfg.Database.URL,
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		appCfg.JWTSecret = secret
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		appCfg.DatabaseURL = url
	}

	appCfg.applyDefaults()
	if err := appCfg.validate(); err != nil {
		return nil, err
	}
	return appCfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.RunMode == "" {
		c.RunMode = "dev"
	}
	if c.WebSocketPort == "" {
		c.WebSocketPort = "8081"
	}
	if c.DispatchBuffer <= 0 {
		c.DispatchBuffer = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.Quality.ExcellentBelowMs <= 0 || c.Quality.GoodBelowMs <= 0 || c.Quality.FairBelowMs <= 0 {
		c.Quality = chatsync.DefaultQualityThresholds()
	}
}

func (c *AppConfig) validate() error {
	if c.RunMode != "dev" && c.RunMode != "prod" {
		return fmt.Errorf("run_mode must be dev or prod, got %q", c.RunMode)
	}
	if c.RunMode == "prod" {
		if c.JWTSecret == "" {
			return fmt.Errorf("jwt secret is required in prod mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("database url is required in prod mode")
		}
	}
	if c.Quality.ExcellentBelowMs >= c.Quality.GoodBelowMs || c.Quality.GoodBelowMs >= c.Quality.FairBelowMs {
		return fmt.Errorf("quality thresholds must be strictly increasing")
	}
	if c.StaleThreshold <= c.SweepInterval/2 {
		return fmt.Errorf("stale threshold %s is too small for sweep interval %s", c.StaleThreshold, c.SweepInterval)
	}
	return nil
}
