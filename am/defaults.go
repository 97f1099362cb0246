package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// DefaultFallbackSources are tried when a resource key has no mapped sources
var DefaultFallbackSources = []string{"IRC 2021", "IBC 2021"}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "codeload.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})

	// Pulse (job workers) defaults
	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.poll_interval_ms", 1000)
	v.SetDefault("pulse.max_retries", 3)
	v.SetDefault("pulse.retry_base_seconds", 30)
	v.SetDefault("pulse.retry_max_seconds", 3600)
	v.SetDefault("pulse.job_timeout_seconds", 900)
	v.SetDefault("pulse.reaper_interval_secs", 60)
	v.SetDefault("pulse.job_retention_days", 30)
	v.SetDefault("pulse.cleanup_interval_secs", 3600)
	v.SetDefault("pulse.recover_orphans", true)
	v.SetDefault("pulse.daily_budget_usd", 5.0)
	v.SetDefault("pulse.weekly_budget_usd", 20.0)
	v.SetDefault("pulse.monthly_budget_usd", 50.0)
	v.SetDefault("pulse.extraction_calls_per_minute", 30)
	v.SetDefault("pulse.max_memory_percent", 0)

	// Priority blend
	v.SetDefault("scheduler.urgent_bonus", 5)
	v.SetDefault("scheduler.tier_bonus", map[string]int{
		"free":       0,
		"basic":      1,
		"pro":        2,
		"enterprise": 3,
	})
	v.SetDefault("scheduler.max_tier_bonus", 3)
	v.SetDefault("scheduler.max_demand_bonus", 3)
	v.SetDefault("scheduler.first_request_bonus", 1)
	v.SetDefault("scheduler.daily_bands", []map[string]interface{}{
		{"min_count": 10, "bonus": 3},
		{"min_count": 3, "bonus": 2},
		{"min_count": 1, "bonus": 1},
	})
	v.SetDefault("scheduler.weekly_bands", []map[string]interface{}{
		{"min_count": 20, "bonus": 1},
	})

	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.user_agent", "codeload/1.0 (+https://github.com/teranos/codeload)")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.allow_private_hosts", false)

	v.SetDefault("extraction.provider", "heuristic")
	v.SetDefault("extraction.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("extraction.model", "openai/gpt-4o-mini")
	v.SetDefault("extraction.temperature", 0.0)
	v.SetDefault("extraction.max_tokens", 4000)
	v.SetDefault("extraction.timeout_seconds", 120)
	v.SetDefault("extraction.content_family", "building-code/v1")

	v.SetDefault("sources.catalog_path", "")
	v.SetDefault("sources.fallback", DefaultFallbackSources)

	v.SetDefault("demand.refresh_interval_seconds", 300)
	v.SetDefault("demand.event_retention_days", 90)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("extraction.api_key", "CODELOAD_EXTRACTION_API_KEY", "OPENROUTER_API_KEY")
	v.BindEnv("database.path", "CODELOAD_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "codeload.db"
	}
	return c.Database.Path
}

// GetServerPort returns the configured port or DefaultServerPort
func (c *Config) GetServerPort() int {
	if c.Server.Port == nil {
		return DefaultServerPort
	}
	return *c.Server.Port
}

// GetFallbackSources returns the fallback source names, applying the default when unset
func (c *Config) GetFallbackSources() []string {
	if len(c.Sources.Fallback) == 0 {
		return DefaultFallbackSources
	}
	return c.Sources.Fallback
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d}, Extraction: {Provider: %s}}",
		c.Database.Path, c.Pulse.Workers, c.Extraction.Provider)
}
