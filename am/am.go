package am

// Config represents the codeload configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database" toml:"database"`
	Server     ServerConfig     `mapstructure:"server" toml:"server"`
	Pulse      PulseConfig      `mapstructure:"pulse" toml:"pulse"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" toml:"scheduler"`
	Fetch      FetchConfig      `mapstructure:"fetch" toml:"fetch"`
	Extraction ExtractionConfig `mapstructure:"extraction" toml:"extraction"`
	Sources    SourcesConfig    `mapstructure:"sources" toml:"sources"`
	Demand     DemandConfig     `mapstructure:"demand" toml:"demand"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Port           *int     `mapstructure:"port" toml:"port,omitempty"` // nil = default 8787, 0 is invalid
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// Server port constants
const (
	DefaultServerPort = 8787
)

// PulseConfig configures the job workers and their maintenance loops
type PulseConfig struct {
	Workers             int `mapstructure:"workers" toml:"workers"`                             // concurrent job workers (0 = no background workers)
	PollIntervalMS      int `mapstructure:"poll_interval_ms" toml:"poll_interval_ms"`           // idle worker poll interval
	MaxRetries          int `mapstructure:"max_retries" toml:"max_retries"`                     // retries after the first attempt
	RetryBaseSeconds    int `mapstructure:"retry_base_seconds" toml:"retry_base_seconds"`       // first retry delay, doubled per retry
	RetryMaxSeconds     int `mapstructure:"retry_max_seconds" toml:"retry_max_seconds"`         // cap on retry delay
	JobTimeoutSeconds   int `mapstructure:"job_timeout_seconds" toml:"job_timeout_seconds"`     // running jobs older than this are reaped
	ReaperIntervalSecs  int `mapstructure:"reaper_interval_secs" toml:"reaper_interval_secs"`   // reaper tick
	JobRetentionDays    int `mapstructure:"job_retention_days" toml:"job_retention_days"`       // terminal jobs kept this long
	CleanupIntervalSecs int `mapstructure:"cleanup_interval_secs" toml:"cleanup_interval_secs"` // retention tick

	// Requeue jobs left running by a previous process on start. nil = true.
	// Disable when several hosts share one database.
	RecoverOrphans *bool `mapstructure:"recover_orphans" toml:"recover_orphans,omitempty"`

	// Spend caps over recorded extraction cost. 0 = no spending allowed.
	DailyBudgetUSD   float64 `mapstructure:"daily_budget_usd" toml:"daily_budget_usd"`
	WeeklyBudgetUSD  float64 `mapstructure:"weekly_budget_usd" toml:"weekly_budget_usd"`
	MonthlyBudgetUSD float64 `mapstructure:"monthly_budget_usd" toml:"monthly_budget_usd"`

	// Extraction calls per minute across all workers
	ExtractionCallsPerMinute int `mapstructure:"extraction_calls_per_minute" toml:"extraction_calls_per_minute"`

	// Workers stop claiming when host memory use exceeds this percent (0 = disabled)
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent" toml:"max_memory_percent"`
}

// SchedulerConfig configures the priority blend used at enqueue time
type SchedulerConfig struct {
	UrgentBonus       int            `mapstructure:"urgent_bonus" toml:"urgent_bonus"`
	TierBonus         map[string]int `mapstructure:"tier_bonus" toml:"tier_bonus"`
	MaxTierBonus      int            `mapstructure:"max_tier_bonus" toml:"max_tier_bonus"`
	MaxDemandBonus    int            `mapstructure:"max_demand_bonus" toml:"max_demand_bonus"`
	FirstRequestBonus int            `mapstructure:"first_request_bonus" toml:"first_request_bonus"`

	// Demand bonus bands over the 24h and 7d request counts
	DailyBands  []DemandBand `mapstructure:"daily_bands" toml:"daily_bands"`
	WeeklyBands []DemandBand `mapstructure:"weekly_bands" toml:"weekly_bands"`
}

// DemandBand awards bonus once a window's request count reaches min_count
type DemandBand struct {
	MinCount int `mapstructure:"min_count" toml:"min_count"`
	Bonus    int `mapstructure:"bonus" toml:"bonus"`
}

// FetchConfig configures the HTTP fetch capability
type FetchConfig struct {
	TimeoutSeconds    int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	UserAgent         string `mapstructure:"user_agent" toml:"user_agent"`
	MaxBodyBytes      int64  `mapstructure:"max_body_bytes" toml:"max_body_bytes"`
	AllowPrivateHosts bool   `mapstructure:"allow_private_hosts" toml:"allow_private_hosts"` // tests and local mirrors only
}

// ExtractionConfig configures the extraction capability
type ExtractionConfig struct {
	Provider       string   `mapstructure:"provider" toml:"provider"` // "openrouter" or "heuristic"
	APIKey         string   `mapstructure:"api_key" toml:"api_key,omitempty"`
	BaseURL        string   `mapstructure:"base_url" toml:"base_url"`
	Model          string   `mapstructure:"model" toml:"model"`
	Temperature    *float64 `mapstructure:"temperature" toml:"temperature,omitempty"`
	MaxTokens      *int     `mapstructure:"max_tokens" toml:"max_tokens,omitempty"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	ContentFamily  string   `mapstructure:"content_family" toml:"content_family"` // fingerprint namespace, bump to invalidate the cache
}

// SourcesConfig configures the source catalog and fallback set
type SourcesConfig struct {
	CatalogPath string   `mapstructure:"catalog_path" toml:"catalog_path"` // YAML seed file (empty = built-in catalog)
	Fallback    []string `mapstructure:"fallback" toml:"fallback"`         // source names tried when discovery finds nothing
}

// DemandConfig configures demand rollups
type DemandConfig struct {
	RefreshIntervalSeconds int `mapstructure:"refresh_interval_seconds" toml:"refresh_interval_seconds"`
	EventRetentionDays     int `mapstructure:"event_retention_days" toml:"event_retention_days"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
