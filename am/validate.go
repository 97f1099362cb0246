package am

import "github.com/teranos/codeload/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && *c.Server.Port < 0 {
		return errors.Newf("server.port must be positive, got %d", *c.Server.Port)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.MaxRetries < 0 {
		return errors.Newf("pulse.max_retries must be >= 0, got %d", c.Pulse.MaxRetries)
	}
	if c.Pulse.RetryBaseSeconds < 0 {
		return errors.Newf("pulse.retry_base_seconds must be >= 0, got %d", c.Pulse.RetryBaseSeconds)
	}
	if c.Pulse.RetryMaxSeconds < c.Pulse.RetryBaseSeconds {
		return errors.Newf("pulse.retry_max_seconds (%d) must be >= pulse.retry_base_seconds (%d)",
			c.Pulse.RetryMaxSeconds, c.Pulse.RetryBaseSeconds)
	}
	if c.Pulse.JobTimeoutSeconds <= 0 {
		return errors.Newf("pulse.job_timeout_seconds must be > 0, got %d", c.Pulse.JobTimeoutSeconds)
	}
	if c.Pulse.MaxMemoryPercent < 0 || c.Pulse.MaxMemoryPercent > 100 {
		return errors.Newf("pulse.max_memory_percent must be within [0,100], got %f", c.Pulse.MaxMemoryPercent)
	}

	// Budget values: 0 = no budget, negative = invalid
	if c.Pulse.DailyBudgetUSD < 0 {
		return errors.Newf("pulse.daily_budget_usd must be >= 0, got %f", c.Pulse.DailyBudgetUSD)
	}
	if c.Pulse.WeeklyBudgetUSD < 0 {
		return errors.Newf("pulse.weekly_budget_usd must be >= 0, got %f", c.Pulse.WeeklyBudgetUSD)
	}
	if c.Pulse.MonthlyBudgetUSD < 0 {
		return errors.Newf("pulse.monthly_budget_usd must be >= 0, got %f", c.Pulse.MonthlyBudgetUSD)
	}

	for tier, bonus := range c.Scheduler.TierBonus {
		if bonus < 0 {
			return errors.Newf("scheduler.tier_bonus.%s must be >= 0, got %d", tier, bonus)
		}
	}
	if err := validateBands("scheduler.daily_bands", c.Scheduler.DailyBands); err != nil {
		return err
	}
	if err := validateBands("scheduler.weekly_bands", c.Scheduler.WeeklyBands); err != nil {
		return err
	}

	if c.Fetch.TimeoutSeconds <= 0 {
		return errors.Newf("fetch.timeout_seconds must be > 0, got %d", c.Fetch.TimeoutSeconds)
	}

	switch c.Extraction.Provider {
	case "heuristic":
	case "openrouter":
		if c.Extraction.APIKey == "" {
			return errors.WithHint(
				errors.New("extraction.api_key cannot be empty when provider is openrouter"),
				"set CODELOAD_EXTRACTION_API_KEY or OPENROUTER_API_KEY")
		}
	default:
		return errors.Newf("extraction.provider must be heuristic or openrouter, got %q", c.Extraction.Provider)
	}
	if c.Extraction.ContentFamily == "" {
		return errors.New("extraction.content_family cannot be empty")
	}

	if c.Demand.RefreshIntervalSeconds <= 0 {
		return errors.Newf("demand.refresh_interval_seconds must be > 0, got %d", c.Demand.RefreshIntervalSeconds)
	}

	return nil
}

func validateBands(name string, bands []DemandBand) error {
	for i, b := range bands {
		if b.MinCount < 1 {
			return errors.Newf("%s[%d].min_count must be >= 1, got %d", name, i, b.MinCount)
		}
		if b.Bonus < 0 {
			return errors.Newf("%s[%d].bonus must be >= 0, got %d", name, i, b.Bonus)
		}
	}
	return nil
}
