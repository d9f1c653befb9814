package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateConsensus()...)
	errors = append(errors, c.validateSynthesis()...)
	errors = append(errors, c.validateDrift()...)
	errors = append(errors, c.validateAlerts()...)
	errors = append(errors, c.validateAPI()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port == 0 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: "Database port is required",
		})
	} else if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Database.Port),
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in non-development environments",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Database pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateEngine() ValidationErrors {
	var errors ValidationErrors

	if len(c.Engine.Agents) == 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.agents",
			Message: "At least one analyst agent must be configured",
		})
	}

	if c.Engine.AgentTimeoutMS < 1000 {
		errors = append(errors, ValidationError{
			Field:   "engine.per_agent_timeout_ms",
			Message: "Per-agent timeout must be at least 1000 ms",
		})
	}

	if c.Engine.RunTimeoutMS <= c.Engine.AgentTimeoutMS {
		errors = append(errors, ValidationError{
			Field:   "engine.whole_run_timeout_ms",
			Message: "Whole-run timeout must exceed the per-agent timeout",
		})
	}

	if c.Engine.MaxRetriesPerAgent < 1 || c.Engine.MaxRetriesPerAgent > 10 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_retries_per_agent",
			Message: fmt.Sprintf("Max retries %d out of range. Must be between 1-10", c.Engine.MaxRetriesPerAgent),
		})
	}

	if c.Engine.BackoffFactor < 1.0 {
		errors = append(errors, ValidationError{
			Field:   "engine.backoff_factor",
			Message: "Backoff factor must be >= 1.0",
		})
	}

	if c.Engine.PerRunParallelism < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.per_run_parallelism",
			Message: "Per-run parallelism must be at least 1",
		})
	}

	if c.Engine.GlobalParallelism < c.Engine.PerRunParallelism {
		errors = append(errors, ValidationError{
			Field:   "engine.global_parallelism",
			Message: "Global parallelism must be >= per-run parallelism",
		})
	}

	return errors
}

func (c *Config) validateConsensus() ValidationErrors {
	var errors ValidationErrors

	for agentID, weight := range c.Consensus.BaseWeights {
		if weight <= 0 || weight > 1 {
			errors = append(errors, ValidationError{
				Field:   "consensus.base_weights." + agentID,
				Message: fmt.Sprintf("Base weight %.3f out of range. Must be in (0, 1]", weight),
			})
		}
	}

	return errors
}

func (c *Config) validateSynthesis() ValidationErrors {
	var errors ValidationErrors

	if c.Synthesis.StopLossATRMultiplier <= 0 {
		errors = append(errors, ValidationError{
			Field:   "synthesis.stop_loss_atr_multiplier",
			Message: "Stop-loss ATR multiplier must be positive",
		})
	}

	if c.Synthesis.AccountValue <= 0 {
		errors = append(errors, ValidationError{
			Field:   "synthesis.account_value",
			Message: "Account value must be positive",
		})
	}

	rf := c.Synthesis.RiskFractions
	if rf.Conservative <= 0 || rf.Moderate <= 0 || rf.Aggressive <= 0 {
		errors = append(errors, ValidationError{
			Field:   "synthesis.position_risk_fractions",
			Message: "All position risk fractions must be positive",
		})
	} else if rf.Conservative > rf.Moderate || rf.Moderate > rf.Aggressive {
		errors = append(errors, ValidationError{
			Field:   "synthesis.position_risk_fractions",
			Message: "Risk fractions must be ordered conservative <= moderate <= aggressive",
		})
	}
	if rf.Aggressive > 0.10 {
		errors = append(errors, ValidationError{
			Field:   "synthesis.position_risk_fractions.aggressive",
			Message: fmt.Sprintf("Aggressive risk fraction %.3f too high. Must not exceed 0.10", rf.Aggressive),
		})
	}

	return errors
}

func (c *Config) validateDrift() ValidationErrors {
	var errors ValidationErrors

	if !c.Drift.Enabled {
		return errors
	}

	if c.Drift.TickSeconds < 10 {
		errors = append(errors, ValidationError{
			Field:   "drift.tick_seconds",
			Message: "Drift tick must be at least 10 seconds",
		})
	}

	if c.Drift.ActiveWindowHours < 1 {
		errors = append(errors, ValidationError{
			Field:   "drift.active_window_hours",
			Message: "Drift active window must be at least 1 hour",
		})
	}

	for field, threshold := range map[string]float64{
		"drift.price_threshold":      c.Drift.PriceThreshold,
		"drift.volume_threshold":     c.Drift.VolumeThreshold,
		"drift.volatility_threshold": c.Drift.VolatilityThresh,
		"drift.sentiment_threshold":  c.Drift.SentimentThreshold,
	} {
		if threshold <= 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Message: "Drift threshold must be positive",
			})
		}
	}

	return errors
}

func (c *Config) validateAlerts() ValidationErrors {
	var errors ValidationErrors

	if c.Alerts.Telegram.Enabled {
		if c.Alerts.Telegram.BotToken == "" {
			errors = append(errors, ValidationError{
				Field:   "alerts.telegram.bot_token",
				Message: "Telegram bot token is required when Telegram alerts are enabled",
			})
		}
		if c.Alerts.Telegram.ChatID == 0 {
			errors = append(errors, ValidationError{
				Field:   "alerts.telegram.chat_id",
				Message: "Telegram chat id is required when Telegram alerts are enabled",
			})
		}
	}

	if c.Alerts.Push.Enabled && len(c.Alerts.Push.DeviceTokens) == 0 {
		errors = append(errors, ValidationError{
			Field:   "alerts.push.device_tokens",
			Message: "At least one device token is required when push alerts are enabled",
		})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "api.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.API.Port),
		})
	}

	if c.Monitoring.EnableMetrics && c.Monitoring.PrometheusPort == c.API.Port {
		errors = append(errors, ValidationError{
			Field:   "monitoring.prometheus_port",
			Message: "Prometheus port must differ from the API port",
		})
	}

	return errors
}
