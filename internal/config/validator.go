package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// HasError reports whether field has an error.
func (r *ValidationResult) HasError(field string) bool {
	for _, e := range r.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	network := cfg.GetNetwork()
	app := cfg.GetApplicationData()
	validateNetwork(&network, result)
	validateApplicationData(&app, result)

	return result
}

func validateNetwork(s *ServerConfig, result *ValidationResult) {
	if s.AppID == 0 {
		result.AddWarning("network.app_id", "app id 0 accepts traffic from any unconfigured peer")
	}

	addr, err := s.BindAddress()
	if err != nil {
		result.AddError("network.server_address", err.Error())
	} else {
		if addr.Port() == 0 {
			result.AddError("network.server_address", "server port must not be 0")
		} else if addr.Port() < 1024 {
			result.AddWarning("network.server_address",
				fmt.Sprintf("port %d is a privileged port, may require elevated permissions", addr.Port()))
		}
		if s.ServerLocation != LocationLocalMachine && addr.Host() == 0 {
			result.AddError("network.server_address",
				fmt.Sprintf("server location %s needs a concrete host", s.ServerLocation))
		}
	}

	if _, ok := locationNames[s.ServerLocation]; !ok {
		result.AddError("network.server_location", fmt.Sprintf("invalid server location %d", int(s.ServerLocation)))
	}

	if s.MaxClients < 1 || s.MaxClients > 255 {
		result.AddError("network.max_clients", fmt.Sprintf("max clients %d out of range (1-255)", s.MaxClients))
	}

	if s.ConnectionTimeoutSec < 1 {
		result.AddError("network.connection_timeout_sec", "connection timeout must be at least 1 second")
	}
	if s.ActiveRefreshMs < 1 {
		result.AddError("network.active_refresh_ms", "active refresh must be at least 1 ms")
	}
	if s.PassiveRefreshMs < 1 {
		result.AddError("network.passive_refresh_ms", "passive refresh must be at least 1 ms")
	} else if s.PassiveRefreshMs < s.ActiveRefreshMs {
		result.AddWarning("network.passive_refresh_ms", "passive refresh is faster than active refresh")
	}
	if s.KeepAliveMs < 1 {
		result.AddError("network.keep_alive_ms", "keep alive interval must be at least 1 ms")
	} else if s.ConnectionTimeoutSec > 0 && s.KeepAliveMs >= s.ConnectionTimeoutSec*1000 {
		result.AddError("network.keep_alive_ms", "keep alive interval must be shorter than the connection timeout")
	}
	if s.RequestConnectionFrequencySec < 1 {
		result.AddError("network.request_connection_frequency_sec", "connection request frequency must be at least 1 second")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	switch strings.ToLower(data.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		result.AddWarning("application_data.logging.level",
			fmt.Sprintf("unknown log level %q, info will be used", data.Logging.Level))
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if strings.TrimSpace(data.API.Token) == "" {
			result.AddWarning("application_data.api.token", "API token is empty, control endpoints are unauthenticated")
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Database.Enabled {
		if strings.TrimSpace(data.Database.Path) == "" {
			result.AddError("application_data.database.path", "database path is required when enabled")
		}
		if data.Database.RetentionDays < 1 {
			result.AddError("application_data.database.retention_days", "retention days must be at least 1")
		}
	}

	if data.Timers.HealthIntervalSec > 0 && data.Timers.HealthIntervalSec < 5 {
		result.AddWarning("application_data.timers.health_interval_sec",
			"health interval less than 5s samples disk usage very often")
	}

	if data.Timers.StatsIntervalSec < 10 {
		result.AddWarning("application_data.timers.stats_interval_sec",
			"stats interval less than 10s may flood the log")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
