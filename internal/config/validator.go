package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s=%s]: %s", e.Field, e.Value, e.Message)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

func (r *ValidationResult) AddError(field, value, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Value: value, Message: message})
	r.Valid = false
}

func (r *ValidationResult) AddWarning(field, value, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

var validBackends = []string{"file", "redis", "postgres", "mongodb"}

// Validate checks cross-field consistency.
func (c *Config) Validate() ValidationResult {
	result := ValidationResult{Valid: true}

	if err := validatePort(c.Server.Port); err != nil {
		result.AddError("server.port", c.Server.Port, err.Error())
	}

	if !contains(validBackends, c.Storage.Backend) {
		result.AddError("storage.backend", c.Storage.Backend,
			fmt.Sprintf("must be one of: %s", strings.Join(validBackends, ", ")))
	}
	switch c.Storage.Backend {
	case "file":
		if c.Storage.AccountsFile == "" {
			result.AddError("storage.accounts_file", "", "required when using file backend")
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			result.AddError("storage.redis_addr", "", "required when using redis backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			result.AddError("storage.postgres_dsn", "", "required when using postgres backend")
		}
	case "mongodb":
		if c.Storage.MongoURI == "" {
			result.AddError("storage.mongo_uri", "", "required when using mongodb backend")
		}
	}

	if c.Health.DefaultRetryMS <= 0 {
		result.AddError("health.default_retry_ms", strconv.Itoa(c.Health.DefaultRetryMS), "must be positive")
	}
	if c.Health.MaxRetryMS < c.Health.DefaultRetryMS {
		result.AddError("health.max_retry_ms", strconv.Itoa(c.Health.MaxRetryMS), "must not be below default_retry_ms")
	}

	if c.Probe.TimeoutSec < 1 || c.Probe.TimeoutSec > 60 {
		result.AddWarning("probe.timeout_sec", strconv.Itoa(c.Probe.TimeoutSec), "should be between 1 and 60")
	}
	if c.Probe.AutoProbeEnabled && c.Probe.AutoProbeIntervalMin <= 0 {
		result.AddError("probe.auto_probe_interval_min", strconv.Itoa(c.Probe.AutoProbeIntervalMin),
			"must be positive when auto probe is enabled")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			result.AddError("rate_limit.rps", strconv.Itoa(c.RateLimit.RPS), "must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Burst <= 0 {
			result.AddError("rate_limit.burst", strconv.Itoa(c.RateLimit.Burst), "must be positive when rate limiting is enabled")
		}
	}

	if !c.Security.HasManagementKey() {
		result.AddWarning("security.management_key", "", "no management key set, management API will be disabled")
	}

	for field, raw := range map[string]string{
		"upstream.github_api":  c.Upstream.GitHubAPI,
		"upstream.copilot_api": c.Upstream.CopilotAPI,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			result.AddError(field, raw, "invalid URL format")
		}
	}

	return result
}

func validatePort(port string) error {
	if port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid port number: %v", err)
	}
	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", portNum)
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// ValidateAndExpandPaths normalises paths and fills bounds that are unset.
func (c *Config) ValidateAndExpandPaths() error {
	var err error
	for name, p := range map[string]*string{
		"storage.accounts_file": &c.Storage.AccountsFile,
		"storage.compat_file":   &c.Storage.CompatFile,
		"security.log_file":     &c.Security.LogFile,
	} {
		if *p == "" {
			continue
		}
		if *p, err = expandPath(*p); err != nil {
			return fmt.Errorf("invalid %s path: %v", name, err)
		}
	}
	c.Server.BasePath = normalizeBasePath(c.Server.BasePath)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "file"
	}
	if c.Probe.TimeoutSec <= 0 {
		c.Probe.TimeoutSec = 8
	}
	return nil
}

// expandPath expands ~ and environment variables in file paths
func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot get home directory: %v", err)
		}
		path = filepath.Join(home, path[2:])
	}
	path = os.ExpandEnv(path)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot convert to absolute path: %v", err)
	}
	return absPath, nil
}
