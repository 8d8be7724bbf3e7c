package config

// Defaults returns a configuration with every field at its default.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               "8080",
			UpstreamTimeoutSec: 300,
		},
		Storage: StorageConfig{
			Backend:       "file",
			AccountsFile:  "~/.copilot2api/accounts.json",
			CompatFile:    "~/.copilot2api/github_token",
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "copilot2api:",
			MongoDatabase: "copilot2api",
		},
		Health: HealthConfig{
			DefaultRetryMS: 60_000,
			MaxRetryMS:     600_000,
		},
		Probe: ProbeConfig{
			TimeoutSec:           8,
			AutoProbeIntervalMin: 15,
			RPS:                  5,
			Burst:                10,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     20,
			Burst:   40,
		},
	}
}
