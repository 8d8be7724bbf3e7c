package config

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	setStringFromEnv("HOST", &cfg.Server.Host)
	setStringFromEnv("PORT", &cfg.Server.Port)
	setStringFromEnv("BASE_PATH", &cfg.Server.BasePath)
	setIntFromEnv("UPSTREAM_TIMEOUT_SEC", &cfg.Server.UpstreamTimeoutSec)

	setStringFromEnv("MANAGEMENT_KEY", &cfg.Security.ManagementKey)
	setStringFromEnv("MANAGEMENT_KEY_HASH", &cfg.Security.ManagementKeyHash)
	setToggleFromEnv("DEBUG", &cfg.Security.Debug)
	setStringFromEnv("LOG_FILE", &cfg.Security.LogFile)

	setStringFromEnv("STORAGE_BACKEND", &cfg.Storage.Backend)
	setStringFromEnv("ACCOUNTS_FILE", &cfg.Storage.AccountsFile)
	setStringFromEnv("COMPAT_FILE", &cfg.Storage.CompatFile)
	setStringFromEnv("REDIS_ADDR", &cfg.Storage.RedisAddr)
	setStringFromEnv("REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	setIntFromEnv("REDIS_DB", &cfg.Storage.RedisDB)
	setStringFromEnv("REDIS_PREFIX", &cfg.Storage.RedisPrefix)
	setStringFromEnv("POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	setStringFromEnv("MONGO_URI", &cfg.Storage.MongoURI)
	setStringFromEnv("MONGO_DATABASE", &cfg.Storage.MongoDatabase)

	setIntFromEnv("HEALTH_DEFAULT_RETRY_MS", &cfg.Health.DefaultRetryMS)
	setIntFromEnv("HEALTH_MAX_RETRY_MS", &cfg.Health.MaxRetryMS)

	setIntFromEnv("PROBE_TIMEOUT_SEC", &cfg.Probe.TimeoutSec)
	setToggleFromEnv("AUTO_PROBE", &cfg.Probe.AutoProbeEnabled)
	setIntFromEnv("AUTO_PROBE_INTERVAL_MIN", &cfg.Probe.AutoProbeIntervalMin)
	setFloatFromEnv("PROBE_RPS", &cfg.Probe.RPS)
	setIntFromEnv("PROBE_BURST", &cfg.Probe.Burst)

	setStringFromEnv("GITHUB_API", &cfg.Upstream.GitHubAPI)
	setStringFromEnv("COPILOT_API", &cfg.Upstream.CopilotAPI)
	setStringFromEnv("EDITOR_VERSION", &cfg.Upstream.EditorVersion)
	setStringFromEnv("EDITOR_PLUGIN_VERSION", &cfg.Upstream.EditorPluginVersion)
	setToggleFromEnv("TOKEN_EXCHANGE", &cfg.Upstream.TokenExchange)

	setToggleFromEnv("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	setIntFromEnv("RATE_LIMIT_RPS", &cfg.RateLimit.RPS)
	setIntFromEnv("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
}
