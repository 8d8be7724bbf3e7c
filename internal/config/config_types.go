package config

import (
	"net"
	"time"

	"copilot2api-go/internal/upstream/copilot"
)

// Config is the full runtime configuration. Every domain maps to one
// top-level key in the config file.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Security  SecurityConfig  `yaml:"security" json:"security"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Health    HealthConfig    `yaml:"health" json:"health"`
	Probe     ProbeConfig     `yaml:"probe" json:"probe"`
	Upstream  UpstreamConfig  `yaml:"upstream" json:"upstream"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// ServerConfig 监听地址和上游超时
type ServerConfig struct {
	Host               string `yaml:"host" json:"host"`
	Port               string `yaml:"port" json:"port"`
	BasePath           string `yaml:"base_path" json:"base_path"`
	UpstreamTimeoutSec int    `yaml:"upstream_timeout_sec" json:"upstream_timeout_sec"`
}

// SecurityConfig 管理访问和日志
type SecurityConfig struct {
	ManagementKey     string `yaml:"management_key" json:"management_key"`
	ManagementKeyHash string `yaml:"management_key_hash" json:"management_key_hash"`
	Debug             bool   `yaml:"debug" json:"debug"`
	LogFile           string `yaml:"log_file" json:"log_file"`
}

// StorageConfig 账号存储后端
type StorageConfig struct {
	Backend       string `yaml:"backend" json:"backend"` // file, redis, postgres, mongodb
	AccountsFile  string `yaml:"accounts_file" json:"accounts_file"`
	CompatFile    string `yaml:"compat_file" json:"compat_file"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
	PostgresDSN   string `yaml:"postgres_dsn" json:"postgres_dsn"`
	MongoURI      string `yaml:"mongo_uri" json:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database" json:"mongo_database"`
}

// HealthConfig 限流窗口的默认值和上限
type HealthConfig struct {
	DefaultRetryMS int `yaml:"default_retry_ms" json:"default_retry_ms"`
	MaxRetryMS     int `yaml:"max_retry_ms" json:"max_retry_ms"`
}

// ProbeConfig 主动探测
type ProbeConfig struct {
	TimeoutSec           int     `yaml:"timeout_sec" json:"timeout_sec"`
	AutoProbeEnabled     bool    `yaml:"auto_probe_enabled" json:"auto_probe_enabled"`
	AutoProbeIntervalMin int     `yaml:"auto_probe_interval_min" json:"auto_probe_interval_min"`
	RPS                  float64 `yaml:"rps" json:"rps"`
	Burst                int     `yaml:"burst" json:"burst"`
}

// UpstreamConfig 上游地址和客户端标识
type UpstreamConfig struct {
	GitHubAPI           string `yaml:"github_api" json:"github_api"`
	CopilotAPI          string `yaml:"copilot_api" json:"copilot_api"`
	EditorVersion       string `yaml:"editor_version" json:"editor_version"`
	EditorPluginVersion string `yaml:"editor_plugin_version" json:"editor_plugin_version"`
	UserAgent           string `yaml:"user_agent" json:"user_agent"`
	APIVersion          string `yaml:"api_version" json:"api_version"`
	IntegrationID       string `yaml:"integration_id" json:"integration_id"`
	TokenExchange       bool   `yaml:"token_exchange" json:"token_exchange"`
}

// RateLimitConfig 本地入口限流
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	RPS     int  `yaml:"rps" json:"rps"`
	Burst   int  `yaml:"burst" json:"burst"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return net.JoinHostPort(s.Host, s.Port) }

func (s ServerConfig) UpstreamTimeout() time.Duration {
	return time.Duration(s.UpstreamTimeoutSec) * time.Second
}

// Bounds returns the rate-limit window default and ceiling.
func (h HealthConfig) Bounds() (time.Duration, time.Duration) {
	return time.Duration(h.DefaultRetryMS) * time.Millisecond, time.Duration(h.MaxRetryMS) * time.Millisecond
}

func (p ProbeConfig) Timeout() time.Duration { return time.Duration(p.TimeoutSec) * time.Second }

func (p ProbeConfig) AutoProbeInterval() time.Duration {
	return time.Duration(p.AutoProbeIntervalMin) * time.Minute
}

// Endpoints returns the upstream host overrides.
func (u UpstreamConfig) Endpoints() copilot.Endpoints {
	return copilot.Endpoints{GitHubAPI: u.GitHubAPI, CopilotAPI: u.CopilotAPI}
}

// Identity returns the editor identity, filled from defaults.
func (u UpstreamConfig) Identity() copilot.ClientIdentity {
	return copilot.ClientIdentity{
		EditorVersion:       u.EditorVersion,
		EditorPluginVersion: u.EditorPluginVersion,
		UserAgent:           u.UserAgent,
		APIVersion:          u.APIVersion,
		IntegrationID:       u.IntegrationID,
	}.WithDefaults()
}

// HasManagementKey reports whether the management API can be unlocked.
func (s SecurityConfig) HasManagementKey() bool {
	return s.ManagementKey != "" || s.ManagementKeyHash != ""
}

// Redacted returns a copy safe to expose over the management API.
func (c Config) Redacted() Config {
	redact := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	redact(&c.Security.ManagementKey)
	redact(&c.Security.ManagementKeyHash)
	redact(&c.Storage.RedisPassword)
	redact(&c.Storage.PostgresDSN)
	redact(&c.Storage.MongoURI)
	return c
}
