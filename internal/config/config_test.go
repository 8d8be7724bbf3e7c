package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	def, max := cfg.Health.Bounds()
	require.Equal(t, 60*time.Second, def)
	require.Equal(t, 10*time.Minute, max)
	require.Equal(t, 8*time.Second, cfg.Probe.Timeout())
	require.Equal(t, "file", cfg.Storage.Backend)
	require.True(t, filepath.IsAbs(cfg.Storage.AccountsFile))
	require.Equal(t, "vscode/1.99.3", cfg.Upstream.Identity().EditorVersion)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
  base_path: api/
health:
  default_retry_ms: 30000
  max_retry_ms: 120000
storage:
  backend: Redis
  redis_addr: 10.0.0.1:6379
upstream:
  github_api: https://ghe.example.com/api
`), 0o600))
	t.Setenv("PORT", "9191")
	t.Setenv("AUTO_PROBE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "9191", cfg.Server.Port)
	require.Equal(t, "/api", cfg.Server.BasePath)
	require.Equal(t, "redis", cfg.Storage.Backend)
	require.Equal(t, "10.0.0.1:6379", cfg.Storage.RedisAddr)
	require.True(t, cfg.Probe.AutoProbeEnabled)
	def, max := cfg.Health.Bounds()
	require.Equal(t, 30*time.Second, def)
	require.Equal(t, 2*time.Minute, max)
	require.Equal(t, "https://ghe.example.com/api", cfg.Upstream.Endpoints().GitHubAPI)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"security":{"management_key":"k"},"probe":{"timeout_sec":3}}`), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "k", cfg.Security.ManagementKey)
	require.Equal(t, 3, cfg.Probe.TimeoutSec)
	require.Equal(t, "***", cfg.Redacted().Security.ManagementKey)
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Backend = "postgres"
	cfg.Health.MaxRetryMS = 1000
	cfg.Upstream.GitHubAPI = "not a url"
	res := cfg.Validate()
	require.False(t, res.Valid)

	fields := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		fields = append(fields, e.Field)
	}
	require.ElementsMatch(t, []string{"storage.postgres_dsn", "health.max_retry_ms", "upstream.github_api"}, fields)
	require.NotEmpty(t, res.Warnings)
}

func TestValidateAndExpandPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := Defaults()
	cfg.Storage.AccountsFile = "~/accounts.json"
	cfg.Security.LogFile = "~/logs/app.log"
	require.NoError(t, cfg.ValidateAndExpandPaths())
	require.True(t, strings.HasPrefix(cfg.Storage.AccountsFile, home))
	require.True(t, strings.HasPrefix(cfg.Security.LogFile, home+string(filepath.Separator)))
}

func TestCheckManagementKey(t *testing.T) {
	cfg := Defaults()
	require.False(t, CheckManagementKey(cfg, "secret"))

	cfg.Security.ManagementKey = "secret"
	require.True(t, CheckManagementKey(cfg, "secret"))
	require.False(t, CheckManagementKey(cfg, "other"))
	require.False(t, CheckManagementKey(cfg, ""))

	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	require.NoError(t, err)
	cfg = Defaults()
	cfg.Security.ManagementKeyHash = string(hash)
	require.True(t, CheckManagementKey(cfg, "hashed"))
	require.False(t, CheckManagementKey(cfg, "other"))
}

func TestManagerReloadNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("health:\n  default_retry_ms: 60000\n"), 0o600))

	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Close()

	var calls atomic.Int32
	var lastDefault atomic.Int64
	m.OnChange(func(cfg *Config) {
		calls.Add(1)
		lastDefault.Store(int64(cfg.Health.DefaultRetryMS))
	})

	require.NoError(t, os.WriteFile(path, []byte("health:\n  default_retry_ms: 90000\n  max_retry_ms: 600000\n"), 0o600))
	require.NoError(t, m.Reload())
	require.GreaterOrEqual(t, calls.Load(), int32(1))
	require.Equal(t, int64(90000), lastDefault.Load())
	require.Equal(t, 90000, m.Get().Health.DefaultRetryMS)
}

func TestManagerReloadKeepsConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"8081\"\n"), 0o600))
	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"99999\"\n"), 0o600))
	require.Error(t, m.Reload())
	require.Equal(t, "8081", m.Get().Server.Port)
}

func TestManagerWatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("probe:\n  auto_probe_enabled: false\n"), 0o600))
	m, err := NewManager(path)
	require.NoError(t, err)
	defer m.Close()

	changed := make(chan bool, 4)
	m.OnChange(func(cfg *Config) { changed <- cfg.Probe.AutoProbeEnabled })

	require.NoError(t, os.WriteFile(path, []byte("probe:\n  auto_probe_enabled: true\n"), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case v := <-changed:
		require.True(t, v)
	case <-time.After(7 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestEnvOverridesIgnoreMalformedValues(t *testing.T) {
	t.Setenv("REDIS_DB", "three")
	t.Setenv("AUTO_PROBE", "maybe")
	t.Setenv("PROBE_RPS", "2.5")
	cfg, err := Load("")
	require.NoError(t, err)
	def := Defaults()
	require.Equal(t, def.Storage.RedisDB, cfg.Storage.RedisDB)
	require.Equal(t, def.Probe.AutoProbeEnabled, cfg.Probe.AutoProbeEnabled)
	require.InDelta(t, 2.5, cfg.Probe.RPS, 0.0001)
}

func TestNormalizeBasePath(t *testing.T) {
	for in, want := range map[string]string{
		"":          "",
		"/":         "",
		"api":       "/api",
		"/api/v1/":  "/api/v1",
		"api//v1//": "/api/v1",
	} {
		t.Run(in, func(t *testing.T) {
			require.Equal(t, want, normalizeBasePath(in))
		})
	}
}
