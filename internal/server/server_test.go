package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/config"
)

func baseConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Scheduler: config.SchedulerConfig{
			TickSeconds:       15,
			Workers:           2,
			MaxRetries:        3,
			BackoffInitialMs:  250,
			BackoffMaxMs:      5000,
			DegradedThreshold: 3,
		},
		HTTP: config.HTTPConfig{TimeoutSeconds: 20, DialTimeoutSeconds: 10, TLSTimeoutSeconds: 10},
		Proxies: config.ProxyConfig{
			AllowDirect:        true,
			FailureThreshold:   3,
			CooldownBaseSec:    60,
			CooldownMaxSec:     1800,
			InitialHealthScore: 50,
		},
		RateLimits: config.RateLimitConfig{
			HostPerMinute:  12,
			HostBurst:      2,
			ProxyPerMinute: 60,
			ProxyBurst:     5,
			MaxWaitSeconds: 30,
		},
		Archive: config.ArchiveConfig{Backend: "memory", Prefix: "pages", ContentType: "text/html"},
	}
}

func TestBuildMinimalEngine(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	require.NoError(t, cfg.Validate())

	engine, err := Build(context.Background(), cfg, "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	require.NotNil(t, engine.store)
	require.NotNil(t, engine.sched)
	require.NotNil(t, engine.httpSrv)
	require.Equal(t, ":8080", engine.httpSrv.Addr)
}

func TestBuildLocalArchive(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Archive.Backend = "local"
	cfg.Archive.LocalDir = t.TempDir()

	engine, err := Build(context.Background(), cfg, "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)
}

func TestReloadSwapsIdentitiesAndProxies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "monitor.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
server:
  port: 8080
proxies:
  allow_direct: true
identities:
  - name: reload-1
    user_agent: "agent-1"
  - name: reload-2
    user_agent: "agent-2"
`), 0o600))

	engine, err := Build(context.Background(), baseConfig(), cfgPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	engine.reload()
	require.Equal(t, 2, engine.identities.Size())
}

func TestReloadKeepsSettingsOnBadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "monitor.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("server:\n  port: -1\n"), 0o600))

	engine, err := Build(context.Background(), baseConfig(), cfgPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	before := engine.cfg
	engine.reload()
	require.Equal(t, before, engine.cfg, "invalid reload must not change configuration")
}
