package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverBadger)
	t.Setenv("SERVER_NAME", "relay-test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8000", cfg.ListenAddr)
	require.Equal(t, 60*time.Second, cfg.GraceWindow)
	require.Equal(t, 256, cfg.WorkerPoolSize)
	require.Equal(t, "*", cfg.ClientURL)
	require.Equal(t, "relay-test", cfg.ServerName)
	require.Empty(t, cfg.RedisAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverPostgres)
	t.Setenv("DATABASE_URL", "postgres://localhost/chat?sslmode=disable")
	t.Setenv("SESSION_GRACE_WINDOW", "5s")
	t.Setenv("LISTEN_ADDR", ":9001")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.GraceWindow)
	require.Equal(t, ":9001", cfg.ListenAddr)
	require.True(t, cfg.LogPretty)
}

func TestValidate(t *testing.T) {
	base := Config{
		StoreDriver:    DriverBadger,
		BadgerPath:     "/tmp/x",
		WorkerPoolSize: 1,
		MaxConnections: 1,
		GraceWindow:    time.Second,
	}
	require.NoError(t, base.Validate())

	pg := base
	pg.StoreDriver = DriverPostgres
	require.ErrorContains(t, pg.Validate(), "DATABASE_URL")

	bad := base
	bad.StoreDriver = "sqlite"
	require.ErrorContains(t, bad.Validate(), "unknown STORE_DRIVER")

	noGrace := base
	noGrace.GraceWindow = 0
	require.ErrorContains(t, noGrace.Validate(), "SESSION_GRACE_WINDOW")
}

func TestLoadTap(t *testing.T) {
	t.Setenv("BLOCKED_TERMS", "spoiler,lorem ipsum")

	cfg, err := LoadTap()
	require.NoError(t, err)
	require.Equal(t, "relaytap", cfg.Queue)
	require.Equal(t, []string{"spoiler", "lorem ipsum"}, cfg.BlockedTerms)
}
