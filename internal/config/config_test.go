package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/portal-session/internal/config"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"github.com/stretchr/testify/require"
)

const testFile = `
[app]
port = "9090"
env = "PROD"

[session]
subscription_deadline = "2s"
reconcile_deadline = "3s"
global_deadline = "6s"
idle_threshold = "10m"

[store]
driver = "sqlite"
sqlite_path = "/tmp/portal.db"

[provider]
kind = "local"

[[accounts]]
id = "admin-1"
email = "admin@example.edu"
password_hash = "$2a$04$abcdefghijklmnopqrstuu"
`

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portal.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.GetPort())
	require.Equal(t, 5*time.Second, cfg.GetSubscriptionDeadline())
	require.Equal(t, 5*time.Second, cfg.GetReconcileDeadline())
	require.Equal(t, 12*time.Second, cfg.GetGlobalDeadline())
	require.Equal(t, 5*time.Minute, cfg.GetIdleThreshold())
	require.Equal(t, "users", cfg.GetCanonicalCollection())
	require.Equal(t, config.StoreMemory, cfg.GetStoreDriver())
	require.Equal(t, config.ProviderLocal, cfg.GetProviderKind())
	require.Equal(t, "http://localhost:8080/api/identity/oidc/callback", cfg.GetOIDCRedirectURL())
	require.NoError(t, cfg.Validate())
}

func TestFileLayer(t *testing.T) {
	cfg, err := config.Load(writeConfigFile(t, testFile))
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.GetPort())
	require.Equal(t, "PROD", cfg.GetEnv())
	require.Equal(t, 2*time.Second, cfg.GetSubscriptionDeadline())
	require.Equal(t, 10*time.Minute, cfg.GetIdleThreshold())
	require.Equal(t, config.StoreSQLite, cfg.GetStoreDriver())
	require.Equal(t, "/tmp/portal.db", cfg.GetSQLitePath())
	require.Len(t, cfg.GetLocalAccounts(), 1)
	require.Equal(t, "admin@example.edu", cfg.GetLocalAccounts()[0].Email)
	require.NoError(t, cfg.Validate())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("SUBSCRIPTION_DEADLINE", "1")
	t.Setenv("STORE_DRIVER", "redis")

	cfg, err := config.Load(writeConfigFile(t, testFile))
	require.NoError(t, err)

	require.Equal(t, ":7070", cfg.GetPort())
	require.Equal(t, time.Second, cfg.GetSubscriptionDeadline())
	require.Equal(t, config.StoreRedis, cfg.GetStoreDriver())
}

func TestMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"global not longer than nested deadlines", map[string]string{"GLOBAL_DEADLINE": "10s"}},
		{"non positive idle threshold", map[string]string{"IDLE_THRESHOLD": "0s"}},
		{"unknown store driver", map[string]string{"STORE_DRIVER": "mongo"}},
		{"unknown provider", map[string]string{"PROVIDER_KIND": "saml"}},
		{"token provider without secret", map[string]string{"PROVIDER_KIND": "token"}},
		{"oidc provider without issuer", map[string]string{"PROVIDER_KIND": "oidc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := config.Load("")
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			require.ErrorIs(t, err, apperrors.ErrInvalidConfig)
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.edu, https://b.example.edu")
	cfg, err := config.Load("")
	require.NoError(t, err)

	origins := cfg.GetAllowedOrigins()
	require.True(t, origins.IsAllowedOrigin("https://a.example.edu"))
	require.True(t, origins.IsAllowedOrigin("https://b.example.edu"))
	require.False(t, origins.IsAllowedOrigin("https://evil.example.com"))
}
