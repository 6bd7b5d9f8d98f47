package config

import (
	"fmt"
	"time"

	apperrors "github.com/jrsteele09/portal-session/internal/errors"
)

const configFileEnvVar = "CONFIG_FILE"

type Config interface {
	EnvConfig
	CorsConfig
	SessionConfig
	StoreConfig
	ProviderConfig
	Validate() error
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetBaseURL() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type SessionConfig interface {
	GetSubscriptionDeadline() time.Duration
	GetReconcileDeadline() time.Duration
	GetGlobalDeadline() time.Duration
	GetIdleThreshold() time.Duration
	GetCanonicalCollection() string
	GetActivityRate() float64
}

type StoreConfig interface {
	GetStoreDriver() string
	GetSQLitePath() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetDatabaseURL() string
}

type ProviderConfig interface {
	GetProviderKind() string
	GetTokenSecret() string
	GetTokenIssuer() string
	GetTokenAudience() string
	GetOIDCIssuer() string
	GetOIDCClientID() string
	GetOIDCClientSecret() string
	GetOIDCRedirectURL() string
	GetLocalAccounts() []LocalAccount
}

type mainConfig struct {
	EnvVars
	Cors
	Session
	Store
	Provider
}

// New builds the configuration from environment variables, layered over the
// TOML file named by CONFIG_FILE when that variable is set.
func New() (Config, error) {
	return Load(GetEnv(configFileEnvVar, ""))
}

// Load builds the configuration from environment variables layered over the
// TOML file at path. An empty path means environment and defaults only.
func Load(path string) (Config, error) {
	src := source{file: map[string]string{}}
	var accounts []LocalAccount
	if path != "" {
		f, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("[config.Load] %w", err)
		}
		src = f.source()
		accounts = f.Accounts
	}

	return mainConfig{
		EnvVars:  EnvVars{src},
		Cors:     Cors{src},
		Session:  Session{src},
		Store:    Store{src},
		Provider: Provider{src: src, accounts: accounts},
	}, nil
}

// Validate checks cross-field constraints.
func (c mainConfig) Validate() error {
	sub := c.GetSubscriptionDeadline()
	rec := c.GetReconcileDeadline()
	global := c.GetGlobalDeadline()

	if sub <= 0 || rec <= 0 {
		return fmt.Errorf("%w: subscription and reconcile deadlines must be positive", apperrors.ErrInvalidConfig)
	}
	if global <= sub+rec {
		return fmt.Errorf("%w: global deadline %s must exceed subscription %s + reconcile %s",
			apperrors.ErrInvalidConfig, global, sub, rec)
	}
	if c.GetIdleThreshold() <= 0 {
		return fmt.Errorf("%w: idle threshold must be positive", apperrors.ErrInvalidConfig)
	}
	if _, ok := storeDrivers[c.GetStoreDriver()]; !ok {
		return fmt.Errorf("%w: unknown store driver %q", apperrors.ErrInvalidConfig, c.GetStoreDriver())
	}
	if _, ok := providerKinds[c.GetProviderKind()]; !ok {
		return fmt.Errorf("%w: unknown provider kind %q", apperrors.ErrInvalidConfig, c.GetProviderKind())
	}
	if c.GetProviderKind() == ProviderToken && c.GetTokenSecret() == "" {
		return fmt.Errorf("%w: token provider requires TOKEN_SECRET", apperrors.ErrInvalidConfig)
	}
	if c.GetProviderKind() == ProviderOIDC && (c.GetOIDCIssuer() == "" || c.GetOIDCClientID() == "") {
		return fmt.Errorf("%w: oidc provider requires OIDC_ISSUER and OIDC_CLIENT_ID", apperrors.ErrInvalidConfig)
	}
	return nil
}
