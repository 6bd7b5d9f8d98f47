package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// File is the on-disk TOML layout. Every value can be overridden by the
// environment variable of the same setting.
//
//	[app]
//	port = "8080"
//
//	[session]
//	subscription_deadline = "5s"
//
//	[[accounts]]
//	id = "u1"
//	email = "admin@example.edu"
//	password_hash = "$2a$10$..."
type File struct {
	App struct {
		Port     string `toml:"port"`
		Name     string `toml:"name"`
		Env      string `toml:"env"`
		LogLevel string `toml:"log_level"`
		BaseURL  string `toml:"base_url"`
	} `toml:"app"`

	Cors struct {
		AllowedOrigins string `toml:"allowed_origins"`
	} `toml:"cors"`

	Session struct {
		SubscriptionDeadline string `toml:"subscription_deadline"`
		ReconcileDeadline    string `toml:"reconcile_deadline"`
		GlobalDeadline       string `toml:"global_deadline"`
		IdleThreshold        string `toml:"idle_threshold"`
		CanonicalCollection  string `toml:"canonical_collection"`
		ActivityRate         string `toml:"activity_rate"`
	} `toml:"session"`

	Store struct {
		Driver        string `toml:"driver"`
		SQLitePath    string `toml:"sqlite_path"`
		RedisAddr     string `toml:"redis_addr"`
		RedisPassword string `toml:"redis_password"`
		RedisDB       string `toml:"redis_db"`
		DatabaseURL   string `toml:"database_url"`
	} `toml:"store"`

	Provider struct {
		Kind             string `toml:"kind"`
		TokenSecret      string `toml:"token_secret"`
		TokenIssuer      string `toml:"token_issuer"`
		TokenAudience    string `toml:"token_audience"`
		OIDCIssuer       string `toml:"oidc_issuer"`
		OIDCClientID     string `toml:"oidc_client_id"`
		OIDCClientSecret string `toml:"oidc_client_secret"`
		OIDCRedirectURL  string `toml:"oidc_redirect_url"`
	} `toml:"provider"`

	Accounts []LocalAccount `toml:"accounts"`
}

func readFile(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &f, nil
}

// source flattens the file onto the environment variable names.
func (f *File) source() source {
	return source{file: map[string]string{
		portEnvVar:                 f.App.Port,
		appNameVar:                 f.App.Name,
		envVar:                     f.App.Env,
		logLevelEnvVar:             f.App.LogLevel,
		baseURLVar:                 f.App.BaseURL,
		allowedOriginsEnvVar:       f.Cors.AllowedOrigins,
		subscriptionDeadlineEnvVar: f.Session.SubscriptionDeadline,
		reconcileDeadlineEnvVar:    f.Session.ReconcileDeadline,
		globalDeadlineEnvVar:       f.Session.GlobalDeadline,
		idleThresholdEnvVar:        f.Session.IdleThreshold,
		canonicalCollectionEnvVar:  f.Session.CanonicalCollection,
		activityRateEnvVar:         f.Session.ActivityRate,
		"STORE_DRIVER":             f.Store.Driver,
		"SQLITE_PATH":              f.Store.SQLitePath,
		"REDIS_ADDR":               f.Store.RedisAddr,
		"REDIS_PASSWORD":           f.Store.RedisPassword,
		"REDIS_DB":                 f.Store.RedisDB,
		"DATABASE_URL":             f.Store.DatabaseURL,
		"PROVIDER_KIND":            f.Provider.Kind,
		"TOKEN_SECRET":             f.Provider.TokenSecret,
		"TOKEN_ISSUER":             f.Provider.TokenIssuer,
		"TOKEN_AUDIENCE":           f.Provider.TokenAudience,
		"OIDC_ISSUER":              f.Provider.OIDCIssuer,
		"OIDC_CLIENT_ID":           f.Provider.OIDCClientID,
		"OIDC_CLIENT_SECRET":       f.Provider.OIDCClientSecret,
		"OIDC_REDIRECT_URL":        f.Provider.OIDCRedirectURL,
	}}
}
