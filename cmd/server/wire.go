package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jrsteele09/portal-session/docstore"
	"github.com/jrsteele09/portal-session/docstore/memstore"
	"github.com/jrsteele09/portal-session/docstore/pgstore"
	"github.com/jrsteele09/portal-session/docstore/redisstore"
	"github.com/jrsteele09/portal-session/docstore/sqlitestore"
	"github.com/jrsteele09/portal-session/identity"
	"github.com/jrsteele09/portal-session/identity/localprovider"
	"github.com/jrsteele09/portal-session/identity/oidcprovider"
	"github.com/jrsteele09/portal-session/identity/tokenprovider"
	"github.com/jrsteele09/portal-session/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// buildStore opens the configured document store. The returned func releases
// it and is safe to call once the session machine has stopped.
func buildStore(ctx context.Context, c config.Config) (docstore.Store, func(), error) {
	driver := c.GetStoreDriver()
	log.Info().Str("driver", driver).Msg("opening document store")

	switch driver {
	case config.StoreMemory:
		return memstore.New(), func() {}, nil

	case config.StoreSQLite:
		path := c.GetSQLitePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("[buildStore] creating sqlite directory: %w", err)
		}
		store, err := sqlitestore.New(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.Err(err).Msg("closing sqlite store")
			}
		}, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.GetRedisAddr(),
			Password: c.GetRedisPassword(),
			DB:       c.GetRedisDB(),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("[buildStore] redis ping: %w", err)
		}
		store, err := redisstore.New(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, c.GetDatabaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("[buildStore] connecting to postgres: %w", err)
		}
		store, err := pgstore.New(ctx, pool, pgstore.WithLogger(log.Logger))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() {
			store.Close()
			pool.Close()
		}, nil
	}

	return nil, nil, fmt.Errorf("[buildStore] unknown store driver %q", driver)
}

func buildProvider(ctx context.Context, c config.Config) (identity.Provider, error) {
	kind := c.GetProviderKind()
	log.Info().Str("provider", kind).Msg("configuring identity provider")

	switch kind {
	case config.ProviderLocal:
		var accounts []localprovider.Account
		for _, a := range c.GetLocalAccounts() {
			id := a.ID
			if id == "" {
				id = uuid.NewString()
			}
			accounts = append(accounts, localprovider.Account{ID: id, Email: a.Email, PasswordHash: a.PasswordHash})
		}
		if len(accounts) == 0 {
			log.Warn().Msg("local provider has no accounts; nobody can sign in")
		}
		return localprovider.New(accounts...), nil

	case config.ProviderToken:
		p, err := tokenprovider.New(tokenprovider.Config{
			Secret:   []byte(c.GetTokenSecret()),
			Issuer:   c.GetTokenIssuer(),
			Audience: c.GetTokenAudience(),
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	case config.ProviderOIDC:
		p, err := oidcprovider.New(ctx, oidcprovider.Config{
			Issuer:       c.GetOIDCIssuer(),
			ClientID:     c.GetOIDCClientID(),
			ClientSecret: c.GetOIDCClientSecret(),
			RedirectURL:  c.GetOIDCRedirectURL(),
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	return nil, fmt.Errorf("[buildProvider] unknown provider kind %q", kind)
}
