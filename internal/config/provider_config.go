package config

import "strings"

const (
	ProviderLocal = "local"
	ProviderToken = "token"
	ProviderOIDC  = "oidc"
)

var providerKinds = map[string]nullValue{
	ProviderLocal: {},
	ProviderToken: {},
	ProviderOIDC:  {},
}

// LocalAccount seeds the local identity provider. PasswordHash is a bcrypt hash.
type LocalAccount struct {
	ID           string `toml:"id"`
	Email        string `toml:"email"`
	PasswordHash string `toml:"password_hash"`
}

type Provider struct {
	src      source
	accounts []LocalAccount
}

var _ ProviderConfig = Provider{}

func (p Provider) GetProviderKind() string {
	return p.src.get("PROVIDER_KIND", ProviderLocal)
}

func (p Provider) GetTokenSecret() string {
	return p.src.get("TOKEN_SECRET", "")
}

func (p Provider) GetTokenIssuer() string {
	return p.src.get("TOKEN_ISSUER", "")
}

func (p Provider) GetTokenAudience() string {
	return p.src.get("TOKEN_AUDIENCE", "")
}

func (p Provider) GetOIDCIssuer() string {
	return p.src.get("OIDC_ISSUER", "")
}

func (p Provider) GetOIDCClientID() string {
	return p.src.get("OIDC_CLIENT_ID", "")
}

func (p Provider) GetOIDCClientSecret() string {
	return p.src.get("OIDC_CLIENT_SECRET", "")
}

func (p Provider) GetOIDCRedirectURL() string {
	base := strings.TrimSuffix(p.src.get(baseURLVar, "http://localhost:8080"), "/")
	return p.src.get("OIDC_REDIRECT_URL", base+"/api/identity/oidc/callback")
}

func (p Provider) GetLocalAccounts() []LocalAccount {
	return p.accounts
}
