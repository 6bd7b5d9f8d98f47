// Package localprovider is an in-process authentication provider backed by a
// bcrypt account table. It stands in for a hosted provider in development and
// tests; account provisioning stays with the administrative tooling.
package localprovider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
	"github.com/jrsteele09/portal-session/identity"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

var _ identity.Provider = (*Provider)(nil)

// Account is a credential record known to the provider.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
}

type Provider struct {
	*identity.Broadcaster

	lock     sync.RWMutex
	accounts map[string]Account // normalised email -> account
}

// New creates a provider seeded with accounts.
func New(accounts ...Account) *Provider {
	p := &Provider{
		Broadcaster: identity.NewBroadcaster(),
		accounts:    make(map[string]Account),
	}
	for _, a := range accounts {
		p.accounts[normaliseEmail(a.Email)] = a
	}
	return p
}

// AddAccount hashes password and registers a new account, returning it.
func (p *Provider) AddAccount(email, password string) (Account, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return Account{}, apperrors.Wrapf(err, "[localprovider.AddAccount]")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, apperrors.Wrapf(err, "[localprovider.AddAccount] hashing password")
	}

	a := Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	p.accounts[normaliseEmail(email)] = a
	return a, nil
}

// SignInWithPassword verifies the credentials and, on success, announces the
// account's identity to every listener.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.lock.RLock()
	a, ok := p.accounts[normaliseEmail(email)]
	p.lock.RUnlock()

	if !ok || !CheckPasswordHash(password, a.PasswordHash) {
		return nil, apperrors.ErrInvalidCredentials
	}

	ident := &identity.Identity{ID: a.ID, Email: a.Email}
	p.Emit(ident)
	return ident, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.Emit(nil)
	return nil
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var hasUpper, hasLower, hasNumber bool
	for _, char := range password {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasNumber = true
		}
	}

	if !hasUpper || !hasLower {
		return fmt.Errorf("password must contain uppercase and lowercase letters")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}
	return nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
