package identity

import (
	"context"
	"sync"

	"github.com/jrsteele09/portal-session/internal/utils"
)

// Identity is the authenticated principal issued by the authentication provider.
// It is immutable; a new sign-in replaces it wholesale.
type Identity struct {
	ID    string `json:"id"`    // Provider-issued unique id (uid)
	Email string `json:"email"` // Email address the provider verified
}

// Listener receives identity changes. A nil identity means signed out.
type Listener func(*Identity)

// Provider is the authentication provider as seen by the session engine.
type Provider interface {
	// OnIdentityChanged registers fn and immediately delivers the current
	// identity to it. The returned func unregisters fn.
	OnIdentityChanged(fn Listener) (unsubscribe func())

	// SignOut ends the provider session; listeners then receive nil.
	SignOut(ctx context.Context) error
}

// Broadcaster fans identity changes out to listeners. Provider adapters embed
// it and call Emit when their sign-in state changes.
type Broadcaster struct {
	emitMu    sync.Mutex // serialises delivery so listeners observe changes in order
	mu        sync.RWMutex
	current   *Identity
	listeners map[int]Listener
	nextID    int
}

// NewBroadcaster creates a broadcaster with no signed-in identity.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[int]Listener),
	}
}

func (b *Broadcaster) OnIdentityChanged(fn Listener) func() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	current := utils.Clone(b.current)
	b.mu.Unlock()

	fn(current)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Emit records ident as the current identity and notifies every listener.
func (b *Broadcaster) Emit(ident *Identity) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	b.current = utils.Clone(ident)
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	for _, l := range listeners {
		l(utils.Clone(ident))
	}
}

// Current returns the signed-in identity, or nil.
func (b *Broadcaster) Current() *Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return utils.Clone(b.current)
}
