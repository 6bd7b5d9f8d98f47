package oidcprovider

import (
	"errors"
	"sync"
	"time"
)

// FlowState is what the provider remembers between sending the browser to the
// issuer and receiving the callback.
type FlowState struct {
	CodeVerifier string
	Nonce        string
	ReturnURL    string
	CreatedAt    time.Time
}

type FlowStore interface {
	Put(state string, flow FlowState) error
	// Take returns and removes the flow for state. A flow is usable once.
	Take(state string) (FlowState, error)
}

var errFlowNotFound = errors.New("flow state not found")

// InMemoryFlowStore is a thread-safe FlowStore that forgets flows older than ttl.
type InMemoryFlowStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	nowFunc func() time.Time
	flows   map[string]FlowState
}

func NewInMemoryFlowStore(ttl time.Duration, nowFunc func() time.Time) *InMemoryFlowStore {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &InMemoryFlowStore{
		ttl:     ttl,
		nowFunc: nowFunc,
		flows:   make(map[string]FlowState),
	}
}

func (s *InMemoryFlowStore) Put(state string, flow FlowState) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	s.flows[state] = flow
	return nil
}

func (s *InMemoryFlowStore) Take(state string) (FlowState, error) {
	if state == "" {
		return FlowState{}, errors.New("state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	flow, ok := s.flows[state]
	if !ok {
		return FlowState{}, errFlowNotFound
	}
	delete(s.flows, state)
	return flow, nil
}

func (s *InMemoryFlowStore) purgeLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.nowFunc().Add(-s.ttl)
	for state, flow := range s.flows {
		if flow.CreatedAt.Before(cutoff) {
			delete(s.flows, state)
		}
	}
}
