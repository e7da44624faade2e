// Package credential supplies the authentication material used to open
// transcription sessions.
package credential

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is returned when no credential can be produced.
var ErrUnavailable = errors.New("credential unavailable")

// Credential is the material needed to open one transcription session.
type Credential struct {
	Token    string `json:"token"`
	Endpoint string `json:"endpoint"`
	// ClientID is sent as the User-Agent header.
	ClientID string `json:"client_id"`
	Origin   string `json:"origin,omitempty"`
}

func (c Credential) Valid() bool {
	return c.Token != "" && c.Endpoint != ""
}

// Provider hands out credentials to sessions. Acquire may block while a
// credential is fetched; Invalidate drops the cached value after the service
// rejected it.
type Provider interface {
	Acquire(ctx context.Context) (Credential, error)
	Invalidate()
}

// Store is a synchronized single-slot credential cache.
type Store struct {
	mu   sync.RWMutex
	cred Credential
	ok   bool
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.ok
}

func (s *Store) Set(cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
	s.ok = true
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = Credential{}
	s.ok = false
}
