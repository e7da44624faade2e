package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Fetcher produces a fresh credential. It is only called when the cache is empty.
type Fetcher interface {
	Fetch(ctx context.Context) (Credential, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) (Credential, error)

func (f FetcherFunc) Fetch(ctx context.Context) (Credential, error) { return f(ctx) }

// CachingProvider serves credentials from a Store and refills it through a
// Fetcher. Concurrent acquirers share a single in-flight fetch.
type CachingProvider struct {
	store   *Store
	fetcher Fetcher
	logger  *slog.Logger

	mu       sync.Mutex
	inflight *fetchCall
}

type fetchCall struct {
	done chan struct{}
	cred Credential
	err  error
}

func NewCachingProvider(store *Store, fetcher Fetcher, logger *slog.Logger) *CachingProvider {
	if store == nil {
		store = NewStore()
	}
	return &CachingProvider{
		store:   store,
		fetcher: fetcher,
		logger:  logger.With(slog.String("component", "credential")),
	}
}

func (p *CachingProvider) Acquire(ctx context.Context) (Credential, error) {
	if cred, ok := p.store.Get(); ok {
		return cred, nil
	}

	p.mu.Lock()
	if cred, ok := p.store.Get(); ok {
		p.mu.Unlock()
		return cred, nil
	}
	call := p.inflight
	if call == nil {
		call = &fetchCall{done: make(chan struct{})}
		p.inflight = call
		go p.fetch(call)
	}
	p.mu.Unlock()

	select {
	case <-call.done:
		return call.cred, call.err
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// fetch runs detached from any single caller's context so one caller giving
// up does not fail the others.
func (p *CachingProvider) fetch(call *fetchCall) {
	defer close(call.done)
	cred, err := p.fetcher.Fetch(context.Background())
	if err == nil && !cred.Valid() {
		err = errors.New("fetched credential is missing token or endpoint")
	}
	if err != nil {
		call.err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		p.logger.Warn("credential fetch failed", slogError(err))
	} else {
		call.cred = cred
		p.store.Set(cred)
		p.logger.Info("credential acquired", slog.String("endpoint", cred.Endpoint))
	}
	p.mu.Lock()
	p.inflight = nil
	p.mu.Unlock()
}

func (p *CachingProvider) Invalidate() {
	p.store.Clear()
	p.logger.Info("credential invalidated")
}

// Available reports whether a credential is cached.
func (p *CachingProvider) Available() bool {
	_, ok := p.store.Get()
	return ok
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
