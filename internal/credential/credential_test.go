package credential

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sample = Credential{Token: "tok", Endpoint: "wss://asr.example.com/ws", ClientID: "dictate/1.0"}

func TestStoreGetSetClear(t *testing.T) {
	store := NewStore()
	if _, ok := store.Get(); ok {
		t.Fatal("expected empty store")
	}
	store.Set(sample)
	got, ok := store.Get()
	if !ok || got != sample {
		t.Fatalf("expected %+v, got %+v (ok=%v)", sample, got, ok)
	}
	store.Clear()
	if _, ok := store.Get(); ok {
		t.Fatal("expected store cleared")
	}
}

func TestCachingProviderFetchesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		<-release
		return sample, nil
	})
	provider := NewCachingProvider(nil, fetcher, testLogger())

	var wg sync.WaitGroup
	results := make(chan Credential, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := provider.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			results <- cred
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for cred := range results {
		if cred != sample {
			t.Fatalf("unexpected credential %+v", cred)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
	if !provider.Available() {
		t.Fatal("expected credential cached")
	}
	if _, err := provider.Acquire(context.Background()); err != nil || calls.Load() != 1 {
		t.Fatalf("expected cached acquire, err=%v calls=%d", err, calls.Load())
	}
}

func TestCachingProviderInvalidateRefetches(t *testing.T) {
	var calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context) (Credential, error) {
		calls.Add(1)
		return sample, nil
	})
	provider := NewCachingProvider(NewStore(), fetcher, testLogger())
	if _, err := provider.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	provider.Invalidate()
	if provider.Available() {
		t.Fatal("expected no credential after invalidate")
	}
	if _, err := provider.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("expected two fetches, got %d", n)
	}
}

func TestCachingProviderFetchError(t *testing.T) {
	provider := NewCachingProvider(nil, FetcherFunc(func(ctx context.Context) (Credential, error) {
		return Credential{}, errors.New("locked out")
	}), testLogger())
	_, err := provider.Acquire(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if provider.Available() {
		t.Fatal("expected nothing cached after failure")
	}
}

func TestCachingProviderRejectsIncompleteCredential(t *testing.T) {
	provider := NewCachingProvider(nil, FetcherFunc(func(ctx context.Context) (Credential, error) {
		return Credential{Token: "only-token"}, nil
	}), testLogger())
	if _, err := provider.Acquire(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCachingProviderAcquireHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	provider := NewCachingProvider(nil, FetcherFunc(func(ctx context.Context) (Credential, error) {
		<-block
		return sample, nil
	}), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := provider.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecFetcher(t *testing.T) {
	fetcher, err := NewExecFetcher(`echo '{"token":"abc","endpoint":"wss://asr.example.com/ws","client_id":"desk"}'`, time.Second)
	if err != nil {
		t.Fatalf("new exec fetcher: %v", err)
	}
	cred, err := fetcher.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if cred.Token != "abc" || cred.Endpoint != "wss://asr.example.com/ws" || cred.ClientID != "desk" {
		t.Fatalf("unexpected credential %+v", cred)
	}
}

func TestExecFetcherErrors(t *testing.T) {
	if _, err := NewExecFetcher("   ", time.Second); err == nil {
		t.Fatal("expected error for empty command")
	}
	fetcher, err := NewExecFetcher("echo not-json", time.Second)
	if err != nil {
		t.Fatalf("new exec fetcher: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewFetcher(t *testing.T) {
	cfg := config.Default().Credentials
	cfg.Token = "tok"
	cfg.Endpoint = "wss://asr.example.com/ws"
	fetcher, err := NewFetcher(cfg)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	cred, err := fetcher.Fetch(context.Background())
	if err != nil || cred.Token != "tok" {
		t.Fatalf("unexpected static fetch %+v %v", cred, err)
	}

	cfg.Mode = "harvest"
	if _, err := NewFetcher(cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
