package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrNoAPIKey is returned by a [Resolver] when neither the request nor the
// configuration supplies an API key for a provider that needs one.
var ErrNoAPIKey = errors.New("llm: no api key")

// Resolver returns the [Provider] to use for a request carrying apiKey.
// An empty apiKey means "use the configured default".
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (Provider, error)
}

// ResolverFunc adapts a plain function to [Resolver].
type ResolverFunc func(ctx context.Context, apiKey string) (Provider, error)

// Resolve implements [Resolver].
func (f ResolverFunc) Resolve(ctx context.Context, apiKey string) (Provider, error) {
	return f(ctx, apiKey)
}

// Static returns a Resolver that always yields p regardless of the key.
func Static(p Provider) Resolver {
	return ResolverFunc(func(context.Context, string) (Provider, error) { return p, nil })
}

// KeyedResolver builds one Provider per distinct API key and caches it.
// The zero value is not usable; construct with [NewKeyedResolver].
type KeyedResolver struct {
	build      func(apiKey string) (Provider, error)
	defaultKey string
	fallback   Provider

	mu    sync.Mutex
	cache map[string]Provider
}

// NewKeyedResolver returns a resolver that calls build for every new key.
// Requests with an empty key use defaultKey. If defaultKey is also empty
// and fallback is non-nil, fallback is returned; otherwise [ErrNoAPIKey].
func NewKeyedResolver(build func(apiKey string) (Provider, error), defaultKey string, fallback Provider) *KeyedResolver {
	return &KeyedResolver{
		build:      build,
		defaultKey: defaultKey,
		fallback:   fallback,
		cache:      make(map[string]Provider),
	}
}

// Resolve implements [Resolver].
func (r *KeyedResolver) Resolve(_ context.Context, apiKey string) (Provider, error) {
	if apiKey == "" {
		apiKey = r.defaultKey
	}
	if apiKey == "" {
		if r.fallback != nil {
			return r.fallback, nil
		}
		return nil, ErrNoAPIKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[apiKey]; ok {
		return p, nil
	}
	p, err := r.build(apiKey)
	if err != nil {
		return nil, err
	}
	r.cache[apiKey] = p
	return p, nil
}

var (
	_ Resolver = ResolverFunc(nil)
	_ Resolver = (*KeyedResolver)(nil)
)
