package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/PinQiH/speech-to-text/pkg/provider/diarize"
	"github.com/PinQiH/speech-to-text/pkg/provider/llm"
	"github.com/PinQiH/speech-to-text/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM provider. apiKey overrides entry.APIKey when
// non-empty, so one factory serves both the configured default and
// per-request keys.
type LLMFactory func(entry ProviderEntry, apiKey string) (llm.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	llm      map[string]LLMFactory
	stt      map[string]func(ProviderEntry) (stt.Transcriber, error)
	diarizer map[string]func(ProviderEntry) (diarize.Diarizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:      make(map[string]LLMFactory),
		stt:      make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		diarizer: make(map[string]func(ProviderEntry) (diarize.Diarizer, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers a transcriber factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterDiarizer registers a diarizer factory under name.
func (r *Registry) RegisterDiarizer(name string, factory func(ProviderEntry) (diarize.Diarizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diarizer[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name, authenticated with apiKey or, when empty, entry.APIKey.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateLLM(entry ProviderEntry, apiKey string) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, apiKey)
}

// CreateSTT instantiates a transcriber using the factory registered under
// entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateDiarizer instantiates a diarizer using the factory registered under
// entry.Name.
func (r *Registry) CreateDiarizer(entry ProviderEntry) (diarize.Diarizer, error) {
	r.mu.RLock()
	factory, ok := r.diarizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: diarization/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
