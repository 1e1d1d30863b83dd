package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/provider/embeddings"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	stt        map[string]func(ProviderEntry) (stt.Provider, error)
	extractors map[string]func(EmbeddingConfig) (embeddings.Extractor, error)
	classifier map[ClassifierBackend]func(ClassifierConfig) (classify.Model, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:        make(map[string]func(ProviderEntry) (stt.Provider, error)),
		extractors: make(map[string]func(EmbeddingConfig) (embeddings.Extractor, error)),
		classifier: make(map[ClassifierBackend]func(ClassifierConfig) (classify.Model, error)),
	}
}

// RegisterSTT registers an STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterExtractor registers an embedding extractor factory under name.
func (r *Registry) RegisterExtractor(name string, factory func(EmbeddingConfig) (embeddings.Extractor, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[name] = factory
}

// RegisterClassifierModel registers a classifier model factory for backend.
func (r *Registry) RegisterClassifierModel(backend ClassifierBackend, factory func(ClassifierConfig) (classify.Model, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[backend] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateExtractor instantiates an embedding extractor using the factory
// registered under cfg.Name.
func (r *Registry) CreateExtractor(cfg EmbeddingConfig) (embeddings.Extractor, error) {
	r.mu.RLock()
	factory, ok := r.extractors[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}

// CreateClassifierModel instantiates the classifier model for cfg.Backend.
func (r *Registry) CreateClassifierModel(cfg ClassifierConfig) (classify.Model, error) {
	r.mu.RLock()
	factory, ok := r.classifier[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
