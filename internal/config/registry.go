package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/anamnese/pkg/provider/llm"
	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/provider/summary"
)

// ErrProviderNotRegistered is wrapped by every Create method and by
// [Registry.Validate] when a configured name has no factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SummaryFactory builds a summary provider on top of the configured language
// model, which is nil when providers.llm is empty.
type SummaryFactory func(entry ProviderEntry, model llm.Provider) (summary.Provider, error)

// factories is a name-indexed set of constructors for one provider kind.
type factories[F any] struct {
	kind string
	byID map[string]F
}

func newFactories[F any](kind string) factories[F] {
	return factories[F]{kind: kind, byID: make(map[string]F)}
}

func (f factories[F]) lookup(name string) (F, error) {
	fn, ok := f.byID[name]
	if !ok {
		return fn, fmt.Errorf("%w: %s %q (known: %s)", ErrProviderNotRegistered,
			f.kind, name, strings.Join(slices.Sorted(maps.Keys(f.byID)), ", "))
	}
	return fn, nil
}

// Registry resolves [ProviderEntry.Name] to a constructor. Registration
// normally happens once at startup; later calls replace earlier ones with
// the same name. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stt     factories[func(ProviderEntry) (stt.Provider, error)]
	llm     factories[func(ProviderEntry) (llm.Provider, error)]
	summary factories[SummaryFactory]
}

// NewRegistry returns a Registry with nothing registered.
func NewRegistry() *Registry {
	return &Registry{
		stt:     newFactories[func(ProviderEntry) (stt.Provider, error)]("stt"),
		llm:     newFactories[func(ProviderEntry) (llm.Provider, error)]("llm"),
		summary: newFactories[SummaryFactory]("summary"),
	}
}

// RegisterSTT adds a speech-to-text backend.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	r.stt.byID[name] = factory
	r.mu.Unlock()
}

// RegisterLLM adds a language model backend.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	r.llm.byID[name] = factory
	r.mu.Unlock()
}

// RegisterSummary adds a summariser.
func (r *Registry) RegisterSummary(name string, factory SummaryFactory) {
	r.mu.Lock()
	r.summary.byID[name] = factory
	r.mu.Unlock()
}

// Validate checks every named entry in p against the registry without
// constructing anything and reports all unknown names at once. Empty
// optional entries (llm and the fallbacks) are skipped.
func (r *Registry) Validate(p ProvidersConfig) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := r.stt.lookup(p.STT.Name)
	check(err)
	if p.STTFallback.Name != "" {
		_, err = r.stt.lookup(p.STTFallback.Name)
		check(err)
	}
	for _, e := range []ProviderEntry{p.LLM, p.LLMFallback} {
		if e.Name != "" {
			_, err = r.llm.lookup(e.Name)
			check(err)
		}
	}
	_, err = r.summary.lookup(p.Summary.Name)
	check(err)
	return errors.Join(errs...)
}

// CreateSTT builds the speech-to-text provider named by entry.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, err := r.stt.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateLLM builds the language model provider named by entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, err := r.llm.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateSummary builds the summariser named by entry around model.
func (r *Registry) CreateSummary(entry ProviderEntry, model llm.Provider) (summary.Provider, error) {
	r.mu.RLock()
	factory, err := r.summary.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry, model)
}
