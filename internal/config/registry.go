package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/sakihiromi/well-scenario/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned for a provider name that has no
// factory and is no alias of one.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM provider from its configuration block.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// Registry maps provider names, as written in the providers section, to LLM
// constructors. Names are matched case-insensitively. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	llm     map[string]LLMFactory
	aliases map[string]string
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:     make(map[string]LLMFactory),
		aliases: make(map[string]string),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// RegisterLLM registers factory under name, replacing an earlier one.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[normalize(name)] = factory
}

// RegisterAlias lets alias select the factory of target. Aliases resolve
// once, so an alias of an alias is never followed.
func (r *Registry) RegisterAlias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalize(alias)] = normalize(target)
}

func (r *Registry) lookup(name string) (LLMFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name = normalize(name)
	if f, ok := r.llm[name]; ok {
		return f, true
	}
	f, ok := r.llm[r.aliases[name]]
	return f, ok
}

// CreateLLM builds the provider of entry with the factory registered under
// entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	factory, ok := r.lookup(entry.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create %s/%s: %w", entry.Name, entry.Model, err)
	}
	return p, nil
}

// Check reports every entry without a factory, so a config naming several
// unknown providers fails with all of them at once.
func (r *Registry) Check(entries ...ProviderEntry) error {
	var errs []error
	for _, e := range entries {
		if _, ok := r.lookup(e.Name); !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrProviderNotRegistered, e.Name))
		}
	}
	return errors.Join(errs...)
}

// LLMNames returns the registered provider names in sorted order. Aliases
// are not listed.
func (r *Registry) LLMNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.llm))
}
