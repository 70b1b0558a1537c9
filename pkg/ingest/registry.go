package ingest

import (
	"sort"
	"sync"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
)

// Factory builds a Source from its config section.
type Factory func(cfg config.SourceConfig, secrets SecretStore) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a source type available to Create. Registration happens in
// package init; a duplicate type is a programming error and panics.
func Register(sourceType string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[sourceType]; dup {
		panic("ingest: duplicate source type " + sourceType)
	}
	registry[sourceType] = factory
}

// Create builds a source for the given config.
func Create(cfg config.SourceConfig, secrets SecretStore) (Source, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown source type %q", cfg.Type)
	}
	return factory(cfg, secrets)
}

// Types returns the registered source types, sorted.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
