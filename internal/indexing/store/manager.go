// Package store wraps the bleve indexes: one index per configured name under
// <base>/<name>/, opened with a mapping compiled from the schema registry.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/linkflow-ai/contentindex/internal/indexing/domain/model"
	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
)

// DefaultIndex is the index used when callers do not name one
const DefaultIndex = "default"

// Manager opens and hands out the named indexes
type Manager struct {
	base   string
	names  []string
	schema *schema.Registry
	logger logger.Logger

	mu      sync.RWMutex
	indexes map[string]*Index
}

// NewManager creates a manager for the given index names. An empty base keeps
// every index in memory.
func NewManager(base string, names []string, s *schema.Registry, log logger.Logger) *Manager {
	if len(names) == 0 {
		names = []string{DefaultIndex}
	}
	return &Manager{
		base:    base,
		names:   names,
		schema:  s,
		logger:  log,
		indexes: make(map[string]*Index),
	}
}

// Names returns the configured index names
func (m *Manager) Names() []string {
	out := append([]string(nil), m.names...)
	sort.Strings(out)
	return out
}

// Open freezes the schema and opens every configured index, creating missing
// ones
func (m *Manager) Open(ctx context.Context) error {
	m.schema.Freeze()

	im, err := m.schema.IndexMapping()
	if err != nil {
		return fmt.Errorf("failed to build index mapping: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.names {
		if _, ok := m.indexes[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var idx bleve.Index
		if m.base == "" {
			idx, err = bleve.NewMemOnly(im)
		} else {
			idx, err = openOrCreate(filepath.Join(m.base, name), im)
		}
		if err != nil {
			return fmt.Errorf("failed to open index %s: %w", name, err)
		}

		m.indexes[name] = &Index{name: name, bleve: idx, schema: m.schema, logger: m.logger}
		m.logger.Info("Index opened", "index", name, "path", filepath.Join(m.base, name))
	}
	return nil
}

// lockTimeout bounds how long opening an index waits for another process
// holding its files
const lockTimeout = "1s"

func openOrCreate(path string, im mapping.IndexMapping) (bleve.Index, error) {
	runtime := map[string]interface{}{"bolt_timeout": lockTimeout}

	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.OpenUsing(path, runtime)
		if err != nil && strings.Contains(err.Error(), "timeout") {
			return nil, fmt.Errorf("%s: %w", path, model.ErrLocked)
		}
		return idx, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return bleve.NewUsing(path, im, bleve.Config.DefaultIndexType, bleve.Config.DefaultKVStore, runtime)
}

// Index returns the index called name
func (m *Manager) Index(name string) (*Index, error) {
	if name == "" {
		name = DefaultIndex
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, model.ErrUnknownIndex)
	}
	return idx, nil
}

// Close closes every open index
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, idx := range m.indexes {
		if err := idx.bleve.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index %s: %w", name, err))
		}
		delete(m.indexes, name)
	}
	return errors.Join(errs...)
}

// HealthCheck reports an error when an index cannot answer a count
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.indexes) == 0 {
		return errors.New("no index opened")
	}
	for name, idx := range m.indexes {
		if _, err := idx.bleve.DocCount(); err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
	}
	return nil
}
