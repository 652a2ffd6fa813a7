// Package collabstore persists collaboration configs as one JSON file
// per collaboration under a config directory. Loads are validated
// against a JSON Schema and served from a lazily-invalidated cache.
package collabstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	gocache "github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/threatworks/signalsync/internal/signalsync"
)

const collabSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "api"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"api": {"type": "string", "minLength": 1},
		"enabled": {"type": "boolean"},
		"only_signal_types": {"type": "array", "items": {"type": "string"}},
		"not_signal_types": {"type": "array", "items": {"type": "string"}},
		"only_owners": {"type": "array", "items": {"type": "integer"}},
		"not_owners": {"type": "array", "items": {"type": "integer"}},
		"only_tags": {"type": "array", "items": {"type": "string"}},
		"not_tags": {"type": "array", "items": {"type": "string"}},
		"params": {"type": "object", "additionalProperties": {"type": "string"}}
	},
	"additionalProperties": false
}`

const (
	cacheKey        = "collabs"
	cacheTTL        = 5 * time.Minute
	cacheSweep      = 10 * time.Minute
	configExtension = ".json"
)

type Store struct {
	dir    string
	schema *jsonschema.Schema
	cache  *gocache.Cache
	logger signalsync.Logger
}

func NewStore(dir string, logger signalsync.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: collab config dir is required", signalsync.ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(collabSchema))
	if err != nil {
		return nil, fmt.Errorf("parse collab schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("collab.schema.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("collab.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile collab schema: %w", err)
	}
	return &Store{
		dir:    dir,
		schema: schema,
		cache:  gocache.New(cacheTTL, cacheSweep),
		logger: logger,
	}, nil
}

// GetAll returns every valid collaboration config, sorted by name.
// Invalid or unparsable files are skipped with a log line rather than
// failing the whole load. Results are cached until Invalidate, a
// write through this store, or a watched filesystem event.
func (s *Store) GetAll() ([]*signalsync.CollaborationConfig, error) {
	if cached, ok := s.cache.Get(cacheKey); ok {
		if configs, ok := cached.([]*signalsync.CollaborationConfig); ok {
			return configs, nil
		}
	}
	configs, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	s.cache.Set(cacheKey, configs, gocache.DefaultExpiration)
	return configs, nil
}

func (s *Store) Get(name string) (*signalsync.CollaborationConfig, error) {
	configs, err := s.GetAll()
	if err != nil {
		return nil, err
	}
	for _, config := range configs {
		if config.Name == name {
			return config, nil
		}
	}
	return nil, fmt.Errorf("collaboration %q: %w", name, signalsync.ErrNotFound)
}

// Update creates or replaces a collaboration config file.
func (s *Store) Update(config *signalsync.CollaborationConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := s.validateDocument(data); err != nil {
		return fmt.Errorf("collaboration %q: %w", config.Name, err)
	}
	if err := writeFileAtomic(s.configPath(config.Name), data, 0o644); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

func (s *Store) Delete(name string) error {
	err := os.Remove(s.configPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("collaboration %q: %w", name, signalsync.ErrNotFound)
	}
	if err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// Invalidate drops the cached view; the next GetAll re-reads the dir.
func (s *Store) Invalidate() {
	s.cache.Delete(cacheKey)
}

// Reload forces a fresh load and repopulates the cache.
func (s *Store) Reload() ([]*signalsync.CollaborationConfig, error) {
	s.Invalidate()
	return s.GetAll()
}

// Watch invalidates the cached view whenever anything in the config
// dir changes, until ctx is done. Safe to skip for one-shot commands.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					s.Invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logf("collab config watcher: %v", err)
			}
		}
	}()
	return nil
}

func (s *Store) loadAll() ([]*signalsync.CollaborationConfig, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	configs := make([]*signalsync.CollaborationConfig, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), configExtension) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logf("skipping unreadable collab config %s: %v", path, err)
			continue
		}
		if err := s.validateDocument(data); err != nil {
			s.logf("skipping invalid collab config %s: %v", path, err)
			continue
		}
		var config signalsync.CollaborationConfig
		if err := json.Unmarshal(data, &config); err != nil {
			s.logf("skipping unparsable collab config %s: %v", path, err)
			continue
		}
		configs = append(configs, &config)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

func (s *Store) validateDocument(data []byte) error {
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return s.schema.Validate(value)
}

func (s *Store) configPath(name string) string {
	return filepath.Join(s.dir, name+configExtension)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
