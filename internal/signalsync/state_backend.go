package signalsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONDirStateBackend keeps one JSON file per collaboration under a
// directory, written atomically (tmp + rename). This is the default
// backend for single-operator installs.
type JSONDirStateBackend struct {
	Dir string
}

func NewJSONDirStateBackend(dir string) *JSONDirStateBackend {
	return &JSONDirStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONDirStateBackend) Load() (*persistedState, error) {
	if b == nil || b.Dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	snapshot := &persistedState{Collabs: map[string]*collabState{}}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.Dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var state collabState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("parse fetched state %s: %w", entry.Name(), err)
		}
		snapshot.Collabs[strings.TrimSuffix(entry.Name(), ".json")] = &state
	}
	return snapshot, nil
}

func (b *JSONDirStateBackend) SaveCollab(name string, state *collabState) error {
	if b == nil || b.Dir == "" || state == nil {
		return nil
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.collabPath(name), data, 0o644)
}

func (b *JSONDirStateBackend) DeleteCollab(name string) error {
	if b == nil || b.Dir == "" {
		return nil
	}
	err := os.Remove(b.collabPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *JSONDirStateBackend) collabPath(name string) string {
	return filepath.Join(b.Dir, name+".json")
}

// InMemoryStateBackend round-trips snapshots through JSON so callers
// never share pointers with the backend. Used by tests and memory://.
type InMemoryStateBackend struct {
	mu      sync.Mutex
	collabs map[string]json.RawMessage
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{collabs: map[string]json.RawMessage{}}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.collabs) == 0 {
		return nil, nil
	}
	snapshot := &persistedState{Collabs: map[string]*collabState{}}
	for name, data := range b.collabs {
		var state collabState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, err
		}
		snapshot.Collabs[name] = &state
	}
	return snapshot, nil
}

func (b *InMemoryStateBackend) SaveCollab(name string, state *collabState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.collabs[name] = data
	return nil
}

func (b *InMemoryStateBackend) DeleteCollab(name string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.collabs, name)
	return nil
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

// RegisterStateBackendFactory lets deployments plug additional storage
// schemes into BuildStateBackendFromDSN without touching the core.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStateBackendFromDSN dispatches on the DSN scheme: file:// (or a
// bare path) maps to the JSON directory backend, memory:// to the
// in-memory backend, postgres:// to Postgres. Registered factories are
// consulted first.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONDirStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, dsn string) (string, error) {
	if parsed.Scheme == "" {
		return dsn, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path in dsn %q", ErrInvalidInput, dsn)
	}
	return path, nil
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
