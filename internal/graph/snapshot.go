package graph

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

type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// SnapshotBackend persists the whole graph. Load returns nil, nil when
// nothing has been saved yet.
type SnapshotBackend interface {
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
}

type snapshotBackendCloser interface {
	Close() error
}

type InMemorySnapshotBackend struct {
	mu       sync.Mutex
	snapshot *Snapshot
}

func NewInMemorySnapshotBackend() *InMemorySnapshotBackend {
	return &InMemorySnapshotBackend{}
}

func (b *InMemorySnapshotBackend) Load() (*Snapshot, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneSnapshot(b.snapshot)
}

func (b *InMemorySnapshotBackend) Save(snapshot *Snapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	clone, err := cloneSnapshot(snapshot)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneSnapshot(in *Snapshot) (*Snapshot, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var clone Snapshot
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}

type JSONFileSnapshotBackend struct {
	Path string
}

func NewJSONFileSnapshotBackend(path string) *JSONFileSnapshotBackend {
	return &JSONFileSnapshotBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileSnapshotBackend) Load() (*Snapshot, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileSnapshotBackend) Save(snapshot *Snapshot) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type SnapshotBackendFactory func(dsn string) (SnapshotBackend, error)

var snapshotFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]SnapshotBackendFactory
}{
	factories: map[string]SnapshotBackendFactory{},
}

// RegisterSnapshotBackendFactory overrides or extends the built-in DSN schemes.
func RegisterSnapshotBackendFactory(scheme string, factory SnapshotBackendFactory) {
	scheme = NormalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	snapshotFactoryRegistry.mu.Lock()
	defer snapshotFactoryRegistry.mu.Unlock()
	snapshotFactoryRegistry.factories[scheme] = factory
}

func lookupSnapshotBackendFactory(scheme string) (SnapshotBackendFactory, bool) {
	scheme = NormalizeScheme(scheme)
	snapshotFactoryRegistry.mu.RLock()
	defer snapshotFactoryRegistry.mu.RUnlock()
	factory, ok := snapshotFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildSnapshotBackendFromDSN returns nil, nil for an empty DSN, which keeps
// the graph purely in memory.
func BuildSnapshotBackendFromDSN(dsn string) (SnapshotBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := NormalizeScheme(parsed.Scheme)
	if factory, ok := lookupSnapshotBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileSnapshotBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemorySnapshotBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresSnapshotBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteSnapshotBackend(path)
	case "mysql":
		return nil, fmt.Errorf("%w: snapshot backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported snapshot backend scheme: %s", scheme)
	}
}

func NormalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// DSNPath extracts a filesystem path from file://, sqlite:// or bare DSNs.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" && host != "localhost" {
		path = host + path
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// CloseSnapshotBackend releases resources held by backends that own a
// connection pool.
func CloseSnapshotBackend(backend SnapshotBackend) error {
	if closer, ok := backend.(snapshotBackendCloser); ok {
		return closer.Close()
	}
	return nil
}
