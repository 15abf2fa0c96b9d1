// Package config loads the relaygraph service configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	ModeClassic = "classic"
	ModeCluster = "cluster"
)

// Config is the full service configuration. Zero values are filled in by
// Defaults and by the storage profile.
type Config struct {
	Addr    string        `toml:"addr"`
	Mode    string        `toml:"mode"` // "classic" or "cluster"
	Profile string        `toml:"profile"`
	DataDir string        `toml:"data_dir"`
	Secrets SecretsConfig `toml:"secrets"`
	Stores  StoresConfig  `toml:"stores"`
	Queues  QueuesConfig  `toml:"queues"`
	Jobs    JobsConfig    `toml:"jobs"`
	NATS    NATSConfig    `toml:"nats"`
	Catalog CatalogConfig `toml:"catalog"`
	Model   ModelConfig   `toml:"model"`
	HTTP    HTTPConfig    `toml:"http"`
}

type SecretsConfig struct {
	CommitSecret       string            `toml:"commit_secret"`
	OrgCommitKeys      map[string]string `toml:"org_commit_keys,omitempty"`
	InternalHMACSecret string            `toml:"internal_hmac_secret"`
	JWTSecret          string            `toml:"jwt_secret"`
}

// StoresConfig selects backends by DSN scheme.
type StoresConfig struct {
	PostgresDSN string `toml:"postgres_dsn,omitempty"` // used by the production profile
	RecordDSN   string `toml:"record_dsn"`             // memory://, sqlite://, postgres://
	GraphDSN    string `toml:"graph_dsn"`              // memory://, file://, sqlite://, postgres://
}

type QueueConfig struct {
	DSN      string `toml:"dsn"` // memory://, file://, postgres://, nats://
	Capacity int    `toml:"capacity"`
	Workers  int    `toml:"workers"`
}

type QueuesConfig struct {
	Sync           QueueConfig `toml:"sync"`
	Classification QueueConfig `toml:"classification"`
	Extraction     QueueConfig `toml:"extraction"`
}

type JobsConfig struct {
	MaxRetries     int           `toml:"max_retries"`
	RetryDelay     time.Duration `toml:"retry_delay"`
	HealthInterval time.Duration `toml:"health_interval"`
	MirrorInterval time.Duration `toml:"mirror_interval"`
}

type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
	Stream        string `toml:"stream"`
}

type CatalogConfig struct {
	SeedFile string `toml:"seed_file"`
	Watch    bool   `toml:"watch"`
}

type ModelConfig struct {
	URL         string        `toml:"url"`
	Timeout     time.Duration `toml:"timeout"`
	MaxAttempts int           `toml:"max_attempts"`
}

type HTTPConfig struct {
	InternalMaxSkew time.Duration `toml:"internal_max_skew"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`
}

func Default() *Config {
	return &Config{
		Addr:    ":8080",
		Mode:    ModeClassic,
		DataDir: ".relaygraph",
		Queues: QueuesConfig{
			Sync:           QueueConfig{Capacity: 1024, Workers: 4},
			Classification: QueueConfig{Capacity: 1024, Workers: 2},
			Extraction:     QueueConfig{Capacity: 1024, Workers: 2},
		},
		Jobs: JobsConfig{
			MaxRetries:     3,
			RetryDelay:     time.Second,
			HealthInterval: 30 * time.Second,
			MirrorInterval: 10 * time.Second,
		},
		NATS: NATSConfig{SubjectPrefix: "relaygraph", Stream: "RELAYGRAPH_WORK"},
		Model: ModelConfig{
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
		},
		HTTP: HTTPConfig{
			InternalMaxSkew: 5 * time.Minute,
			MaxBodyBytes:    1 << 20,
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config on top of the defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Load reads path when it exists and otherwise returns defaults. An empty
// path always yields defaults.
func Load(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyProfile fills empty store and queue DSNs from the named storage
// profile. Explicit DSNs always win.
func (c *Config) ApplyProfile() error {
	profile := strings.ToLower(strings.TrimSpace(c.Profile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".relaygraph"
	}
	var record, graph, syncQ, classQ, extractQ string
	switch profile {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		record, graph = "memory://", "memory://"
		syncQ, classQ, extractQ = "memory://", "memory://", "memory://"
	case "durable-local", "local-durable":
		record = "sqlite://" + filepath.Join(dataDir, "relaygraph.db")
		graph = "file://" + filepath.Join(dataDir, "graph.json")
		syncQ = "file://" + filepath.Join(dataDir, "sync-queue.json")
		classQ = "file://" + filepath.Join(dataDir, "classification-queue.json")
		extractQ = "file://" + filepath.Join(dataDir, "extraction-queue.json")
	case "production", "prod":
		dsn := strings.TrimSpace(c.Stores.PostgresDSN)
		if dsn == "" {
			return fmt.Errorf("stores.postgres_dsn is required when profile=%s", profile)
		}
		record, graph = dsn, dsn
		syncQ, classQ, extractQ = dsn, dsn, dsn
		if nats := strings.TrimSpace(c.NATS.URL); nats != "" {
			syncQ, classQ, extractQ = nats, nats, nats
		}
	default:
		return fmt.Errorf("unsupported profile: %s", profile)
	}
	fill(&c.Stores.RecordDSN, record)
	fill(&c.Stores.GraphDSN, graph)
	fill(&c.Queues.Sync.DSN, syncQ)
	fill(&c.Queues.Classification.DSN, classQ)
	fill(&c.Queues.Extraction.DSN, extractQ)
	return nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeClassic, ModeCluster:
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	if c.Jobs.MaxRetries <= 0 {
		return fmt.Errorf("jobs.max_retries must be positive")
	}
	return nil
}

func fill(dst *string, value string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = value
	}
}
