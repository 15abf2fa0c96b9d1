package relaygraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Catalog is a read-through cache over the rule and parser catalogs.
// Entries live until invalidated.
type Catalog struct {
	store RecordStore

	mu      sync.RWMutex
	rules   map[string][]TaxonomyRule
	parsers map[string][]ParserEntry
}

func NewCatalog(store RecordStore) *Catalog {
	return &Catalog{
		store:   store,
		rules:   map[string][]TaxonomyRule{},
		parsers: map[string][]ParserEntry{},
	}
}

func (c *Catalog) Rules(ctx context.Context, orgID string) ([]TaxonomyRule, error) {
	c.mu.RLock()
	cached, ok := c.rules[orgID]
	c.mu.RUnlock()
	if ok {
		return append([]TaxonomyRule(nil), cached...), nil
	}
	rules, err := c.store.ListTaxonomyRules(ctx, orgID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.rules[orgID] = rules
	c.mu.Unlock()
	return append([]TaxonomyRule(nil), rules...), nil
}

func (c *Catalog) Parsers(ctx context.Context, orgID, slot, mimeType string) ([]ParserEntry, error) {
	key := orgID + "\x00" + slot + "\x00" + strings.ToLower(mimeType)
	c.mu.RLock()
	cached, ok := c.parsers[key]
	c.mu.RUnlock()
	if ok {
		return append([]ParserEntry(nil), cached...), nil
	}
	entries, err := c.store.ListParserEntries(ctx, orgID, slot, mimeType)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.parsers[key] = entries
	c.mu.Unlock()
	return append([]ParserEntry(nil), entries...), nil
}

func (c *Catalog) Invalidate(orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rules, orgID)
	prefix := orgID + "\x00"
	for key := range c.parsers {
		if strings.HasPrefix(key, prefix) {
			delete(c.parsers, key)
		}
	}
}

func (c *Catalog) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = map[string][]TaxonomyRule{}
	c.parsers = map[string][]ParserEntry{}
}

// catalogSeed is the YAML layout of a catalog seed file. Enabled defaults to
// true when omitted.
type catalogSeed struct {
	Rules []struct {
		TaxonomyRule `yaml:",inline"`
		Enabled      *bool `yaml:"enabled"`
	} `yaml:"rules"`
	Parsers []struct {
		ParserEntry `yaml:",inline"`
		Enabled     *bool `yaml:"enabled"`
	} `yaml:"parsers"`
}

type CatalogLoadResult struct {
	Rules   int      `json:"rules"`
	Parsers int      `json:"parsers"`
	Orgs    []string `json:"orgs"`
}

// LoadCatalogFile reads a YAML seed file and upserts every rule and parser
// entry into store.
func LoadCatalogFile(ctx context.Context, path string, store RecordStore) (CatalogLoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CatalogLoadResult{}, err
	}
	return LoadCatalog(ctx, data, store)
}

func LoadCatalog(ctx context.Context, data []byte, store RecordStore) (CatalogLoadResult, error) {
	var seed catalogSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return CatalogLoadResult{}, fmt.Errorf("%w: catalog seed: %v", ErrInvalidInput, err)
	}
	var result CatalogLoadResult
	orgs := map[string]struct{}{}
	for i, item := range seed.Rules {
		rule := item.TaxonomyRule
		rule.Enabled = item.Enabled == nil || *item.Enabled
		if rule.ID == "" {
			rule.ID = fmt.Sprintf("%s-rule-%d", rule.OrgID, i+1)
		}
		if err := store.PutTaxonomyRule(ctx, rule); err != nil {
			return result, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		orgs[rule.OrgID] = struct{}{}
		result.Rules++
	}
	for i, item := range seed.Parsers {
		entry := item.ParserEntry
		entry.Enabled = item.Enabled == nil || *item.Enabled
		if entry.MimeType == "" {
			entry.MimeType = WildcardMimeType
		}
		if entry.ID == "" {
			entry.ID = fmt.Sprintf("%s-parser-%d", entry.OrgID, i+1)
		}
		if err := store.PutParserEntry(ctx, entry); err != nil {
			return result, fmt.Errorf("parser %s: %w", entry.ID, err)
		}
		orgs[entry.OrgID] = struct{}{}
		result.Parsers++
	}
	for org := range orgs {
		result.Orgs = append(result.Orgs, org)
	}
	return result, nil
}

// CatalogWatcher reloads a seed file into the record store whenever it
// changes on disk and drops the affected cache entries.
type CatalogWatcher struct {
	path     string
	store    RecordStore
	catalog  *Catalog
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	lastHash string
	reloads  int
}

func NewCatalogWatcher(path string, store RecordStore, catalog *Catalog, logger *slog.Logger) (*CatalogWatcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogWatcher{
		path:     filepath.Clean(path),
		store:    store,
		catalog:  catalog,
		debounce: 200 * time.Millisecond,
		logger:   logger,
		watcher:  fsw,
	}, nil
}

// Start loads the file once and then watches its directory, since editors
// often replace files by rename.
func (w *CatalogWatcher) Start(ctx context.Context) error {
	if _, err := w.Reload(ctx); err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.processEvents(ctx)
	w.logger.Info("catalog watcher started", "path", w.path)
	return nil
}

func (w *CatalogWatcher) Stop() error {
	return w.watcher.Close()
}

// Reload loads the seed file if its content changed since the last load.
func (w *CatalogWatcher) Reload(ctx context.Context) (bool, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false, err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	w.mu.Lock()
	defer w.mu.Unlock()
	if hash == w.lastHash {
		return false, nil
	}
	result, err := LoadCatalog(ctx, data, w.store)
	if err != nil {
		return false, err
	}
	for _, org := range result.Orgs {
		w.catalog.Invalidate(org)
	}
	w.lastHash = hash
	w.reloads++
	w.logger.Info("catalog reloaded", "path", w.path, "rules", result.Rules, "parsers", result.Parsers)
	return true, nil
}

func (w *CatalogWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *CatalogWatcher) processEvents(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("catalog watcher error", "error", err)
		case <-fire:
			fire = nil
			if _, err := w.Reload(ctx); err != nil {
				w.logger.Warn("catalog reload failed", "path", w.path, "error", err)
			}
		}
	}
}
