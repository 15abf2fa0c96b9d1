package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/relaygraph/internal/clock"
	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/graph"
	"github.com/agentworkforce/relaygraph/internal/httpapi"
	"github.com/agentworkforce/relaygraph/internal/jobs"
	"github.com/agentworkforce/relaygraph/internal/provenance"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
)

// app owns every long-lived component of a running service. The caller must
// defer Close.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	graph      *graph.MemoryStore
	records    relaygraph.RecordStore
	catalog    *relaygraph.Catalog
	watcher    *relaygraph.CatalogWatcher
	runner     *jobs.Runner
	dispatcher *relaygraph.Dispatcher
	hub        *relaygraph.Hub
	nats       *relaygraph.NATSPublisher
	commits    *provenance.Store
	agent      *relaygraph.Agent
	server     *httpapi.Server
	closers    []func() error
}

func openGraph(cfg *config.Config) (*graph.MemoryStore, error) {
	backend, err := graph.BuildSnapshotBackendFromDSN(cfg.Stores.GraphDSN)
	if err != nil {
		return nil, fmt.Errorf("graph backend: %w", err)
	}
	store, err := graph.NewMemoryStoreWithOptions(graph.MemoryStoreOptions{Backend: backend})
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}
	return store, nil
}

func openCommitStore(cfg *config.Config, g graph.Store, logger *slog.Logger) *provenance.Store {
	secret := cfg.Secrets.CommitSecret
	if secret == "" {
		logger.Warn("commit secret not configured, using development secret")
		secret = "dev-commit-secret"
	}
	return provenance.NewStore(g, provenance.StoreOptions{
		Signer: provenance.NewSigner(secret, cfg.Secrets.OrgCommitKeys),
		Logger: logger,
	})
}

func newApp(cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry(), hub: relaygraph.NewHub()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if a.graph, err = openGraph(cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.graph.Close)
	if a.records, err = relaygraph.BuildRecordStoreFromDSN(cfg.Stores.RecordDSN); err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}
	a.closers = append(a.closers, a.records.Close)
	a.catalog = relaygraph.NewCatalog(a.records)
	if seed := strings.TrimSpace(cfg.Catalog.SeedFile); seed != "" {
		result, err := relaygraph.LoadCatalogFile(context.Background(), seed, a.records)
		if err != nil {
			return nil, fmt.Errorf("load catalog seed: %w", err)
		}
		logger.Info("catalog seed loaded", "path", seed, "rules", result.Rules, "parsers", result.Parsers)
		if cfg.Catalog.Watch {
			if a.watcher, err = relaygraph.NewCatalogWatcher(seed, a.records, a.catalog, logger); err != nil {
				return nil, err
			}
		}
	}

	metrics := jobs.NewMetrics(a.registry)
	a.runner = jobs.NewRunner(jobs.Options{
		Name:           "relaygraph",
		MaxRetries:     cfg.Jobs.MaxRetries,
		RetryDelay:     cfg.Jobs.RetryDelay,
		HealthInterval: cfg.Jobs.HealthInterval,
		Metrics:        metrics,
		Logger:         logger,
	})
	a.dispatcher = relaygraph.NewDispatcher(a.runner, relaygraph.DispatcherOptions{Logger: logger})
	a.closers = append(a.closers, a.dispatcher.Close)
	queues := []struct {
		name string
		cfg  config.QueueConfig
	}{
		{relaygraph.QueueSync, cfg.Queues.Sync},
		{relaygraph.QueueClassification, cfg.Queues.Classification},
		{relaygraph.QueueExtraction, cfg.Queues.Extraction},
	}
	for _, q := range queues {
		queue, err := relaygraph.BuildWorkQueueFromDSN(q.cfg.DSN, q.name, q.cfg.Capacity)
		if err != nil {
			return nil, fmt.Errorf("%s queue: %w", q.name, err)
		}
		a.dispatcher.AddQueue(q.name, queue)
	}
	if err := a.dispatcher.RegisterQueueMetrics(a.registry); err != nil {
		return nil, err
	}

	publisher := relaygraph.MultiPublisher{a.hub}
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		if a.nats, err = relaygraph.DialNATSPublisher(url, cfg.NATS.SubjectPrefix); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.nats.Close)
		publisher = append(publisher, a.nats)
	}

	classifierOpts := relaygraph.ClassifierOptions{Logger: logger}
	if url := strings.TrimSpace(cfg.Model.URL); url != "" {
		model, err := relaygraph.NewHTTPModelClassifier(relaygraph.HTTPModelClassifierOptions{
			URL:        url,
			HTTPClient: &http.Client{Timeout: cfg.Model.Timeout},
			Token:      os.Getenv("RELAYGRAPH_MODEL_TOKEN"),
			MaxRetries: cfg.Model.MaxAttempts - 1,
		})
		if err != nil {
			return nil, err
		}
		classifierOpts.Model = model
	}

	hierarchy := relaygraph.NewHierarchy(a.graph, clock.RealClock{}, logger)
	classifier := relaygraph.NewClassifier(a.catalog, a.graph, classifierOpts)
	clusters := relaygraph.NewClusterManager(a.graph, relaygraph.NewMirrorOutbox(a.records, logger), clock.RealClock{}, logger)
	scheduler := relaygraph.NewExtractionScheduler(a.catalog, a.records, a.dispatcher, clock.UUIDGenerator{}, clock.RealClock{}, logger)
	linker := relaygraph.NewLinker(a.graph, relaygraph.LinkerOptions{Logger: logger})
	a.commits = openCommitStore(cfg, a.graph, logger)

	a.agent, err = relaygraph.NewAgent(relaygraph.AgentOptions{
		Mode:         relaygraph.Mode(cfg.Mode),
		Hierarchy:    hierarchy,
		Classifier:   classifier,
		Clusters:     clusters,
		Scheduler:    scheduler,
		Linker:       linker,
		Provenance:   a.commits,
		Jobs:         a.dispatcher,
		Publisher:    publisher,
		Runner:       a.runner,
		TickInterval: cfg.Jobs.MirrorInterval,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	workers := relaygraph.NewWorkers(relaygraph.WorkerOptions{
		Hierarchy:  hierarchy,
		Classifier: classifier,
		Clusters:   clusters,
		Scheduler:  scheduler,
		Records:    a.records,
		Publisher:  publisher,
		Graph:      a.graph,
		Logger:     logger,
	})
	handlers := []struct {
		queue   string
		workers int
		handler relaygraph.Handler
	}{
		{relaygraph.QueueSync, cfg.Queues.Sync.Workers, a.agent.HandleSyncJob},
		{relaygraph.QueueClassification, cfg.Queues.Classification.Workers, workers.Classify},
		{relaygraph.QueueExtraction, cfg.Queues.Extraction.Workers, workers.Extract},
	}
	for _, h := range handlers {
		if err := a.dispatcher.RegisterWorker(h.queue, h.workers, h.handler); err != nil {
			return nil, err
		}
	}

	a.server, err = httpapi.NewServer(httpapi.Deps{
		Jobs:     a.dispatcher,
		Commits:  a.commits,
		Events:   a.hub,
		Gatherer: a.registry,
		Health:   a.agent.Health,
		Depths:   a.dispatcher.Depths,
		Logger:   logger,
	}, httpapi.ServerConfig{
		JWTSecret:          cfg.Secrets.JWTSecret,
		InternalHMACSecret: cfg.Secrets.InternalHMACSecret,
		InternalMaxSkew:    cfg.HTTP.InternalMaxSkew,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
		RateLimitMax:       intEnv("RELAYGRAPH_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("RELAYGRAPH_RATE_LIMIT_WINDOW", time.Minute),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Run starts the pipeline and serves HTTP until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	a.agent.Start(ctx)
	defer a.agent.Stop()
	a.dispatcher.Start(ctx)
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start catalog watcher: %w", err)
		}
		defer a.watcher.Stop()
	}

	srv := &http.Server{Addr: a.cfg.Addr, Handler: a.server, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("relaygraph listening", "addr", a.cfg.Addr, "mode", a.cfg.Mode)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
