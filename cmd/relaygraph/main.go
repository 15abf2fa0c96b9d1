package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/relaygraph"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "relaygraph",
	Short:         "File ingestion, classification and provenance pipeline",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("RELAYGRAPH_CONFIG"), "path to relaygraph.toml")
	catalogCmd.AddCommand(catalogLoadCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, catalogCmd, verifyCommitCmd)
}

// loadConfig reads the config file, applies RELAYGRAPH_* overrides and the
// storage profile, then validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.ApplyProfile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent, workers and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(os.Getenv("RELAYGRAPH_LOG_LEVEL"))
		slog.SetDefault(logger)

		a, err := newApp(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply record store schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := relaygraph.BuildRecordStoreFromDSN(cfg.Stores.RecordDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		sqlStore, ok := store.(*relaygraph.SQLRecordStore)
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "record store is not SQL backed, nothing to migrate")
			return nil
		}
		if err := sqlStore.Migrate(); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage taxonomy rules and the parser registry",
}

var catalogLoadCmd = &cobra.Command{
	Use:   "load <seed.yaml>",
	Short: "Upsert rules and parsers from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := relaygraph.BuildRecordStoreFromDSN(cfg.Stores.RecordDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		result, err := relaygraph.LoadCatalogFile(cmd.Context(), args[0], store)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

var verifyCommitCmd = &cobra.Command{
	Use:   "verify-commit <commit-id>",
	Short: "Recompute and check a commit signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(os.Getenv("RELAYGRAPH_LOG_LEVEL"))
		g, err := openGraph(cfg)
		if err != nil {
			return err
		}
		defer g.Close()
		commits := openCommitStore(cfg, g, logger)
		commit, err := commits.GetCommit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := commits.VerifyCommit(cmd.Context(), commit.ID); err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"commitId": commit.ID, "orgId": commit.OrgID, "valid": true})
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// applyEnv overrides config fields from RELAYGRAPH_* variables.
func applyEnv(cfg *config.Config) {
	stringEnv(&cfg.Addr, "RELAYGRAPH_ADDR")
	stringEnv(&cfg.Mode, "RELAYGRAPH_MODE")
	stringEnv(&cfg.Profile, "RELAYGRAPH_BACKEND_PROFILE")
	stringEnv(&cfg.DataDir, "RELAYGRAPH_DATA_DIR")

	stringEnv(&cfg.Secrets.CommitSecret, "RELAYGRAPH_COMMIT_SECRET")
	stringEnv(&cfg.Secrets.InternalHMACSecret, "RELAYGRAPH_INTERNAL_HMAC_SECRET")
	stringEnv(&cfg.Secrets.JWTSecret, "RELAYGRAPH_JWT_SECRET")

	stringEnv(&cfg.Stores.PostgresDSN, "RELAYGRAPH_POSTGRES_DSN")
	stringEnv(&cfg.Stores.RecordDSN, "RELAYGRAPH_RECORD_DSN")
	stringEnv(&cfg.Stores.GraphDSN, "RELAYGRAPH_GRAPH_DSN")

	queues := map[string]*config.QueueConfig{
		"SYNC":           &cfg.Queues.Sync,
		"CLASSIFICATION": &cfg.Queues.Classification,
		"EXTRACTION":     &cfg.Queues.Extraction,
	}
	for name, q := range queues {
		stringEnv(&q.DSN, "RELAYGRAPH_"+name+"_QUEUE_DSN")
		q.Capacity = intEnv("RELAYGRAPH_"+name+"_QUEUE_SIZE", q.Capacity)
		q.Workers = intEnv("RELAYGRAPH_"+name+"_WORKERS", q.Workers)
	}

	cfg.Jobs.MaxRetries = intEnv("RELAYGRAPH_MAX_RETRIES", cfg.Jobs.MaxRetries)
	cfg.Jobs.RetryDelay = durationEnv("RELAYGRAPH_RETRY_DELAY", cfg.Jobs.RetryDelay)
	cfg.Jobs.HealthInterval = durationEnv("RELAYGRAPH_HEALTH_INTERVAL", cfg.Jobs.HealthInterval)
	cfg.Jobs.MirrorInterval = durationEnv("RELAYGRAPH_MIRROR_INTERVAL", cfg.Jobs.MirrorInterval)

	stringEnv(&cfg.NATS.URL, "RELAYGRAPH_NATS_URL")
	stringEnv(&cfg.NATS.SubjectPrefix, "RELAYGRAPH_NATS_SUBJECT_PREFIX")
	stringEnv(&cfg.NATS.Stream, "RELAYGRAPH_NATS_STREAM")

	stringEnv(&cfg.Catalog.SeedFile, "RELAYGRAPH_CATALOG_SEED")
	cfg.Catalog.Watch = boolEnv("RELAYGRAPH_CATALOG_WATCH", cfg.Catalog.Watch)

	stringEnv(&cfg.Model.URL, "RELAYGRAPH_MODEL_URL")
	cfg.Model.Timeout = durationEnv("RELAYGRAPH_MODEL_TIMEOUT", cfg.Model.Timeout)
	cfg.Model.MaxAttempts = intEnv("RELAYGRAPH_MODEL_MAX_ATTEMPTS", cfg.Model.MaxAttempts)

	cfg.HTTP.InternalMaxSkew = durationEnv("RELAYGRAPH_INTERNAL_MAX_SKEW", cfg.HTTP.InternalMaxSkew)
	cfg.HTTP.MaxBodyBytes = int64Env("RELAYGRAPH_MAX_BODY_BYTES", cfg.HTTP.MaxBodyBytes)
}

func stringEnv(dst *string, name string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*dst = raw
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean env, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
