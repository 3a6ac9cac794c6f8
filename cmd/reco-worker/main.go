// Command reco-worker runs the background jobs of the recommendation engine:
// the model updater, which recomputes stale user preference vectors, and the
// index maintainer, which rebuilds degraded similarity indices.
//
// With -import-entities or -import-interactions it instead loads NDJSON files
// into one tenant and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/reco/internal/cache"
	"github.com/scrypster/reco/internal/config"
	"github.com/scrypster/reco/internal/connections"
	"github.com/scrypster/reco/internal/engine"
	"github.com/scrypster/reco/internal/features"
	"github.com/scrypster/reco/internal/importer"
	"github.com/scrypster/reco/internal/logging"
	"github.com/scrypster/reco/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "reco-worker: %v\n", err)
		os.Exit(1)
	}
}

// run parses flags, wires the jobs and blocks until ctx is cancelled, or
// returns after a single pass when -once is given.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("reco-worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a YAML config file (environment variables override it)")
	once := fs.Bool("once", false, "Run one model update and one index maintenance pass, then exit")
	logLevel := fs.String("log-level", "", "Override the configured log level")
	tenant := fs.String("tenant", "", "Tenant to import into")
	entitiesPath := fs.String("import-entities", "", "NDJSON file of entities to import")
	interactionsPath := fs.String("import-interactions", "", "NDJSON file of interactions to import")
	batchSize := fs.Int("batch-size", importer.DefaultBatchSize, "Rows per import batch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: stderr,
	})

	conns := connections.NewManager(cfg.Storage, storage.OptionsFromConfig(cfg, logging.Component(logger, "storage")))
	defer func() {
		if err := conns.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close storage")
		}
	}()
	backend, err := conns.Backend(ctx)
	if err != nil {
		return err
	}

	backing, err := cache.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer backing.Close()
	rc := cache.NewResultCache(backing, cfg.Cache, logger)

	weights := engine.NewWeightResolver(backend)

	if *entitiesPath != "" || *interactionsPath != "" {
		var extractor features.Extractor
		if cfg.Vectors.ExtractFromAttributes {
			extractor = features.NewHashingExtractor(cfg.Vectors.Dimension)
		}
		recorder := engine.NewRecorder(backend, nil, rc, weights, extractor, logger, nil)
		im := importer.New(backend, recorder, extractor, *batchSize, logger)
		return runImports(ctx, im, *tenant, *entitiesPath, *interactionsPath)
	}

	profiles := engine.NewProfileComputer(backend, weights, cfg.Profiles, logger, nil)
	updater := engine.NewModelUpdater(backend, profiles, rc, cfg.Jobs, cfg.Profiles, logger, nil)
	maintainer := engine.NewIndexMaintainer(backend, cfg.Jobs, logger)

	logger.Info().
		Str("engine", cfg.Storage.Engine).
		Str("dsn", connections.SanitizeDSN(cfg.Storage.DSN)).
		Bool("redis", cfg.Redis.Addr != "").
		Msg("reco-worker starting")

	if *once {
		if _, err := updater.RunOnce(ctx); err != nil {
			return err
		}
		_, err := maintainer.RunOnce(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error { return ignoreCanceled(updater.Start(gctx)) })
	g.Go(func() error { return ignoreCanceled(maintainer.Start(gctx)) })

	err = g.Wait()
	logger.Info().Msg("reco-worker stopped")
	return err
}

// runImports loads entities before interactions so the catalog exists when
// profiles are computed from the history.
func runImports(ctx context.Context, im *importer.Importer, tenantID, entitiesPath, interactionsPath string) error {
	if tenantID == "" {
		return errors.New("-tenant is required for imports")
	}
	if entitiesPath != "" {
		if err := importFile(entitiesPath, func(f *os.File) (importer.Summary, error) {
			return im.ImportEntities(ctx, tenantID, f)
		}); err != nil {
			return err
		}
	}
	if interactionsPath != "" {
		return importFile(interactionsPath, func(f *os.File) (importer.Summary, error) {
			return im.ImportInteractions(ctx, tenantID, f)
		})
	}
	return nil
}

func importFile(path string, load func(*os.File) (importer.Summary, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sum, err := load(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%s: %d of %d rows failed, first: %s", path, sum.Failed, sum.Lines, firstError(sum.Errors))
	}
	return nil
}

func firstError(errs []string) string {
	if len(errs) == 0 {
		return "unknown"
	}
	return errs[0]
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadConfig()
	}
	return config.LoadConfigFile(path)
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
