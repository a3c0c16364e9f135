// Package bootstrap provides dependency initialization for the VividFlow API.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vividflow/vividflow-api/internal/apiclient"
	"github.com/vividflow/vividflow-api/internal/auth"
	"github.com/vividflow/vividflow-api/internal/config"
	"github.com/vividflow/vividflow-api/internal/generator"
	"github.com/vividflow/vividflow-api/internal/imagesrc"
	"github.com/vividflow/vividflow-api/internal/janitor"
	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/jobstore"
	"github.com/vividflow/vividflow-api/internal/media"
	"github.com/vividflow/vividflow-api/internal/metrics"
	"github.com/vividflow/vividflow-api/internal/runpod"
	"github.com/vividflow/vividflow-api/internal/server"
	"github.com/vividflow/vividflow-api/internal/storage"
	"github.com/vividflow/vividflow-api/internal/veo"
	"github.com/vividflow/vividflow-api/internal/worker"
)

// Dependencies holds all initialized dependencies for the HTTP server and
// the background worker.
type Dependencies struct {
	Service *job.Service
	Worker  *worker.Worker
	Janitor *janitor.Janitor
	Handler http.Handler

	closers []func() error
}

// Close releases the job store connection, if any.
func (d *Dependencies) Close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{}

	store, local, err := initStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	repo, err := deps.initJobStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	registry, err := initProviders(ctx, cfg, logger)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(reg)
	metrics.RegisterQueueGauges(reg, repo, logger)

	deps.Service = job.NewService(repo, registry, store,
		job.WithLogger(logger),
		job.WithRecorder(recorder),
		job.WithDailyQuota(cfg.DailyJobQuota),
		job.WithMaxQueueDepth(cfg.MaxQueueDepth),
	)

	resolverOpts := []imagesrc.Option{
		imagesrc.WithDownloader(apiclient.New("image download", apiclient.WithMaxBody(job.MaxImageBytes))),
	}
	if s3, ok := store.(*storage.S3Storage); ok {
		resolverOpts = append(resolverOpts, imagesrc.WithBucket(s3.Bucket(), s3))
	}
	resolver := imagesrc.NewResolver(store, resolverOpts...)

	workerOpts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithRecorder(recorder),
		worker.WithConfig(worker.Config{
			IdleInterval:     cfg.WorkerIdleInterval,
			ErrorBackoff:     cfg.WorkerErrorBackoff,
			PollInterval:     cfg.PollInterval,
			OperationTimeout: cfg.OperationTimeout,
		}),
	}
	if cfg.ProbeOutput {
		probe := media.NewFFprobe(cfg.FFprobePath)
		if probe.Available() {
			workerOpts = append(workerOpts, worker.WithProber(probe))
		} else {
			logger.Warn("ffprobe not found, output duration will not be recorded",
				slog.String("path", cfg.FFprobePath),
			)
		}
	}
	deps.Worker = worker.New(repo, registry, resolver, store, workerOpts...)

	deps.Janitor = janitor.New(store, repo, cfg.UploadTTL, janitor.WithLogger(logger))

	keys := auth.NewKeyStore(cfg.APIKeys, cfg.AdminAPIKey)
	var handlerOpts []server.HandlerOption
	if local != nil {
		handlerOpts = append(handlerOpts, server.WithMedia(local))
	}
	handlers := server.NewHandlers(deps.Service, keys, logger, handlerOpts...)
	deps.Handler = server.NewRouter(handlers, logger, server.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Metrics:        metrics.Handler(reg),
	})

	return deps, nil
}

// initStorage creates the appropriate storage backend based on configuration.
// The second return value is set only for local storage, whose objects the
// API serves itself.
func initStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, *storage.LocalStorage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(ctx, cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil, nil
	}

	localStore, err := storage.NewLocalStorage(storage.LocalConfig{
		TempDir:       cfg.TempDir,
		ObjectDir:     cfg.OutputDir,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
		slog.String("output_dir", cfg.OutputDir),
	)
	return localStore, localStore, nil
}

func (d *Dependencies) initJobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Repository, error) {
	switch cfg.JobStore {
	case config.StoreSQLite:
		db, err := jobstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite job store: %w", err)
		}
		d.closers = append(d.closers, db.Close)
		logger.Info("sqlite job store configured", slog.String("path", cfg.SQLitePath))
		return db, nil
	case config.StorePostgres:
		db, err := jobstore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres job store: %w", err)
		}
		d.closers = append(d.closers, db.Close)
		logger.Info("postgres job store configured")
		return db, nil
	default:
		logger.Warn("in-memory job store configured, jobs are lost on restart")
		return job.NewMemoryRepository(), nil
	}
}

func initProviders(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*generator.Registry, error) {
	var providers []generator.Provider

	if cfg.RunPodEnabled() {
		client, err := runpod.NewClient(cfg.RunPodEndpointID,
			runpod.WithAPIKey(cfg.RunPodAPIKey),
			runpod.WithBaseURL(cfg.RunPodBaseURL),
			runpod.WithMaxResponseBytes(apiclient.Base64Limit(cfg.MaxOutputBytes)),
			runpod.WithTimeout(cfg.ProviderHTTPTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create RunPod client: %w", err)
		}
		providers = append(providers, generator.NewWan(client,
			generator.WithLogger(logger),
			generator.WithDownloader(outputDownloader(cfg, "wan2.1")),
		))
	}

	if cfg.VeoEnabled() {
		opts := []veo.ClientOption{
			veo.WithLocation(cfg.VeoLocation),
			veo.WithModel(cfg.VeoModel),
			veo.WithMaxResponseBytes(apiclient.Base64Limit(cfg.MaxOutputBytes)),
			veo.WithTimeout(cfg.ProviderHTTPTimeout),
		}
		if cfg.VeoAccessToken != "" {
			opts = append(opts, veo.WithAccessToken(cfg.VeoAccessToken))
		}
		client, err := veo.NewClient(ctx, cfg.VeoProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("create Veo client: %w", err)
		}
		limits := generator.VeoLimits{
			Durations:   cfg.VeoAllowedDurations,
			Resolutions: cfg.VeoAllowedResolutions,
		}
		providers = append(providers, generator.NewVeo(client, limits,
			generator.WithLogger(logger),
			generator.WithDownloader(outputDownloader(cfg, "veo3.1")),
		))
	}

	registry := generator.NewRegistry(providers...)
	logger.Info("providers configured", slog.Any("models", registry.Names()))
	return registry, nil
}

// outputDownloader fetches finished videos that a provider returns by URL.
func outputDownloader(cfg *config.Config, model string) *apiclient.Client {
	return apiclient.New(model+" download",
		apiclient.WithMaxBody(cfg.MaxOutputBytes),
		apiclient.WithTimeout(cfg.ProviderHTTPTimeout),
	)
}
