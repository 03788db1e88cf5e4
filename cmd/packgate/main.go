package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/packgate/packgate/pkg/auth"
	"github.com/packgate/packgate/pkg/config"
	"github.com/packgate/packgate/pkg/featureflags"
	"github.com/packgate/packgate/pkg/gate"
	"github.com/packgate/packgate/pkg/httputil"
	"github.com/packgate/packgate/pkg/maintenance"
	"github.com/packgate/packgate/pkg/observability"
	"github.com/packgate/packgate/pkg/registry"
	"github.com/packgate/packgate/pkg/registry/cargo"
	"github.com/packgate/packgate/pkg/registry/conan"
	"github.com/packgate/packgate/pkg/registry/container"
	"github.com/packgate/packgate/pkg/registry/debian"
	"github.com/packgate/packgate/pkg/registry/generic"
	"github.com/packgate/packgate/pkg/registry/helm"
	"github.com/packgate/packgate/pkg/registry/maven"
	"github.com/packgate/packgate/pkg/registry/npm"
	"github.com/packgate/packgate/pkg/registry/nuget"
	"github.com/packgate/packgate/pkg/scope"
	"github.com/packgate/packgate/pkg/storage"
	"github.com/packgate/packgate/pkg/storage/postgres"
	"github.com/packgate/packgate/pkg/storage/s3"
	"github.com/packgate/packgate/pkg/storage/sqlite"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("packgate exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("OpenTelemetry shutdown failed")
		}
	}()

	// Record stores: who may do what, and to which scopes
	var (
		actors       auth.ActorStore
		domain       scope.DomainStore
		packages     storage.PackageStore
		tokenSweeper maintenance.TokenSweeper
	)
	switch cfg.Store.Backend {
	case "sqlite":
		store, err := sqlite.NewStore(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		actors, domain, tokenSweeper = store, store, store
		packages = storage.NewMemoryPackageStore()
		logger.Infof("Using sqlite store at %s", cfg.Store.SQLitePath)
	case "postgres":
		store, err := postgres.NewStore(postgres.Config{
			URL:      cfg.Store.PostgresURL,
			MaxConns: cfg.Store.PostgresMaxConns,
			MinConns: cfg.Store.PostgresMinConns,
			Timeout:  cfg.Store.PostgresTimeout,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		actors, domain, tokenSweeper = store, store, store
		packages, err = postgres.NewPackageStore(store.DB())
		if err != nil {
			return err
		}
		logger.Info("Using postgres store")
	default:
		actorStore := auth.NewMemoryActorStore()
		actors, domain, tokenSweeper = actorStore, scope.NewMemoryDomainStore(), actorStore
		packages = storage.NewMemoryPackageStore()
		logger.Warn("Using in-memory stores; all data is lost on restart")
	}

	// Optional Redis cache in front of scope lookups
	if cfg.Cache.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		defer client.Close()
		domain = scope.NewCachedDomainStore(domain, client, cfg.Cache.TTL)
		logger.Infof("Scope cache enabled via redis at %s", cfg.Cache.RedisAddr)
	}

	// Blob store: package file contents
	var blobs storage.BlobStore
	switch cfg.Blobs.Backend {
	case "s3":
		blobs, err = s3.NewBlobStore(ctx, s3.Config{
			Endpoint:     cfg.Blobs.S3Endpoint,
			Region:       cfg.Blobs.S3Region,
			Bucket:       cfg.Blobs.S3Bucket,
			AccessKey:    cfg.Blobs.S3AccessKey,
			SecretKey:    cfg.Blobs.S3SecretKey,
			UsePathStyle: cfg.Blobs.S3UsePathStyle,
		})
		if err != nil {
			return err
		}
		logger.Infof("Using s3 blob store in bucket %s", cfg.Blobs.S3Bucket)
	default:
		blobs, err = storage.NewFileSystemBlobStore(cfg.Blobs.FilesystemRoot)
		if err != nil {
			return err
		}
		logger.Infof("Using filesystem blob store at %s", cfg.Blobs.FilesystemRoot)
	}

	sessions := storage.NewMemoryUploadSessionStore()

	// Authentication
	var verifier auth.JobTokenVerifier
	if cfg.Auth.OIDCIssuerURL != "" {
		verifier, err = auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			IssuerURL:   cfg.Auth.OIDCIssuerURL,
			ClientID:    cfg.Auth.OIDCClientID,
			IssuerToken: cfg.Auth.OIDCIssuerToken,
		})
		if err != nil {
			return err
		}
		logger.Infof("Job token verification enabled against %s", cfg.Auth.OIDCIssuerURL)
	}
	authenticator := auth.NewAuthenticator(actors, verifier)

	// Feature flags
	var flags featureflags.Oracle = featureflags.AllEnabled
	if cfg.Auth.FlagsFile != "" {
		oracle, err := featureflags.NewFileOracle(cfg.Auth.FlagsFile, logger)
		if err != nil {
			return err
		}
		defer oracle.Close()
		flags = oracle
	}

	// Metrics
	var metrics *observability.Metrics
	promRegistry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	authGate := gate.New(flags, domain, gate.Config{HideForbidden: cfg.Gate.HideForbidden}, metrics)

	reg := registry.New(&registry.Env{
		Auth:     authenticator,
		Scopes:   scope.NewResolver(domain),
		Gate:     authGate,
		Packages: packages,
		Blobs:    blobs,
		Sessions: sessions,
		Log:      logger,
		Metrics:  metrics,
		Flags:    flags,
	})
	reg.Mount(maven.New())
	reg.Mount(npm.New())
	reg.Mount(nuget.New())
	reg.Mount(conan.New())
	reg.Mount(debian.New())
	reg.Mount(helm.New())
	reg.Mount(cargo.New())
	reg.Mount(generic.New())
	reg.Mount(container.New())

	var handler http.Handler = reg.Router()
	handler = httputil.RecoveryMiddleware(logger)(handler)
	handler = httputil.LoggingMiddleware(logger)(handler)
	handler = httputil.RequestIDMiddleware(handler)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "packgate")
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux(promRegistry),
	}

	janitor := maintenance.NewJanitor(maintenance.Config{
		Schedule:      cfg.Janitor.Schedule,
		SessionMaxAge: cfg.Janitor.SessionMaxAge,
		SweepTimeout:  cfg.Janitor.SweepTimeout,
	}, tokenSweeper, sessions, logrus.NewEntry(logrus.StandardLogger()))
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Package registry listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Health and metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown failed")
		}
		return healthServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// healthMux serves k8s probes and Prometheus scrapes on the side port
func healthMux(promRegistry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WritePlainText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WritePlainText(w, http.StatusOK, "ok")
	})
	mux.Handle("/metrics", observability.Handler(promRegistry))
	return mux
}
