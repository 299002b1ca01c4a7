package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kyoulho/p-roro-sub011/internal/application"
	appscans "github.com/kyoulho/p-roro-sub011/internal/application/scans"
	"github.com/kyoulho/p-roro-sub011/internal/application/worker"
	"github.com/kyoulho/p-roro-sub011/internal/config"
	"github.com/kyoulho/p-roro-sub011/internal/domain/classify"
	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	"github.com/kyoulho/p-roro-sub011/internal/domain/detector"
	"github.com/kyoulho/p-roro-sub011/internal/domain/dialect"
	"github.com/kyoulho/p-roro-sub011/internal/domain/hostscan"
	"github.com/kyoulho/p-roro-sub011/internal/infra/executor/ping"
	"github.com/kyoulho/p-roro-sub011/internal/infra/httpserver"
	"github.com/kyoulho/p-roro-sub011/internal/infra/remote/ssh"
	"github.com/kyoulho/p-roro-sub011/internal/middleware"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scan orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return fmt.Errorf("config load error: %w", err)
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func loadDialects(cfg *config.Config) (*dialect.Registry, error) {
	if cfg.Paths.Dialects == "" {
		return dialect.NewRegistry(dialect.Builtin()), nil
	}
	t, err := dialect.LoadFile(cfg.Paths.Dialects)
	if err != nil {
		return nil, err
	}
	return dialect.NewRegistry(t), nil
}

func serve(parent context.Context, cfg *config.Config, log *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, db, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s connect error: %w", cfg.Database.Driver, err)
	}
	if db != nil {
		defer db.Close()
	}
	artifacts, err := openArtifacts(ctx, cfg)
	if err != nil {
		return fmt.Errorf("minio init error: %w", err)
	}
	events, closeEvents, err := openEvents(cfg, log)
	if err != nil {
		return err
	}
	defer closeEvents()

	dialects, err := loadDialects(cfg)
	if err != nil {
		return fmt.Errorf("dialects: %w", err)
	}
	classifier, err := classify.Load(cfg.Paths.Rules)
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	ops := cluster.DefaultOperations()
	if cfg.Paths.ClusterOps != "" {
		if ops, err = cluster.LoadOperations(cfg.Paths.ClusterOps); err != nil {
			return fmt.Errorf("cluster operations: %w", err)
		}
	}

	connector, err := ssh.NewConnector(ssh.Options{
		DialTimeout: cfg.SSH.DialTimeout,
		KnownHosts:  cfg.SSH.KnownHosts,
		DefaultKey:  cfg.SSH.DefaultKey,
		Log:         log.Named("ssh"),
	})
	if err != nil {
		return err
	}
	defer connector.Close()

	metrics := middleware.NewMetrics()
	clusterLog := log.Named("cluster")
	svc := &appscans.Service{
		Dialects:   dialects,
		Classifier: classifier,
		Detectors:  detector.Default(),
		Cluster: &cluster.Processor{
			Parsers: cluster.Parsers(),
			Handlers: cluster.Handlers(repo, func(msg string, obj cluster.Object, rel string) {
				clusterLog.Warn(msg, zap.String("kind", obj.Kind), zap.String("name", obj.Name), zap.String("relation", rel))
			}),
			Store: repo,
			Log:   clusterLog,
		},
		ClusterOps: ops,
		Kubeconfig: cfg.Scan.Kubeconfig,
		HostScan: &hostscan.Scanner{
			Prober:      ping.NewProber(cfg.HostScan.Timeout, cfg.HostScan.Ports, ping.TTLSets(cfg.HostScan.TTLs)),
			Parallelism: cfg.HostScan.Parallelism,
			Log:         log.Named("hostscan"),
		},
		Connector:    connector,
		Timeout:      cfg.Scan.CommandTimeout,
		Clock:        application.SystemClock{},
		Log:          log.Named("scan"),
		OnRemoteCall: metrics.RemoteCall,
	}

	orch := &appscans.Orchestrator{
		Repo:      repo,
		Pipeline:  svc,
		Artifacts: artifacts,
		Notifier:  events,
		Workers: worker.NewSupervisor(worker.SupervisorOptions{
			Pool: worker.Options{
				Core:             cfg.Worker.Core,
				Max:              cfg.Worker.Max,
				KeepAlive:        cfg.Worker.KeepAlive,
				AllowCoreTimeout: cfg.Worker.AllowCoreTimeout,
			},
			Period:        cfg.Worker.SupervisorPeriod,
			MonitorPeriod: cfg.Worker.MonitorPeriod,
			OnStats:       metrics.SetPool,
			Log:           log.Named("worker"),
		}),
		Clock:    application.SystemClock{},
		Observer: metrics,
		Log:      log.Named("orchestrator"),
		Options: appscans.OrchestratorOptions{
			ScheduleDelay:   cfg.Scan.ScheduleDelay,
			BatchSize:       cfg.Scan.BatchSize,
			JobTimeout:      cfg.Scan.JobTimeout,
			FinalizeTimeout: cfg.Scan.FinalizeTimeout,
		},
	}

	metrics.InFlight = orch.InFlight

	health := map[string]middleware.HealthChecker{}
	if db != nil {
		health["database"] = &middleware.DatabaseHealthChecker{DB: db}
	}
	if hc, ok := artifacts.(middleware.HealthChecker); ok {
		health["artifacts"] = hc
	}
	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimit*10, float64(cfg.Server.RateLimit))
		go limiter.RunSweeper(ctx.Done())
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: httpserver.NewRouter(orch, repo, httpserver.Options{
			Log:         log.Named("http"),
			Metrics:     metrics,
			Health:      health,
			APIKeys:     cfg.Server.APIKeys,
			RateLimiter: limiter,
			CORSOrigins: cfg.Server.CORSOrigins,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-errc:
			break loop
		case <-hup:
			if cfg.Paths.Dialects == "" {
				log.Info("SIGHUP ignored, dialect table is builtin")
				continue
			}
			if err := dialects.Reload(cfg.Paths.Dialects); err != nil {
				log.Error("dialect reload failed, keeping old table", zap.Error(err))
				continue
			}
			log.Info("dialect table reloaded", zap.String("path", cfg.Paths.Dialects))
		}
	}

	// graceful shutdown
	log.Info("shutting down server...")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}
	if err := orch.Stop(sctx); err != nil {
		log.Warn("orchestrator stop", zap.Error(err))
	}
	return runErr
}
