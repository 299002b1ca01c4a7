package main

import (
	"context"
	"database/sql"
	"os"

	"go.uber.org/zap"

	"github.com/kyoulho/p-roro-sub011/internal/config"
	"github.com/kyoulho/p-roro-sub011/internal/domain/cluster"
	domain "github.com/kyoulho/p-roro-sub011/internal/domain/scans"
	"github.com/kyoulho/p-roro-sub011/internal/infra/db/memory"
	mysqlp "github.com/kyoulho/p-roro-sub011/internal/infra/db/mysql"
	"github.com/kyoulho/p-roro-sub011/internal/infra/db/postgres"
	"github.com/kyoulho/p-roro-sub011/internal/infra/notify"
	minioStore "github.com/kyoulho/p-roro-sub011/internal/infra/storage"
)

// store is what every backend offers.
type store interface {
	domain.Repository
	cluster.Store
}

// openStore returns the repository and its *sql.DB (nil for memory).
func openStore(ctx context.Context, cfg *config.Config) (store, *sql.DB, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := mysqlp.Connect(ctx, cfg.MySQLDSN(), cfg.Worker.Max+5)
		if err != nil {
			return nil, nil, err
		}
		return mysqlp.NewScanRepository(db), db, nil
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN(), cfg.Worker.Max+5)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewScanRepository(db), db, nil
	}
	return memory.NewRepository(), nil, nil
}

// openArtifacts returns nil when MinIO is not configured.
func openArtifacts(ctx context.Context, cfg *config.Config) (domain.ArtifactStore, error) {
	if cfg.Minio.Endpoint == "" {
		return nil, nil
	}
	s, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// openEvents returns the NDJSON notifier, nil when not configured, and a
// close func.
func openEvents(cfg *config.Config, log *zap.Logger) (domain.Notifier, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Paths.Events {
	case "":
		return nil, nop, nil
	case "-":
		return notify.NewEmitter(os.Stdout, log), nop, nil
	}
	f, err := os.OpenFile(cfg.Paths.Events, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return notify.NewEmitter(f, log), f.Close, nil
}
