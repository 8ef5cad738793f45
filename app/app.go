/*
app.go - Dependency wiring shared by the server and the CLI

PURPOSE:
  Builds the store, engines and optional infrastructure clients from an
  AppConfig so cmd/server and cmd/billingctl run the exact same stack.

OPTIONAL INFRASTRUCTURE:
  Redis disabled: in-process run lock, notifications logged only
  Redis enabled:  Redis run lock, notifications queued on the outbox list
  S3 disabled:    workbooks returned to the caller
  S3 enabled:     workbooks uploaded, presigned link returned

SEE ALSO:
  - config/config.go: Environment variables
  - api/handlers.go: Handler and engines
*/
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/clients"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/factory"
	"github.com/warp/billing-engine/notify"
	"github.com/warp/billing-engine/store/sqlstore"
)

type App struct {
	Config       config.AppConfig
	Logger       *zap.Logger
	Jurisdiction *factory.Jurisdiction
	Store        *sqlstore.Store
	Handler      *api.Handler

	Redis *clients.RedisClient // nil when disabled
	S3    *clients.S3Client    // nil when disabled

	notifier billing.Notifier
}

// New opens the store and wires every engine. Close releases what it opened.
func New(cfg config.AppConfig, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	j, err := factory.NewJurisdictionFactory().LoadFile(cfg.Jurisdiction)
	if err != nil {
		return nil, fmt.Errorf("load jurisdiction: %w", err)
	}
	a.Jurisdiction = j

	a.Store, err = openStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	a.Handler = api.NewHandler(a.Store, *j, logger)
	a.notifier = notify.NewLog(logger)
	a.Handler.Generator.Locker = store.NewMemoryLocker()

	if cfg.Redis.Enabled {
		a.Redis, err = clients.NewRedisClient(clients.RedisConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.Redis.DialTimeout,
			Timeout:     cfg.Redis.Timeout,
			Prefix:      cfg.Redis.Prefix,
			Logger:      logger,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		outbox := notify.NewOutbox(a.Redis)
		outbox.Key = cfg.Redis.OutboxKey
		a.notifier = outbox
		a.Handler.Generator.Locker = a.Redis
	}

	if cfg.S3.Enabled {
		a.S3, err = clients.NewS3Client(clients.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Bucket:          cfg.S3.Bucket,
			UseSSL:          cfg.S3.UseSSL,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect s3: %w", err)
		}
		a.Handler.Reports.Storage = a.S3
	}

	a.Handler.SetNotifier(a.notifier)

	logger.Info("application wired",
		zap.String("jurisdiction", j.ID),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Bool("redis", a.Redis != nil),
		zap.Bool("s3", a.S3 != nil))
	return a, nil
}

func openStore(cfg config.DatabaseConfig) (*sqlstore.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := sqlstore.NewPostgres(cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := sqlstore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return s, nil
	}
}

// AttachHub mirrors every notification to back-office websocket sessions
// and serves /ws. The caller runs the hub.
func (a *App) AttachHub(hub *notify.Hub) {
	a.Handler.Hub = hub
	a.Handler.SetNotifier(notify.NewMulti(a.Logger, a.notifier, hub))
}

// Notifier returns the notifier the engines currently use.
func (a *App) Notifier() billing.Notifier { return a.Handler.Dunning.Notifier }

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("close store", zap.Error(err))
		}
	}
}
