package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/bank"
	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/database"
	"github.com/digkill/imagecredit/internal/gemini"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/notify"
	"github.com/digkill/imagecredit/internal/ratelimit"
	"github.com/digkill/imagecredit/internal/repository"
	"github.com/digkill/imagecredit/internal/scheduler"
	"github.com/digkill/imagecredit/internal/server"
	"github.com/digkill/imagecredit/internal/service"
	"github.com/digkill/imagecredit/internal/storage"
	"github.com/digkill/imagecredit/internal/tokens"
	"github.com/digkill/imagecredit/pkg/logger"
)

const startupTimeout = 30 * time.Second

func provideLogger(cfg config.Config) (*zap.Logger, error) {
	return logger.New(cfg.LogLevel)
}

func provideDatabase(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := database.Connect(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("database connect: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := database.Migrate(ctx, db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("database migrate: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return database.Close(db)
		},
	})
	return db, nil
}

// provideRedis returns a nil client when REDIS_ADDR is unset.
func provideRedis(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	client, err := database.ConnectRedis(ctx, cfg, log)
	if err != nil || client == nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func provideIDs(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func provideClock() clock.Clock {
	return clock.System()
}

func provideTrustedClock(cfg config.Config, clk clock.Clock, log *zap.Logger) *clock.Trusted {
	return clock.NewTrusted(clk, cfg.TimeServerURL, cfg.TimeSyncInterval, log)
}

func provideImageModel(cfg config.Config, m *metrics.Metrics, log *zap.Logger) service.ImageModel {
	gate := gemini.NewGate(cfg.GeminiMaxConcurrent, cfg.GeminiAcquireTimeout, m.GateInFlight, m.GateRejected)
	return gemini.NewClient(cfg, gate, m, log)
}

func provideStore(cfg config.Config) (storage.ObjectStore, error) {
	return storage.NewS3Store(cfg)
}

type issuers struct {
	fx.Out

	Download *tokens.Issuer `name:"download"`
	Users    *tokens.Issuer `name:"users"`
}

// provideTokens builds the download capability issuer and, when a secret is
// configured, the verifier for user bearer tokens.
func provideTokens(cfg config.Config, clk clock.Clock) issuers {
	out := issuers{Download: tokens.NewIssuer(cfg.DownloadSecret, cfg.DownloadTokenTTL, clk)}
	if cfg.UserTokenSecret != "" {
		out.Users = tokens.NewIssuer(cfg.UserTokenSecret, 0, clk)
	}
	return out
}

func provideLedger(client *redis.Client, clk clock.Clock) tokens.Ledger {
	if client == nil {
		return tokens.NewMemoryLedger(clk)
	}
	return tokens.NewRedisLedger(client)
}

func provideLimiter(client *redis.Client, clk clock.Clock) ratelimit.Limiter {
	if client == nil {
		return ratelimit.NewMemoryLimiter(clk)
	}
	return ratelimit.NewRedisLimiter(client)
}

func provideBank(cfg config.Config, log *zap.Logger) service.BankHistory {
	return bank.NewClient(cfg.BankHistoryURL, cfg.BankHistorySecret, cfg.VietQRAccountNumber, log)
}

func provideNotifier(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (notify.Notifier, error) {
	n, err := notify.New(cfg.TelegramBotToken, cfg.TelegramAdminChatID, log)
	if err != nil {
		return nil, err
	}
	if q, ok := n.(*notify.Queue); ok {
		lc.Append(fx.Hook{OnStop: q.Close})
	}
	return n, nil
}

// Mission codes are checked against the time server adjusted clock.
func provideMissionService(cfg config.Config, log *zap.Logger, missions *repository.MissionRepository, credits *service.CreditService, trusted *clock.Trusted) *service.MissionService {
	return service.NewMissionService(cfg, log, missions, credits, trusted)
}

type generationParams struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Images  *repository.ImageRepository
	Credits *service.CreditService
	Styles  *service.StyleService
	Model   service.ImageModel
	Store   storage.ObjectStore
	Issuer  *tokens.Issuer `name:"download"`
	Ledger  tokens.Ledger
	IDs     *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

func provideGenerationService(p generationParams) *service.GenerationService {
	return service.NewGenerationService(p.Config, p.Log, p.Images, p.Credits, p.Styles, p.Model, p.Store,
		p.Issuer, p.Ledger, p.IDs, p.Clock, p.Metrics)
}

type serverParams struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	DB       *gorm.DB
	Metrics  *metrics.Metrics
	Limiter  ratelimit.Limiter
	Users    *tokens.Issuer `name:"users"`
	Credits  *service.CreditService
	Styles   *service.StyleService
	Missions *service.MissionService
	Images   *service.GenerationService
	Orders   *service.OrderService
}

func provideServer(p serverParams) *server.Server {
	return server.New(server.Deps{
		Config:   p.Config,
		Log:      p.Log,
		DB:       p.DB,
		Metrics:  p.Metrics,
		Limiter:  p.Limiter,
		Users:    p.Users,
		Credits:  p.Credits,
		Styles:   p.Styles,
		Missions: p.Missions,
		Images:   p.Images,
		Orders:   p.Orders,
	})
}

func seedStyles(lc fx.Lifecycle, styles *service.StyleService) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return styles.SeedDefaults(ctx)
		},
	})
}

type schedulerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Trusted   *clock.Trusted
	Credits   *service.CreditService
	Missions  *service.MissionService
	Images    *service.GenerationService
	Orders    *service.OrderService
}

func startScheduler(p schedulerParams) {
	sched := scheduler.New(p.Log, p.Metrics, scheduler.StandardJobs(scheduler.Deps{
		Orders:   p.Orders,
		Images:   p.Images,
		Missions: p.Missions,
		Guests:   p.Credits,
		Clock:    p.Clock,
		Trusted:  p.Trusted,
	})...)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Trusted.Refresh(ctx); err != nil {
				p.Log.Warn("initial time sync failed, using local clock", zap.Error(err))
			}
			return sched.Start()
		},
		OnStop: sched.Stop,
	})
}

func runServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, srv *server.Server, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := srv.Run(ctx); err != nil {
					log.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
