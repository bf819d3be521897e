package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/metrics"
	"github.com/digkill/imagecredit/internal/repository"
	"github.com/digkill/imagecredit/internal/service"
	"github.com/digkill/imagecredit/pkg/logger"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			config.Load,
			provideLogger,
			provideDatabase,
			provideRedis,
			provideIDs,
			provideClock,
			provideTrustedClock,
			metrics.New,
			provideImageModel,
			provideStore,
			provideTokens,
			provideLedger,
			provideLimiter,
			provideBank,
			provideNotifier,

			repository.NewCreditRepository,
			repository.NewStyleRepository,
			repository.NewMissionRepository,
			repository.NewImageRepository,
			repository.NewOrderRepository,

			service.NewCreditService,
			service.NewStyleService,
			provideMissionService,
			provideGenerationService,
			service.NewOrderService,

			provideServer,
		),
		logger.Module,
		fx.Invoke(
			seedStyles,
			startScheduler,
			runServer,
		),
	)

	app.Run()
}
