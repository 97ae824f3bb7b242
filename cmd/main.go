package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"

	"eventbot/cmd/buildCFG"
	"eventbot/internal/api/api"
	"eventbot/internal/engine"
	"eventbot/internal/expiry"
	"eventbot/internal/flow"
	"eventbot/internal/mailer"
	"eventbot/internal/notify"
	"eventbot/internal/rabbit"
	"eventbot/internal/repo"
	"eventbot/internal/service"
)

func main() {
	zlog.Init()
	log := zlog.Logger

	cfg := config.New()
	if err := cfg.Load("config.yaml", "", "'"); err != nil {
		log.Fatal().Msgf("failed to load configuration: %v", err)
	}
	serverCfg := buildCFG.BuildServerConfig(cfg, &log)
	port := serverCfg.Port

	masterDSN, slaveDSNs, poolOptions, err := buildCFG.BuildDBConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build DB config")
	}
	db, err := dbpg.New(masterDSN, slaveDSNs, poolOptions)
	if err != nil {
		log.Fatal().Msgf("failed to connect to DB: %v", err)
	}
	if err := db.Master.Ping(); err != nil {
		log.Fatal().Msgf("DB ping failed: %v", err)
	}
	log.Info().Msg("Database connected successfully")

	store, err := repo.NewRepository(db, &log)
	if err != nil {
		log.Fatal().Msgf("failed to initialize repository: %v", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot get working directory")
	}
	migrationPath := filepath.Join(cwd, "migrations/postgres")
	if err := store.MigrateUp(migrationPath); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("Migrations applied successfully")

	rabbitCfg, err := buildCFG.BuildRabbitConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load RabbitMQ config")
	}
	expiryRmq, err := rabbit.New(rabbitCfg.URL, rabbitCfg.ExpiryExchange, rabbitCfg.ExpiryQueue)
	if err != nil {
		log.Fatal().Msgf("Failed to connect to RabbitMQ (expiry): %v", err)
	}
	defer expiryRmq.Close()
	notifyRmq, err := rabbit.New(rabbitCfg.URL, rabbitCfg.NotifyExchange, rabbitCfg.NotifyQueue)
	if err != nil {
		log.Fatal().Msgf("Failed to connect to RabbitMQ (notifications): %v", err)
	}
	defer notifyRmq.Close()

	appCfg := buildCFG.BuildAppConfig(cfg, &log)

	emitter := notify.NewEmitter(&log,
		notify.NewRabbitSink(notifyRmq),
		mailer.NewSink(appCfg.Mailer, &log),
	)
	scheduler := expiry.NewScheduler(expiryRmq)
	eng := engine.New(store, emitter, scheduler, &log)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	expiryWorker := expiry.NewWorker(expiryRmq, eng)
	expiryWorker.Start(workerCtx)

	flows := flow.NewController(eng, store, flow.Config{IdleTimeout: appCfg.FlowIdleTimeout}, &log)
	go func() {
		ticker := time.NewTicker(appCfg.FlowIdleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := flows.ReapIdle(workerCtx); n > 0 {
					log.Info().Int("reaped", n).Msg("abandoned registration flows reaped")
				}
			}
		}
	}()

	serviceInstance := service.NewService(store, eng, flows, &log)
	app := api.NewRouters(&api.Routers{Service: serviceInstance})

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting server on %s", port)
		if err := app.Run(":" + port); err != nil {
			serverErrChan <- fmt.Errorf("failed to start server: %w", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Info().Msgf("Received signal %s. Initiating shutdown...", sig)
	case err := <-serverErrChan:
		log.Error().Msgf("Server error: %v", err)
	}

	cancelWorkers()
	expiryWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if closer, ok := interface{}(app).(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(shutdownCtx); err != nil {
			log.Error().Msgf("Error shutting down server: %v", err)
		}
	}

	log.Info().Msg("Shutdown complete")
}
