package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/billing"
	"github.com/ovaphlow/pitchfork/service-identity/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity/internal/observability"
	"github.com/ovaphlow/pitchfork/service-identity/internal/subscription"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

// worker applies billing events queued by the payment integration.
func main() {
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	if err := run(sugar); err != nil {
		sugar.Fatalw("billing worker stopped", "err", err)
	}
	sugar.Info("goodbye")
}

func run(sugar *zap.SugaredLogger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required for the billing worker")
	}
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(dbCfg)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB, dbCfg.Driver); err != nil {
		return err
	}

	subSvc := subscription.NewService(userrepo.NewUserRepo(database.NewPoolFactory(db)))
	h := billing.NewHandler(subSvc, observability.NewMetrics(), sugar)

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: 5,
		Queues:      map[string]int{billing.QueueBilling: 1},
		Logger:      sugar,
	})
	mux := asynq.NewServeMux()
	h.Register(mux)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	sugar.Infow("billing worker started", "queue", billing.QueueBilling)

	<-ctx.Done()
	sugar.Info("shutting down")
	srv.Shutdown()
	return nil
}
