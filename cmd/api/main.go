package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-identity/internal/config"
	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-identity/internal/observability"
	"github.com/ovaphlow/pitchfork/service-identity/internal/reset"
	"github.com/ovaphlow/pitchfork/service-identity/internal/router"
	"github.com/ovaphlow/pitchfork/service-identity/internal/session"
	"github.com/ovaphlow/pitchfork/service-identity/internal/subscription"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

func main() {
	// best-effort: a missing .env falls back to the real environment
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	if err := run(sugar); err != nil {
		sugar.Fatalw("identity service stopped", "err", err)
	}
	sugar.Info("goodbye")
}

func run(sugar *zap.SugaredLogger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		return err
	}
	sessCfg, err := session.ConfigFromEnv()
	if err != nil {
		return err
	}
	mailCfg, err := reset.MailConfigFromEnv()
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

	var deny session.Denylist = session.NopDenylist{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		deny = session.NewRedisDenylist(rdb)
	} else {
		sugar.Warn("REDIS_ADDR not set; sign-out cannot revoke issued sessions")
	}

	key, err := session.LoadKey(sessCfg.PrivateKeyPath)
	if err != nil {
		return err
	}
	if sessCfg.PrivateKeyPath == "" {
		sugar.Warn("SESSION_PRIVATE_KEY_PATH not set; using an ephemeral signing key")
	}

	metrics := observability.NewMetrics()
	users := userrepo.NewUserRepo(database.NewPoolFactory(db))
	hasher := credential.BcryptHasher{Cost: cfg.BcryptCost}
	userSvc := user.NewUserService(users, hasher)
	subSvc := subscription.NewService(users)
	resetSvc := reset.NewService(users, hasher)

	issuer, err := session.NewIssuer(sessCfg, key, subSvc, deny)
	if err != nil {
		return err
	}

	userHandler := user.NewHandler(userSvc, issuer, metrics, sugar)
	providers := oauth.NewRegistry(cfg.OAuth)
	sugar.Infow("oauth providers configured", "providers", providers.Names())

	handler := router.New(router.Deps{
		Logger:        sugar,
		Metrics:       metrics,
		Users:         userHandler,
		Sessions:      session.NewHandler(issuer, sugar),
		OAuth:         oauth.NewHandler(providers, userSvc, userHandler, metrics, cfg.InternalAPIKey, sugar),
		Reset:         reset.NewHandler(resetSvc, reset.NewMailer(mailCfg, sugar), cfg.OAuth.PublicBaseURL, sugar),
		Billing:       subscription.NewHandler(subSvc, sugar).WithMetrics(metrics),
		BillingAPIKey: cfg.BillingAPIKey,
		SnowflakeNode: cfg.SnowflakeNode,
		AuthRateLimit: cfg.AuthRateLimit,
		Production:    cfg.Production,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sugar.Infow("identity service listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
