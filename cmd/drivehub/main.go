package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/drivehub/internal/accounts"
	"github.com/pysugar/drivehub/internal/aggregator"
	"github.com/pysugar/drivehub/internal/api/handlers"
	mw "github.com/pysugar/drivehub/internal/api/middleware"
	"github.com/pysugar/drivehub/internal/auth/google"
	"github.com/pysugar/drivehub/internal/auth/token"
	"github.com/pysugar/drivehub/internal/cache"
	"github.com/pysugar/drivehub/internal/config"
	"github.com/pysugar/drivehub/internal/db"
	"github.com/pysugar/drivehub/internal/drive"
	"github.com/pysugar/drivehub/internal/logging"
	"github.com/pysugar/drivehub/internal/sweeper"
	"github.com/pysugar/drivehub/internal/version"
)

func main() {
	configPath := flag.String("config", "drivehub.yaml", "path to the YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	logrus.WithFields(logrus.Fields{
		"version": version.Version,
		"commit":  version.Commit,
	}).Info("drivehub starting")

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("open database")
	}
	store := db.NewAccounts(conn)

	tokenCache := cache.NewTokenCache()
	listCache := cache.NewTTLMap[[]accounts.Summary]("account_list", cfg.Cache.AccountListSize, cfg.Cache.AccountListTTL.Std())
	stateCache := cache.NewTTLMap[string]("auth_state", 256, cfg.Cache.AuthURLTTL.Std())
	authURLCache := cache.NewTTLMap[string]("auth_url", 256, cfg.Cache.AuthURLTTL.Std())

	tokenMgr := token.NewManager(store, tokenCache, google.OAuthConfig(cfg.OAuth, ""), cfg.OAuth.RefreshTokenLifetime.Std())
	registry := accounts.NewRegistry(store, listCache)
	driveClient := drive.NewClient(cfg.Drive)

	// Each per-account slice does a token resolve, one page fetch, and a few
	// permission repairs; give it two provider timeouts before the barrier
	// drops it.
	agg := aggregator.New(registry, tokenMgr, driveClient, store, 2*cfg.Drive.RequestTimeout.Std())

	linker := google.NewLinker(cfg.OAuth, store, registry,
		func(ctx context.Context, accessToken string) (string, error) {
			info, err := driveClient.UserInfo(ctx, accessToken)
			if err != nil {
				return "", err
			}
			return info.Email, nil
		},
		stateCache, authURLCache, cfg.OAuth.RefreshTokenLifetime.Std())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sw := sweeper.New(store, registry, tokenMgr, cfg.Sweeper.Interval.Std(), cfg.Sweeper.DeactivationLead.Std())
	go sw.Run(ctx)

	var verifier mw.Verifier
	if cfg.Session.VerifierURL != "" {
		verifier = mw.HTTPVerifier{URL: cfg.Session.VerifierURL}
	} else {
		logrus.WithField("principal", cfg.Session.DevPrincipal).Warn("no verifier_url configured, using static dev principal")
		verifier = mw.StaticVerifier{Principal: cfg.Session.DevPrincipal}
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.RequestLog)

	r.Get("/healthz", handlers.HealthHandler())
	r.Handle("/metrics", promhttp.Handler())

	// Linking starts from an authenticated session; the callback authenticates
	// itself through the state token minted at login.
	r.With(mw.Session(verifier)).Get("/auth/google/login", linker.HandleLogin)
	r.Get("/auth/google/callback", linker.HandleCallback)

	r.Route("/api", func(r chi.Router) {
		r.Use(mw.Session(verifier))
		r.Get("/files", handlers.ListFilesHandler(agg))
		r.Get("/accounts", handlers.ListAccountsHandler(registry))
		r.Post("/accounts/{email}/connect", handlers.SetConnectedHandler(registry, true))
		r.Post("/accounts/{email}/disconnect", handlers.SetConnectedHandler(registry, false))
		r.Post("/accounts/{email}/refresh", handlers.RefreshAccountHandler(tokenMgr))
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: r}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		logrus.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.WithField("error", err.Error()).Error("shutdown")
		}
		close(shutdownDone)
	}()

	logrus.WithField("listen", cfg.Listen).Info("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithField("error", err.Error()).Fatal("http server")
	}
	<-shutdownDone
}
