// Package main runs the master engine: a service that hires worker
// machines, escrows payment on-chain, and drives tasks to completion.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	app "github.com/econos-labs/master-engine/internal/app"
	"github.com/econos-labs/master-engine/internal/app/httpapi"
	"github.com/econos-labs/master-engine/internal/app/storage/postgres"
	"github.com/econos-labs/master-engine/internal/config"
	"github.com/econos-labs/master-engine/pkg/logger"
)

func main() {
	log := logger.NewDefault("master")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("load configuration")
		os.Exit(1)
	}
	log.Info("configuration loaded: " + cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		log.WithError(err).Error("dial chain rpc")
		os.Exit(1)
	}
	defer client.Close()

	var stores app.Stores
	if cfg.PostgresDSN != "" {
		db, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			log.WithError(err).Error("open postgres")
			os.Exit(1)
		}
		defer db.Close()
		store := postgres.New(db)
		if err := store.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("apply schema")
			os.Exit(1)
		}
		stores.Tasks = store
		stores.Checkpoints = store
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}

	roster, err := config.LoadWorkers(cfg.WorkersFile)
	if err != nil {
		log.WithError(err).Error("load worker roster")
		os.Exit(1)
	}
	log.WithField("workers", len(roster)).Info("worker roster loaded")

	application, err := app.New(cfg, stores, client, roster, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	handler, err := httpapi.NewHandler(application, log, httpapi.Options{
		AuditFile: cfg.AuditFile,
	})
	if err != nil {
		log.WithError(err).Error("build http handler")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
	log.Info("master engine stopped")
}
