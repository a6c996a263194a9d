package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"loyaltyhub/audit"
	"loyaltyhub/config"
	"loyaltyhub/coordinator"
	"loyaltyhub/directory"
	"loyaltyhub/gateway"
	"loyaltyhub/ledger"
	"loyaltyhub/observability/logging"
	"loyaltyhub/registry"
	"loyaltyhub/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "loyaltyhub.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("loyaltyhubd", "").Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("loyaltyhubd", cfg.Environment)

	issuerKey, deployerKey, err := cfg.LoadSigningKeys()
	if err != nil {
		logger.Error("load signing keys", "err", err)
		os.Exit(1)
	}

	store, err := storage.OpenLevelStore(filepath.Join(cfg.DataDir, "registry"))
	if err != nil {
		logger.Error("open registry store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	recorder, err := audit.NewRecorder(cfg.AuditDatabasePath)
	if err != nil {
		logger.Error("open audit database", "err", err)
		os.Exit(1)
	}
	defer recorder.Close()

	backend, err := ledger.Dial(cfg.LedgerEndpoint)
	if err != nil {
		logger.Error("dial ledger", "endpoint", cfg.LedgerEndpoint, "err", err)
		os.Exit(1)
	}
	client := ledger.NewClient(backend, ledger.ClientConfig{
		Factory:         cfg.Factory(),
		Issuer:          issuerKey,
		Deployer:        deployerKey,
		ConfirmInterval: cfg.ConfirmPollInterval(),
	})
	factory := ledger.NewFactoryGateway(client)

	businesses := registry.New(store, factory)
	coord := coordinator.New(businesses, factory, client, recorder, logger)
	users := directory.New(store, businesses, coord, recorder, logger)

	server := gateway.New(gateway.Config{
		Registry:          businesses,
		Coordinator:       coord,
		Directory:         users,
		Audit:             recorder,
		Tokens:            gateway.NewTokenManager([]byte(cfg.JWTSecret), cfg.SessionTTL()),
		IssuerAddress:     issuerKey.Address(),
		Logger:            logger,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("loyaltyhub listening",
			"addr", cfg.ListenAddress, "issuer", issuerKey.Address().Hex(), "factory", cfg.FactoryAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
