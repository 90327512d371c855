package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/openagentsinc/dvm-engine/common/log"
	"github.com/openagentsinc/dvm-engine/config"
	"github.com/openagentsinc/dvm-engine/internal/db"
	"github.com/openagentsinc/dvm-engine/internal/dvm"
	"github.com/openagentsinc/dvm-engine/internal/handler"
	"github.com/openagentsinc/dvm-engine/internal/inference"
	"github.com/openagentsinc/dvm-engine/internal/payment"
	"github.com/openagentsinc/dvm-engine/internal/relay"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	logger, err := log.GetLogger(&cfg.Logger)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := db.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Errorf("open database: %v", err)
		os.Exit(1)
	}
	if err := store.Migrate(); err != nil {
		logger.Errorf("migrate database: %v", err)
		os.Exit(1)
	}

	pool := relay.NewPool(cfg.Relays, logger)
	defer pool.Close()

	backend := inference.NewOllamaBackend(cfg.Inference.URL, cfg.Inference.Model)

	var invoicer payment.Invoicer
	if cfg.Wallet.Mock || cfg.Wallet.URL == "" {
		invoicer = payment.NewMockInvoicer()
	} else {
		invoicer = payment.NewRESTInvoicer(cfg.Wallet.URL, cfg.Wallet.APIKey)
	}

	orch, err := dvm.New(dvm.Config{
		SecretKey:           cfg.Provider.SecretKey,
		SupportedKinds:      cfg.Provider.SupportedKinds,
		Pricing:             cfg.Provider.Pricing,
		Workers:             cfg.Provider.Workers,
		PaymentPollInterval: cfg.Provider.PaymentPollInterval(),
		PaymentTimeout:      cfg.Provider.PaymentTimeout(),
	}, pool, backend, invoicer, store, logger)
	if err != nil {
		logger.Errorf("build orchestrator: %v", err)
		os.Exit(1)
	}

	if err := orch.Start(ctx); err != nil {
		logger.Errorf("start orchestrator: %v", err)
		os.Exit(1)
	}
	defer orch.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		engine.Use(gin.Recovery())
		handler.New(store, logger).Register(engine)

		logger.Infof("admin API listening on %s", cfg.AdminListen)
		if err := engine.Run(cfg.AdminListen); err != nil {
			logger.Errorf("admin API: %v", err)
			stop <- os.Interrupt
		}
	}()

	<-stop
	logger.Info("shutting down provider...")
}
