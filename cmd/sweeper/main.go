package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"communitymarket/internal/config"
	"communitymarket/internal/db"
	"communitymarket/internal/notify"
	"communitymarket/internal/services"
	"communitymarket/internal/store"
	"communitymarket/internal/wechatpay"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool)
	gateway := wechatpay.NewClient(wechatpay.Config{
		BaseURL:   cfg.Gateway.APIURL,
		AppID:     cfg.Gateway.AppID,
		MchID:     cfg.Gateway.MchID,
		APIKey:    cfg.Gateway.APIKey,
		NotifyURL: cfg.Gateway.NotifyURL,
		TradeType: cfg.Gateway.TradeType,
		Sandbox:   cfg.Gateway.Sandbox,
		Timeout:   cfg.GatewayTimeout(),
	})

	dispatcher := notify.NewDispatcher(notify.StoreSink{Notifications: st}, logger, cfg.Notify.Buffer)
	dispatcher.Start(ctx)

	reconciler := &services.Reconciler{
		Store:          st,
		Listings:       st,
		Gateway:        gateway,
		Notify:         dispatcher,
		Locks:          services.NewOrderLocks(),
		Logger:         logger,
		APIKey:         cfg.Gateway.APIKey,
		PendingTimeout: cfg.PendingTimeout(),
		Interval:       cfg.SweepInterval(),
	}

	logger.Info("sweeper started",
		zap.Duration("interval", cfg.SweepInterval()),
		zap.Duration("pending_timeout", cfg.PendingTimeout()))
	reconciler.Run(ctx)
}
