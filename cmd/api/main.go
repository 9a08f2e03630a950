package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"communitymarket/internal/config"
	"communitymarket/internal/db"
	internalhttp "communitymarket/internal/http"
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

	locks := services.NewOrderLocks()
	orderSvc := &services.OrderService{
		Store:          st,
		Listings:       st,
		Gateway:        gateway,
		Notify:         dispatcher,
		Locks:          locks,
		Logger:         logger,
		AllowSelfOrder: cfg.Orders.AllowSelfOrder,
	}
	reconciler := &services.Reconciler{
		Store:          st,
		Listings:       st,
		Gateway:        gateway,
		Notify:         dispatcher,
		Locks:          locks,
		Logger:         logger,
		APIKey:         cfg.Gateway.APIKey,
		PendingTimeout: cfg.PendingTimeout(),
		Interval:       cfg.SweepInterval(),
	}

	h := internalhttp.NewHandler(orderSvc, reconciler, logger)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(ctxShutdown)
}
