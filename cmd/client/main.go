package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tebeka/atexit"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/status"
	"github.com/matst80/backhaul/internal/tunnel"
)

const heartbeatInterval = 30 * time.Second

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.LogFile != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		obs.SetOutput(io.MultiWriter(fileLogger, os.Stderr))
		atexit.Register(func() { _ = fileLogger.Close() })
	}

	tc, err := tunnelConfig()
	if err != nil {
		obs.Error("config.invalid", obs.Fields{}.Err(err))
		atexit.Exit(2)
	}
	obs.Info("client.start", obs.Fields{"name": tc.TunnelName, "relay": tc.RelayAddr(), "local": tc.LocalAddr(), "metrics": cfg.MetricsAddr})

	store, err := status.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("status.store", obs.Fields{"addr": cfg.RedisAddr}.Err(err))
		atexit.Exit(1)
	}
	atexit.Register(func() {
		if err := store.Close(); err != nil {
			obs.Error("status.close", obs.Fields{}.Err(err))
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pub := status.NewPublisher(store)
	sup, err := tunnel.NewSupervisor(tc, tunnel.Options{
		RetryInterval:    cfg.RetryInterval,
		PollInterval:     cfg.PollInterval,
		LocalDialTimeout: cfg.LocalDialTimeout,
		Hooks: &tunnel.Hooks{
			OnState: pub.Offer,
			OnConnClosed: func(id uint32, sent, received int64) {
				obs.Debug("client.conn_closed", obs.Fields{"conn": id, "sent": sent, "received": received})
			},
		},
	})
	if err != nil {
		obs.Error("client.supervisor", obs.Fields{}.Err(err))
		atexit.Exit(2)
	}

	if hb, ok := store.(interface {
		StartHeartbeat(ctx context.Context, interval time.Duration)
	}); ok {
		go hb.StartHeartbeat(ctx, heartbeatInterval)
	}
	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, sup)
	}

	runWithPublisher(ctx, sup, pub)
	stop()
	obs.Info("client.shutdown.complete", obs.Fields{"total_conns": sup.Status().TotalConns})
	atexit.Exit(0)
}

// runWithPublisher runs sup until ctx is done. The publisher outlives it so
// the final stopped status reaches the store before returning.
func runWithPublisher(ctx context.Context, sup interface{ Run(context.Context) error }, pub *status.Publisher) {
	pubCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pub.Run(pubCtx)
	}()
	if err := sup.Run(ctx); err != nil {
		obs.Error("client.run", obs.Fields{}.Err(err))
	}
	cancel()
	<-done
}
