package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lyzr/buildqueue/common/bootstrap"
)

// The fanout service streams build completion events to WebSocket watchers,
// one channel per bucket. It holds no state beyond live connections; a
// watcher that needs history goes through the search API instead.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "buildqueue-fanout",
		bootstrap.WithoutDB(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap fanout: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	log := components.Logger

	hub := NewHub(log)
	go hub.Run()

	subscriber := NewRedisSubscriber(components.Redis.GetUnderlying(), hub, log)
	go func() {
		if err := subscriber.Start(ctx); err != nil {
			log.Error("redis subscriber failed", "error", err)
			stop()
		}
	}()

	server := NewServer(hub, log)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"buildqueue-fanout"}`))
	})

	addr := fmt.Sprintf(":%d", components.Config.Service.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	log.Info("fanout ready", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}
