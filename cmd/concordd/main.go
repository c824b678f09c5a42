package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/concordchat/concord/internal/api"
	"github.com/concordchat/concord/internal/config"
	"github.com/concordchat/concord/internal/eventbus"
	"github.com/concordchat/concord/internal/gateway"
	"github.com/concordchat/concord/internal/permissions"
	"github.com/concordchat/concord/internal/snowflake"
	"github.com/concordchat/concord/internal/store"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	st := store.NewStore(db)

	ids, err := snowflake.NewGenerator(cfg.WorkerID)
	if err != nil {
		log.Fatalf("id generator: %v", err)
	}

	bus, err := eventbus.Connect(cfg.NATSURL)
	if err != nil {
		log.Fatalf("connect event bus: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.EnsureStreams(ctx); err != nil {
		log.Fatalf("ensure streams: %v", err)
	}

	perms := &permissions.Service{Source: st}
	gw := gateway.New(st, st, perms, bus, gateway.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ResumeWindow:      cfg.ResumeWindow,
		RateLimit:         rate.Limit(cfg.RateLimitPerSec),
		RateBurst:         cfg.RateBurst,
	})
	defer gw.Close()

	consumers := make([]*eventbus.Consumer, 0, len(eventbus.Topics))
	for _, topic := range eventbus.Topics {
		consumer, err := bus.Consume(ctx, "gateway", topic, eventbus.DefaultRetry, gw.HandleEvent)
		if err != nil {
			log.Fatalf("consume %s: %v", topic, err)
		}
		consumers = append(consumers, consumer)
	}
	defer func() {
		for _, c := range consumers {
			c.Stop()
		}
	}()

	apiServer := &api.Server{
		Gateway:    gw,
		Revoker:    st,
		Publisher:  bus,
		IDs:        ids,
		AdminToken: cfg.AdminToken,
		StartedAt:  time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr: cfg.HTTPAddr,
			NATSURL:  cfg.NATSURL,
			DBPath:   cfg.DBPath,
			WorkerID: cfg.WorkerID,
		},
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		log.Printf("concordd worker %d listening on %s", cfg.WorkerID, listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
