package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cashbook.org/internal/config"
	"cashbook.org/internal/httpapi"
	"cashbook.org/internal/ledger"
	"cashbook.org/internal/obs"
	"cashbook.org/internal/store/pg"
	"cashbook.org/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	var (
		svc       ledger.Service
		customers ledger.CustomerService
		db        *sql.DB
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		db = store.DB()
		db.SetMaxOpenConns(cfg.PGMaxOpenConns)
		db.SetMaxIdleConns(cfg.PGMaxIdleConns)
		svc = store
		customers = store
	} else {
		log.Println("CASHBOOK_PG_DSN not set, using in-memory ledger")
		svc = ledger.NewInMemory()
		customers = ledger.NewInMemoryCustomers()
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, cfg.Version, svc, customers, stream.New())
	api.SetRateLimit(cfg.RateLimitBurst, int(cfg.RateLimitPerSec))
	api.SetTokenTTL(cfg.TokenTTL)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE needs an unbounded write window
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting cashbook-api %s on %s", cfg.Version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
