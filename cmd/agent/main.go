package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lawnflow/fieldsync/internal/api/handlers"
	"github.com/lawnflow/fieldsync/internal/config"
	"github.com/lawnflow/fieldsync/internal/core"
	"github.com/lawnflow/fieldsync/internal/db"
	"github.com/lawnflow/fieldsync/internal/notify"
	"github.com/lawnflow/fieldsync/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[agent] failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[agent] invalid config: %v", err)
	}

	database, err := db.Open(db.Config{Path: cfg.Database.Path}, db.AgentMigrations())
	if err != nil {
		log.Fatalf("[agent] failed to open database: %v", err)
	}
	defer database.Close()

	store := core.NewQueueStore(database)
	if err := store.Recover(); err != nil {
		log.Fatalf("[agent] failed to recover queue: %v", err)
	}

	router := core.NewRouter(database, &http.Client{Timeout: cfg.Sync.AttemptTimeout})
	if err := router.SetBucketVersion(core.BucketStatic, cfg.Cache.AssetVersion); err != nil {
		log.Fatalf("[agent] failed to set static bucket version: %v", err)
	}
	if err := router.SetBucketVersion(core.BucketDynamic, cfg.Cache.DataVersion); err != nil {
		log.Fatalf("[agent] failed to set dynamic bucket version: %v", err)
	}

	hub := notify.NewHub()

	coordinator := core.NewCoordinator(store, router, hub, core.CoordinatorConfig{
		ServerURL:      cfg.Agent.ServerURL,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		AttemptTimeout: cfg.Sync.AttemptTimeout,
		DrainInterval:  cfg.Sync.DrainInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := coordinator.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[agent] coordinator stopped: %v", err)
		}
	}()

	// Drain anything left over from before the restart.
	coordinator.Wake()

	engine := gin.Default()
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(telemetry.Handler()))

	queueHandler := handlers.NewQueueHandler(store, coordinator, hub, router, cfg.Agent.ServerURL)
	queueHandler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Agent.Port),
		Handler: engine,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[agent] listening on :%d, syncing to %s", cfg.Agent.Port, cfg.Agent.ServerURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[agent] server error: %v", err)
	}
}
