package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lawnflow/fieldsync/internal/api/handlers"
	"github.com/lawnflow/fieldsync/internal/api/middleware"
	"github.com/lawnflow/fieldsync/internal/config"
	"github.com/lawnflow/fieldsync/internal/core"
	"github.com/lawnflow/fieldsync/internal/db"
	"github.com/lawnflow/fieldsync/internal/photos"
	"github.com/lawnflow/fieldsync/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[server] failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[server] invalid config: %v", err)
	}

	database, err := db.Open(db.Config{Path: cfg.Database.Path}, db.ServerMigrations())
	if err != nil {
		log.Fatalf("[server] failed to open database: %v", err)
	}
	defer database.Close()

	photoStore, err := photos.NewStore(cfg.Storage.PhotoDir, cfg.Storage.ThumbnailSize)
	if err != nil {
		log.Fatalf("[server] failed to open photo storage: %v", err)
	}

	lifecycle := core.NewLifecycle(database)

	auth, err := middleware.NewAuthMiddleware(database)
	if err != nil {
		log.Fatalf("[server] failed to init auth: %v", err)
	}

	if user := os.Getenv("FIELDSYNC_BOOTSTRAP_USER"); user != "" {
		pass := os.Getenv("FIELDSYNC_BOOTSTRAP_PASSWORD")
		if pass == "" {
			log.Fatalf("[server] FIELDSYNC_BOOTSTRAP_PASSWORD is required with FIELDSYNC_BOOTSTRAP_USER")
		}
		if err := middleware.EnsureTechnician(database, user, pass); err != nil {
			log.Fatalf("[server] failed to bootstrap technician: %v", err)
		}
	}

	engine := gin.Default()
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(telemetry.Handler()))
	engine.POST("/api/login", auth.LoginHandler)

	jobHandler := handlers.NewJobHandler(lifecycle, photoStore)
	jobHandler.RegisterRoutes(engine.Group("", auth.RequireAuth()))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[server] listening on :%d", cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[server] server error: %v", err)
	}
}
