package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"studioops/api/internal/app"
	"studioops/api/internal/config"
	"studioops/api/internal/deploylog"
	"studioops/api/internal/docstore"
	"studioops/api/internal/media"
	"studioops/api/internal/search"
	"studioops/api/internal/session"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	var store docstore.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pg, err := docstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		log.Printf("DATABASE_URL empty, using in-memory document store")
		store = docstore.NewMemory()
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewDocScan(store))

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for refresh token storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		log.Printf("Using in-process refresh token storage")
		sessions = session.NewMemoryStore()
	}

	var mediaService *media.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		svc, err := media.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		mediaService = svc
	}

	var deployLog *deploylog.Service
	if strings.TrimSpace(cfg.DeployLogDir) != "" {
		deployLog = deploylog.New(cfg.DeployLogDir)
	}

	service := app.New(cfg, store, sessions, searchService, mediaService, deployLog)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("StudioOps API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
