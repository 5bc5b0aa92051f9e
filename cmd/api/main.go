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

	"github.com/joho/godotenv"

	"doclib/internal/app"
	"doclib/internal/blob"
	"doclib/internal/config"
	"doclib/internal/dlfile"
	"doclib/internal/lock"
	"doclib/internal/search"
	"doclib/internal/social"
	"doclib/internal/store"
	"doclib/internal/workflow"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: could not load .env: %v", err)
	}
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	var locks *lock.Manager
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for locks")
		backend, err := lock.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer backend.Close()
		locks = lock.NewManager(backend)
	} else {
		log.Printf("Using PostgreSQL for locks")
		backend := lock.NewPostgresBackend(db)
		reaper := lock.NewReaper(backend, cfg.LockReaperInterval)
		reaper.Start(ctx)
		defer reaper.Stop()
		locks = lock.NewManager(backend)
	}

	var blobs blob.Store
	switch cfg.BlobBackend {
	case "minio":
		minioStore, err := blob.NewMinIO(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		blobs = minioStore
	default:
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			log.Fatalf("failed to create repos dir: %v", err)
		}
		blobs = blob.NewGit(cfg.ReposDir)
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx)

	defs, err := social.LoadDefinitions(cfg.SocialDefinitions)
	if err != nil {
		log.Fatalf("activity definitions: %v", err)
	}
	socialService := social.NewService(dataStore, locks, defs, social.Options{
		LockTimeout: cfg.SocialLockTimeout,
		RetryDelay:  cfg.SocialRetryDelay,
		PeriodDays:  cfg.SocialPeriodDays,
		CacheTTL:    cfg.SocialFinderCacheTTL,
		Workers:     cfg.SocialWorkers,
		QueueSize:   cfg.SocialQueueSize,
	})
	socialService.Start(context.Background())
	defer socialService.Stop()

	library := dlfile.New(dataStore, blobs, locks, workflow.New(cfg.Workflow), dlfile.Options{
		LockTTL:          cfg.LockTTL,
		VersionPolicy:    cfg.VersionPolicy,
		ReadCountEnabled: cfg.ReadCountEnabled,
	}).
		WithIndexer(searchService).
		WithActivities(socialService)

	service := app.New(cfg, dataStore, library, socialService, searchService)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Document library API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
