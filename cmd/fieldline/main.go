package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldline/internal/alert"
	"fieldline/internal/artifact"
	"fieldline/internal/collab"
	"fieldline/internal/config"
	"fieldline/internal/control"
	"fieldline/internal/device"
	"fieldline/internal/kv"
	"fieldline/internal/offline"
	"fieldline/internal/search"
	"fieldline/internal/settings"
	"fieldline/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	kvStore, err := openKV(cfg)
	if err != nil {
		log.Fatalf("storage failed: %v", err)
	}
	defer kvStore.Close()

	// Postgres backs comment persistence and search fallback when
	// configured; the companion runs without it in the field.
	var comments *store.PostgresStore
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		comments = store.NewPostgresStore(db)
		if err := comments.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema failed: %v", err)
		}
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	var fallback search.Fallback
	if comments != nil {
		fallback = comments
	}
	searchService := search.NewService(meiliClient, fallback)

	var uploader offline.ArtifactUploader
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		up, err := artifact.NewUploader(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store failed: %v", err)
		}
		uploader = up
	}

	prefs, err := settings.NewManager(ctx, kvStore)
	if err != nil {
		log.Fatalf("settings failed: %v", err)
	}
	active := prefs.Current()

	var alerter *alert.Service
	if cfg.SMTPHost != "" {
		alerter = alert.NewService(alert.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}, cfg.AlertRecipients)
	}

	watcher := device.NewProbeWatcher(cfg.PollURL, cfg.ProbeInterval)
	watcher.Start()
	defer watcher.Close()

	var locator device.Locator
	if cfg.Position != "" {
		pos, err := device.ParsePosition(cfg.Position)
		if err != nil {
			log.Fatalf("invalid FIELDLINE_POSITION: %v", err)
		}
		locator = &device.FixedLocator{Pos: pos}
	}
	if err := os.MkdirAll(cfg.CameraDir, 0o755); err != nil {
		log.Fatalf("failed to create camera spool: %v", err)
	}
	camera := &device.DirectoryCamera{Dir: cfg.CameraDir}

	monitor := device.NewMonitor(device.MonitorConfig{
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
		TenantID: cfg.TenantID,
	}, camera, locator, watcher, alerterOrNil(alerter), prefs)

	syncer := offline.NewRemoteSyncer(cfg.SyncAPIURL, []byte(cfg.SyncSecret), cfg.UserID, cfg.SyncTokenTTL, uploader)
	queue, err := offline.NewQueue(ctx, kvStore, syncer, monitor, offline.Options{
		Capacity:      cfg.QueueCapacity,
		SyncInterval:  time.Duration(active.SyncIntervalMinutes) * time.Minute,
		AutoSyncDelay: cfg.AutoSyncDelay,
		AutoSync:      active.AutoSync,
	})
	if err != nil {
		log.Fatalf("capture queue failed: %v", err)
	}
	monitor.AttachQueue(queue)
	queue.Start()
	defer queue.Close()
	monitor.Start()
	defer monitor.Close()

	outbox, err := collab.NewOutbox(ctx, kvStore)
	if err != nil {
		log.Fatalf("outbox failed: %v", err)
	}

	engine := collab.NewEngine(collab.EngineConfig{
		TenantID:  cfg.TenantID,
		UserID:    cfg.UserID,
		UserName:  cfg.UserName,
		AvatarURL: cfg.AvatarURL,
	}, collab.Deps{
		Outbox:   outbox,
		Comments: commentsOrNil(comments),
		Indexer:  searchService,
	})
	engine.Connect(cfg.RelayURL, cfg.PollURL)
	engine.Start()
	defer engine.Close()

	controlServer := control.NewServer(control.Deps{
		Engine:   engine,
		Queue:    queue,
		Monitor:  monitor,
		Searcher: searchService,
		Prefs:    prefs,
		Store:    kvStore,
		TenantID: cfg.TenantID,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           controlServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("fieldline control API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-runCtx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func openKV(cfg config.Config) (kv.Store, error) {
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for durable storage")
		return kv.NewRedisStore(cfg.RedisURL)
	}
	log.Printf("Using SQLite for durable storage at %s", cfg.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	return kv.NewSQLiteStore(cfg.SQLitePath)
}

// Typed nils would defeat the engine's nil checks, so optional deps
// are narrowed to untyped nil interfaces here.
func commentsOrNil(s *store.PostgresStore) collab.CommentStore {
	if s == nil {
		return nil
	}
	return s
}

func alerterOrNil(s *alert.Service) device.Alerter {
	if s == nil {
		return nil
	}
	return s
}
