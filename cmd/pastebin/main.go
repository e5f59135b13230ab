package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/binjie09/gemini-pastebin/cfg"
	"github.com/binjie09/gemini-pastebin/svc/api"
	"github.com/binjie09/gemini-pastebin/svc/auth"
	"github.com/binjie09/gemini-pastebin/svc/blob"
	"github.com/binjie09/gemini-pastebin/svc/cache"
	"github.com/binjie09/gemini-pastebin/svc/db"
	"github.com/binjie09/gemini-pastebin/svc/svc"
	"github.com/binjie09/gemini-pastebin/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "pastebin.db"
		}

		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting pastebin API")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c.RedisTimeout)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	hasher, err := auth.NewHasher(c.BcryptCost)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}

	blobs, err := blob.NewStore(c.UploadDir)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize upload store")
		os.Exit(1)
	}
	util.Info().Str("dir", c.UploadDir).Msg("upload store initialized")

	pasteSvc := svc.NewPaste(sqlDB, lruCache, rdb, hasher, blobs, c)
	server := api.NewServer(c, pasteSvc, blobs, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	if err := svc.StartCleaner(ctx, sqlDB, blobs, c.CleanupInterval); err != nil {
		util.Error().Err(err).Msg("failed to start cleaner")
	} else {
		util.Info().Dur("interval", c.CleanupInterval).Msg("expired paste cleanup worker started")
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
		return server.Start()
	})
	g.Go(func() error {
		util.Info().Msg("starting pprof server on :6060")
		if err := http.ListenAndServe(":6060", nil); err != nil {
			util.Warn().Err(err).Msg("pprof server failed")
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("server exited with error")
	}
	util.Info().Msg("shutdown complete")
}
