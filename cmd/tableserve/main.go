package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/berdl/tableserve/cache"
	"github.com/berdl/tableserve/config"
	"github.com/berdl/tableserve/diskcache"
	"github.com/berdl/tableserve/engine"
	"github.com/berdl/tableserve/logger"
	"github.com/berdl/tableserve/server"
)

var rootCmd = &cobra.Command{
	Use:          "tableserve",
	Short:        "Paginated table views over cached SQLite backing files",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewConsoleLogger(logger.GetLevelFromEnv())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tiers := []cache.Cache{
		cache.NewInMemory(ctx, cache.WithExpires(cfg.TTL())),
	}
	if addr := cfg.RedisAddr(); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis at %s is not responding, continuing degraded: %s", addr, err)
		} else {
			log.Info("result cache backed by redis at %s", addr)
		}
		cancel()
		tiers = append(tiers, cache.NewRedis(client,
			cache.WithExpires(cfg.TTL()),
			cache.WithPrefix("tableserve")))
	}
	results := cache.NewResilient(cache.NewComposite(tiers...), log)

	var source diskcache.Source
	switch {
	case cfg.SourceURL != "":
		source = diskcache.HTTPSource{
			BaseURL: cfg.SourceURL,
			Token:   cfg.SourceToken,
			Logger:  log,
		}
	case cfg.SourceDir != "":
		source = diskcache.FileSource{Dir: cfg.SourceDir}
	default:
		return errors.New("either SOURCE_URL or SOURCE_DIR must be set")
	}

	disk, err := diskcache.NewManager(ctx, cfg.CacheRoot, source, log,
		diskcache.WithRetention(cfg.Retention))
	if err != nil {
		return err
	}

	eng := engine.New(results, disk, source, log, engine.WithTTL(cfg.TTL()))
	defer eng.Close()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(eng, log),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
