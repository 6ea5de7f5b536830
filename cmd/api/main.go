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

	goredis "github.com/redis/go-redis/v9"

	"veriam.dev/internal/cache"
	memorycache "veriam.dev/internal/cache/memory"
	rediscache "veriam.dev/internal/cache/redis"
	"veriam.dev/internal/config"
	"veriam.dev/internal/httpapi"
	"veriam.dev/internal/identity"
	"veriam.dev/internal/obs"
	"veriam.dev/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("VERIAM_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Credential store: PostgreSQL when a DSN is configured, otherwise the
	// in-memory store for single-process development runs.
	var (
		store identity.Store
		db    *sql.DB
	)
	if cfg.DatabaseDSN != "" {
		pgStore, err := pg.Open(cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Print("VERIAM_PG_DSN not set, using in-memory store")
		store = identity.NewMemStore()
	}

	accessCache, sweepStop := buildCache(cfg)
	defer sweepStop()

	tokenOpts := []identity.TokenOption{identity.WithIssuer(cfg.Issuer)}
	if cfg.AccessTTL > 0 {
		tokenOpts = append(tokenOpts, identity.WithAccessTTL(cfg.AccessTTL))
	}
	if cfg.RefreshTTL > 0 {
		tokenOpts = append(tokenOpts, identity.WithRefreshTTL(cfg.RefreshTTL))
	}
	tokens, err := identity.NewTokenService(cfg.TokenSecret, tokenOpts...)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		// A cached decision must not outlive the token that relies on it.
		cacheTTL = tokens.AccessTTL()
	}
	access, err := identity.NewAccessService(store, accessCache, cacheTTL)
	if err != nil {
		log.Fatalf("access service: %v", err)
	}
	grants, err := identity.NewGrantService(store, accessCache)
	if err != nil {
		log.Fatalf("grant service: %v", err)
	}

	providers := []identity.AuthProvider{identity.NewLocalProvider(store)}
	if len(cfg.Directory) > 0 {
		providers = append(providers, identity.NewDirectoryProvider(cfg.Directory))
	}
	chain := identity.NewChain(providers...)

	logins, err := identity.NewLoginService(store, chain, tokens, grants)
	if err != nil {
		log.Fatalf("login service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, logins, access, grants)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting veriam-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

// buildCache picks the redis adapter when an address is configured, otherwise
// the process-local adapter with a periodic sweep to bound memory.
func buildCache(cfg *config.Config) (cache.AccessCache, func()) {
	if cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		return rediscache.NewAdapter(client), func() { _ = client.Close() }
	}
	adapter := memorycache.NewAdapter()
	ticker := time.NewTicker(time.Minute)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				adapter.Sweep()
			case <-done:
				return
			}
		}
	}()
	return adapter, func() {
		ticker.Stop()
		close(done)
	}
}
