package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"authrelay.org/internal/config"
	"authrelay.org/internal/core"
	"authrelay.org/internal/httpapi"
	"authrelay.org/internal/obs"
	"authrelay.org/internal/session"
	"authrelay.org/internal/store/pg"
	"authrelay.org/internal/store/sqlite"
	"authrelay.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal().Err(err).Msg("relay stopped")
	}
}

type storeHandle struct {
	store session.Store
	db    *sql.DB
	close func() error
}

func openStore(ctx context.Context, cfg config.Relay) (storeHandle, error) {
	switch cfg.Store {
	case config.StorePostgres:
		st, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return storeHandle{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.AutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return storeHandle{}, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return storeHandle{store: st, db: st.DB(), close: st.Close}, nil
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return storeHandle{}, err
		}
		return storeHandle{store: st, db: st.DB(), close: st.Close}, nil
	default:
		return storeHandle{store: session.NewInMemory(), close: func() error { return nil }}, nil
	}
}

func run() error {
	obs.Init()
	obs.InitBuildInfo("authrelay", version, commit)

	cfg, err := config.LoadRelay()
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	keys, err := cfg.Keys()
	if err != nil {
		return err
	}
	displayAppname("auth relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sh, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sh.close() }()

	var wg sync.WaitGroup
	bus := stream.NewBus(cfg.BusCapacity)
	var publisher session.Publisher = bus
	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		redisClient = client

		bridge := stream.NewRedisBridge(client, cfg.RedisChannel, bus)
		publisher = bridge
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				obs.Logger().Error().Err(err).Msg("redis bridge stopped")
			}
		}()
	}

	coreClient, err := core.NewClient(cfg.CoreURL, keys.StartSigner, cfg.CoreTimeout)
	if err != nil {
		return err
	}
	engine := session.NewEngine(sh.store, keys.Results, session.WithPublisher(publisher))
	ready := httpapi.ReadyCheck{DB: sh.db, Redis: redisClient}

	api := httpapi.New(httpapi.Deps{
		Sessions:         engine,
		Bus:              bus,
		Core:             coreClient,
		GuestVerifier:    keys.Guest,
		HostVerifier:     keys.Host,
		WidgetSigner:     keys.WidgetSigner,
		InternalURL:      cfg.InternalURL,
		ExternalGuestURL: cfg.ExternalGuestURL,
		WidgetURL:        cfg.WidgetURL,
		DisplayName:      cfg.DisplayName,
		Retention:        cfg.Retention,
		Heartbeat:        cfg.Heartbeat,
		RateBurst:        cfg.RateBurst,
		RatePerSec:       cfg.RatePerSec,
		TrustProxy:       cfg.TrustProxy,
		HostOrigins:      cfg.HostOrigins,
		Ready:            ready,
		Version:          version,
	})
	defer api.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Live streams lift this per response.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCServer(ready)
	health.Register(grpcSrv)

	wg.Add(3)
	go func() {
		defer wg.Done()
		health.Run(ctx, 10*time.Second)
	}()
	go func() {
		defer wg.Done()
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			obs.Logger().Error().Err(err).Msg("grpc serve")
		}
	}()
	go func() {
		defer wg.Done()
		sweep(ctx, engine, cfg.SweepInterval, cfg.Retention)
	}()

	errCh := make(chan error, 1)
	go func() {
		obs.Logger().Info().
			Str("version", version).
			Str("http_addr", srv.Addr).
			Str("grpc_addr", cfg.GRPCAddr).
			Str("store", cfg.Store).
			Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("listen: %w", err)
		}
	}
	obs.Logger().Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Wakes open live streams so Shutdown does not wait for them.
	bus.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Logger().Warn().Err(err).Msg("http shutdown")
	}
	grpcSrv.GracefulStop()
	wg.Wait()
	obs.Logger().Info().Msg("stopped")
	return nil
}

// sweep removes idle sessions every interval. Failures are logged and
// retried on the next tick.
func sweep(ctx context.Context, engine *session.Engine, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.SweepExpired(ctx, retention)
			if err != nil {
				obs.Logger().Error().Err(err).Msg("sweep sessions")
				continue
			}
			if n > 0 {
				obs.Logger().Info().Int64("deleted", n).Msg("swept idle sessions")
			}
		}
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
