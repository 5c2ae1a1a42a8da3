package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"

	"authrelay.org/internal/authtest"
	"authrelay.org/internal/config"
	"authrelay.org/internal/obs"
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Fatal().Err(err).Msg("authtest stopped")
	}
}

func run() error {
	cfg, err := config.LoadAuthTest()
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	keys, err := cfg.Keys()
	if err != nil {
		return err
	}
	catalog, err := config.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	provider, err := authtest.New(authtest.Config{
		ServerURL:   cfg.ServerURL,
		InternalURL: cfg.InternalURL,
		WithSession: cfg.WithSession,
		Catalog:     catalog,
		Signer:      keys.Signer,
		Encrypter:   keys.Encrypter,
	})
	if err != nil {
		return err
	}

	myFigure := figure.NewFigure("authtest", "cybermedium", true)
	myFigure.Print()
	fmt.Println()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           provider.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		obs.Logger().Info().Str("addr", srv.Addr).Int("attributes", len(catalog)).Msg("authtest listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
