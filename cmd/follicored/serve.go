package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hiplawrussia-stack/FolliCore/internal/config"
	"github.com/hiplawrussia-stack/FolliCore/internal/httpapi"
	"github.com/hiplawrussia-stack/FolliCore/internal/registry"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the configured models and serve extraction traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (.yaml, .json, or .toml); env vars apply on top")
	return cmd
}

// serve runs the daemon until SIGINT or SIGTERM, then drains: the wire
// listener stops taking requests, in-flight work gets a grace period, and
// backends are released only after the listener has fully stopped. The status
// listener stays up until the very end so probes see the drain happen.
func serve(cfg config.Config) error {
	log := newLogger(cfg.Logging)
	ctrl := registry.NewController(cfg, log)

	opts := httpapi.Options{
		Version:      version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		CORSOrigins:  cfg.Server.CORSOrigins,
		Logger:       log,
	}

	statusSrv := &http.Server{Addr: cfg.Server.StatusAddr, Handler: httpapi.NewStatusMux(ctrl, opts)}
	wireSrv := &http.Server{Addr: cfg.Server.WireAddr, Handler: httpapi.NewWireMux(ctrl, opts)}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Server.StatusAddr).Msg("status listener up")
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	loadCtx, cancelLoads := context.WithCancel(context.Background())
	defer cancelLoads()
	go ctrl.LoadAll(loadCtx)

	go func() {
		log.Info().Str("addr", cfg.Server.WireAddr).Msg("wire listener up")
		if err := wireSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("listener failed")
		cancelLoads()
		_ = statusSrv.Close()
		_ = wireSrv.Close()
		_ = ctrl.Close()
		return err
	}

	// Stop intake first; new requests are rejected while in-flight ones run
	// out the grace period.
	ctrl.Drain()
	cancelLoads()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainGrace())
	defer cancel()
	if err := wireSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("grace period expired, forcing wire listener closed")
		_ = wireSrv.Close()
	}

	// The wire listener is fully stopped; backends can be released safely.
	if err := ctrl.Close(); err != nil {
		log.Warn().Err(err).Msg("closing backends")
	}

	if err := statusSrv.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("closing status listener")
	}
	log.Info().Msg("shutdown complete")
	return nil
}
