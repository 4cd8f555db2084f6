package main

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/flokiorg/lokilsp/config"
	"github.com/flokiorg/lokilsp/http"
	"github.com/flokiorg/lokilsp/logger"
	"github.com/flokiorg/lokilsp/service"
)

func main() {
	// Create a channel to receive OS signals.
	osSignalChannel := make(chan os.Signal, 1)
	// Notify the channel on os.Interrupt, syscall.SIGTERM. os.Kill cannot be caught.
	signal.Notify(osSignalChannel, os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)

	ctx, cancel := context.WithCancel(context.Background())

	var sig os.Signal
	go func() {
		for {
			// wait for exit signal
			sig = <-osSignalChannel
			logger.Logger.Info().Interface("signal", sig).Msg("Received OS signal")

			if sig == syscall.SIGPIPE {
				logger.Logger.Warn().Interface("signal", sig).Msg("Ignoring SIGPIPE signal")
				continue
			}

			cancel()
			break
		}
	}()

	appConfig, err := config.Load()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to load configuration")
		return
	}

	svc, err := service.NewService(ctx, appConfig)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to create service")
		return
	}

	if err := svc.Start(ctx); err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to start service")
		return
	}

	e := echo.New()
	e.HideBanner = true

	httpSvc := http.NewHttpService(svc.Store(), svc.LNClient(), svc.Engine())
	httpSvc.RegisterRoutes(e)

	go func() {
		if err := e.Start(fmt.Sprintf(":%v", appConfig.Port)); err != nil && err != nethttp.ErrServerClosed {
			logger.Logger.Error().Err(err).Msg("echo server failed to start")
			cancel()
		}
	}()

	// handle graceful shutdown
	<-ctx.Done()
	logger.Logger.Info().Interface("signal", sig).Msg("Context Done")
	logger.Logger.Info().Msg("Shutting down echo server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error().Err(err).Msg("Failed to shutdown echo server")
	}
	logger.Logger.Info().Msg("Echo server exited")
	svc.Shutdown()
	logger.Logger.Info().Msg("Service exited")
}
