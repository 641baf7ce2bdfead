package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/smsrest/gateway/internal/dispatch_service/adapters/events"
	"github.com/smsrest/gateway/internal/dispatch_service/adapters/modem"
	"github.com/smsrest/gateway/internal/dispatch_service/app"
	"github.com/smsrest/gateway/internal/dispatch_service/domain"
	"github.com/smsrest/gateway/internal/platform/config"
	"github.com/smsrest/gateway/internal/platform/htpasswd"
	"github.com/smsrest/gateway/internal/platform/logger"
	"github.com/smsrest/gateway/internal/platform/messagebroker"
	"github.com/smsrest/gateway/internal/public_api_service/middleware"
	httptransport "github.com/smsrest/gateway/internal/public_api_service/transport/http"
)

const (
	serviceName     = "sms_gateway_service"
	requestTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel, cfg.LogFile)
	appLogger.Info("SMS gateway starting...", "http_port", cfg.HTTPPort, "device_driver", cfg.DeviceDriver)

	users, err := htpasswd.Open(cfg.HtpasswdFile, appLogger)
	if err != nil {
		appLogger.Error("Failed to load htpasswd file", "path", cfg.HtpasswdFile, "error", err)
		os.Exit(1)
	}

	var publisher app.EventPublisher = app.NoopEventPublisher{}
	if cfg.NATSUrl != "" {
		natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, appLogger)
		if err != nil {
			appLogger.Error("Failed to connect to NATS; job events disabled", "error", err)
		} else {
			defer natsClient.Close()
			publisher = events.NewNatsEventPublisher(natsClient, cfg.NATSSubjectPrefix, appLogger)
		}
	}

	dispatcher := app.NewDispatcher(
		app.Config{
			Worker: app.WorkerConfig{
				QueueWait:    cfg.QueueWaitInterval,
				PollInterval: cfg.ReplyPollInterval,
				OpTimeout:    cfg.DeviceOpTimeout,
				MaxRetries:   cfg.SendMaxRetries,
				DrainTimeout: cfg.ShutdownDrainTimeout,
			},
			ReconnectBackoff: cfg.ReconnectBackoff,
			SweepInterval:    cfg.TimeoutSweepInterval,
			Retention:        cfg.MessageRetention,
		},
		newConnector(cfg, appLogger),
		domain.NewPhoneNormalizer(cfg.LocalCountryCode, cfg.OperatorServiceNumbers),
		publisher,
		validator.New(),
		appLogger,
	)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	if err := dispatcher.OpenDevice(mainCtx); err != nil {
		if cfg.DeviceRequiredOnStartup {
			appLogger.Error("Device not available at startup", "error", err)
			os.Exit(1)
		}
		appLogger.Warn("Starting without device; the worker will reconnect", "error", err)
	}

	router := httptransport.NewRouter(
		httptransport.NewMessageHandler(dispatcher, cfg.SMSReplyTimeout, appLogger),
		httptransport.NewHealthHandler(dispatcher, appLogger),
		middleware.BasicAuthMiddleware(users, appLogger),
		requestTimeout,
	)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: router, ReadHeaderTimeout: 10 * time.Second}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		return dispatcher.RunWorker(groupCtx)
	})
	g.Go(func() error {
		return dispatcher.RunSweeper(groupCtx)
	})
	g.Go(func() error {
		appLogger.Info(fmt.Sprintf("HTTP server listening on port %d", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		appLogger.Info(fmt.Sprintf("Metrics server listening on port %d", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var groupErr error
	select {
	case sig := <-sigCh:
		appLogger.Info("Received termination signal", "signal", sig)
	case groupErr = <-watchGroup(g):
		appLogger.Error("A critical component failed, initiating shutdown", "error", groupErr)
	}

	// Stop intake first so the worker drains a queue that no longer grows.
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		appLogger.Error("HTTP server shutdown failed", "error", err)
	}
	dispatcher.StopAccepting()
	if err := metricsServer.Shutdown(ctxShutdown); err != nil {
		appLogger.Error("Metrics server shutdown failed", "error", err)
	}
	mainCancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Error during graceful shutdown of components", "error", err)
	}
	appLogger.Info("SMS gateway shut down.")
}

func newConnector(cfg *config.Config, log *slog.Logger) domain.DeviceConnector {
	if cfg.DeviceDriver == "mock" {
		log.Warn("Using simulated modem; no SMS will leave this host")
		return modem.NewSimulatedConnector(modem.SimulatedConfig{
			FailSend:       cfg.DeviceMockFailSend,
			Latency:        cfg.DeviceMockLatency,
			AutoReply:      cfg.DeviceMockAutoReply,
			AutoReplyDelay: cfg.DeviceMockAutoReplyDelay,
		}, log)
	}
	return modem.NewATConnector(modem.ATConfig{
		Port:           cfg.DevicePort,
		BaudRate:       cfg.DeviceBaudRate,
		CommandTimeout: cfg.DeviceCommandTimeout,
		SendTimeout:    cfg.DeviceOpTimeout,
		Storage:        cfg.DeviceStorage,
	}, log)
}

// watchGroup is a helper to monitor an errgroup for early exit.
// It returns the error that caused the group to exit.
func watchGroup(g *errgroup.Group) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Wait()
	}()
	return errCh
}
