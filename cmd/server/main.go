package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"mpcrelay/internal/compute"
	"mpcrelay/internal/config"
	"mpcrelay/internal/dispatch"
	"mpcrelay/internal/metrics"
	"mpcrelay/internal/middleware"
	"mpcrelay/internal/routes"
	"mpcrelay/internal/storage"
	"mpcrelay/pkg/logger"
)

// shutdownTimeout bounds how long in-flight requests may finish on shutdown
const shutdownTimeout = 30 * time.Second

func main() {
	// Create context that listens for the interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logr := logger.InitLogger(cfg.LogLevel)

	router, backend, err := newRouter(ctx, cfg, logr)
	if err != nil {
		logr.Fatalf("Failed to initialize: %v", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	metricsSrv := newMetricsServer(cfg.MetricsPort)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Infof("Metrics server is running on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Errorf("Metrics server error: %v", err)
		}
	}()

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling
	go func() {
		logr.WithFields(logrus.Fields{
			"addr":     srv.Addr,
			"tls":      cfg.TLS.Enabled(),
			"provider": backend.Provider(),
			"target":   backend.Target(),
		}).Info("Relay is running")

		var err error
		if cfg.TLS.Enabled() {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()

	// Restore default behavior on the interrupt signal and notify user of shutdown
	stop()
	logr.Info("Shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("Server forced to shutdown: ", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logr.Error("Metrics server forced to shutdown: ", err)
	}

	logr.Info("Server exiting")
}

// newRouter wires storage, the invoker and the dispatcher behind a gin
// engine. The returned backend is the unwrapped provider adapter.
func newRouter(ctx context.Context, cfg *config.Config, logr *logrus.Logger) (*gin.Engine, storage.Backend, error) {
	backend, err := storage.New(ctx, cfg.StorageBackend(), logr)
	if err != nil {
		return nil, nil, err
	}

	rec := metrics.NewRecorder()
	instrumented := storage.NewMetricsWrapper(backend, rec)

	invoker := compute.NewInvoker(cfg.Invoker(), compute.ExecRunner{}, rec, logr)
	dispatcher := dispatch.New(instrumented, invoker, rec, logr)

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.LoggerMiddleware(logr))

	routes.SetupRoutes(r, &routes.Config{
		Dispatcher: dispatcher,
		Storage:    instrumented,
		Logger:     logr,
	})

	return r, backend, nil
}

func newMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
