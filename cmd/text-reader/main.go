// main package for the text-reader service.
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

	"github.com/book-expert/logger"
	"github.com/book-expert/text-reader/internal/config"
	"github.com/book-expert/text-reader/internal/gateway"
	"github.com/book-expert/text-reader/internal/jobstore"
	"github.com/book-expert/text-reader/internal/objectstore"
	"github.com/book-expert/text-reader/internal/reconcile"
	"github.com/book-expert/text-reader/internal/submit"
	"github.com/book-expert/text-reader/internal/synthesis"
	"github.com/nats-io/nats.go"
)

const (
	streamDescription   = "Trigger and completion subjects for the text-reader pipeline."
	httpShutdownTimeout = 10 * time.Second
	httpReadTimeout     = 30 * time.Second
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "text-reader.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, log)
}

func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	err = ensureStream(jetstreamContext, cfg)
	if err != nil {
		return err
	}

	coordinator, reconciler, gw, err := buildComponents(jetstreamContext, cfg, log)
	if err != nil {
		return err
	}

	log.System("text-reader initialized: triggers on %s, completions on %s, gateway on %s",
		cfg.NATS.ObjectCreatedSubject, cfg.NATS.TaskCompletedSubject, cfg.Gateway.ListenAddr)

	return serve(ctx, cfg, log, coordinator, reconciler, gw)
}

func buildComponents(
	jetstreamContext nats.JetStreamContext,
	cfg *config.Config,
	log *logger.Logger,
) (*submit.Coordinator, *reconcile.Reconciler, *gateway.Gateway, error) {
	objects, err := objectstore.New(jetstreamContext, cfg.NATS.FilesBucket)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open files bucket: %w", err)
	}

	jobs, err := jobstore.New(jetstreamContext, cfg.NATS.JobsBucket)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open jobs bucket: %w", err)
	}

	engine := synthesis.New(
		cfg.Synthesis.ServiceURL,
		time.Duration(cfg.Synthesis.TimeoutSeconds)*time.Second,
	)

	coordinator := submit.NewCoordinator(
		jetstreamContext,
		cfg.NATS.ObjectCreatedSubject,
		cfg.NATS.SubmitConsumerName,
		objects,
		jobs,
		engine,
		submit.Options{
			UploadPrefix:  cfg.Paths.UploadPrefix,
			OutputPrefix:  cfg.Paths.OutputPrefix,
			OutputBucket:  cfg.NATS.FilesBucket,
			Voice:         cfg.Synthesis.Voice,
			Engine:        cfg.Synthesis.Engine,
			OutputFormat:  cfg.Synthesis.OutputFormat,
			NotifySubject: cfg.NATS.TaskCompletedSubject,
		},
		log,
	)

	reconciler := reconcile.NewReconciler(
		jetstreamContext,
		cfg.NATS.TaskCompletedSubject,
		cfg.NATS.ReconcileConsumer,
		jobs,
		engine,
		cfg.Synthesis.OutputFormat,
		cfg.Paths.OutputPrefix,
		log,
	)

	publisher := gateway.NewNatsPublisher(jetstreamContext, cfg.NATS.ObjectCreatedSubject)

	gw := gateway.New(objects, jobs, publisher, gateway.Options{
		UploadPrefix: cfg.Paths.UploadPrefix,
		FilesBucket:  cfg.NATS.FilesBucket,
		TokenSecret:  cfg.Gateway.TokenSecret,
		TokenTTL:     time.Duration(cfg.Gateway.TokenTTLSeconds) * time.Second,
	}, log)

	return coordinator, reconciler, gw, nil
}

// ensureStream creates the pipeline stream holding the trigger and
// completion subjects, or binds to it when it already exists.
func ensureStream(jetstreamContext nats.JetStreamContext, cfg *config.Config) error {
	_, err := jetstreamContext.AddStream(&nats.StreamConfig{
		Name:        cfg.NATS.StreamName,
		Description: streamDescription,
		Subjects: []string{
			cfg.NATS.ObjectCreatedSubject,
			cfg.NATS.TaskCompletedSubject,
		},
		Storage:  nats.FileStorage,
		Replicas: 1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to ensure stream '%s': %w", cfg.NATS.StreamName, err)
	}

	return nil
}

// serve runs both workers and the gateway HTTP server until ctx is cancelled
// or one of them fails.
func serve(
	ctx context.Context,
	cfg *config.Config,
	log *logger.Logger,
	coordinator *submit.Coordinator,
	reconciler *reconcile.Reconciler,
	gw *gateway.Gateway,
) error {
	httpServer := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: httpReadTimeout,
	}

	errChan := make(chan error, 3)

	go func() {
		errChan <- coordinator.Run(ctx)
	}()

	go func() {
		errChan <- reconciler.Run(ctx)
	}()

	go func() {
		serveErr := httpServer.ListenAndServe()
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}

		errChan <- serveErr
	}()

	var firstErr error

	select {
	case <-ctx.Done():
		log.System("Shutdown signal received.")
	case firstErr = <-errChan:
		if firstErr != nil {
			log.Error("Component failed: %v", firstErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Warn("Gateway shutdown incomplete: %v", shutdownErr)
	}

	return firstErr
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
