package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plyline/pkg/bus"
	"plyline/pkg/telemetry"
	"plyline/services/intake/internal/api"
	"plyline/services/intake/internal/config"
	"plyline/services/intake/internal/monitor"
	"plyline/services/intake/internal/packager"
	"plyline/services/intake/internal/storage"
	"plyline/services/intake/internal/upload"
)

func main() {
	if err := run("intake"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	writer := &storage.Writer{Root: cfg.Upload.Root}
	tracker := upload.NewTracker()
	orch := upload.NewOrchestrator(writer, tracker, cfg.Upload.WorkerSlots, logger)
	defer orch.Close()

	broker := bus.New(bus.Config{
		URL:            cfg.Broker.URL,
		ClientID:       cfg.Broker.ClientID,
		HealthInterval: cfg.Broker.HealthInterval,
	}, logger)
	broker.Start(ctx)
	defer broker.Close()

	pkg := packager.New(packager.Config{
		Subject:      cfg.Broker.Subject,
		Extension:    cfg.Packager.Extension,
		ConverterCmd: cfg.Packager.ConverterCmd,
	}, broker, logger)

	// A finished batch that carries a task id is the "last batch" signal for
	// that task: the converter output gets packaged and delivered.
	orch.OnComplete = func(b upload.Batch) {
		if b.TaskID == "" {
			return
		}
		if b.State == upload.StateFailed {
			logger.Printf("WARN skipping packaging for task %s: batch %s failed entirely", b.TaskID, b.ID)
			return
		}
		go func() {
			if _, err := pkg.PackageAndEmit(ctx, b.TaskID, cfg.Packager.WatchDir, b.ProjectName); err != nil {
				logger.Printf("ERROR package task %s: %v", b.TaskID, err)
			}
		}()
	}

	mon := monitor.New(monitor.Config{
		Root:         cfg.Upload.Root,
		Interval:     cfg.Monitor.Interval,
		MinFreeBytes: cfg.Monitor.MinFreeBytes,
	}, logger)
	go mon.Run(ctx)

	// Registered up front even when the broker is down: the client
	// re-establishes the consumer after every successful (re)connect.
	if _, err := broker.Subscribe(ctx, cfg.Broker.AckSubject, "intake-acks", func(m bus.Message) {
		logger.Printf("INFO consumer acknowledged task %s at %s", m.TaskID, m.Timestamp.Format(time.RFC3339))
	}); err != nil {
		logger.Printf("WARN subscribe acknowledgements: %v", err)
	}

	photoAPI, err := api.New(orch, writer, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		state := "disconnected"
		if broker.IsConnected() {
			state = "connected"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"broker":%q}`+"\n", state)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/photo/", photoAPI.Routes())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s, uploads under %s", server.Addr, cfg.Upload.Root)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
