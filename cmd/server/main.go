// cmd/server/main.go
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"picoammeter-service/internal/config"
	"picoammeter-service/internal/database"
	"picoammeter-service/internal/discovery"
	"picoammeter-service/internal/discovery/serial"
	"picoammeter-service/internal/driver/keithley"
	"picoammeter-service/internal/export"
	"picoammeter-service/internal/handler"
	"picoammeter-service/internal/observability"
	"picoammeter-service/internal/protocol"
	"picoammeter-service/internal/repository"
	"picoammeter-service/internal/routes"
	"picoammeter-service/internal/service"
	"picoammeter-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	router   *routes.Router
	database *database.DB

	registry *prometheus.Registry
	metrics  *observability.Metrics
	bus      *handler.EventBus
	busStop  context.CancelFunc

	scanner     *serial.Scanner
	sessionRepo repository.SessionRepository
	instrument  *service.InstrumentService
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	serviceLogger := utils.NewServiceLogger(logger, "picoammeter-service")
	serviceLogger.LogServiceStart(cfg.App.Version, cfg)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializePorts(); err != nil {
		return nil, err
	}

	app.initializeMetrics()

	if err := app.initializeDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initializeServer()

	return app, nil
}

// initializePorts refuses to start on a machine with no serial ports at all
func (app *Application) initializePorts() error {
	app.scanner = serial.NewScanner(app.logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ports, err := discovery.RequirePorts(ctx, app.scanner, app.logger)
	if err != nil {
		return fmt.Errorf("serial port check failed: %w", err)
	}

	app.logger.Info("Serial ports available", zap.Strings("ports", ports))
	return nil
}

func (app *Application) initializeMetrics() {
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = observability.NewMetrics(app.registry)
}

// initializeDatabase connects the session archive when enabled and runs
// migrations
func (app *Application) initializeDatabase() error {
	if !app.config.Database.Enabled {
		app.logger.Info("Session archive disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewConnection(ctx, app.config, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	app.database = db

	if err := database.NewMigrator(db, app.logger).Up(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	app.sessionRepo = repository.NewSessionRepository(db, app.logger)

	app.logger.Info("Database initialized successfully")
	return nil
}

// initializeServices wires the driver, exporter and event bus into the
// instrument service
func (app *Application) initializeServices() error {
	inst := app.config.Instrument

	factory := protocol.NewSerialFactory(protocol.SerialConfig{
		BaudRate: inst.Serial.BaudRate,
		DataBits: inst.Serial.DataBits,
		StopBits: inst.Serial.StopBits,
		Parity:   inst.Serial.Parity,
		Timeout:  inst.Serial.Timeout,
	}, app.logger)

	ammeter := keithley.NewDriver(keithley.Config{
		Identity:    inst.Identity,
		FrameLength: inst.FrameLength,
	}, factory, app.logger)

	if err := os.MkdirAll(app.config.Sampling.ExportDir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	exporter := export.NewExporter(app.config.Sampling.ExportDir, app.logger)

	app.bus = handler.NewEventBus(app.logger)
	busCtx, busStop := context.WithCancel(context.Background())
	app.busStop = busStop
	go app.bus.Start(busCtx)

	app.instrument = service.NewInstrumentService(
		ammeter,
		app.scanner,
		exporter,
		app.sessionRepo,
		app.bus,
		app.metrics,
		&app.config.Sampling,
		app.logger,
	)

	if inst.Port != "" {
		app.autoConnect(inst.Port)
	}

	app.logger.Info("Services initialized successfully")
	return nil
}

// autoConnect opens the configured port at startup. Failure is logged; the
// operator can still pick a port through the API.
func (app *Application) autoConnect(port string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.instrument.Connect(ctx, port); err != nil {
		app.logger.Warn("Auto-connect failed", zap.String("port", port), zap.Error(err))
		return
	}
	app.logger.Info("Auto-connected instrument", zap.String("port", port))
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	app.router = routes.NewRouter(
		app.config,
		app.logger,
		app.database,
		app.instrument,
		app.bus,
		app.metrics,
		app.registry,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      app.router.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// Start serves HTTP until SIGINT or SIGTERM
func (app *Application) Start() error {
	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		app.shutdown("shutdown signal received")
		return nil
	case err := <-serverErr:
		app.shutdown("server error")
		return fmt.Errorf("HTTP server failed: %w", err)
	}
}

// shutdown stops sampling first so the session is archived, then the HTTP
// server, the event stream and the database
func (app *Application) shutdown(reason string) {
	serviceLogger := utils.NewServiceLogger(app.logger, "picoammeter-service")
	serviceLogger.LogServiceStop(reason)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.instrument.Shutdown(ctx); err != nil {
		app.logger.Error("Instrument shutdown error", zap.Error(err))
	}

	app.router.CloseStreams()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	app.busStop()

	if app.database != nil {
		if err := app.database.Close(); err != nil {
			app.logger.Error("Database close error", zap.Error(err))
		} else {
			app.logger.Info("Database connection closed")
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}
