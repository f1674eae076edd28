package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"skycourier/api"
	"skycourier/api/middleware"
	"skycourier/api/services"
	"skycourier/db"
	"skycourier/pkg/clock"
	"skycourier/pkg/config"
	"skycourier/pkg/delivery"
	"skycourier/pkg/logger"
	"skycourier/pkg/ontology"
	"skycourier/pkg/routing"
	embeddednats "skycourier/pkg/services/embedded-nats"
	"skycourier/pkg/services/notifications"
	"skycourier/pkg/services/push"
	"skycourier/pkg/services/workers"
	"skycourier/pkg/simulation"
)

var (
	dbService *db.Service
	nats      *embeddednats.EmbeddedNATS
)

func initDB(cfg *config.Config, lg *logger.Logger) error {
	var err error

	dbConfig := db.DefaultConfig()
	dbConfig.DBPath = cfg.Database.Path
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxOpenConns
	dbConfig.Logger = lg

	dbService, err = db.New(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize database service: %w", err)
	}

	if err := dbService.VerifySchema(); err != nil {
		return fmt.Errorf("schema verification failed: %w", err)
	}

	lg.Infof("[Main] database service initialized")
	return nil
}

func initNATS(cfg *config.Config, lg *logger.Logger) error {
	var err error

	natsConfig := embeddednats.DefaultConfig()
	natsConfig.Port = cfg.NATS.Port
	natsConfig.DataDir = cfg.NATS.DataDir
	natsConfig.MaxMemory = cfg.NATS.MaxMemory
	natsConfig.MaxFileStore = cfg.NATS.MaxFileStore
	natsConfig.JetStreamDomain = cfg.NATS.Domain
	natsConfig.Logger = lg

	nats, err = embeddednats.New(natsConfig)
	if err != nil {
		return fmt.Errorf("failed to create embedded NATS: %w", err)
	}

	if err := nats.Start(); err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	if err := nats.CreateCourierStreams(); err != nil {
		return fmt.Errorf("failed to create courier streams: %w", err)
	}

	if err := nats.CreateCourierConsumers(); err != nil {
		return fmt.Errorf("failed to create courier consumers: %w", err)
	}

	lg.Infof("[Main] NATS JetStream initialized")
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("SKYCOURIER_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// Load .env file if it exists
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	lg := logger.New(cfg.Logging.Level, cfg.Logging.Dir)
	if envErr != nil {
		lg.Infof("[Main] no .env file found, using environment variables")
	} else {
		lg.Infof("[Main] loaded configuration from .env file")
	}

	fatal := func(msg string, err error) {
		lg.Errorf("[Main] %s: %v", msg, err)
		os.Exit(1)
	}

	if err := initDB(cfg, lg); err != nil {
		fatal("failed to initialize database", err)
	}
	defer dbService.Close()

	if err := initNATS(cfg, lg); err != nil {
		fatal("failed to initialize NATS", err)
	}

	store := db.NewMessageStore(dbService)

	workerManager, err := workers.NewManager(nats, store, lg)
	if err != nil {
		fatal("failed to create worker manager", err)
	}
	if err := workerManager.Start(); err != nil {
		fatal("failed to start workers", err)
	}

	clk := clock.Real()
	publisher := notifications.NewPublisher(nats, &notifications.Config{
		ProgressPerSecond: cfg.Push.ProgressPerSecond,
		Burst:             cfg.Push.Burst,
	}, notifications.WithClock(clk), notifications.WithLogger(lg))

	router := routing.New(&routing.Config{
		MaxSegmentKm:  cfg.Routing.MaxSegmentKm,
		AvoidRadiusKm: cfg.Routing.AvoidRadiusKm,
	}, routing.WithClock(clk), routing.WithLogger(lg))

	var sim *simulation.Simulator
	var flights *services.FlightService

	engine := delivery.New(store, publisher, &delivery.Config{
		BaseDelay:         cfg.Delivery.BaseDelay,
		BackoffMultiplier: cfg.Delivery.BackoffMultiplier,
		MaxDelay:          cfg.Delivery.MaxDelay,
		MaxRetries:        cfg.Delivery.MaxRetries,
		SweepConcurrency:  cfg.Delivery.SweepConcurrency,
	},
		delivery.WithClock(clk),
		delivery.WithLogger(lg),
		delivery.WithSnapshotSource(func(messageID string) (ontology.FlightSnapshot, bool) {
			return sim.SnapshotByMessage(messageID)
		}),
	)

	seed := cfg.Simulation.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sim = simulation.New(&simulation.Config{
		TickInterval:        cfg.Simulation.TickInterval,
		SpeedFactor:         cfg.Simulation.SpeedFactor,
		BaseSpeedKmh:        cfg.Simulation.BaseSpeedKmh,
		WeatherThresholdDeg: cfg.Simulation.WeatherThresholdDeg,
		GracePeriod:         cfg.Simulation.GracePeriod,
		RerouteIntensity:    cfg.Simulation.RerouteIntensity,
	},
		simulation.WithClock(clk),
		simulation.WithLogger(lg),
		simulation.WithSampler(simulation.NewRandomSampler(seed)),
		simulation.WithRerouter(func(current, end ontology.Coordinate, avoid []ontology.Coordinate) (*ontology.PathResult, error) {
			return router.RecalculateRoute(current, end, avoid)
		}),
		simulation.WithObserver(publisher.FlightUpdate),
		simulation.WithCompletionHandler(func(snap ontology.FlightSnapshot) {
			flights.HandleFlightCompletion(snap)
		}),
	)

	flights = services.NewFlightService(router, sim, engine, store, clk, lg)
	hub := push.NewHub(nats.Connection(), lg)

	// Deliver whatever landed while the process was down, then keep sweeping.
	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := flights.ProcessPendingDeliveries(ctx); err != nil {
			lg.Errorf("[Main] recovery sweep failed: %v", err)
		}
	}
	sweep()

	jobs := cron.New()
	if cfg.Delivery.SweepSchedule != "" {
		if _, err := jobs.AddFunc(cfg.Delivery.SweepSchedule, sweep); err != nil {
			fatal("failed to schedule recovery sweep", err)
		}
	}
	jobs.Start()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mux := http.NewServeMux()

	handlers := api.NewHandlers(api.Dependencies{
		Flights:  flights,
		Messages: services.NewMessageService(store),
		Users:    services.NewUserService(store),
		Hub:      hub,
		Database: dbService,
		Token:    cfg.Server.APIToken,
		Logger:   lg,
	})
	handlers.RegisterRoutes(mux, nats)

	handler := middleware.CORS(middleware.RequestLogger(lg, mux))

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		lg.Infof("[Main] starting skycourier API server on port %d", cfg.Server.Port)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server failed to start", err)
		}
	}()

	<-sigChan
	lg.Infof("[Main] shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Warnf("[Main] failed to shutdown server gracefully: %v", err)
	}

	<-jobs.Stop().Done()
	hub.Close()
	sim.Stop()
	engine.Stop()

	if err := workerManager.Stop(); err != nil {
		lg.Warnf("[Main] failed to stop workers: %v", err)
	}

	if err := nats.Shutdown(shutdownCtx); err != nil {
		lg.Warnf("[Main] failed to shutdown NATS: %v", err)
	}

	lg.Infof("[Main] server shutdown complete")
}
