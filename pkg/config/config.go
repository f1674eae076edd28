// Package config loads service configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Routing    RoutingConfig    `yaml:"routing"`
	Simulation SimulationConfig `yaml:"simulation"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Push       PushConfig       `yaml:"push"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	APIToken     string        `yaml:"api_token"`
}

type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type NATSConfig struct {
	Port         int    `yaml:"port"`
	DataDir      string `yaml:"data_dir"`
	MaxMemory    int64  `yaml:"max_memory"`
	MaxFileStore int64  `yaml:"max_file_store"`
	Domain       string `yaml:"domain"`
}

type RoutingConfig struct {
	MaxSegmentKm  float64 `yaml:"max_segment_km"`
	AvoidRadiusKm float64 `yaml:"avoid_radius_km"`
}

type SimulationConfig struct {
	TickInterval        time.Duration `yaml:"tick_interval"`
	SpeedFactor         float64       `yaml:"speed_factor"`
	BaseSpeedKmh        float64       `yaml:"base_speed_kmh"`
	WeatherThresholdDeg float64       `yaml:"weather_threshold_deg"`
	GracePeriod         time.Duration `yaml:"grace_period"`
	RerouteIntensity    float64       `yaml:"reroute_intensity"`
	Seed                int64         `yaml:"seed"` // 0 seeds from the clock
}

type DeliveryConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	SweepSchedule     string        `yaml:"sweep_schedule"`
	SweepConcurrency  int           `yaml:"sweep_concurrency"`
}

type PushConfig struct {
	ProgressPerSecond float64 `yaml:"progress_per_second"`
	Burst             int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
	Dir   string `yaml:"dir"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func Load(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func (c *Config) setDefaults() {
	c.Server.Port = 8080
	c.Server.ReadTimeout = 10 * time.Second
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.IdleTimeout = 120 * time.Second
	c.Server.APIToken = "skycourier-dev-token"

	c.Database.Path = "./data/skycourier.db"
	c.Database.MaxOpenConns = 1

	c.NATS.Port = 4222
	c.NATS.DataDir = "./data/nats"
	c.NATS.MaxMemory = 256 * 1024 * 1024
	c.NATS.MaxFileStore = 2 * 1024 * 1024 * 1024
	c.NATS.Domain = "skycourier"

	c.Routing.MaxSegmentKm = 500
	c.Routing.AvoidRadiusKm = 250

	c.Simulation.TickInterval = time.Second
	c.Simulation.SpeedFactor = 1
	c.Simulation.BaseSpeedKmh = 80
	c.Simulation.WeatherThresholdDeg = 5
	c.Simulation.GracePeriod = 30 * time.Second
	c.Simulation.RerouteIntensity = 0.85

	c.Delivery.BaseDelay = time.Second
	c.Delivery.BackoffMultiplier = 2
	c.Delivery.MaxDelay = 30 * time.Second
	c.Delivery.MaxRetries = 3
	c.Delivery.SweepSchedule = "@every 1m"
	c.Delivery.SweepConcurrency = 4

	c.Push.ProgressPerSecond = 1
	c.Push.Burst = 2

	c.Logging.Level = "info"
}

func (c *Config) loadFromEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}

	if token := os.Getenv("API_BEARER_TOKEN"); token != "" {
		c.Server.APIToken = token
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}

	if port := os.Getenv("NATS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid NATS_PORT %q: %w", port, err)
		}
		c.NATS.Port = p
	}

	if dir := os.Getenv("NATS_DATA_DIR"); dir != "" {
		c.NATS.DataDir = dir
	}

	if factor := os.Getenv("SIM_SPEED_FACTOR"); factor != "" {
		f, err := strconv.ParseFloat(factor, 64)
		if err != nil {
			return fmt.Errorf("invalid SIM_SPEED_FACTOR %q: %w", factor, err)
		}
		c.Simulation.SpeedFactor = f
	}

	if speed := os.Getenv("SIM_BASE_SPEED_KMH"); speed != "" {
		s, err := strconv.ParseFloat(speed, 64)
		if err != nil {
			return fmt.Errorf("invalid SIM_BASE_SPEED_KMH %q: %w", speed, err)
		}
		c.Simulation.BaseSpeedKmh = s
	}

	if retries := os.Getenv("DELIVERY_MAX_RETRIES"); retries != "" {
		r, err := strconv.Atoi(retries)
		if err != nil {
			return fmt.Errorf("invalid DELIVERY_MAX_RETRIES %q: %w", retries, err)
		}
		c.Delivery.MaxRetries = r
	}

	if schedule := os.Getenv("SWEEP_SCHEDULE"); schedule != "" {
		c.Delivery.SweepSchedule = schedule
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if dir := os.Getenv("LOG_DIR"); dir != "" {
		c.Logging.Dir = dir
	}

	return nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	// -1 picks a random port
	if c.NATS.Port < -1 || c.NATS.Port > 65535 || c.NATS.Port == 0 {
		return fmt.Errorf("nats port must be -1 or between 1 and 65535")
	}

	if c.Routing.MaxSegmentKm <= 0 {
		return fmt.Errorf("routing max segment must be positive")
	}

	if c.Routing.AvoidRadiusKm < 0 {
		return fmt.Errorf("routing avoid radius cannot be negative")
	}

	if c.Simulation.TickInterval < 0 {
		return fmt.Errorf("simulation tick interval cannot be negative")
	}

	if c.Simulation.SpeedFactor <= 0 {
		return fmt.Errorf("simulation speed factor must be positive")
	}

	if c.Simulation.BaseSpeedKmh <= 0 {
		return fmt.Errorf("simulation base speed must be positive")
	}

	if c.Simulation.RerouteIntensity < 0 || c.Simulation.RerouteIntensity > 1 {
		return fmt.Errorf("simulation reroute intensity must be between 0 and 1")
	}

	if c.Delivery.BaseDelay <= 0 {
		return fmt.Errorf("delivery base delay must be positive")
	}

	if c.Delivery.BackoffMultiplier < 1 {
		return fmt.Errorf("delivery backoff multiplier must be at least 1")
	}

	if c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		return fmt.Errorf("delivery max delay must not be below the base delay")
	}

	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery max retries cannot be negative")
	}

	if c.Delivery.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Delivery.SweepSchedule); err != nil {
			return fmt.Errorf("invalid sweep schedule: %w", err)
		}
	}

	if c.Push.ProgressPerSecond <= 0 || c.Push.Burst < 1 {
		return fmt.Errorf("push rate and burst must be positive")
	}

	return nil
}
