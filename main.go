package main

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/google/uuid"

	"github.com/smazurov/evsmux/cmd"
	"github.com/smazurov/evsmux/internal/api"
	"github.com/smazurov/evsmux/internal/config"
	"github.com/smazurov/evsmux/internal/events"
	"github.com/smazurov/evsmux/internal/hal"
	"github.com/smazurov/evsmux/internal/hal/simhal"
	"github.com/smazurov/evsmux/internal/logging"
	"github.com/smazurov/evsmux/internal/registry"
)

// Options is the flat CLI/env/TOML-mapped option set for the root (server) command.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	Port string `help:"Diagnostics API listen address" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	CamerasConfigFile string `help:"Camera definitions file" default:"cameras.toml" toml:"cameras.config_file" env:"CAMERAS_CONFIG_FILE"`

	SyncThresholdMs int `help:"Fenced-delivery sync threshold in milliseconds" default:"16" toml:"broker.sync_threshold_ms" env:"BROKER_SYNC_THRESHOLD_MS"`

	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingAPI    string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingBroker string `help:"Broker logging level" default:"info" toml:"logging.broker" env:"LOGGING_BROKER"`
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, nil); loadErr != nil {
			logging.GetLogger("main").Warn("failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"api":    opts.LoggingAPI,
				"broker": opts.LoggingBroker,
			},
		})

		runID := uuid.NewString()
		logger := logging.GetLogger("main").With("run_id", runID)

		cameraManager := config.NewCameraManager(opts.CamerasConfigFile)
		if err := cameraManager.Load(); err != nil {
			logger.Warn("failed to load camera definitions, starting with none configured", "error", err)
		}

		bus := events.New()

		reg := registry.New(registry.Config{
			Factory:       simulatedDeviceFactory,
			Logger:        logging.GetLogger("broker"),
			Bus:           bus,
			SyncThreshold: time.Duration(opts.SyncThresholdMs) * time.Millisecond,
		})

		for _, cameraCfg := range cameraManager.GetEnabledCameras() {
			if _, err := reg.OpenCamera(cameraCfg.ID); err != nil {
				logger.Error("failed to open configured camera", "camera_id", cameraCfg.ID, "error", err)
			}
		}

		server := api.NewServer(&api.Options{Registry: reg, Bus: bus})

		hooks.OnStart(func() {
			logger.Info("starting diagnostics API server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("failed to start diagnostics API server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("shutting down")
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("error stopping diagnostics API server", "error", stopErr)
			}
		})
	})

	cli.Root().AddCommand(cmd.CreateSimulateCmd())

	cli.Run()
}

// simulatedDeviceFactory backs every camera id with an in-memory simhal
// device; a real hardware factory is out of scope for this module.
func simulatedDeviceFactory(cameraID string) (hal.Device, error) {
	return simhal.New(hal.StreamConfig{ID: 0, Width: 1280, Height: 720}), nil
}
