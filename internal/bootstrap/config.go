package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Xkonti/crude-functions-core/config"
)

// InitLogger builds the process-wide JSON logger and installs it as the
// slog default so library code logging through slog lands in the same
// stream.
func InitLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig reads configuration from the environment, layering a .env file
// underneath when one exists. A missing .env is normal outside development;
// any other read failure is reported.
func LoadConfig() (config.AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return config.AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg config.AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	return cfg, nil
}

// ValidateServiceConfig rejects configurations that would start the host
// with nothing to run.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}
	return nil
}

var serviceModeNames = map[config.ServiceMode]string{
	config.ServiceModeScheduler: "scheduler",
	config.ServiceModeProcessor: "processor",
	config.ServiceModeReaper:    "reaper",
}

// GetEnabledServices returns the names of the enabled services for startup
// logging. Invalid configurations yield an empty list; ValidateServiceConfig
// is the place that surfaces the error.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	services, err := cfg.GetEnabledServices()
	if err != nil {
		return []string{}
	}

	names := make([]string, 0, len(services))
	for svc := range services {
		if name, ok := serviceModeNames[svc]; ok {
			names = append(names, name)
		}
	}
	return names
}
