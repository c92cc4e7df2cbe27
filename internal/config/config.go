// Package config содержит логику чтения конфигурации реестра полисов.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации реестра полисов.
type Config struct {
	RunAddress      string `env:"RUN_ADDRESS"`
	DatabaseURI     string `env:"DATABASE_URI"`
	CallbackAddress string `env:"CALLBACK_ADDRESS"`
	AuthSecret      string `env:"AUTH_SECRET"`
	MasterAdmin     string `env:"MASTER_ADMIN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envCallbackAddress := cfg.CallbackAddress
	envAuthSecret := cfg.AuthSecret
	envMasterAdmin := cfg.MasterAdmin

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CallbackAddress, "c", "", "externally reachable address for claims callbacks")
	flag.StringVar(&cfg.AuthSecret, "s", "", "shared secret for bearer tokens")
	flag.StringVar(&cfg.MasterAdmin, "m", "", "master admin account seeded on first start")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCallbackAddress != "" {
		cfg.CallbackAddress = envCallbackAddress
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envMasterAdmin != "" {
		cfg.MasterAdmin = envMasterAdmin
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.MasterAdmin == "" {
		return nil, fmt.Errorf("master admin account is required")
	}

	return cfg, nil
}
