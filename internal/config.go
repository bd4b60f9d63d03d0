package internal

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mediavault/fetchd/internal/api"
	"github.com/mediavault/fetchd/internal/cookie"
	"github.com/mediavault/fetchd/internal/database"
	"github.com/mediavault/fetchd/internal/platform"
	"github.com/mediavault/fetchd/internal/storage"
	"github.com/mediavault/fetchd/internal/worker"
)

// Config is the struct used to contain the various user config
// supplied by file and/or environment.
type Config struct {
	Worker      worker.Config           `yaml:"worker"`
	Cookies     cookie.Config           `yaml:"cookies" env-required:"true"`
	Storage     storage.Config          `yaml:"storage" env-required:"true"`
	Database    database.DatabaseConfig `yaml:"database" env-required:"true"`
	RestGateway api.RestConfig          `yaml:"api"`

	Platforms PlatformConfig `yaml:"platforms"`
}

// PlatformConfig carries the per-platform adapter settings. Base URLs are
// overridable so deployments can route through a proxy front end.
type PlatformConfig struct {
	YouTube   platform.AdapterConfig `yaml:"youtube"`
	Instagram platform.AdapterConfig `yaml:"instagram"`
	TikTok    platform.AdapterConfig `yaml:"tiktok"`
}

// LoadFromFile loads a YAML configuration file in to a Config struct,
// applies environment overrides, and validates the result.
func (config *Config) LoadFromFile(configPath string) error {
	if err := cleanenv.ReadConfig(configPath, config); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	return nil
}
