package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openfitlab/fitstore/internal/domain"
)

const (
	envPrefix                  = "FITSTORE"
	defaultHTTPAddress         = "127.0.0.1:8095"
	defaultDataDir             = "data"
	defaultImportDir           = "imports"
	defaultLogLevel            = "info"
	defaultImportWorkers       = 4
	defaultBatchTimeoutSeconds = 30
)

// AppConfig captures runtime configuration for the fitstore commands.
type AppConfig struct {
	HTTPAddress  string
	DataDir      string
	ImportDir    string
	LogLevel     string
	Sources      []domain.Source
	Workers      int
	BatchTimeout time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("import.dir", defaultImportDir)
	configViper.SetDefault("import.workers", defaultImportWorkers)
	configViper.SetDefault("import.batch_timeout_s", defaultBatchTimeoutSeconds)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sources", []string{
		domain.SourceGarmin.String(),
		domain.SourceFitbit.String(),
		domain.SourceHealthKit.String(),
	})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DataDir:      configViper.GetString("data.dir"),
		ImportDir:    configViper.GetString("import.dir"),
		LogLevel:     configViper.GetString("log.level"),
		Workers:      configViper.GetInt("import.workers"),
		BatchTimeout: time.Duration(configViper.GetInt("import.batch_timeout_s")) * time.Second,
	}

	for _, raw := range configViper.GetStringSlice("sources") {
		source, err := domain.NewSource(raw)
		if err != nil {
			return AppConfig{}, err
		}
		cfg.Sources = append(cfg.Sources, source)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if strings.TrimSpace(c.ImportDir) == "" {
		return fmt.Errorf("import.dir is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("import.workers must be positive")
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("import.batch_timeout_s must be positive")
	}
	return nil
}
