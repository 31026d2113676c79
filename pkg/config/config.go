// Package config loads the labrun process configuration: built-in defaults,
// overlaid by an optional YAML file, overlaid by command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/notify"
	"github.com/dukex/labrun/pkg/persistence/minio"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults of the worker loops.
const (
	DefaultPollInterval     = 15 * time.Second
	DefaultRetryInterval    = 60 * time.Second
	DefaultIncidentInterval = 60 * time.Second
	DefaultMaxRun           = 4 * time.Hour
	DefaultStaleUnknown     = 30 * time.Minute
	DefaultMaxAttempts      = 3
	DefaultPort             = 9091
)

// HTTP adapter kinds.
const (
	AdapterKindSubmit  = "submit"
	AdapterKindTwoStep = "two_step"
)

// Config is the complete process configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"  validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=text json"`

	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	EventBus  EventBusConfig  `yaml:"event_bus"`
	Notify    notify.Config   `yaml:"notify"`
	Workers   WorkersConfig   `yaml:"workers"`
	Poller    PollerConfig    `yaml:"poller"`
	Adapters  AdaptersConfig  `yaml:"adapters"`
	Sidecar   SidecarConfig   `yaml:"sidecar"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type HTTPConfig struct {
	Port int `yaml:"port" validate:"gt=0,lt=65536"`
}

// StoreConfig selects the record store. URL is a directory (optionally
// file://) or a postgres:// connection string.
type StoreConfig struct {
	URL string `yaml:"url" validate:"required"`
}

type ArtifactsConfig struct {
	Provider string       `yaml:"provider" validate:"oneof=file minio"`
	Root     string       `yaml:"root"     validate:"required_if=Provider file"`
	MinIO    minio.Config `yaml:"minio"`
}

type EventBusConfig struct {
	// Provider is none, gochannel or kafka.
	Provider      string   `yaml:"provider"       validate:"oneof=none gochannel kafka"`
	Brokers       []string `yaml:"brokers"        validate:"required_if=Provider kafka"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

type WorkersConfig struct {
	// Autostart starts, at boot, every worker that was not resumed from
	// its persisted state.
	Autostart        bool          `yaml:"autostart"`
	PollInterval     time.Duration `yaml:"poll_interval"     validate:"gt=0"`
	RetryInterval    time.Duration `yaml:"retry_interval"    validate:"gt=0"`
	IncidentInterval time.Duration `yaml:"incident_interval" validate:"gt=0"`
	MaxAttempts      int           `yaml:"max_attempts"      validate:"gte=1"`
}

type PollerConfig struct {
	MaxRun       time.Duration `yaml:"max_run"       validate:"gt=0"`
	StaleUnknown time.Duration `yaml:"stale_unknown" validate:"gt=0"`
}

type AdaptersConfig struct {
	// ForceSimulate routes every dispatch to the simulator.
	ForceSimulate  bool                `yaml:"force_simulate"`
	SimulatorDelay time.Duration       `yaml:"simulator_delay" validate:"gte=0"`
	HTTP           []HTTPAdapterConfig `yaml:"http"            validate:"dive"`
}

// HTTPAdapterConfig binds a platform to a remote robot API.
type HTTPAdapterConfig struct {
	Platform models.TargetPlatform `yaml:"platform" validate:"required,oneof=opentrons_ot2 opentrons_flex integra_assist"`
	Kind     string                `yaml:"kind"     validate:"required,oneof=submit two_step"`
	BaseURL  string                `yaml:"base_url" validate:"required,url"`
	Timeout  time.Duration         `yaml:"timeout"`
	Headers  map[string]string     `yaml:"headers"`
}

type SidecarConfig struct {
	// Command is empty when no sidecar is deployed.
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args"`
	Timeout         time.Duration `yaml:"timeout"`
	RequireContract bool          `yaml:"require_contract"`
	ContractPath    string        `yaml:"contract_path"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		HTTP:      HTTPConfig{Port: DefaultPort},
		Store:     StoreConfig{URL: "./data"},
		Artifacts: ArtifactsConfig{Provider: "file", Root: "./data"},
		EventBus:  EventBusConfig{Provider: "gochannel", ConsumerGroup: "labrun"},
		Notify:    notify.Config{Queue: notify.DefaultQueue},
		Workers: WorkersConfig{
			PollInterval:     DefaultPollInterval,
			RetryInterval:    DefaultRetryInterval,
			IncidentInterval: DefaultIncidentInterval,
			MaxAttempts:      DefaultMaxAttempts,
		},
		Poller: PollerConfig{MaxRun: DefaultMaxRun, StaleUnknown: DefaultStaleUnknown},
		Sidecar: SidecarConfig{
			Timeout: 30 * time.Second,
		},
		Tracing: TracingConfig{ServiceName: "labrun"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := cfg.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Decode overlays YAML data onto c. Unknown keys are rejected.
func (c *Config) Decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Artifacts.Provider == "minio" {
		if err := c.Artifacts.MinIO.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: artifacts.minio: %w", err)
		}
	}

	seen := map[models.TargetPlatform]bool{}
	for _, a := range c.Adapters.HTTP {
		if seen[a.Platform] {
			return fmt.Errorf("invalid configuration: adapters.http: platform %s configured twice", a.Platform)
		}

		seen[a.Platform] = true
	}

	return nil
}
