// Package deploy builds the service image, renders its Nomad job and drives
// deployments and rollbacks through the Nomad HTTP API.
package deploy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the contents of deploy.yaml.
type Config struct {
	Image        ImageConfig             `mapstructure:"image"`
	Nomad        NomadConfig             `mapstructure:"nomad"`
	Update       UpdateConfig            `mapstructure:"update"`
	Environments map[string]*Environment `mapstructure:"environments" validate:"required,min=1,dive"`
	// Secrets are the environment variable names injected into the task.
	// Their values come from the CI environment at render time.
	Secrets []string `mapstructure:"secrets" validate:"required,min=1"`
}

// ImageConfig says where and how the container image is built.
type ImageConfig struct {
	Repository string `mapstructure:"repository" validate:"required"`
	Dockerfile string `mapstructure:"dockerfile" validate:"required"`
	Context    string `mapstructure:"context" validate:"required"`
	Engine     string `mapstructure:"engine" validate:"oneof=docker podman"`
}

// NomadConfig locates the cluster.
type NomadConfig struct {
	Address     string   `mapstructure:"address" validate:"required,url"`
	Token       string   `mapstructure:"token"`
	Namespace   string   `mapstructure:"namespace"`
	Region      string   `mapstructure:"region"`
	Datacenters []string `mapstructure:"datacenters" validate:"min=1"`
}

// UpdateConfig holds the rolling update timings.
type UpdateConfig struct {
	MinHealthyTime   time.Duration `mapstructure:"min_healthy_time" validate:"gt=0"`
	HealthyDeadline  time.Duration `mapstructure:"healthy_deadline" validate:"gtfield=MinHealthyTime"`
	ProgressDeadline time.Duration `mapstructure:"progress_deadline" validate:"gtfield=HealthyDeadline"`
}

// Environment is one deploy target such as staging or production.
type Environment struct {
	Name         string `mapstructure:"-"`
	Job          string `mapstructure:"job" validate:"required"`
	Host         string `mapstructure:"host" validate:"required,hostname"`
	AppEnv       string `mapstructure:"app_env" validate:"oneof=development staging production"`
	LogLevel     string `mapstructure:"log_level"`
	CPU          int    `mapstructure:"cpu" validate:"gt=0"`
	Memory       int    `mapstructure:"memory" validate:"gt=0"`
	CertResolver string `mapstructure:"cert_resolver" validate:"required"`
}

var configDefaults = map[string]interface{}{
	"image.dockerfile":         "Dockerfile",
	"image.context":            ".",
	"image.engine":             "docker",
	"nomad.address":            "http://127.0.0.1:4646",
	"nomad.datacenters":        []string{"dc1"},
	"update.min_healthy_time":  "30s",
	"update.healthy_deadline":  "5m",
	"update.progress_deadline": "10m",
}

// LoadConfig reads deploy.yaml at path. NOMAD_ADDR and NOMAD_TOKEN override
// the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	_ = v.BindEnv("nomad.address", "NOMAD_ADDR")
	_ = v.BindEnv("nomad.token", "NOMAD_TOKEN")

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read deploy config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode deploy config: %w", err)
	}
	for name, env := range cfg.Environments {
		if env == nil {
			return nil, fmt.Errorf("deploy config: environment %q is empty", name)
		}
		env.Name = name
		if env.LogLevel == "" {
			env.LogLevel = "info"
		}
	}
	cfg.Nomad.Address = strings.TrimRight(cfg.Nomad.Address, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s (%s)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	sort.Strings(msgs)
	return fmt.Errorf("invalid deploy config: %s", strings.Join(msgs, ", "))
}

// Environment returns the named deploy target.
func (c *Config) Environment(name string) (*Environment, error) {
	env, ok := c.Environments[name]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q (have %s)", name, strings.Join(c.EnvironmentNames(), ", "))
	}
	return env, nil
}

// EnvironmentNames lists the configured environments alphabetically.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
