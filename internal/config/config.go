// Package config loads the YAML configuration shared by the server and the
// worker.
//
// Values are layered: Defaults(), then the YAML file (if any), then a small
// set of environment variables, then Validate(). Durations are written as Go
// duration strings ("5s", "250ms").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sakif/code-runner/internal/protocol"
)

// Channel transports.
const (
	TransportProcess   = "process"
	TransportInProcess = "inprocess"
)

// Executor backends.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
)

// Config is the root of the configuration file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Channel  ChannelConfig  `yaml:"channel"`
	Executor ExecutorConfig `yaml:"executor"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	DBPath          string        `yaml:"db_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects log verbosity and format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig enables bearer-token auth on /api when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string         `yaml:"jwt_secret"`
	TokenTTL  time.Duration  `yaml:"token_ttl"`
	Clients   []ClientConfig `yaml:"clients"`
}

// ClientConfig is one API client. KeyHash is a bcrypt hash of its API key.
type ClientConfig struct {
	ID      string `yaml:"id"`
	KeyHash string `yaml:"key_hash"`
}

// Enabled reports whether authentication is switched on.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// ChannelConfig configures the controller and how it reaches the worker.
type ChannelConfig struct {
	Transport      string        `yaml:"transport"`
	WorkerPath     string        `yaml:"worker_path"`
	WorkerArgs     []string      `yaml:"worker_args"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	TimeoutMargin  time.Duration `yaml:"timeout_margin"`
	GracePeriod    time.Duration `yaml:"grace_period"`
}

// ExecutorConfig configures the language executors inside the worker.
type ExecutorConfig struct {
	Backend     string                              `yaml:"backend"`
	OutputLimit int                                 `yaml:"output_limit"`
	Runtimes    map[protocol.Language]RuntimeConfig `yaml:"runtimes"`
	Docker      DockerConfig                        `yaml:"docker"`
}

// Languages returns the languages the configured backend can run, in
// protocol order. A backend with nothing configured runs its defaults, which
// cover every language.
func (e ExecutorConfig) Languages() []protocol.Language {
	var langs []protocol.Language
	for _, l := range protocol.Languages() {
		switch e.Backend {
		case BackendDocker:
			if _, ok := e.Docker.Images[l]; ok || len(e.Docker.Images) == 0 {
				langs = append(langs, l)
			}
		default:
			if _, ok := e.Runtimes[l]; ok || len(e.Runtimes) == 0 {
				langs = append(langs, l)
			}
		}
	}
	return langs
}

// RuntimeConfig is a local interpreter for the process backend.
type RuntimeConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Extension string   `yaml:"extension"`
}

// DockerConfig configures the docker backend.
type DockerConfig struct {
	Images      map[protocol.Language]DockerImage `yaml:"images"`
	MemoryLimit int64                             `yaml:"memory_limit"`
	CPULimit    float64                           `yaml:"cpu_limit"`
	PoolSize    int                               `yaml:"pool_size"`
}

// DockerImage is the image and interpreter command for one language.
type DockerImage struct {
	Image   string   `yaml:"image"`
	Command []string `yaml:"command"`
}

// Defaults returns a Config that runs everything locally.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			DBPath:          "data/runner.db",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			TokenTTL: 15 * time.Minute,
		},
		Channel: ChannelConfig{
			Transport:      TransportProcess,
			WorkerPath:     "bin/worker",
			DefaultTimeout: protocol.DefaultTimeout,
			MaxTimeout:     60 * time.Second,
			TimeoutMargin:  time.Second,
			GracePeriod:    5 * time.Second,
		},
		Executor: ExecutorConfig{
			Backend:     BackendProcess,
			OutputLimit: 64 * 1024,
			Runtimes: map[protocol.Language]RuntimeConfig{
				protocol.LanguageJavaScript: {Command: "node", Extension: "js"},
				protocol.LanguagePython:     {Command: "python3", Extension: "py"},
				protocol.LanguageLua:        {Command: "lua", Extension: "lua"},
			},
			Docker: DockerConfig{
				Images: map[protocol.Language]DockerImage{
					protocol.LanguageJavaScript: {Image: "node:22-alpine", Command: []string{"node", "-e"}},
					protocol.LanguagePython:     {Image: "python:3.12-alpine", Command: []string{"python", "-c"}},
					protocol.LanguageLua:        {Image: "nickblah/lua:5.4-alpine", Command: []string{"lua", "-e"}},
				},
				MemoryLimit: 128 * 1024 * 1024,
				CPULimit:    0.5,
				PoolSize:    2,
			},
		},
	}
}

// Load reads the config file at path over the defaults. An empty path skips
// the file. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode merges YAML data into c. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv applies the environment overrides: PORT, DB_PATH, JWT_SECRET,
// LOG_LEVEL and WORKER_PATH.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := getenv("DB_PATH"); v != "" {
		c.Server.DBPath = v
	}
	if v := getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("WORKER_PATH"); v != "" {
		c.Channel.WorkerPath = v
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.DBPath == "" {
		errs = append(errs, errors.New("server.db_path is required"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if c.Auth.Enabled() {
		if len(c.Auth.JWTSecret) < 16 {
			errs = append(errs, errors.New("auth.jwt_secret must be at least 16 characters"))
		}
		if c.Auth.TokenTTL <= 0 {
			errs = append(errs, errors.New("auth.token_ttl must be positive"))
		}
		seen := make(map[string]bool, len(c.Auth.Clients))
		for i, cl := range c.Auth.Clients {
			if cl.ID == "" || cl.KeyHash == "" {
				errs = append(errs, fmt.Errorf("auth.clients[%d]: id and key_hash are required", i))
			}
			if seen[cl.ID] {
				errs = append(errs, fmt.Errorf("auth.clients[%d]: duplicate id %q", i, cl.ID))
			}
			seen[cl.ID] = true
		}
	}

	ch := c.Channel
	switch ch.Transport {
	case TransportProcess:
		if ch.WorkerPath == "" {
			errs = append(errs, errors.New("channel.worker_path is required for the process transport"))
		}
	case TransportInProcess:
	default:
		errs = append(errs, fmt.Errorf("channel.transport %q must be %s or %s", ch.Transport, TransportProcess, TransportInProcess))
	}
	if ch.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("channel.default_timeout must be positive"))
	}
	if ch.MaxTimeout > 0 && ch.MaxTimeout < ch.DefaultTimeout {
		errs = append(errs, errors.New("channel.max_timeout must not be below channel.default_timeout"))
	}
	if ch.TimeoutMargin <= 0 {
		errs = append(errs, errors.New("channel.timeout_margin must be positive"))
	}

	ex := c.Executor
	switch ex.Backend {
	case BackendProcess:
		for lang, rt := range ex.Runtimes {
			if !lang.Valid() {
				errs = append(errs, fmt.Errorf("executor.runtimes: unsupported language %q", lang))
			}
			if rt.Command == "" {
				errs = append(errs, fmt.Errorf("executor.runtimes.%s.command is required", lang))
			}
		}
	case BackendDocker:
		for lang, img := range ex.Docker.Images {
			if !lang.Valid() {
				errs = append(errs, fmt.Errorf("executor.docker.images: unsupported language %q", lang))
			}
			if img.Image == "" || len(img.Command) == 0 {
				errs = append(errs, fmt.Errorf("executor.docker.images.%s: image and command are required", lang))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("executor.backend %q must be %s or %s", ex.Backend, BackendProcess, BackendDocker))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}
