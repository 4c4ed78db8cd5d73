// Package config loads the collector configuration: a YAML file with
// ${VAR} references expanded, overlaid by COLLECTOR_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	// Embedded zone database for devices without one.
	_ "time/tzdata"

	"github.com/hydrocam/collector/internal/backend"
	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/retention"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	// Timezone names the zone capture timestamps are written in and in which
	// the retention window and cutoff are computed.
	Timezone string        `yaml:"timezone" env:"COLLECTOR_TIMEZONE, overwrite"`
	Interval time.Duration `yaml:"interval" env:"COLLECTOR_INTERVAL, overwrite"`

	Catalog     Catalog     `yaml:"catalog"`
	Spool       Spool       `yaml:"spool"`
	Backends    []Backend   `yaml:"backends"`
	Replication Replication `yaml:"replication"`
	Retention   Retention   `yaml:"retention"`
	Notify      Notify      `yaml:"notify"`
	Metrics     Metrics     `yaml:"metrics"`
	Log         Log         `yaml:"log"`
}

type Catalog struct {
	Path          string        `yaml:"path" env:"COLLECTOR_CATALOG_PATH, overwrite"`
	BusyTimeout   time.Duration `yaml:"busy_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type Spool struct {
	ImageDir string `yaml:"image_dir" env:"COLLECTOR_IMAGE_DIR, overwrite"`
	VideoDir string `yaml:"video_dir" env:"COLLECTOR_VIDEO_DIR, overwrite"`
	// Settle is how long a file must stay unmodified before it is collected.
	Settle time.Duration `yaml:"settle"`
}

// Dirs returns the configured spool directory per kind.
func (s Spool) Dirs() map[catalog.Kind]string {
	dirs := make(map[catalog.Kind]string, 2)
	if s.ImageDir != "" {
		dirs[catalog.KindImage] = s.ImageDir
	}
	if s.VideoDir != "" {
		dirs[catalog.KindVideo] = s.VideoDir
	}
	return dirs
}

// Backend is one replication target.
type Backend struct {
	backend.Config `yaml:",inline"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Required defaults to true. Local copies are kept until every enabled,
	// required backend holds a verified copy.
	Required   *bool                   `yaml:"required"`
	Containers map[catalog.Kind]string `yaml:"containers"`
}

func (b Backend) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

func (b Backend) IsRequired() bool {
	return b.IsEnabled() && (b.Required == nil || *b.Required)
}

type Replication struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"COLLECTOR_MAX_ATTEMPTS, overwrite"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Workers         int           `yaml:"workers"`
	BackfillWorkers int           `yaml:"backfill_workers"`
}

type Retention struct {
	Days         int           `yaml:"days" env:"COLLECTOR_RETENTION_DAYS, overwrite"`
	WindowStart  string        `yaml:"window_start"`
	WindowLength time.Duration `yaml:"window_length"`
	// AllowUnreplicatedPruning permits deleting old local copies by age
	// alone when no backend is required.
	AllowUnreplicatedPruning bool `yaml:"allow_unreplicated_pruning"`
}

// Window parses the sweep window.
func (r Retention) Window() (retention.Window, error) {
	return retention.ParseWindow(r.WindowStart, r.WindowLength)
}

type Notify struct {
	NATSURL string `yaml:"nats_url" env:"COLLECTOR_NATS_URL, overwrite"`
	Subject string `yaml:"subject"`
	// Source identifies this collector in alerts. Defaults to the hostname.
	Source string `yaml:"source"`
}

type Metrics struct {
	// Addr is the listen address of the metrics server. Empty disables it.
	Addr string `yaml:"addr" env:"COLLECTOR_METRICS_ADDR, overwrite"`
}

type Log struct {
	Level  string `yaml:"level" env:"COLLECTOR_LOG_LEVEL, overwrite"`
	Format string `yaml:"format" env:"COLLECTOR_LOG_FORMAT, overwrite"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Timezone: "UTC",
		Interval: time.Hour,
		Catalog: Catalog{
			Path:          "collector.db",
			BusyTimeout:   5 * time.Second,
			RetryAttempts: 5,
			RetryDelay:    time.Second,
		},
		Spool: Spool{Settle: 30 * time.Second},
		Replication: Replication{
			MaxAttempts:     5,
			AttemptTimeout:  5 * time.Minute,
			RetryDelay:      2 * time.Second,
			Workers:         4,
			BackfillWorkers: 2,
		},
		Retention: Retention{
			Days:         30,
			WindowStart:  "23:00",
			WindowLength: 30 * time.Minute,
		},
		Notify:  Notify{Subject: "collector.alerts"},
		Metrics: Metrics{Addr: ":9090"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path and overlays the process environment.
func Load(ctx context.Context, path string) (*Config, error) {
	// #nosec G304 -- config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(ctx, data, envconfig.OsLookuper())
}

// Parse builds a Config from YAML data, resolving ${VAR} references and
// COLLECTOR_* overrides through lookuper.
func Parse(ctx context.Context, data []byte, lookuper envconfig.Lookuper) (*Config, error) {
	expanded, err := expand(string(data), lookuper)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expand replaces ${VAR} and $VAR with values from lookuper. "$$" yields a
// literal dollar sign. Unset variables are an error.
func expand(s string, lookuper envconfig.Lookuper) (string, error) {
	var missing []string
	out := os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		v, ok := lookuper.Lookup(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config references unset variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// EnabledBackends returns the backends replication targets are built from.
func (c *Config) EnabledBackends() []Backend {
	var out []Backend
	for _, b := range c.Backends {
		if b.IsEnabled() {
			out = append(out, b)
		}
	}
	return out
}

// RequiredBackends names the backends that must be verified before a local
// copy is deleted.
func (c *Config) RequiredBackends() []string {
	var out []string
	for _, b := range c.Backends {
		if b.IsRequired() {
			out = append(out, b.Name)
		}
	}
	return out
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.Interval <= 0 {
		add("interval must be positive")
	}
	if c.Catalog.Path == "" {
		add("catalog.path is required")
	}
	if c.Catalog.RetryAttempts < 1 {
		add("catalog.retry_attempts must be at least 1")
	}

	dirs := c.Spool.Dirs()
	names := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		where := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			add("%s: name is required", where)
		} else {
			where = fmt.Sprintf("backend %s", b.Name)
			if names[b.Name] {
				add("%s: duplicate name", where)
			}
			names[b.Name] = true
		}

		switch b.Type {
		case backend.TypeS3:
		case backend.TypeMinio:
			if b.Endpoint == "" {
				add("%s: endpoint is required for type minio", where)
			}
		case backend.TypeFilesystem:
			if b.Root == "" {
				add("%s: root is required for type filesystem", where)
			}
		default:
			add("%s: unknown type %q", where, b.Type)
		}

		for kind, container := range b.Containers {
			if !kind.Valid() {
				add("%s: unknown kind %q in containers", where, kind)
			}
			if container == "" {
				add("%s: empty container for %s", where, kind)
			}
		}
		if b.IsEnabled() {
			for kind := range dirs {
				if _, ok := b.Containers[kind]; !ok {
					add("%s: no container for %s", where, kind)
				}
			}
		}
	}

	r := c.Replication
	if r.MaxAttempts < 1 {
		add("replication.max_attempts must be at least 1")
	}
	if r.AttemptTimeout <= 0 {
		add("replication.attempt_timeout must be positive")
	}
	if r.RetryDelay < 0 {
		add("replication.retry_delay must not be negative")
	}
	if r.Workers < 1 || r.BackfillWorkers < 1 {
		add("replication workers must be at least 1")
	}

	if c.Retention.Days < 0 {
		add("retention.days must not be negative")
	}
	if _, err := c.Retention.Window(); err != nil {
		add("retention window: %w", err)
	}
	if len(c.RequiredBackends()) == 0 && !c.Retention.AllowUnreplicatedPruning {
		add("retention: %w; set allow_unreplicated_pruning to prune by age alone", retention.ErrNoRequiredBackends)
	}

	if c.Notify.NATSURL != "" && c.Notify.Subject == "" {
		add("notify.subject is required with nats_url")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
	default:
		add("log.format %q must be text, json or logfmt", c.Log.Format)
	}

	if len(errs) > 0 {
		return errors.Join(append([]error{errors.New("invalid config")}, errs...)...)
	}
	return nil
}
