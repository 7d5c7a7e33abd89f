// Package config loads historian settings from a YAML, TOML or JSON file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/historian"
)

// ErrNoConfig is returned when no config file is found.
var ErrNoConfig = errors.New("no historian config file found")

// Config is the parsed historian configuration. Unset fields keep the
// engine defaults.
type Config struct {
	// Directory holds the SQLite file.
	Directory string `yaml:"directory" toml:"directory" json:"directory"`

	// Name is the SQLite file name. Default: log.db.
	Name string `yaml:"name" toml:"name" json:"name"`

	// Table is the retention table. Default: log.
	Table string `yaml:"table" toml:"table" json:"table"`

	// DSN selects a Postgres store instead of a local file.
	DSN string `yaml:"dsn" toml:"dsn" json:"dsn"`

	// MaxRows is the retention cap. Pointer so an explicit 0 survives.
	MaxRows *int `yaml:"max_rows" toml:"max_rows" json:"max_rows"`

	// QueueCapacity is the batched-mode drain threshold.
	QueueCapacity *int `yaml:"queue_capacity" toml:"queue_capacity" json:"queue_capacity"`

	// Mode is "direct" or "batched".
	Mode string `yaml:"mode" toml:"mode" json:"mode"`

	// MinLevel is the lowest level kept, e.g. "info".
	MinLevel string `yaml:"min_level" toml:"min_level" json:"min_level"`

	// FlushInterval drains the batched buffer on a timer.
	FlushInterval Duration `yaml:"flush_interval" toml:"flush_interval" json:"flush_interval"`

	// EncryptionSecret seals messages at rest. Prefer HISTORIAN_SECRET.
	EncryptionSecret string `yaml:"encryption_secret" toml:"encryption_secret" json:"encryption_secret"`

	Debug bool `yaml:"debug" toml:"debug" json:"debug"`

	// Archive configures `historian archive`.
	Archive Archive `yaml:"archive" toml:"archive" json:"archive"`
}

// Archive is the object storage target for exported snapshots.
type Archive struct {
	Bucket   string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Region   string `yaml:"region" toml:"region" json:"region"`
	Prefix   string `yaml:"prefix" toml:"prefix" json:"prefix"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(dur)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

type candidate struct {
	name   string
	parser func([]byte, *Config) error
}

var candidates = []candidate{
	{".historian.yaml", parseYAML},
	{".historian.yml", parseYAML},
	{".historian.toml", parseTOML},
	{".historian.json", parseJSON},
	{"historian.yaml", parseYAML},
	{"historian.yml", parseYAML},
	{"historian.toml", parseTOML},
	{"historian.json", parseJSON},
}

// Load finds and parses a historian config file from the given directory.
func Load(dir string) (*Config, string, error) {
	for _, c := range candidates {
		path := filepath.Join(dir, c.name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // File doesn't exist, try next
		}
		cfg, err := parse(c.name, data, c.parser)
		if err != nil {
			return nil, c.name, err
		}
		return cfg, c.name, nil
	}
	return nil, "", ErrNoConfig
}

// LoadFile parses an explicit config file, choosing the format by extension.
func LoadFile(path string) (*Config, error) {
	var parser func([]byte, *Config) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = parseYAML
	case ".toml":
		parser = parseTOML
	case ".json":
		parser = parseJSON
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(filepath.Base(path), data, parser)
}

func parse(name string, data []byte, parser func([]byte, *Config) error) (*Config, error) {
	var cfg Config
	if err := parser(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func parseJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.MaxRows != nil && *c.MaxRows < 0 {
		return fmt.Errorf("max_rows should be 0 or greater, got %d", *c.MaxRows)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 0 {
		return fmt.Errorf("queue_capacity should be 0 or greater, got %d", *c.QueueCapacity)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush_interval should be 0 or greater, got %s", c.FlushInterval.Duration())
	}
	mode := historian.ModeDirect
	if c.Mode != "" {
		if err := mode.UnmarshalText([]byte(c.Mode)); err != nil {
			return err
		}
	}
	if c.MinLevel != "" {
		if _, err := historian.ParseLevel(c.MinLevel); err != nil {
			return err
		}
	}
	// An omitted mode means direct.
	if c.FlushInterval > 0 && mode != historian.ModeBatched {
		return errors.New("flush_interval only applies to batched mode")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Archive.Region == "" {
		c.Archive.Region = "auto"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "historian"
	}
}

// Apply copies every set field onto base and returns the result.
func (c *Config) Apply(base historian.Config) historian.Config {
	if c.Directory != "" {
		base.Directory = c.Directory
	}
	if c.Name != "" {
		base.Name = c.Name
	}
	if c.Table != "" {
		base.Table = c.Table
	}
	if c.DSN != "" {
		base.DSN = c.DSN
	}
	if c.MaxRows != nil {
		base.MaxRows = *c.MaxRows
	}
	if c.QueueCapacity != nil {
		base.QueueCapacity = *c.QueueCapacity
	}
	if c.Mode != "" {
		_ = base.Mode.UnmarshalText([]byte(c.Mode)) // checked by Validate
	}
	if c.MinLevel != "" {
		base.MinLevel, _ = historian.ParseLevel(c.MinLevel)
	}
	if c.FlushInterval > 0 {
		base.FlushInterval = c.FlushInterval.Duration()
	}
	if c.EncryptionSecret != "" {
		base.EncryptionSecret = c.EncryptionSecret
	}
	if c.Debug {
		base.Debug = true
	}
	return base
}
