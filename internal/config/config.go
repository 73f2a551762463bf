// Package config loads the YAML configuration of the tabsync client and
// reference server.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/maruel/tabsync/internal/filter"
	"github.com/maruel/tabsync/internal/view"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "5s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// JSONSchema implements jsonschema's custom schema hook.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^-?([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$|^0$`,
		Description: "Go duration, e.g. 500ms, 30s, 1h",
	}
}

// Server is the server collaborator of the client.
type Server struct {
	URL string `yaml:"url" json:"url" jsonschema:"description=Base URL of the tabsync server"`
	// Subject and SecretEnv mint bearer tokens. Both empty sends none.
	Subject   string   `yaml:"subject,omitempty" json:"subject,omitempty"`
	SecretEnv string   `yaml:"secret_env,omitempty" json:"secret_env,omitempty" jsonschema:"description=Environment variable holding the token secret"`
	TokenTTL  Duration `yaml:"token_ttl,omitempty" json:"token_ttl,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// RequestRate limits requests per second. Zero is unlimited.
	RequestRate float64 `yaml:"request_rate,omitempty" json:"request_rate,omitempty"`
	Notify      bool    `yaml:"notify,omitempty" json:"notify,omitempty" jsonschema:"description=Listen for change notifications"`
	// MySQL, when set, runs row queries against the database directly.
	MySQL string `yaml:"mysql,omitempty" json:"mysql,omitempty" jsonschema:"description=MySQL DSN used for row queries instead of the server"`
}

// Sync configures the engine.
type Sync struct {
	Interval   Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Throttle   Duration `yaml:"throttle,omitempty" json:"throttle,omitempty" jsonschema:"description=Minimum delay between on-demand cycles"`
	EnforceCDC bool     `yaml:"enforce_cdc,omitempty" json:"enforce_cdc,omitempty"`
}

// View is a view opened by the client.
type View struct {
	Name   string        `yaml:"name" json:"name"`
	Schema string        `yaml:"schema" json:"schema"`
	Filter filter.Filter `yaml:"filter,omitempty" json:"filter,omitempty"`
	Order  []view.Order  `yaml:"order,omitempty" json:"order,omitempty"`
	// Key binds a row view instead of a table view.
	Key []any `yaml:"key,omitempty" json:"key,omitempty"`
	// Parent names a row view; the view then follows its relation Relation.
	Parent   string `yaml:"parent,omitempty" json:"parent,omitempty"`
	Relation string `yaml:"relation,omitempty" json:"relation,omitempty"`
}

// IsRow reports whether v is a row view.
func (v *View) IsRow() bool {
	return len(v.Key) != 0
}

// Listen configures the reference server.
type Listen struct {
	Addr          string `yaml:"addr" json:"addr"`
	DataDir       string `yaml:"data_dir" json:"data_dir"`
	SecretEnv     string `yaml:"secret_env,omitempty" json:"secret_env,omitempty"`
	RatePerMinute int    `yaml:"rate_per_minute,omitempty" json:"rate_per_minute,omitempty"`
	MaxLog        int    `yaml:"max_log,omitempty" json:"max_log,omitempty"`
	FullThreshold int    `yaml:"full_threshold,omitempty" json:"full_threshold,omitempty"`
	// SaveInterval persists tables periodically. Zero only saves on exit.
	SaveInterval Duration `yaml:"save_interval,omitempty" json:"save_interval,omitempty"`
}

// Config is the configuration file.
type Config struct {
	Version int `yaml:"version" json:"version" jsonschema:"enum=1"`
	// Manifest is the schema manifest path, relative to the config file.
	Manifest string `yaml:"manifest" json:"manifest"`
	LogLevel string `yaml:"log_level,omitempty" json:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Server   Server `yaml:"server" json:"server"`
	Sync     Sync   `yaml:"sync,omitempty" json:"sync,omitempty"`
	Views    []View `yaml:"views,omitempty" json:"views,omitempty"`
	Listen   Listen `yaml:"listen,omitempty" json:"listen,omitempty"`

	path string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version:  1,
		Manifest: "schema.yaml",
		LogLevel: "info",
		Server: Server{
			URL:      "http://localhost:8080",
			TokenTTL: Duration(time.Hour),
			Timeout:  Duration(time.Minute),
		},
		Sync: Sync{
			Interval: Duration(30 * time.Second),
			Throttle: Duration(100 * time.Millisecond),
		},
		Listen: Listen{
			Addr:          "localhost:8080",
			DataDir:       "./data",
			RatePerMinute: 600,
		},
	}
}

// Load reads the file at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.path = path
	return c, nil
}

// Parse parses a configuration over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// ManifestPath resolves Manifest relative to the config file.
func (c *Config) ManifestPath() string {
	if filepath.IsAbs(c.Manifest) || c.path == "" {
		return c.Manifest
	}
	return filepath.Join(filepath.Dir(c.path), c.Manifest)
}

// Secret returns the client token secret, nil when none is configured.
func (c *Config) Secret() ([]byte, error) {
	return secret(c.Server.SecretEnv)
}

// ListenSecret returns the reference server token secret.
func (c *Config) ListenSecret() ([]byte, error) {
	return secret(c.Listen.SecretEnv)
}

func secret(env string) ([]byte, error) {
	if env == "" {
		return nil, nil
	}
	v := os.Getenv(env)
	if v == "" {
		return nil, fmt.Errorf("environment variable %s is empty", env)
	}
	return []byte(v), nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("unsupported config version: %d", c.Version))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level: %q", c.LogLevel))
	}
	if c.Manifest == "" {
		errs = append(errs, errors.New("manifest is required"))
	}
	if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.url: invalid URL %q", c.Server.URL))
	}
	if (c.Server.Subject == "") != (c.Server.SecretEnv == "") {
		errs = append(errs, errors.New("server.subject and server.secret_env must both be set or both be empty"))
	}
	if c.Server.RequestRate < 0 {
		errs = append(errs, errors.New("server.request_rate must not be negative"))
	}
	if c.Sync.Throttle < 0 {
		errs = append(errs, errors.New("sync.throttle must not be negative"))
	}
	names := map[string]*View{}
	for i := range c.Views {
		v := &c.Views[i]
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("views[%d]: name is required", i))
			continue
		}
		if names[v.Name] != nil {
			errs = append(errs, fmt.Errorf("view %q: duplicate name", v.Name))
			continue
		}
		if v.Parent == "" && v.Schema == "" {
			errs = append(errs, fmt.Errorf("view %q: schema is required", v.Name))
		}
		if err := v.Filter.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("view %q: %w", v.Name, err))
		}
		if v.Parent != "" {
			p := names[v.Parent]
			switch {
			case p == nil:
				errs = append(errs, fmt.Errorf("view %q: parent %q must be declared before it", v.Name, v.Parent))
			case !p.IsRow():
				errs = append(errs, fmt.Errorf("view %q: parent %q is not a row view", v.Name, v.Parent))
			case v.Relation == "":
				errs = append(errs, fmt.Errorf("view %q: relation is required with parent", v.Name))
			case v.IsRow():
				errs = append(errs, fmt.Errorf("view %q: a related view has no key", v.Name))
			}
		}
		names[v.Name] = v
	}
	return errors.Join(errs...)
}

// JSONSchema returns the JSON schema of the configuration file. Filters are
// recursive so definitions are referenced.
func JSONSchema() ([]byte, error) {
	r := jsonschema.Reflector{}
	s := r.Reflect(&Config{})
	s.Title = "tabsync configuration"
	return s.MarshalJSON()
}
