package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config defines the top-level server config object
type Config struct {
	Instance    string      `yaml:"instance" toml:"instance"`         // instance name, unique in the cluster
	Endpoint    string      `yaml:"endpoint" toml:"endpoint"`         // url other instances use to forward requests here
	StateDir    string      `yaml:"state_dir" toml:"state_dir"`       // shared directory with durable session state
	Session     SessionOpts `yaml:"session" toml:"session"`           // session and cursor timeouts
	Pool        PoolOpts    `yaml:"pool" toml:"pool"`                 // connection pool
	Sources     []SourceDef `yaml:"sources" toml:"sources"`           // inline source definitions
	SourcesFile string      `yaml:"sources_file" toml:"sources_file"` // separate, watched, file with source definitions

	TypeAliases map[string]string `yaml:"type_aliases" toml:"type_aliases"` // driver specific type name to a known one

	secretsProvider SecretsProvider // secrets provider for pool passwords
	secrets         []string        // resolved secret values, to mask in logs
	inline          int             // number of inline sources, file sources follow them
}

// SecretsProvider defines interface for secrets providers
type SecretsProvider interface {
	Get(key string) (string, error)
}

// SessionOpts defines session lifecycle parameters
type SessionOpts struct {
	Idle         time.Duration `yaml:"idle" toml:"idle"`                   // session released after being idle that long
	Timeout      time.Duration `yaml:"timeout" toml:"timeout"`             // durable records untouched that long are deleted
	ReapInterval time.Duration `yaml:"reap_interval" toml:"reap_interval"` // how often the reaper runs
	PageSize     int           `yaml:"page_size" toml:"page_size"`         // default cursor page size
	ReapWorkers  int           `yaml:"reap_workers" toml:"reap_workers"`   // concurrent record removals
}

// PoolOpts defines primary/secondary pools and their shared policy
type PoolOpts struct {
	Primary   Endpoint  `yaml:"primary" toml:"primary"`
	Secondary *Endpoint `yaml:"secondary" toml:"secondary"`
	Savepoint []string  `yaml:"savepoint" toml:"savepoint"` // "read", "write" or both
	Proxy     bool      `yaml:"proxy" toml:"proxy"`         // switch connection identity to the session user
	ProxySQL  string    `yaml:"proxy_sql" toml:"proxy_sql"` // identity switch template, like "SET ROLE &user"
}

// Endpoint defines a single database pool
type Endpoint struct {
	Driver             string        `yaml:"driver" toml:"driver"` // detected from url if not set
	URL                string        `yaml:"url" toml:"url"`
	User               string        `yaml:"user" toml:"user"`
	Password           string        `yaml:"password" toml:"password"`
	PasswordSecret     string        `yaml:"password_secret" toml:"password_secret"` // secrets provider key for the password
	MinSize            int           `yaml:"min_size" toml:"min_size"`
	MaxSize            int           `yaml:"max_size" toml:"max_size"`
	MaxWait            time.Duration `yaml:"max_wait" toml:"max_wait"`
	ValidationQuery    string        `yaml:"validation_query" toml:"validation_query"`
	ValidationInterval time.Duration `yaml:"validation_interval" toml:"validation_interval"`
}

// defaults used for unset session options
const (
	defaultIdle         = 5 * time.Minute
	defaultTimeout      = 30 * time.Minute
	defaultReapInterval = time.Minute
	defaultPageSize     = 100
	defaultReapWorkers  = 4
)

// New loads config from the file, resolves pool passwords with the secrets provider (if set)
// and validates the result. Format picked by file extension, yaml if no extension.
func New(fname string, secProvider SecretsProvider) (*Config, error) {
	log.Printf("[DEBUG] request to load config %q", fname)
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", fname, err)
	}

	res := &Config{secretsProvider: secProvider}
	if err = unmarshal(fname, data, res); err != nil {
		return nil, fmt.Errorf("can't unmarshal config: %w", err)
	}
	res.setDefaults()

	res.inline = len(res.Sources)
	if res.SourcesFile != "" {
		srcs, err := LoadSources(res.SourcesFile)
		if err != nil {
			return nil, err
		}
		res.Sources = append(res.Sources, srcs...)
	}

	if err = res.checkConfig(); err != nil {
		return nil, fmt.Errorf("config %s is invalid: %w", fname, err)
	}

	if secErr := res.loadSecrets(); secErr != nil {
		return nil, secErr
	}

	log.Printf("[INFO] config loaded, instance %s, %d sources", res.Instance, len(res.Sources))
	return res, nil
}

// unmarshal decodes yaml (strict, unknown fields rejected) or toml, by file extension
func unmarshal(fname string, data []byte, v any) error {
	switch {
	case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml") || !strings.Contains(fname, "."):
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // strict mode, fail on unknown fields
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("can't unmarshal yaml %s: %w", fname, err)
		}
	case strings.HasSuffix(fname, ".toml"):
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("can't unmarshal toml %s: %w", fname, err)
		}
	default:
		return fmt.Errorf("unknown config format %s", fname)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Session.Idle <= 0 {
		c.Session.Idle = defaultIdle
	}
	if c.Session.Timeout <= 0 {
		c.Session.Timeout = defaultTimeout
	}
	if c.Session.ReapInterval <= 0 {
		c.Session.ReapInterval = defaultReapInterval
	}
	if c.Session.PageSize == 0 {
		c.Session.PageSize = defaultPageSize
	}
	if c.Session.ReapWorkers <= 0 {
		c.Session.ReapWorkers = defaultReapWorkers
	}
	if c.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Instance = host
		}
	}
}

// checkConfig validates the config, collecting all problems found
func (c *Config) checkConfig() error {
	errs := new(multierror.Error)
	if c.Instance == "" || strings.ContainsAny(c.Instance, " /") || len(c.Instance) > 255 {
		errs = multierror.Append(errs, fmt.Errorf("invalid instance name %q", c.Instance))
	}
	if c.StateDir == "" {
		errs = multierror.Append(errs, fmt.Errorf("state_dir is required"))
	}
	if c.Pool.Primary.URL == "" {
		errs = multierror.Append(errs, fmt.Errorf("primary pool url is required"))
	}
	for _, sp := range c.Pool.Savepoint {
		if sp != "read" && sp != "write" {
			errs = multierror.Append(errs, fmt.Errorf("unknown savepoint mode %q", sp))
		}
	}
	if c.Pool.Proxy && c.Pool.ProxySQL == "" {
		errs = multierror.Append(errs, fmt.Errorf("proxy_sql is required with proxy enabled"))
	}
	if err := CheckSources(c.Sources); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// loadSecrets resolves password_secret of pool endpoints with the secrets provider
func (c *Config) loadSecrets() error {
	endpoints := []*Endpoint{&c.Pool.Primary}
	if c.Pool.Secondary != nil {
		endpoints = append(endpoints, c.Pool.Secondary)
	}
	for _, ep := range endpoints {
		if ep.PasswordSecret == "" {
			if ep.Password != "" {
				c.secrets = append(c.secrets, ep.Password)
			}
			continue
		}
		if c.secretsProvider == nil {
			return fmt.Errorf("password secret %q is set, but secrets provider is not", ep.PasswordSecret)
		}
		val, err := c.secretsProvider.Get(ep.PasswordSecret)
		if err != nil {
			return fmt.Errorf("can't get secret %q: %w", ep.PasswordSecret, err)
		}
		ep.Password = val
		c.secrets = append(c.secrets, val)
	}
	return nil
}

// AllSecretValues returns all resolved passwords, used to mask them in logs
func (c *Config) AllSecretValues() []string {
	return append([]string{}, c.secrets...)
}

// InlineSources returns sources defined in the config file itself, without the ones of sources_file
func (c *Config) InlineSources() []SourceDef {
	return append([]SourceDef{}, c.Sources[:c.inline]...)
}
