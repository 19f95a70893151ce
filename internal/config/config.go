// Package config loads service configuration from an optional JSON file
// with environment variable overrides on top.
package config

import (
	"encoding/json"
	"io/ioutil"
	"os"

	"github.com/caarlos0/env/v11"
	"golang.org/x/xerrors"
)

// DefaultPath is used when CONFIG_FILE_PATH is not set. A missing file at
// the default path is not an error; the environment alone can configure
// everything.
const DefaultPath = "conduit.json"

// Config holds settings for both the producer and the proxy. Either
// binary validates only the fields it uses.
type Config struct {
	Token string `json:"token" env:"DISCORD_TOKEN"`

	// ShardCount of 0 defers to the gateway's recommended count.
	ShardCount int `json:"shard_count" env:"SHARD_COUNT"`

	AMQP struct {
		URL      string `json:"url" env:"AMQP_URL"`
		Group    string `json:"group" env:"AMQP_GROUP"`
		Subgroup string `json:"subgroup" env:"AMQP_SUBGROUP"`
	} `json:"amqp"`

	Proxy struct {
		Addr     string `json:"addr" env:"SERVER_ADDR"`
		Upstream string `json:"upstream" env:"UPSTREAM_URL"`
	} `json:"proxy"`

	// EventBlacklist lists dispatch types that are never published.
	EventBlacklist []string `json:"event_blacklist"`

	MetricsAddr string `json:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `json:"log_level" env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the JSON file then applies environment overrides. The file
// path comes from CONFIG_FILE_PATH when set.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_FILE_PATH")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := &Config{}

	file, err := ioutil.ReadFile(path)

	switch {
	case err == nil:
		if err = json.Unmarshal(file, cfg); err != nil {
			return nil, xerrors.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No file is fine when none was asked for.
	default:
		return nil, xerrors.Errorf("failed to read config file %s: %w", path, err)
	}

	if err = env.Parse(cfg); err != nil {
		return nil, xerrors.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// ValidateProducer checks the fields the gateway producer requires.
func (c *Config) ValidateProducer() error {
	if c.Token == "" {
		return xerrors.New("no token configured")
	}

	if c.AMQP.URL == "" {
		return xerrors.New("no amqp url configured")
	}

	if c.AMQP.Group == "" {
		return xerrors.New("no amqp group configured")
	}

	return nil
}

// ValidateProxy checks the fields the REST proxy requires.
func (c *Config) ValidateProxy() error {
	if c.Proxy.Addr == "" {
		return xerrors.New("no listen address configured")
	}

	return nil
}
