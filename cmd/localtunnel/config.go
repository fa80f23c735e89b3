package main

import (
	"fmt"
	"io/ioutil"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/cenkalti/backoff"
	tunnel "github.com/hons82/go-localtunnel"
)

// BackoffConfig tunes the negotiation retry policy. A multiplier of 1 keeps
// the default constant policy.
type BackoffConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	Multiplier  float64       `yaml:"multiplier,omitempty"`
	MaxInterval time.Duration `yaml:"max_interval,omitempty"`
	MaxTime     time.Duration `yaml:"max_time,omitempty"`
}

// Config is the configuration file layout.
type Config struct {
	tunnel.ClientConfig `yaml:",inline"`

	BackoffOptions *BackoffConfig `yaml:"backoff,omitempty"`
	MetricsAddr    string         `yaml:"metrics_addr,omitempty"`
}

func loadConfiguration(path string) (*Config, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %q: %s", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(buf, &config); err != nil {
		return nil, fmt.Errorf("failed to parse file %q: %s", path, err)
	}

	return &config, nil
}

// applyOptions overlays command line flags on the file configuration.
func (c *Config) applyOptions(opts *options) {
	if opts.port != 0 {
		c.LocalPort = opts.port
	}
	if opts.subdomain != "" {
		c.Subdomain = opts.subdomain
	}
	if opts.host != "" {
		c.BrokerURL = opts.host
	}
	if opts.localHost != "" {
		c.LocalHost = opts.localHost
	}
	if opts.localHTTPS {
		c.LocalHTTPS = true
	}
	if opts.localCert != "" {
		c.LocalCert = opts.localCert
	}
	if opts.localKey != "" {
		c.LocalKey = opts.localKey
	}
	if opts.localCA != "" {
		c.LocalCA = opts.localCA
	}
	if opts.allowInvalidCert {
		c.AllowInvalidCert = true
	}
	if opts.noIPCheck {
		c.DisableIPDetection = true
	}
	if opts.noNetMonitor {
		c.DisableNetworkMonitor = true
	}
	if opts.ipInterval != 0 {
		c.CheckIPInterval = opts.ipInterval
	}
	if opts.noReconnect {
		c.DisableAutoReconnect = true
	}
	if opts.metricsAddr != "" {
		c.MetricsAddr = opts.metricsAddr
	}
}

// negotiationBackoff builds the retry policy from the backoff block,
// exponential when a multiplier above 1 is configured.
func (c *Config) negotiationBackoff() tunnel.Backoff {
	b := c.BackoffOptions
	if b == nil {
		return nil
	}

	interval := b.Interval
	if interval == 0 {
		interval = tunnel.DefaultNegotiationInterval
	}

	if b.Multiplier <= 1 {
		return backoff.NewConstantBackOff(interval)
	}

	e := backoff.NewExponentialBackOff()
	e.InitialInterval = interval
	e.Multiplier = b.Multiplier
	if b.MaxInterval != 0 {
		e.MaxInterval = b.MaxInterval
	}
	e.MaxElapsedTime = b.MaxTime

	return e
}
