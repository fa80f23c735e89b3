// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hons82/go-localtunnel/log"
)

// ClientConfig is configuration of the Client. Every recognized option is
// enumerated here with its default, the whole structure is validated once
// when the client is created.
type ClientConfig struct {
	// LocalPort specifies the port of the local service to expose. It is
	// the only required option.
	LocalPort int `yaml:"local_port"`
	// LocalHost overrides the forwarding target host and, when set, the
	// Host header of forwarded requests. Defaults to "localhost".
	LocalHost string `yaml:"local_host,omitempty"`
	// BrokerURL specifies the broker base URL. Defaults to
	// DefaultBrokerURL.
	BrokerURL string `yaml:"broker_url,omitempty"`
	// Subdomain optionally requests a named subdomain from the broker.
	// When empty the broker assigns a random one.
	Subdomain string `yaml:"subdomain,omitempty"`

	// LocalHTTPS makes forwarding connections perform a TLS handshake
	// with the local service instead of speaking plaintext.
	LocalHTTPS bool `yaml:"local_https,omitempty"`
	// LocalCert and LocalKey optionally specify a client certificate for
	// the local TLS leg.
	LocalCert string `yaml:"local_cert,omitempty"`
	LocalKey  string `yaml:"local_key,omitempty"`
	// LocalCA optionally specifies a CA bundle used to verify the local
	// service certificate.
	LocalCA string `yaml:"local_ca,omitempty"`
	// AllowInvalidCert skips verification of the local service
	// certificate.
	AllowInvalidCert bool `yaml:"allow_invalid_cert,omitempty"`

	// DisableIPDetection turns off public IP change detection.
	DisableIPDetection bool `yaml:"disable_ip_detection,omitempty"`
	// DisableNetworkMonitor turns off the resume-from-suspend and
	// network-change triggers, periodic checks still run.
	DisableNetworkMonitor bool `yaml:"disable_network_monitor,omitempty"`
	// CheckIPInterval specifies how often the public IP is checked,
	// clamped to MinCheckIPInterval, defaults to DefaultCheckIPInterval.
	CheckIPInterval time.Duration `yaml:"check_ip_interval,omitempty"`

	// DisableAutoReconnect turns off session re-establishment on fatal
	// errors, they are surfaced as terminal instead.
	DisableAutoReconnect bool `yaml:"disable_auto_reconnect,omitempty"`
	// MaxReconnectAttempts bounds one reconnect episode, defaults to
	// DefaultMaxReconnectAttempts.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts,omitempty"`
	// ReconnectDelay specifies the fixed delay before each reconnect
	// attempt, defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration `yaml:"reconnect_delay,omitempty"`

	// Backoff specifies retry policy on broker negotiation when the
	// broker is unreachable. If nil a constant policy of
	// DefaultNegotiationInterval is used, it never gives up on its own.
	Backoff Backoff `yaml:"-"`
	// HTTPClient is used for broker API requests. If nil a client with
	// DefaultTimeout is used.
	HTTPClient *http.Client `yaml:"-"`
	// DialRemote specifies an optional dial function creating connections
	// to the broker's forwarding port.
	DialRemote func(network, addr string) (net.Conn, error) `yaml:"-"`
	// Logger is optional logger. If nil logging is disabled.
	Logger log.Logger `yaml:"-"`

	// OnURL is called once per session when the first forwarding
	// connection is up and the public URL is live.
	OnURL func(url string) `yaml:"-"`
	// OnRequest is called for every HTTP request observed on a
	// forwarding connection.
	OnRequest func(e RequestEvent) `yaml:"-"`
	// OnError is called for operational errors, fatal and non-fatal
	// alike. Fatal errors additionally drive the reconnect policy.
	OnError func(err error) `yaml:"-"`
	// OnIPChange is called after every attempted session IP migration.
	OnIPChange func(e IPChangeEvent) `yaml:"-"`
	// OnClose is called exactly once when the client is closed.
	OnClose func() `yaml:"-"`
}

func (c *ClientConfig) validate() error {
	if c.LocalPort <= 0 || c.LocalPort > 65535 {
		return fmt.Errorf("local_port: invalid port %d", c.LocalPort)
	}
	if c.BrokerURL == "" {
		c.BrokerURL = DefaultBrokerURL
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("broker_url: %s", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("broker_url: invalid scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("broker_url: missing host")
	}

	if c.LocalHost == "" {
		c.LocalHost = "localhost"
	}
	if (c.LocalCert == "") != (c.LocalKey == "") {
		return errors.New("local_cert and local_key must be set together")
	}
	if !c.LocalHTTPS && (c.LocalCert != "" || c.LocalCA != "" || c.AllowInvalidCert) {
		return errors.New("local TLS options require local_https")
	}

	if c.CheckIPInterval == 0 {
		c.CheckIPInterval = DefaultCheckIPInterval
	}
	if c.CheckIPInterval < MinCheckIPInterval {
		c.CheckIPInterval = MinCheckIPInterval
	}

	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts: invalid count %d", c.MaxReconnectAttempts)
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}

	return nil
}

// localTLSConfig builds the tls configuration for the local leg, nil when
// local HTTPS is disabled.
func (c *ClientConfig) localTLSConfig() (*tls.Config, error) {
	if !c.LocalHTTPS {
		return nil, nil
	}

	t := &tls.Config{
		ServerName:         c.LocalHost,
		InsecureSkipVerify: c.AllowInvalidCert,
	}

	if c.LocalCert != "" {
		cert, err := tls.LoadX509KeyPair(c.LocalCert, c.LocalKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load key pair: %s", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	if c.LocalCA != "" {
		pem, err := ioutil.ReadFile(c.LocalCA)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %s", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", c.LocalCA)
		}
		t.RootCAs = pool
	}

	return t, nil
}
