// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/hons82/go-localtunnel/log"
	"github.com/hons82/go-localtunnel/metrics"
)

var errClientAlreadyStarted = errors.New("client already started")

// State describes the client session lifecycle.
type State int

// Client states.
const (
	StateIdle State = iota
	StateNegotiating
	StateEstablishing
	StateActive
	StateIPChecking
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateEstablishing:
		return "establishing"
	case StateActive:
		return "active"
	case StateIPChecking:
		return "ip-checking"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client negotiates a tunnel session with the broker and keeps it alive: it
// owns the forwarding connection pool, the IP change monitor and the
// reconnect policy applied on fatal session errors.
type Client struct {
	config *ClientConfig
	broker *BrokerClient
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	sess     *Session
	pool     *connPool
	monitor  *ipMonitor
	netwatch *networkWatcher
	attempts int
	started  bool
	closed   bool

	// fatal carries session-breaking errors to the reconnect supervisor,
	// concurrent triggers coalesce.
	fatal chan error
}

// NewClient creates a new unconnected Client based on configuration. Caller
// must invoke Start() on returned instance in order to connect the broker.
func NewClient(config *ClientConfig) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	bo := config.Backoff
	if bo == nil {
		bo = backoff.NewConstantBackOff(DefaultNegotiationInterval)
	}

	broker, err := NewBrokerClient(config.BrokerURL, config.HTTPClient, bo,
		log.NewContext(logger).WithPrefix("component", "broker"))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config: config,
		broker: broker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		fatal:  make(chan error, 1),
	}, nil
}

// Start negotiates a session with the broker and begins filling the
// forwarding connection pool. It returns once the session is negotiated,
// the public URL goes live when the first forwarding connection is up.
// While the broker is unreachable negotiation is retried on the backoff
// policy, only Close stops it.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return errClientAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Log(
		"level", 1,
		"action", "start",
	)

	if err := c.establish(); err != nil {
		c.setState(StateFailed)
		return err
	}

	go c.supervise()

	return nil
}

// establish runs one full negotiate-and-open cycle against the original
// configuration.
func (c *Client) establish() error {
	c.setState(StateNegotiating)
	sess, err := c.broker.Negotiate(c.ctx, c.config)
	if err != nil {
		return err
	}

	c.logger.Log(
		"level", 1,
		"action", "negotiated",
		"id", sess.ID,
		"url", sess.URL,
		"maxConn", sess.MaxConnections,
	)

	c.setState(StateEstablishing)

	pool, err := newConnPool(sess, c.config,
		log.NewContext(c.logger).WithPrefix("component", "pool"))
	if err != nil {
		return err
	}
	pool.onOpen = func() { c.handleOpen(sess) }
	pool.onError = func(err error) {
		c.emitError(err)
		c.escalate(err)
	}
	pool.onRequest = c.config.OnRequest

	var (
		monitor *ipMonitor
		watcher *networkWatcher
	)
	if !c.config.DisableIPDetection {
		monitor = newIPMonitor(c.broker, sess, c.config.CheckIPInterval,
			log.NewContext(c.logger).WithPrefix("component", "monitor"))
		monitor.onChange = func(e IPChangeEvent) {
			c.emitIPChange(e)
			if !e.Success {
				c.escalate(e.Err)
			}
		}
		monitor.onError = c.emitError
		monitor.onChecking = c.setChecking

		if !c.config.DisableNetworkMonitor {
			watcher = newNetworkWatcher(monitor.CheckNow,
				log.NewContext(c.logger).WithPrefix("component", "netwatch"))
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pool.Close()
		return ErrClientClosed
	}
	c.sess = sess
	c.pool = pool
	c.monitor = monitor
	c.netwatch = watcher
	c.mu.Unlock()

	pool.Open()
	if monitor != nil {
		monitor.Start()
	}
	if watcher != nil {
		watcher.Start()
	}

	return nil
}

// supervise applies the reconnect policy to fatal session errors.
func (c *Client) supervise() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case err := <-c.fatal:
			if c.isClosed() {
				return
			}
			if c.config.DisableAutoReconnect {
				c.logger.Log(
					"level", 0,
					"msg", "fatal session error",
					"err", err,
				)
				c.setState(StateFailed)
				return
			}
			if !c.reconnect(err) {
				return
			}
		}
	}
}

// reconnect runs one bounded reconnect episode. It reports whether a new
// session was established.
func (c *Client) reconnect(cause error) bool {
	c.logger.Log(
		"level", 1,
		"action", "reconnect",
		"cause", cause,
	)

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return false
		}
		if c.attempts >= c.config.MaxReconnectAttempts {
			c.mu.Unlock()
			c.logger.Log(
				"level", 0,
				"msg", "reconnect budget exhausted",
				"attempts", c.config.MaxReconnectAttempts,
			)
			c.setState(StateFailed)
			c.emitError(ErrReconnectExhausted)
			return false
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.setState(StateReconnecting)
		metrics.ReconnectsTotal.Inc()
		c.logger.Log(
			"level", 1,
			"action", "reconnect attempt",
			"attempt", attempt,
		)

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.config.ReconnectDelay):
		}

		c.teardown()

		// errors queued by the torn down session are stale, drain before
		// the new session can escalate its own
		select {
		case <-c.fatal:
		default:
		}

		if err := c.establish(); err != nil {
			if c.isClosed() {
				return false
			}
			c.emitError(err)
			continue
		}

		return true
	}
}

// handleOpen marks the session live once the first forwarding connection is
// up and publishes the URL.
func (c *Client) handleOpen(sess *Session) {
	c.setState(StateActive)

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Log(
		"level", 1,
		"action", "published",
		"url", sess.URL,
	)

	if c.config.OnURL != nil {
		c.config.OnURL(sess.URL)
	}
}

// teardown discards the current session, its pool and monitors.
func (c *Client) teardown() {
	c.mu.Lock()
	monitor, watcher, pool := c.monitor, c.netwatch, c.pool
	c.monitor, c.netwatch, c.pool, c.sess = nil, nil, nil, nil
	c.mu.Unlock()

	if watcher != nil {
		watcher.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}
	if pool != nil {
		pool.Close()
	}
}

// Close stops the client, its pool and monitors. It is idempotent and
// fires the close notification exactly once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Log(
		"level", 1,
		"action", "close",
	)

	c.cancel()
	c.teardown()

	if c.config.OnClose != nil {
		c.config.OnClose()
	}

	return nil
}

// CheckIPNow requests an immediate public IP verification, a no-op when IP
// detection is disabled or no session is open.
func (c *Client) CheckIPNow() {
	c.mu.Lock()
	monitor := c.monitor
	c.mu.Unlock()

	if monitor != nil {
		monitor.CheckNow()
	}
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// URL returns the public URL of the current session, empty when no session
// is open.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.URL
}

// CachedURL returns the secondary caching endpoint of the current session,
// empty when the broker offered none.
func (c *Client) CachedURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.CachedURL
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = s
}

// setChecking brackets an IP migration attempt in the state machine.
func (c *Client) setChecking(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on && c.state == StateActive {
		c.state = StateIPChecking
	}
	if !on && c.state == StateIPChecking {
		c.state = StateActive
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// escalate hands a session-breaking error to the supervisor, dropped after
// close. Concurrent triggers coalesce into one reconnect cycle.
func (c *Client) escalate(err error) {
	if c.isClosed() {
		return
	}
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Client) emitError(err error) {
	if c.config.OnError != nil {
		c.config.OnError(err)
	}
}

func (c *Client) emitIPChange(e IPChangeEvent) {
	if c.config.OnIPChange != nil {
		c.config.OnIPChange(e)
	}
}
