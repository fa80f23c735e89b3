// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/hons82/go-localtunnel/log"
	"github.com/hons82/go-localtunnel/metrics"
)

// connPool maintains the session's forwarding connections. Every slot
// bridges one broker-side channel to the local service. The pool holds
// exactly Session.MaxConnections live slots while the session is open,
// replacing any slot that dies.
type connPool struct {
	sess        *Session
	localTLS    *tls.Config
	rewriteHost string
	dialRemote  func(network, addr string) (net.Conn, error)
	logger      log.Logger

	// onOpen fires once, on the first slot reaching the open state.
	onOpen    func()
	onDead    func()
	onError   func(err error)
	onRequest func(e RequestEvent)

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	open   int
	once   bool
	closed bool
}

func newConnPool(sess *Session, config *ClientConfig, logger log.Logger) (*connPool, error) {
	localTLS, err := config.localTLSConfig()
	if err != nil {
		return nil, err
	}

	p := &connPool{
		sess:       sess,
		localTLS:   localTLS,
		dialRemote: config.DialRemote,
		logger:     logger,
		conns:      make(map[net.Conn]struct{}),
	}
	if config.LocalHost != "" && config.LocalHost != "localhost" {
		p.rewriteHost = config.LocalHost
	}
	if p.dialRemote == nil {
		d := &net.Dialer{Timeout: DefaultTimeout}
		p.dialRemote = d.Dial
	}

	return p, nil
}

// Open starts filling the pool. Slot dials are issued without waiting for
// each other, any subset may complete first.
func (p *connPool) Open() {
	for i := 0; i < p.sess.MaxConnections; i++ {
		go p.fill()
	}
}

// fill runs one slot from dial to death, then schedules a replacement
// unless the pool is closed.
func (p *connPool) fill() {
	if p.isClosed() {
		return
	}

	remote, err := p.dial()
	if err != nil {
		if p.isClosed() {
			return
		}
		p.logger.Log(
			"level", 0,
			"msg", "slot dial failed",
			"addr", p.sess.RemoteAddr(),
			"err", err,
		)
		p.emitError(fmt.Errorf("failed to connect to broker: %s", err))
		return
	}

	first, ok := p.register(remote)
	if !ok {
		remote.Close()
		return
	}
	metrics.OpenConnections.Inc()

	p.logger.Log(
		"level", 2,
		"action", "slot open",
		"addr", p.sess.RemoteAddr(),
	)
	if first && p.onOpen != nil {
		p.onOpen()
	}

	p.serve(remote)

	closed := p.unregister(remote)
	metrics.OpenConnections.Dec()
	metrics.ConnectionDeathsTotal.Inc()
	if closed {
		return
	}

	p.logger.Log(
		"level", 2,
		"action", "slot dead",
		"addr", p.sess.RemoteAddr(),
	)
	if p.onDead != nil {
		p.onDead()
	}

	go p.fill()
}

func (p *connPool) dial() (net.Conn, error) {
	conn, err := p.dialRemote("tcp", p.sess.RemoteAddr())
	if err != nil {
		return nil, err
	}

	if err := keepAlive(conn); err != nil {
		p.logger.Log(
			"level", 1,
			"msg", "TCP keepalive for forwarding connection failed",
			"addr", p.sess.RemoteAddr(),
			"err", err,
		)
	}

	return conn, nil
}

// serve bridges remote and local until either side goes away. The remote to
// local direction is HTTP aware, responses flow back as a raw copy.
func (p *connPool) serve(remote net.Conn) {
	defer remote.Close()

	local, err := p.dialLocal()
	if err != nil {
		p.logger.Log(
			"level", 0,
			"msg", "local dial failed",
			"addr", p.sess.LocalAddr(),
			"err", err,
		)
		p.emitError(fmt.Errorf("local service unavailable: %s", err))
		return
	}
	defer local.Close()

	done := make(chan struct{})
	go func() {
		transfer(remote, local, log.NewContext(p.logger).With(
			"dst", "remote",
			"src", p.sess.LocalAddr(),
		))
		remote.Close()
		close(done)
	}()

	p.forward(remote, local)
	local.Close()
	<-done
}

func (p *connPool) dialLocal() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", p.sess.LocalAddr(), DefaultTimeout)
	if err != nil {
		return nil, err
	}

	if p.localTLS == nil {
		return conn, nil
	}

	tlsConn := tls.Client(conn, p.localTLS)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("local TLS handshake failed: %s", err)
	}

	return tlsConn, nil
}

// forward reads HTTP requests off the remote stream, surfaces method and
// path, rewrites the Host header when a local host override is configured
// and writes the request to the local service. On a protocol upgrade the
// remaining traffic is piped verbatim.
func (p *connPool) forward(remote net.Conn, local net.Conn) {
	br := bufio.NewReader(remote)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF {
				p.logger.Log(
					"level", 2,
					"msg", "failed to read request",
					"err", err,
				)
			}
			return
		}

		metrics.RequestsTotal.Inc()
		if p.onRequest != nil {
			p.onRequest(RequestEvent{
				Method: req.Method,
				Path:   req.URL.Path,
			})
		}

		if p.rewriteHost != "" {
			req.Host = p.rewriteHost
		}

		upgrade := isUpgrade(req.Header)

		if err := req.Write(local); err != nil {
			p.logger.Log(
				"level", 2,
				"msg", "failed to write request",
				"err", err,
			)
			return
		}

		if upgrade {
			transfer(local, br, log.NewContext(p.logger).With(
				"dst", p.sess.LocalAddr(),
				"src", "remote",
			))
			return
		}
	}
}

// register adds a live slot, reporting whether it is the first one.
func (p *connPool) register(conn net.Conn) (first, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, false
	}
	p.conns[conn] = struct{}{}
	p.open++
	first = !p.once
	p.once = true

	return first, true
}

// unregister removes a dead slot, reporting whether the pool is closed.
func (p *connPool) unregister(conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.conns, conn)
	p.open--

	return p.closed
}

func (p *connPool) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *connPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *connPool) emitError(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

// Close stops the pool, no replacement slots are opened afterwards. It is
// idempotent.
func (p *connPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func isUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") ||
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}
