// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"net"
	"strconv"
)

// Session describes one negotiated tunnel. It is created from the broker's
// negotiation response and owned by the Client for the session's lifetime.
// A session established after a reconnect is a fresh instance, the old one
// and its forwarding connections are discarded.
type Session struct {
	// ID is the opaque session identifier assigned by the broker.
	ID string
	// URL is the public endpoint the broker publishes for this session.
	URL string
	// CachedURL is an optional secondary endpoint for caching-capable
	// brokers, empty when not offered.
	CachedURL string
	// RemoteHost is the broker host forwarding connections dial when
	// RemoteIP is not set.
	RemoteHost string
	// RemoteIP is the broker address forwarding connections dial.
	RemoteIP string
	// RemotePort is the broker port forwarding connections dial.
	RemotePort int
	// MaxConnections is the size of the forwarding connection pool.
	MaxConnections int

	// LocalHost and LocalPort address the forwarded local service.
	LocalHost string
	LocalPort int
}

// RemoteAddr returns the broker address forwarding connections dial to,
// preferring the resolved IP over the host name.
func (s *Session) RemoteAddr() string {
	host := s.RemoteIP
	if host == "" {
		host = s.RemoteHost
	}
	return net.JoinHostPort(host, strconv.Itoa(s.RemotePort))
}

// LocalAddr returns the address of the forwarded local service.
func (s *Session) LocalAddr() string {
	return net.JoinHostPort(s.LocalHost, strconv.Itoa(s.LocalPort))
}
