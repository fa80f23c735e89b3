// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

// Package metrics exposes prometheus instruments for the tunnel client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpenConnections tracks live forwarding connections.
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localtunnel_open_connections",
		Help: "Current open forwarding connections",
	})
	// ConnectionDeathsTotal counts forwarding connections that closed
	// unexpectedly.
	ConnectionDeathsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_connection_deaths_total",
		Help: "Forwarding connections that died",
	})
	// RequestsTotal counts HTTP requests observed on forwarding
	// connections.
	RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_requests_total",
		Help: "HTTP requests forwarded to the local service",
	})
	// ReconnectsTotal counts reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "localtunnel_reconnects_total",
		Help: "Session reconnect attempts",
	})
	// IPChangesTotal counts session IP migrations by result.
	IPChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localtunnel_ip_changes_total",
		Help: "Session IP migrations by result",
	}, []string{"result"})
)
