// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/hons82/go-localtunnel/log"
	"github.com/hons82/go-localtunnel/metrics"
)

// baselineCheckDelay specifies how long after start the first IP check runs.
var baselineCheckDelay = 250 * time.Millisecond

// ipMonitor keeps the session addressable when the client's public IP
// changes. It polls the broker's IP echo endpoint, compares against the
// last acknowledged IP and migrates the session at the broker on change.
// currentIP only advances after the broker acknowledged the migration.
type ipMonitor struct {
	broker   *BrokerClient
	sess     *Session
	interval time.Duration
	logger   log.Logger

	onChange func(e IPChangeEvent)
	onError  func(err error)
	// onChecking brackets a migration attempt, used by the Client to
	// reflect the session state.
	onChecking func(checking bool)

	mu        sync.Mutex
	currentIP string
	closed    bool

	trigger chan struct{}
	stop    chan struct{}
}

func newIPMonitor(broker *BrokerClient, sess *Session, interval time.Duration, logger log.Logger) *ipMonitor {
	return &ipMonitor{
		broker:   broker,
		sess:     sess,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Start launches the recurring check loop.
func (m *ipMonitor) Start() {
	go m.run()
}

func (m *ipMonitor) run() {
	baseline := time.NewTimer(baselineCheckDelay)
	defer baseline.Stop()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-baseline.C:
			m.check()
		case <-ticker.C:
			m.check()
		case <-m.trigger:
			m.check()
		}
	}
}

// CheckNow requests an immediate check, used by the resume and network
// triggers and by interactive frontends. Pending requests coalesce.
func (m *ipMonitor) CheckNow() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Stop halts the monitor, it is idempotent.
func (m *ipMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.stop)
}

// CurrentIP returns the last broker-acknowledged public IP, empty before
// the baseline check completed.
func (m *ipMonitor) CurrentIP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentIP
}

// check runs one observe-compare-notify cycle. An echo failure is logged
// and swallowed, it never stops the recurring timer.
func (m *ipMonitor) check() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	ip, err := m.broker.ExternalIP(ctx)
	if err != nil {
		m.logger.Log(
			"level", 2,
			"msg", "ip echo failed",
			"err", err,
		)
		return
	}

	old := m.CurrentIP()
	if ip == "" || ip == old {
		return
	}

	if old == "" {
		// first observation, the broker bound the session to this IP
		// at negotiation
		m.setCurrentIP(ip)
		m.logger.Log(
			"level", 2,
			"action", "ip baseline",
			"ip", ip,
		)
		return
	}

	if m.onChecking != nil {
		m.onChecking(true)
		defer m.onChecking(false)
	}

	m.logger.Log(
		"level", 1,
		"action", "ip change",
		"oldIp", old,
		"newIp", ip,
	)

	if err := m.broker.NotifyIPChange(ctx, m.sess.ID, old); err != nil {
		metrics.IPChangesTotal.WithLabelValues("failure").Inc()
		m.emitChange(IPChangeEvent{
			OldIP:   old,
			NewIP:   ip,
			Success: false,
			Err:     err,
		})
		if m.onError != nil {
			m.onError(err)
		}
		return
	}

	m.setCurrentIP(ip)
	metrics.IPChangesTotal.WithLabelValues("success").Inc()
	m.emitChange(IPChangeEvent{
		OldIP:   old,
		NewIP:   ip,
		Success: true,
	})
}

func (m *ipMonitor) setCurrentIP(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentIP = ip
}

func (m *ipMonitor) emitChange(e IPChangeEvent) {
	if m.onChange != nil {
		m.onChange(e)
	}
}
