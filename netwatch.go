// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/bep/debounce"

	"github.com/hons82/go-localtunnel/log"
)

var (
	// netwatchSampleInterval specifies how often the watcher samples the
	// wall clock and the interface addresses.
	netwatchSampleInterval = 2 * time.Second
	// netwatchDebounce coalesces bursts of triggers, interface flaps
	// typically produce several address changes in a row.
	netwatchDebounce = 500 * time.Millisecond
)

// networkWatcher fires notify when the host resumes from suspend or its
// network addresses change. Suspend is detected as a wall clock jump across
// a sampling gap, a network change as a different interface address set.
type networkWatcher struct {
	notify func()
	logger log.Logger
	stop   chan struct{}
}

func newNetworkWatcher(notify func(), logger log.Logger) *networkWatcher {
	return &networkWatcher{
		notify: notify,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

func (w *networkWatcher) Start() {
	go w.run()
}

func (w *networkWatcher) Stop() {
	close(w.stop)
}

func (w *networkWatcher) run() {
	fire := debounce.New(netwatchDebounce)

	last := time.Now()
	addrs := addrFingerprint()

	ticker := time.NewTicker(netwatchSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case now := <-ticker.C:
			if now.Sub(last) > 3*netwatchSampleInterval {
				w.logger.Log(
					"level", 2,
					"action", "resume detected",
					"gap", now.Sub(last),
				)
				fire(w.notify)
			}
			last = now

			if fp := addrFingerprint(); fp != addrs {
				if addrs != "" && fp != "" {
					w.logger.Log(
						"level", 2,
						"action", "network change detected",
					)
					fire(w.notify)
				}
				addrs = fp
			}
		}
	}
}

// addrFingerprint returns a stable digest of the host's interface
// addresses, empty when they cannot be listed.
func addrFingerprint() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}

	s := make([]string, 0, len(addrs))
	for _, a := range addrs {
		s = append(s, a.String())
	}
	sort.Strings(s)

	return strings.Join(s, ",")
}
