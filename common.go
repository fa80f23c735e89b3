// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import "time"

var (
	// DefaultTimeout specifies a general purpose timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultBrokerURL specifies the public broker used when no broker
	// address is configured.
	DefaultBrokerURL = "https://localtunnel.me"

	// DefaultNegotiationInterval specifies how often negotiation is
	// retried while the broker is unreachable.
	DefaultNegotiationInterval = time.Second

	// DefaultCheckIPInterval specifies how often the public IP is checked.
	DefaultCheckIPInterval = 15 * time.Second
	// MinCheckIPInterval is the lower clamp for CheckIPInterval.
	MinCheckIPInterval = 5 * time.Second

	// DefaultReconnectDelay specifies the fixed delay between reconnect
	// attempts.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultMaxReconnectAttempts specifies the reconnect attempt budget.
	DefaultMaxReconnectAttempts = 5
)
