// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrClientClosed is returned by operations invoked after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrReconnectExhausted is reported once the bounded reconnect budget
	// is spent. The session is terminal, manual intervention is required.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// SubdomainConflictError is returned when the requested subdomain is already
// claimed. It is never retried, the caller must pick a different subdomain.
type SubdomainConflictError struct {
	Subdomain string
	Message   string
}

func (e *SubdomainConflictError) Error() string {
	return fmt.Sprintf("subdomain %q not available: %s", e.Subdomain, e.Message)
}

// ServerError is returned when the broker rejects negotiation with a
// non-success, non-conflict status.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("broker error (status %d): %s", e.StatusCode, e.Message)
}

// IPChangeKind classifies broker responses to an IP change notification.
type IPChangeKind int

// Known IP change failure kinds.
const (
	IPChangeFailed IPChangeKind = iota
	TunnelExpired
	IPMismatch
	TunnelConflict
)

func (k IPChangeKind) String() string {
	switch k {
	case TunnelExpired:
		return "tunnel expired"
	case IPMismatch:
		return "ip mismatch"
	case TunnelConflict:
		return "tunnel conflict"
	default:
		return "ip change failed"
	}
}

// IPChangeError is returned when the broker could not be notified of an IP
// change, or rejected the notification.
type IPChangeError struct {
	Kind    IPChangeKind
	Message string
}

func (e *IPChangeError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
