// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

package tunnel

// RequestEvent is emitted when an HTTP request is observed on a forwarding
// connection. The request itself is forwarded untouched beyond an optional
// Host header rewrite.
type RequestEvent struct {
	Method string
	Path   string
}

// IPChangeEvent is emitted after the client detected a change of its public
// IP and attempted to migrate the session at the broker. On success
// NewIP is the address the session is now bound to, on failure Err carries
// an *IPChangeError describing why migration was rejected.
type IPChangeEvent struct {
	OldIP   string
	NewIP   string
	Success bool
	Err     error
}
