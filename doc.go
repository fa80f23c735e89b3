// Copyright (C) 2017 Michał Matczuk
// Use of this source code is governed by an AGPL-style
// license that can be found in the LICENSE file.

// Package tunnel exposes a local service on the public internet. It
// negotiates a session with a remote broker, keeps a pool of persistent
// forwarding connections that relay traffic between the broker and the
// local service, and keeps the session addressable when the client's
// public IP changes.
package tunnel
