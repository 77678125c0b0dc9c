// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way. In this package each [HTTPRequest] is a span: the request's start
// and done log events, and the DNS lookup it triggers, all carry the same
// span ID, enabling correlation across the exchange.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
