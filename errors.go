// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"errors"
	"fmt"
	"os"
)

// ErrCancelled is the completion error of a request resolved by
// [HTTPRequest.Cancel].
var ErrCancelled = errors.New("evhttp: request cancelled")

// ErrTimeout is the completion error of a request whose per-request
// timeout elapsed before the exchange finished.
//
// It wraps [os.ErrDeadlineExceeded] so that classifiers and callers
// using [errors.Is] recognize it as a timeout.
var ErrTimeout = fmt.Errorf("evhttp: request timed out: %w", os.ErrDeadlineExceeded)

// ErrConnectionClosed is the completion error of requests still pending
// when their [HTTPConnection] is closed.
var ErrConnectionClosed = errors.New("evhttp: connection closed")

// ErrDuplicateHandler is returned by [HTTPServer.AddHandler] when the
// path is already registered.
var ErrDuplicateHandler = errors.New("evhttp: duplicate handler path")

// ErrNoSuchHost is returned through the [Resolver] callback when the
// queried name has no usable address records.
var ErrNoSuchHost = errors.New("evhttp: no such host")
