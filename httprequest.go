// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// reqState tags the request lifecycle.
//
// The legal transitions are Unstarted -> Started -> Completing -> Done.
// Whoever wins the Started -> Completing transition owns the single
// completion-callback invocation; everyone else waits for Done.
type reqState int

const (
	reqUnstarted reqState = iota
	reqStarted
	reqCompleting
	reqDone
)

// RequestCallback is the completion callback of an [HTTPRequest]. It
// runs on the reactor thread, exactly once per request. Once it returns
// the request is invalid except for disposal.
type RequestCallback func(req *HTTPRequest)

// HTTPRequest is one outstanding asynchronous HTTP exchange.
//
// Construct with [NewHTTPRequest], then hand it to
// [HTTPConnection.MakeRequest]. After that, the only method a caller may
// use until the completion callback fires is [HTTPRequest.Cancel].
//
// The request holds a back-reference to its connection from start until
// completion, and occupies its connection's in-flight registry slot for
// the same window; the single removal path is the completion itself, so
// "exactly one release" holds by construction.
type HTTPRequest struct {
	mu   sync.Mutex
	cond *sync.Cond

	state     reqState
	cancelled bool

	callback RequestCallback
	conn     *HTTPConnection
	spanID   string

	method  string
	uri     string
	timeout time.Duration
	t0      time.Time

	outHeaders http.Header
	outBody    bytes.Buffer

	code     int
	inHeader http.Header
	inBody   []byte
	err      error
	errClass string
}

// NewHTTPRequest creates an unstarted request with a completion callback.
func NewHTTPRequest(callback RequestCallback) *HTTPRequest {
	req := &HTTPRequest{
		callback:   callback,
		spanID:     NewSpanID(),
		outHeaders: make(http.Header),
	}
	req.cond = sync.NewCond(&req.mu)
	return req
}

// OutputHeaders returns the headers used to build the outgoing message.
// Mutate only before [HTTPConnection.MakeRequest].
func (req *HTTPRequest) OutputHeaders() http.Header {
	return req.outHeaders
}

// OutputBody returns the buffer holding the outgoing message body.
// Mutate only before [HTTPConnection.MakeRequest].
func (req *HTTPRequest) OutputBody() *bytes.Buffer {
	return &req.outBody
}

// ResponseCode returns the response status code, or zero when the
// exchange failed before a response arrived. Valid once the completion
// callback runs.
func (req *HTTPRequest) ResponseCode() int {
	return req.code
}

// InputHeaders returns the response headers. Valid once the completion
// callback runs.
func (req *HTTPRequest) InputHeaders() http.Header {
	return req.inHeader
}

// InputBody returns the response body. Valid once the completion
// callback runs.
func (req *HTTPRequest) InputBody() []byte {
	return req.inBody
}

// Err returns the failure that resolved the request: nil on success,
// [ErrTimeout], [ErrCancelled], or a transport/protocol error. Valid
// once the completion callback runs.
func (req *HTTPRequest) Err() error {
	return req.err
}

// ErrClass returns the classification of [HTTPRequest.Err] produced by
// the connection's [ErrClassifier] (empty on success).
func (req *HTTPRequest) ErrClass() string {
	return req.errClass
}

// SpanID returns the identifier correlating this request's log events.
func (req *HTTPRequest) SpanID() string {
	return req.spanID
}

// Cancel resolves the request as cancelled. It may be called from any
// thread at any time once the request started.
//
// Exactly one completion-callback invocation happens regardless of the
// race between cancellation and natural completion, and Cancel does not
// return while a completion callback is still running on another
// thread: it blocks until that callback finished. Two exceptions avoid
// self-deadlock on the reactor thread itself: there the cancelled
// completion runs synchronously, and a reentrant Cancel from inside the
// completion callback returns immediately.
func (req *HTTPRequest) Cancel() {
	req.mu.Lock()
	req.cancelled = true
	switch req.state {
	case reqUnstarted, reqDone:
		req.mu.Unlock()

	case reqStarted:
		req.state = reqCompleting
		conn := req.conn
		req.mu.Unlock()
		if conn.reactor.OnEventThread() {
			req.completeCancelled()
			return
		}
		conn.reactor.Add(func() { req.completeCancelled() })
		req.waitDone()

	case reqCompleting:
		// Completion in progress elsewhere. From the reactor thread
		// this can only be the callback cancelling itself.
		if req.conn != nil && req.conn.reactor.OnEventThread() {
			req.mu.Unlock()
			return
		}
		req.mu.Unlock()
		req.waitDone()
	}
}

// waitDone blocks until the state reaches Done.
func (req *HTTPRequest) waitDone() {
	req.mu.Lock()
	for req.state != reqDone {
		req.cond.Wait()
	}
	req.mu.Unlock()
}

// bind attaches the request to a connection, capturing the connection's
// timeout at issue time. Panics when the request was already started,
// which is a contract violation.
func (req *HTTPRequest) bind(conn *HTTPConnection, method, uri string, timeout time.Duration) {
	req.mu.Lock()
	defer req.mu.Unlock()
	// Invariant: a request binds to exactly one connection, exactly once.
	// MakeRequest documents that a bound request must not be reused.
	runtimex.Assert(req.state == reqUnstarted && req.conn == nil)
	req.state = reqStarted
	req.conn = conn
	req.method = method
	req.uri = uri
	req.timeout = timeout
}

// takeCancelled claims the completion of a request that was cancelled
// before it reached the reactor. Returns true when the caller now owns
// the cancelled completion.
func (req *HTTPRequest) takeCancelled() bool {
	req.mu.Lock()
	defer req.mu.Unlock()
	if !req.cancelled || req.state != reqStarted {
		return false
	}
	req.state = reqCompleting
	return true
}

// isStarted reports whether the request is still in the Started state.
func (req *HTTPRequest) isStarted() bool {
	req.mu.Lock()
	defer req.mu.Unlock()
	return req.state == reqStarted
}

// tryBegin attempts the Started -> Completing transition. The winner
// owns the completion-callback invocation.
func (req *HTTPRequest) tryBegin() bool {
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.state != reqStarted {
		return false
	}
	req.state = reqCompleting
	return true
}

// completeCancelled runs on the reactor thread after Cancel won the
// completion race: detach from the connection, then invoke the callback
// with the cancelled outcome.
func (req *HTTPRequest) completeCancelled() {
	req.mu.Lock()
	conn := req.conn
	req.mu.Unlock()
	conn.abort(req)
	req.setFailure(conn, ErrCancelled)
	req.invokeAndFinish()
}

// setResult records a successful exchange outcome.
func (req *HTTPRequest) setResult(code int, header http.Header, body []byte) {
	req.code = code
	req.inHeader = header
	req.inBody = body
}

// setFailure records a failed exchange outcome and its classification.
func (req *HTTPRequest) setFailure(conn *HTTPConnection, err error) {
	req.err = err
	req.errClass = conn.ErrClassifier.Classify(err)
}

// invokeAndFinish runs the completion callback and then transitions to
// Done, releasing the self and connection references and waking any
// thread blocked in Cancel. This is the single removal path out of the
// in-flight registry.
func (req *HTTPRequest) invokeAndFinish() {
	if req.callback != nil {
		req.callback(req)
	}
	req.mu.Lock()
	req.state = reqDone
	req.conn = nil
	req.cond.Broadcast()
	req.mu.Unlock()
}
