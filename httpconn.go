// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// connPhase tracks where the connection's active request currently is.
type connPhase int

const (
	connIdle connPhase = iota
	connResolving
	connConnecting
	connSending
	connReading
)

// readChunkSize is how much a single read syscall may pull in.
const readChunkSize = 32 * 1024

// HTTPConnection is a logical outbound HTTP endpoint bound to one
// [Reactor]. The socket opens lazily at the first request and is reused
// across requests when the server keeps the connection alive.
//
// Requests issued through [HTTPConnection.MakeRequest] are serviced
// strictly in issue order, one exchange in flight at a time; a
// long-hanging request therefore blocks the queue behind it, and
// [HTTPConnection.Clone] is the escape hatch for parallelizing without
// changing destination semantics.
//
// The connection is shared between the caller and in-flight requests;
// all its internal state is mutated only on the reactor thread.
type HTTPConnection struct {
	reactor *Reactor
	host    string
	port    uint16

	// ErrClassifier classifies request failures.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	// timeoutNanos is the per-request timeout, readable from any thread.
	timeoutNanos atomic.Int64

	// Everything below is reactor-thread state.
	fd      int
	phase   connPhase
	ev      *Event
	pending []*HTTPRequest
	active  *HTTPRequest
	wbuf    []byte
	rbuf    []byte
	eof     bool
	closed  bool
}

// NewHTTPConnection creates a connection handle for host:port bound to
// the given reactor. The cfg argument may be nil, in which case
// [NewConfig] defaults are used.
func NewHTTPConnection(reactor *Reactor, host string, port uint16, cfg *Config) *HTTPConnection {
	if cfg == nil {
		cfg = NewConfig()
	}
	c := &HTTPConnection{
		reactor:       reactor,
		host:          host,
		port:          port,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        cfg.Logger,
		TimeNow:       cfg.TimeNow,
		fd:            -1,
	}
	c.timeoutNanos.Store(int64(cfg.Timeout))
	return c
}

// NewHTTPConnectionURI creates a connection handle for the authority of
// an http URI. Only plain http is supported.
func NewHTTPConnectionURI(reactor *Reactor, uri string, cfg *Config) (*HTTPConnection, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("evhttp: bad URI %q: %w", uri, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("evhttp: unsupported URI scheme %q", u.Scheme)
	}
	port := uint16(80)
	if p := u.Port(); p != "" {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("evhttp: bad port in URI %q: %w", uri, err)
		}
		port = uint16(v)
	}
	return NewHTTPConnection(reactor, u.Hostname(), port, cfg), nil
}

// Clone returns a new connection pointing at the same destination but
// with an independent socket, so its requests neither block nor get
// blocked by requests on the receiver.
func (c *HTTPConnection) Clone() *HTTPConnection {
	clone := NewHTTPConnection(c.reactor, c.host, c.port, nil)
	clone.ErrClassifier = c.ErrClassifier
	clone.Logger = c.Logger
	clone.TimeNow = c.TimeNow
	clone.timeoutNanos.Store(c.timeoutNanos.Load())
	return clone
}

// SetTimeout sets the per-request timeout applied to requests issued
// after this call; requests already in flight keep the timeout captured
// when they were issued. The timeout bounds each I/O wait of an
// exchange (connect, send, receive); when it fires the request
// completes with [ErrTimeout] instead of hanging. Zero disables the
// timeout. Safe to call from any thread.
func (c *HTTPConnection) SetTimeout(d time.Duration) {
	c.timeoutNanos.Store(int64(d))
}

// Timeout returns the current per-request timeout.
func (c *HTTPConnection) Timeout() time.Duration {
	return time.Duration(c.timeoutNanos.Load())
}

// MakeRequest binds req to this connection and issues the exchange
// asynchronously. The request must not already be bound elsewhere.
// After this call the caller must not touch req, other than calling
// [HTTPRequest.Cancel], until the completion callback fires. Safe to
// call from any thread.
func (c *HTTPConnection) MakeRequest(req *HTTPRequest, method, uri string) {
	req.bind(c, method, uri, c.Timeout())
	c.reactor.Add(func() { c.enqueue(req) })
}

// Close releases the connection: pending and in-flight requests
// complete with [ErrConnectionClosed] and the socket is closed. Safe to
// call from any thread.
func (c *HTTPConnection) Close() {
	c.reactor.Add(func() {
		c.closed = true
		reqs := c.pending
		c.pending = nil
		if c.active != nil {
			reqs = append([]*HTTPRequest{c.active}, reqs...)
			c.active = nil
		}
		c.closeSocket()
		for _, req := range reqs {
			if req.tryBegin() {
				req.setFailure(c, ErrConnectionClosed)
				req.invokeAndFinish()
			}
		}
	})
}

// enqueue admits a bound request to the service queue. Reactor thread.
func (c *HTTPConnection) enqueue(req *HTTPRequest) {
	if c.closed {
		if req.tryBegin() {
			req.setFailure(c, ErrConnectionClosed)
			req.invokeAndFinish()
		}
		return
	}
	if req.takeCancelled() {
		// Cancelled before the request ever reached the loop.
		req.setFailure(c, ErrCancelled)
		req.invokeAndFinish()
		return
	}
	if !req.isStarted() {
		// The cancellation path owns the completion.
		return
	}
	req.t0 = c.TimeNow()
	c.logRequestStart(req)
	c.pending = append(c.pending, req)
	c.startNext()
}

// startNext begins servicing the next queued request when idle.
func (c *HTTPConnection) startNext() {
	if c.active != nil || len(c.pending) == 0 {
		return
	}
	c.active = c.pending[0]
	c.pending = c.pending[1:]
	if c.fd >= 0 {
		c.beginSend()
		return
	}
	c.beginResolve()
}

// beginResolve resolves the destination host for the active request.
func (c *HTTPConnection) beginResolve() {
	c.phase = connResolving
	req := c.active
	c.reactor.Resolver().LookupHost(c.host, func(addrs []netip.Addr, err error) {
		if c.active != req || c.phase != connResolving {
			return // aborted while the lookup was in flight
		}
		if err != nil {
			c.failActive(err)
			return
		}
		c.beginConnect(addrs[0])
	})
}

// beginConnect starts a nonblocking connect to the resolved address.
func (c *HTTPConnection) beginConnect(addr netip.Addr) {
	fd, err := newStreamSocket(addr.Is6() && !addr.Is4In6())
	if err != nil {
		c.failActive(err)
		return
	}
	c.fd = fd
	if err := connectSocket(fd, addr, c.port); err != nil {
		c.failActive(err)
		return
	}
	c.phase = connConnecting
	c.armEvent(EvWrite, c.onConnectReady)
}

// onConnectReady fires when the connect finished or timed out.
func (c *HTTPConnection) onConnectReady(fd int, what Interest) {
	if what&EvTimeout != 0 {
		c.failActive(ErrTimeout)
		return
	}
	if err := socketError(fd); err != nil {
		c.failActive(err)
		return
	}
	c.beginSend()
}

// beginSend serializes the active request and starts writing it out.
func (c *HTTPConnection) beginSend() {
	c.phase = connSending
	req := c.active
	data, err := serializeRequest(req.method, req.uri, c.hostHeader(), req.outHeaders, req.outBody.Bytes())
	if err != nil {
		c.failActive(err)
		return
	}
	c.wbuf = data
	c.writeMore()
}

// onWriteReady resumes a partially-written request.
func (c *HTTPConnection) onWriteReady(fd int, what Interest) {
	if what&EvTimeout != 0 {
		c.failActive(ErrTimeout)
		return
	}
	c.writeMore()
}

// writeMore pushes out buffered request bytes until done or blocked.
func (c *HTTPConnection) writeMore() {
	for len(c.wbuf) > 0 {
		n, err := sockWrite(c.fd, c.wbuf)
		if err != nil {
			if errWouldBlock(err) {
				c.armEvent(EvWrite, c.onWriteReady)
				return
			}
			c.failActive(err)
			return
		}
		c.wbuf = c.wbuf[n:]
	}
	c.phase = connReading
	c.rbuf = c.rbuf[:0]
	c.eof = false
	c.armEvent(EvRead, c.onReadReady)
}

// onReadReady accumulates response bytes and attempts a parse.
func (c *HTTPConnection) onReadReady(fd int, what Interest) {
	if what&EvTimeout != 0 {
		c.failActive(ErrTimeout)
		return
	}
	scratch := make([]byte, readChunkSize)
	for {
		n, err := sockRead(c.fd, scratch)
		if err != nil {
			if errWouldBlock(err) {
				break
			}
			c.failActive(err)
			return
		}
		if n == 0 {
			c.eof = true
			break
		}
		c.rbuf = append(c.rbuf, scratch[:n]...)
	}
	resp, body, needMore, err := parseResponse(c.rbuf, c.active.method, c.eof)
	if needMore {
		c.armEvent(EvRead, c.onReadReady)
		return
	}
	if err != nil {
		c.failActive(err)
		return
	}
	c.detachEvent()
	req := c.active
	c.active = nil
	if resp.Close || c.eof {
		c.closeSocket()
	} else {
		c.phase = connIdle
		c.rbuf = nil
	}
	c.logRequestDone(req, resp.StatusCode, nil)
	if req.tryBegin() {
		req.setResult(resp.StatusCode, resp.Header, body)
		req.invokeAndFinish()
	}
	c.startNext()
}

// failActive resolves the active request with err and resets the
// socket so the next request reconnects.
func (c *HTTPConnection) failActive(err error) {
	req := c.active
	c.active = nil
	c.closeSocket()
	if req == nil {
		return
	}
	c.logRequestDone(req, 0, err)
	if req.tryBegin() {
		req.setFailure(c, err)
		req.invokeAndFinish()
	}
	c.startNext()
}

// abort detaches a request whose cancellation won the completion race.
// Reactor thread only.
func (c *HTTPConnection) abort(req *HTTPRequest) {
	if c.active == req {
		c.active = nil
		c.closeSocket()
		c.startNext()
		return
	}
	for i, pending := range c.pending {
		if pending == req {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// armEvent replaces the connection's event registration for the
// current phase, applying the active request's timeout.
func (c *HTTPConnection) armEvent(interest Interest, cb EventCallback) {
	c.detachEvent()
	c.ev = NewEvent(c.reactor, c.fd, interest, cb)
	if err := c.ev.Add(c.active.timeout); err != nil {
		c.failActive(err)
	}
}

// detachEvent drops the current event registration, if any.
func (c *HTTPConnection) detachEvent() {
	if c.ev != nil {
		c.ev.Close()
		c.ev = nil
	}
}

// closeSocket tears down the socket and per-exchange buffers.
func (c *HTTPConnection) closeSocket() {
	c.detachEvent()
	if c.fd >= 0 {
		sockClose(c.fd)
		c.fd = -1
	}
	c.phase = connIdle
	c.wbuf = nil
	c.rbuf = nil
	c.eof = false
}

// hostHeader is the Host header value for outgoing requests.
func (c *HTTPConnection) hostHeader() string {
	if c.port == 80 {
		return c.host
	}
	return net.JoinHostPort(c.host, strconv.Itoa(int(c.port)))
}

func (c *HTTPConnection) logRequestStart(req *HTTPRequest) {
	c.Logger.Info(
		"httpRequestStart",
		slog.String("httpMethod", req.method),
		slog.String("httpUrl", req.uri),
		slog.String("remoteHost", c.hostHeader()),
		slog.String("spanID", req.spanID),
		slog.Time("t", req.t0),
	)
}

func (c *HTTPConnection) logRequestDone(req *HTTPRequest, code int, err error) {
	c.Logger.Info(
		"httpRequestDone",
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("httpMethod", req.method),
		slog.Int("httpResponseStatusCode", code),
		slog.String("httpUrl", req.uri),
		slog.String("remoteHost", c.hostHeader()),
		slog.String("spanID", req.spanID),
		slog.Time("t0", req.t0),
		slog.Time("t", c.TimeNow()),
	)
}
