// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HandlerCallback handles one inbound request on the reactor thread.
// The handler is responsible for replying through
// [ServerRequest.SendReply], either before returning or asynchronously
// later; the connection reads no further request until the reply is
// flushed.
type HandlerCallback func(sreq *ServerRequest)

// serverHandler is one registered path. Entries are heap-allocated and
// never move for the life of the registration, so connection state may
// keep references to them.
type serverHandler struct {
	path string
	cb   HandlerCallback
}

// HTTPServer binds a listening socket on a [Reactor] and maps URL paths
// to handler callbacks invoked per incoming request.
//
// Construct with [NewHTTPServer], register handlers with
// [HTTPServer.AddHandler], then call [HTTPServer.Bind].
type HTTPServer struct {
	reactor *Reactor

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	// handlersMu guards handlers; AddHandler may run on any thread
	// while the reactor thread routes inbound requests.
	handlersMu sync.Mutex
	handlers   map[string]*serverHandler

	// Reactor-thread state.
	lfd      int
	port     uint16
	acceptEv *Event
	conns    map[int]*serverConn
	closed   bool
}

// NewHTTPServer creates a server bound to the given reactor. The cfg
// argument may be nil, in which case [NewConfig] defaults are used.
func NewHTTPServer(reactor *Reactor, cfg *Config) *HTTPServer {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &HTTPServer{
		reactor:       reactor,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        cfg.Logger,
		TimeNow:       cfg.TimeNow,
		handlers:      make(map[string]*serverHandler),
		lfd:           -1,
		conns:         make(map[int]*serverConn),
	}
}

// AddHandler registers a handler for exact-path matching. It returns an
// error, without side effects, when the path is empty or already
// registered. Safe to call from any thread.
func (s *HTTPServer) AddHandler(path string, cb HandlerCallback) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("evhttp: invalid handler path %q", path)
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, ok := s.handlers[path]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, path)
	}
	s.handlers[path] = &serverHandler{path: path, cb: cb}
	return nil
}

// Bind opens the listening socket and starts accepting on the reactor.
// A zero port picks an ephemeral one; see [HTTPServer.Port].
func (s *HTTPServer) Bind(address string, port uint16) error {
	lfd, bound, err := listenStream(address, port)
	if err != nil {
		return err
	}
	s.lfd = lfd
	s.port = bound
	s.Logger.Info(
		"httpServerBind",
		slog.String("address", address),
		slog.Int("port", int(bound)),
		slog.Time("t", s.TimeNow()),
	)
	s.reactor.Add(func() {
		s.acceptEv = NewEvent(s.reactor, s.lfd, EvRead, s.onAcceptReady)
		s.acceptEv.Add(0)
	})
	return nil
}

// Port returns the bound listening port once [HTTPServer.Bind] returned.
func (s *HTTPServer) Port() uint16 {
	return s.port
}

// Close stops accepting, closes all connections, and unregisters all
// handlers. Safe to call from any thread.
func (s *HTTPServer) Close() {
	s.reactor.Add(func() {
		s.closed = true
		if s.acceptEv != nil {
			s.acceptEv.Close()
			s.acceptEv = nil
		}
		if s.lfd >= 0 {
			sockClose(s.lfd)
			s.lfd = -1
		}
		for _, sc := range s.conns {
			sc.close()
		}
		s.conns = make(map[int]*serverConn)
		s.handlersMu.Lock()
		s.handlers = make(map[string]*serverHandler)
		s.handlersMu.Unlock()
	})
}

// lookupHandler finds the handler registered for an exact path.
func (s *HTTPServer) lookupHandler(path string) *serverHandler {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.handlers[path]
}

// onAcceptReady accepts all pending connections. Reactor thread.
func (s *HTTPServer) onAcceptReady(fd int, what Interest) {
	for {
		nfd, err := acceptSocket(s.lfd)
		if err != nil {
			break // EAGAIN or a transient accept failure; retry on next readiness
		}
		sc := &serverConn{srv: s, fd: nfd}
		s.conns[nfd] = sc
		sc.armRead()
	}
	if s.acceptEv != nil {
		s.acceptEv.Add(0)
	}
}

// serverConn is one accepted connection, reading requests and flushing
// replies through reactor events.
type serverConn struct {
	srv  *HTTPServer
	fd   int
	ev   *Event
	rbuf []byte
	wbuf []byte

	// wantClose is set when the current exchange must end the
	// connection (HTTP/1.0 or Connection: close).
	wantClose bool
}

// armRead waits for the next request bytes.
func (sc *serverConn) armRead() {
	sc.detachEvent()
	sc.ev = NewEvent(sc.srv.reactor, sc.fd, EvRead, sc.onReadReady)
	sc.ev.Add(0)
}

// onReadReady accumulates request bytes and dispatches complete requests.
func (sc *serverConn) onReadReady(fd int, what Interest) {
	eof := false
	scratch := make([]byte, readChunkSize)
	for {
		n, err := sockRead(sc.fd, scratch)
		if err != nil {
			if errWouldBlock(err) {
				break
			}
			sc.close()
			return
		}
		if n == 0 {
			eof = true
			break
		}
		sc.rbuf = append(sc.rbuf, scratch[:n]...)
	}
	if eof && len(sc.rbuf) == 0 {
		sc.close()
		return
	}
	sc.serveBuffered(eof)
}

// serveBuffered dispatches the next buffered request when one is
// complete, otherwise it waits for more bytes.
func (sc *serverConn) serveBuffered(eof bool) {
	req, body, rest, needMore, err := parseRequest(sc.rbuf, eof)
	if needMore {
		if eof {
			sc.close()
			return
		}
		sc.armRead()
		return
	}
	if err != nil {
		// Malformed request: answer 400 and end the connection.
		sc.wantClose = true
		sc.startReply(serializeResponse(http.StatusBadRequest, nil, nil, true))
		return
	}
	// Bytes past the parsed message belong to a pipelined follow-up
	// request, served once the reply for this one is flushed.
	sc.rbuf = rest
	sc.detachEvent()
	sc.wantClose = req.Close
	sc.dispatch(req, body)
}

// dispatch routes one parsed request to its handler, or replies 404.
func (sc *serverConn) dispatch(req *http.Request, body []byte) {
	sreq := &ServerRequest{
		conn:       sc,
		method:     req.Method,
		uri:        req.URL.RequestURI(),
		inHeader:   req.Header,
		inBody:     body,
		outHeaders: make(http.Header),
	}
	h := sc.srv.lookupHandler(req.URL.Path)
	sc.srv.Logger.Info(
		"httpServerRequest",
		slog.String("httpMethod", req.Method),
		slog.String("httpUrl", sreq.uri),
		slog.Bool("handled", h != nil),
		slog.Time("t", sc.srv.TimeNow()),
	)
	if h == nil {
		sreq.SendReply(http.StatusNotFound)
		return
	}
	h.cb(sreq)
}

// startReply begins flushing a serialized response.
func (sc *serverConn) startReply(data []byte) {
	sc.wbuf = data
	sc.writeMore()
}

// onWriteReady resumes a partially-flushed reply.
func (sc *serverConn) onWriteReady(fd int, what Interest) {
	sc.writeMore()
}

// writeMore flushes reply bytes; once done it either closes the
// connection or waits for the next request.
func (sc *serverConn) writeMore() {
	for len(sc.wbuf) > 0 {
		n, err := sockWrite(sc.fd, sc.wbuf)
		if err != nil {
			if errWouldBlock(err) {
				sc.detachEvent()
				sc.ev = NewEvent(sc.srv.reactor, sc.fd, EvWrite, sc.onWriteReady)
				sc.ev.Add(0)
				return
			}
			sc.close()
			return
		}
		sc.wbuf = sc.wbuf[n:]
	}
	if sc.wantClose {
		sc.close()
		return
	}
	sc.serveBuffered(false)
}

// detachEvent drops the connection's event registration, if any.
func (sc *serverConn) detachEvent() {
	if sc.ev != nil {
		sc.ev.Close()
		sc.ev = nil
	}
}

// close tears down the connection. Reactor thread only.
func (sc *serverConn) close() {
	sc.detachEvent()
	if sc.fd >= 0 {
		delete(sc.srv.conns, sc.fd)
		sockClose(sc.fd)
		sc.fd = -1
	}
}

// ServerRequest is one inbound request handed to a [HandlerCallback],
// carrying the parsed message and the reply surface.
type ServerRequest struct {
	conn   *serverConn
	method string
	uri    string

	inHeader http.Header
	inBody   []byte

	outHeaders http.Header
	outBody    bytes.Buffer
	replied    bool
}

// Method returns the request method.
func (sreq *ServerRequest) Method() string {
	return sreq.method
}

// URI returns the request target as sent by the client.
func (sreq *ServerRequest) URI() string {
	return sreq.uri
}

// InputHeaders returns the inbound request headers.
func (sreq *ServerRequest) InputHeaders() http.Header {
	return sreq.inHeader
}

// InputBody returns the inbound request body.
func (sreq *ServerRequest) InputBody() []byte {
	return sreq.inBody
}

// OutputHeaders returns the headers used to build the reply.
func (sreq *ServerRequest) OutputHeaders() http.Header {
	return sreq.outHeaders
}

// OutputBody returns the buffer holding the reply body.
func (sreq *ServerRequest) OutputBody() *bytes.Buffer {
	return &sreq.outBody
}

// SendReply sends the response with the given status code, the
// accumulated output headers, and the output body. It may be called at
// most once, from any thread, during or after the handler callback.
func (sreq *ServerRequest) SendReply(status int) {
	sreq.conn.srv.reactor.Add(func() {
		if sreq.replied || sreq.conn.fd < 0 {
			return
		}
		sreq.replied = true
		sreq.conn.startReply(serializeResponse(
			status, sreq.outHeaders, sreq.outBody.Bytes(), sreq.conn.wantClose))
	})
}
