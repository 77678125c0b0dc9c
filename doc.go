// SPDX-License-Identifier: GPL-3.0-or-later

// Package evhttp provides an asynchronous HTTP client and server driven by a
// single-threaded reactor that other goroutines submit work to.
//
// # Core Abstraction
//
// The package is built around the [Reactor], an event loop with strict thread
// affinity: every I/O callback, timer firing, and HTTP completion runs on the
// one thread currently driving the loop. Other threads never touch
// reactor-owned state directly; they communicate through:
//
//	func (r *Reactor) Add(closure func())
//
// which enqueues the closure on a cross-thread queue and wakes the loop
// through a dedicated eventfd. Closures submitted from a single thread run in
// submission order, each exactly once.
//
// # Available Primitives
//
// Event loop:
//   - [Reactor]: the loop itself ([Reactor.Dispatch], [Reactor.DispatchOnce],
//     [Reactor.Add], [Reactor.Delay], thread-affinity assertions)
//   - [Event]: one armed (descriptor, interest) registration with an optional
//     timeout and a callback
//   - [Task]: a completion handle scheduled via [Reactor.Delay]
//   - [EventPump]: a dedicated background thread repeatedly driving one
//     non-blocking loop iteration
//
// HTTP:
//   - [HTTPConnection]: a logical outbound endpoint bound to one reactor;
//     requests on one connection are serviced strictly in order, and
//     [HTTPConnection.Clone] yields an independently-socketed handle for
//     parallelizing around long-hanging requests
//   - [HTTPRequest]: one outstanding exchange with an exactly-once completion
//     callback; [HTTPRequest.Cancel] is safe from any thread and does not
//     return while a completion callback is still running
//   - [HTTPServer]: a listening socket with exact-path handlers invoked on
//     the reactor thread
//
// DNS resolution:
//   - [Resolver]: created lazily by [Reactor.Resolver] and shared by all
//     connections; resolves names off-thread and delivers results on the
//     reactor thread
//
// # Lifetime Rules
//
// An in-flight [HTTPRequest] is kept alive by the registry slot of its
// connection from the moment [HTTPConnection.MakeRequest] binds it until its
// completion callback returns; the request in turn holds its connection for
// the same window. Once the callback returns the request is invalid except
// for disposal. There is exactly one completion-callback invocation per
// request, whether it resolves by success, failure, timeout, or cancellation.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default logging is disabled. Operations emit paired span
// events (httpRequestStart/httpRequestDone, dnsLookupStart/dnsLookupDone)
// carrying t0, t, err, and errClass attributes. Use [NewSpanID] to generate a
// time-ordered identifier correlating all events of one request.
//
// Error classification is configurable via [ErrClassifier]; the default maps
// errors to categorical strings through the errclass package, and the same
// classification is exposed on completed requests via [HTTPRequest.ErrClass].
//
// # Design Boundaries
//
// The package drives, rather than reimplements, its lower layers: I/O
// multiplexing is epoll (Linux only), parsing and serialization of HTTP wire
// messages is delegated to [net/http], and DNS wire format to
// github.com/miekg/dns. TLS is out of scope; connections are plain TCP.
package evhttp
