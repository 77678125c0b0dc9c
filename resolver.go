// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// resolvConfPath is where the system resolver configuration lives.
const resolvConfPath = "/etc/resolv.conf"

// resolverQueryTimeout bounds a single DNS exchange.
const resolverQueryTimeout = 5 * time.Second

// Exchanger performs one DNS exchange with the configured server.
//
// The seam exists for unit testing; the default implementation dials
// the server through the [Dialer] from [Config] and drives the wire
// format with github.com/miekg/dns.
type Exchanger interface {
	Exchange(query *dns.Msg, serverAddr string) (*dns.Msg, error)
}

// Resolver resolves host names for HTTP connections sharing a reactor.
//
// It is created lazily, once, by [Reactor.Resolver]. Lookups run on a
// worker thread because the exchange blocks; results are always
// delivered on the reactor thread via [Reactor.Add].
//
// All fields are safe to modify after construction but before first use.
type Resolver struct {
	// Exchanger performs the DNS exchange.
	//
	// Set by the reactor to a dialing exchanger using [Config.Dialer].
	Exchanger Exchanger

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by the reactor from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by the reactor from [Config.Logger].
	Logger SLogger

	// ServerAddr is the "host:port" of the DNS server.
	//
	// Set by the reactor from /etc/resolv.conf, falling back to
	// 127.0.0.1:53 when the file cannot be read.
	ServerAddr string

	// TimeNow is the function to get the current time.
	//
	// Set by the reactor from [Config.TimeNow].
	TimeNow func() time.Time

	// reactor is where results are delivered.
	reactor *Reactor
}

// newResolver creates the resolver shared by a reactor's connections.
func newResolver(reactor *Reactor, cfg *Config) *Resolver {
	server := "127.0.0.1:53"
	if cc, err := dns.ClientConfigFromFile(resolvConfPath); err == nil && len(cc.Servers) > 0 {
		server = netJoinHostPort(cc.Servers[0], cc.Port)
	}
	return &Resolver{
		Exchanger:     &dialExchanger{dialer: cfg.Dialer, logger: cfg.Logger},
		ErrClassifier: cfg.ErrClassifier,
		Logger:        cfg.Logger,
		ServerAddr:    server,
		TimeNow:       cfg.TimeNow,
		reactor:       reactor,
	}
}

// netJoinHostPort joins host and port, bracketing IPv6 literals.
func netJoinHostPort(host, port string) string {
	if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() {
		return fmt.Sprintf("[%s]:%s", host, port)
	}
	return fmt.Sprintf("%s:%s", host, port)
}

// LookupHost resolves host to IP addresses and invokes cb on the
// reactor thread with either a non-empty address list or an error,
// never both. IP literals short-circuit without a DNS exchange.
// Safe to call from any thread.
func (rv *Resolver) LookupHost(host string, cb func(addrs []netip.Addr, err error)) {
	if addr, err := netip.ParseAddr(host); err == nil {
		rv.reactor.Add(func() { cb([]netip.Addr{addr}, nil) })
		return
	}
	go func() {
		addrs, err := rv.lookupA(host)
		rv.reactor.Add(func() { cb(addrs, err) })
	}()
}

// lookupA performs a blocking A-record lookup.
func (rv *Resolver) lookupA(host string) ([]netip.Addr, error) {
	t0 := rv.TimeNow()
	rv.logLookupStart(host, t0)

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(host), dns.TypeA)
	resp, err := rv.Exchanger.Exchange(query, rv.ServerAddr)

	var addrs []netip.Addr
	if err == nil {
		if resp.Rcode != dns.RcodeSuccess {
			err = fmt.Errorf("%w: %s: %s", ErrNoSuchHost, host, dns.RcodeToString[resp.Rcode])
		} else {
			for _, rr := range resp.Answer {
				if a, ok := rr.(*dns.A); ok {
					if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
						addrs = append(addrs, addr)
					}
				}
			}
			if len(addrs) < 1 {
				err = fmt.Errorf("%w: %s", ErrNoSuchHost, host)
			}
		}
	}

	rv.logLookupDone(host, t0, addrs, err)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

func (rv *Resolver) logLookupStart(host string, t0 time.Time) {
	rv.Logger.Info(
		"dnsLookupStart",
		slog.String("hostname", host),
		slog.String("serverAddr", rv.ServerAddr),
		slog.Time("t", t0),
	)
}

func (rv *Resolver) logLookupDone(host string, t0 time.Time, addrs []netip.Addr, err error) {
	rv.Logger.Info(
		"dnsLookupDone",
		slog.Any("addrs", addrs),
		slog.Any("err", err),
		slog.String("errClass", rv.ErrClassifier.Classify(err)),
		slog.String("hostname", host),
		slog.String("serverAddr", rv.ServerAddr),
		slog.Time("t0", t0),
		slog.Time("t", rv.TimeNow()),
	)
}

// dialExchanger is the default [Exchanger]: dial the server over UDP
// with the configured [Dialer], then run the exchange on that
// connection with a miekg/dns client.
type dialExchanger struct {
	dialer Dialer
	logger SLogger
}

var _ Exchanger = &dialExchanger{}

// Exchange implements [Exchanger].
func (dx *dialExchanger) Exchange(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resolverQueryTimeout)
	defer cancel()
	conn, err := dx.dialer.DialContext(ctx, "udp", serverAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	dx.logger.Debug(
		"dnsExchange",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
	)
	client := &dns.Client{Net: "udp", Timeout: resolverQueryTimeout}
	resp, _, err := client.ExchangeWithConnContext(ctx, query, &dns.Conn{Conn: conn})
	return resp, err
}
