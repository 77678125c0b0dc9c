// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcExchanger adapts a function to the [Exchanger] interface.
type funcExchanger func(query *dns.Msg, serverAddr string) (*dns.Msg, error)

// Exchange implements [Exchanger].
func (f funcExchanger) Exchange(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
	return f(query, serverAddr)
}

// lookupResult collects what LookupHost delivered to its callback.
type lookupResult struct {
	addrs    []netip.Addr
	err      error
	onThread bool
}

// lookup runs LookupHost and waits for the callback delivery.
func lookup(t *testing.T, reactor *Reactor, rv *Resolver, host string) lookupResult {
	t.Helper()
	var res lookupResult
	done := make(chan struct{})
	rv.LookupHost(host, func(addrs []netip.Addr, err error) {
		res = lookupResult{addrs: addrs, err: err, onThread: reactor.OnEventThread()}
		close(done)
	})
	waitClosed(t, done)
	return res
}

// LookupHost resolves names through the exchanger and delivers results
// on the reactor thread.
func TestResolverLookupHost(t *testing.T) {
	t.Run("IP literal short-circuits without an exchange", func(t *testing.T) {
		reactor := newTestReactor(t, nil)
		rv := reactor.Resolver()
		rv.Exchanger = funcExchanger(func(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
			t.Error("unexpected DNS exchange for an IP literal")
			return nil, errors.New("unreachable")
		})

		res := lookup(t, reactor, rv, "127.0.0.1")

		require.NoError(t, res.err)
		require.Len(t, res.addrs, 1)
		assert.Equal(t, netip.MustParseAddr("127.0.0.1"), res.addrs[0])
		assert.True(t, res.onThread)
	})

	t.Run("A records from the exchanger become addresses", func(t *testing.T) {
		reactor := newTestReactor(t, nil)
		rv := reactor.Resolver()
		rv.Exchanger = funcExchanger(func(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
			// Note: this runs on a resolver worker goroutine, so we must
			// not use require here.
			assert.Len(t, query.Question, 1)
			assert.Equal(t, "example.com.", query.Question[0].Name)
			assert.Equal(t, dns.TypeA, query.Question[0].Qtype)
			rr, err := dns.NewRR("example.com. 300 IN A 93.184.216.34")
			assert.NoError(t, err)
			resp := new(dns.Msg)
			resp.SetReply(query)
			resp.Answer = []dns.RR{rr}
			return resp, nil
		})

		res := lookup(t, reactor, rv, "example.com")

		require.NoError(t, res.err)
		require.Len(t, res.addrs, 1)
		assert.Equal(t, netip.MustParseAddr("93.184.216.34"), res.addrs[0])
		assert.True(t, res.onThread)
	})

	t.Run("NXDOMAIN maps to ErrNoSuchHost", func(t *testing.T) {
		reactor := newTestReactor(t, nil)
		rv := reactor.Resolver()
		rv.Exchanger = funcExchanger(func(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
			resp := new(dns.Msg)
			resp.SetReply(query)
			resp.Rcode = dns.RcodeNameError
			return resp, nil
		})

		res := lookup(t, reactor, rv, "nonexistent.invalid")

		assert.ErrorIs(t, res.err, ErrNoSuchHost)
		assert.Empty(t, res.addrs)
	})

	t.Run("a response without A records maps to ErrNoSuchHost", func(t *testing.T) {
		reactor := newTestReactor(t, nil)
		rv := reactor.Resolver()
		rv.Exchanger = funcExchanger(func(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
			resp := new(dns.Msg)
			resp.SetReply(query)
			return resp, nil
		})

		res := lookup(t, reactor, rv, "example.com")

		assert.ErrorIs(t, res.err, ErrNoSuchHost)
		assert.Empty(t, res.addrs)
	})

	t.Run("exchange errors propagate", func(t *testing.T) {
		reactor := newTestReactor(t, nil)
		rv := reactor.Resolver()
		wantErr := errors.New("mocked exchange error")
		rv.Exchanger = funcExchanger(func(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
			return nil, wantErr
		})

		res := lookup(t, reactor, rv, "example.com")

		assert.ErrorIs(t, res.err, wantErr)
		assert.Empty(t, res.addrs)
	})
}

// The default exchanger dials the DNS server through the configured
// dialer and surfaces dial failures.
func TestDialExchanger(t *testing.T) {
	wantErr := errors.New("mocked dial error")
	dx := &dialExchanger{
		dialer: &netstub.FuncDialer{
			DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
				assert.Equal(t, "udp", network)
				assert.Equal(t, "127.0.0.1:53", address)
				return nil, wantErr
			},
		},
		logger: DefaultSLogger(),
	}

	query := new(dns.Msg)
	query.SetQuestion("example.com.", dns.TypeA)
	resp, err := dx.Exchange(query, "127.0.0.1:53")

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, wantErr)
}

// netJoinHostPort brackets IPv6 literals and leaves everything else alone.
func TestNetJoinHostPort(t *testing.T) {
	assert.Equal(t, "8.8.8.8:53", netJoinHostPort("8.8.8.8", "53"))
	assert.Equal(t, "[2001:4860:4860::8888]:53", netJoinHostPort("2001:4860:4860::8888", "53"))
	assert.Equal(t, "localhost:53", netJoinHostPort("localhost", "53"))
}
