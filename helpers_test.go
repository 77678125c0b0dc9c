// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// newTestReactor creates a reactor driven by an [EventPump] and registers
// cleanup that stops the pump, drains shutdown closures queued by other
// cleanups, and finally closes the reactor.
func newTestReactor(t *testing.T, cfg *Config) *Reactor {
	t.Helper()
	reactor, err := NewReactor(cfg)
	require.NoError(t, err)
	pump := NewEventPump(reactor)
	t.Cleanup(func() {
		pump.Close()
		for range 4 {
			_ = reactor.DispatchOnce()
		}
		_ = reactor.Close()
	})
	return reactor
}

// newTestServer binds an [HTTPServer] with a /ping handler replying
// 200 "pong" on the loopback interface and returns it. Cleanup closes
// the server before the reactor cleanup runs.
func newTestServer(t *testing.T, reactor *Reactor) *HTTPServer {
	t.Helper()
	srv := NewHTTPServer(reactor, nil)
	err := srv.AddHandler("/ping", func(sreq *ServerRequest) {
		sreq.OutputHeaders().Set("Content-Type", "text/plain")
		sreq.OutputBody().WriteString("pong")
		sreq.SendReply(200)
	})
	require.NoError(t, err)
	require.NoError(t, srv.Bind("127.0.0.1", 0))
	t.Cleanup(srv.Close)
	return srv
}

// newSilentListener opens a TCP listener that accepts connections but
// never writes anything back, for exercising timeout paths.
func newSilentListener(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// waitClosed waits for ch to be closed, failing the test after a
// generous deadline so a broken dispatch loop cannot hang the suite.
func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
