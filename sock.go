// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package evhttp

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// listenBacklog is the listen(2) backlog used by [HTTPServer.Bind].
const listenBacklog = 128

// newStreamSocket creates a nonblocking TCP socket for the given address
// family.
func newStreamSocket(v6 bool) (int, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("evhttp: socket: %w", err)
	}
	return fd, nil
}

// sockaddrFor converts an address and port to the matching [unix.Sockaddr].
func sockaddrFor(addr netip.Addr, port uint16) unix.Sockaddr {
	if addr.Is4() || addr.Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(port)}
		sa.Addr = addr.Unmap().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	sa.Addr = addr.As16()
	return sa
}

// connectSocket starts a nonblocking connect. A nil error means the
// connection either completed immediately or is in progress; completion
// is observed through writability plus [socketError].
func connectSocket(fd int, addr netip.Addr, port uint16) error {
	err := unix.Connect(fd, sockaddrFor(addr, port))
	if err == nil || err == unix.EINPROGRESS {
		return nil
	}
	return fmt.Errorf("evhttp: connect: %w", err)
}

// socketError reads and clears the pending socket error, used after a
// nonblocking connect becomes writable.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("evhttp: getsockopt: %w", err)
	}
	if v != 0 {
		return fmt.Errorf("evhttp: connect: %w", unix.Errno(v))
	}
	return nil
}

// listenStream creates a nonblocking listening socket bound to the given
// address and port. Port zero picks an ephemeral port; the bound port is
// returned.
func listenStream(address string, port uint16) (int, uint16, error) {
	if address == "" {
		address = "0.0.0.0"
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return -1, 0, fmt.Errorf("evhttp: bad bind address %q: %w", address, err)
	}
	fd, err := newStreamSocket(addr.Is6() && !addr.Is4In6())
	if err != nil {
		return -1, 0, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("evhttp: setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sockaddrFor(addr, port)); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("evhttp: bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("evhttp: listen: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("evhttp: getsockname: %w", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		port = uint16(sa.Port)
	case *unix.SockaddrInet6:
		port = uint16(sa.Port)
	}
	return fd, port, nil
}

// acceptSocket accepts one pending connection as a nonblocking socket.
func acceptSocket(lfd int) (int, error) {
	nfd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}

// sockRead reads from a nonblocking socket. A zero count with nil error
// means the peer closed the connection.
func sockRead(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// sockWrite writes to a nonblocking socket.
func sockWrite(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// sockClose closes a socket descriptor.
func sockClose(fd int) error {
	return unix.Close(fd)
}

// errWouldBlock reports whether err means the operation would block and
// should be retried once the descriptor is ready again.
func errWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
