package conn

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// socket is the transport under the protocol frontend. In non-blocking mode a Read that finds no data returns
// errWouldBlock instead of waiting. Plain TCP and unix sockets read the descriptor directly; TLS sessions fall back
// to a very short read deadline because decrypted data can only come out of tls.Conn.
type socket struct {
	net.Conn

	raw syscall.RawConn // nil when reads must go through Conn
	fd  int

	nonblocking bool
}

func newSocket(c net.Conn) *socket {
	s := &socket{Conn: c, fd: -1}

	base := c
	if tc, ok := c.(*tls.Conn); ok {
		base = tc.NetConn()
	}
	sc, ok := base.(syscall.Conn)
	if !ok {
		return s
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return s
	}
	_ = rc.Control(func(fd uintptr) {
		s.fd = int(fd)
	})
	if base == c {
		s.raw = rc
	}
	return s
}

func (s *socket) Read(p []byte) (int, error) {
	if !s.nonblocking {
		return s.Conn.Read(p)
	}
	if s.raw != nil {
		return s.readRaw(p)
	}
	return s.readDeadline(p)
}

func (s *socket) readRaw(p []byte) (int, error) {
	var (
		n   int
		err error
	)
	cerr := s.raw.Read(func(fd uintptr) bool {
		n, err = unix.Read(int(fd), p)
		return true
	})
	if cerr != nil {
		return 0, cerr
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *socket) readDeadline(p []byte) (int, error) {
	if err := s.Conn.SetReadDeadline(time.Now().Add(tlsReadWait)); err != nil {
		return 0, err
	}
	n, err := s.Conn.Read(p)
	_ = s.Conn.SetReadDeadline(time.Time{})

	var netErr net.Error
	if err != nil && errors.As(err, &netErr) && netErr.Timeout() {
		if n > 0 {
			return n, nil
		}
		return 0, errWouldBlock
	}
	return n, err
}
