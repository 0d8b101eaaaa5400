// Package pgtest implements a small in-process PostgreSQL backend that speaks enough of the wire protocol to
// drive client tests: startup with trust, cleartext or MD5 authentication, the extended and simple query
// protocols with canned responses, LISTEN and NOTIFY.
package pgtest

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgproto3/v2"
)

// AuthMethod selects how the server authenticates a session.
type AuthMethod int

const (
	AuthTrust AuthMethod = iota
	AuthCleartext
	AuthMD5
)

// Server is a fake PostgreSQL backend listening on a loopback TCP port.
type Server struct {
	ln  net.Listener
	log *slog.Logger

	mu        sync.Mutex
	auth      AuthMethod
	user      string
	password  string
	responses map[string]*Response
	holds     map[string]chan struct{}
	sessions  map[*session]struct{}
	nextPID   uint32
	queries   []string
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithAuth makes the server require a password for user.
func WithAuth(method AuthMethod, user, password string) Option {
	return func(s *Server) {
		s.auth = method
		s.user = user
		s.password = password
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.log = logger
	}
}

// NewServer starts a server on 127.0.0.1 with a random port.
func NewServer(opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:        ln,
		log:       slog.Default(),
		responses: make(map[string]*Response),
		holds:     make(map[string]chan struct{}),
		sessions:  make(map[*session]struct{}),
		nextPID:   1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "pgtest", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

// ConnString returns a keyword/value connection string for the server with TLS disabled.
func (s *Server) ConnString() string {
	user := s.user
	if user == "" {
		user = "pgtest"
	}
	cs := fmt.Sprintf("host=127.0.0.1 port=%d user=%s dbname=pgtest sslmode=disable", s.Addr().Port, user)
	if s.password != "" {
		cs += " password=" + s.password
	}
	return cs
}

// Handle registers the response for sql. Queries without a registered response get an empty SELECT 0 result.
func (s *Server) Handle(sql string, resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[sql] = resp
}

// Hold delays the response for sql until the returned function is called or the server is closed. A later Hold
// of the same sql replaces the earlier one. The release function may be called more than once.
func (s *Server) Hold(sql string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[sql] = ch
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.holds[sql] == ch {
			delete(s.holds, sql)
			close(ch)
		}
	}
}

// Queries returns the statements received so far, in order.
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Notify delivers payload to every session listening on channel, as if pid had executed NOTIFY. It returns the
// number of sessions notified.
func (s *Server) Notify(pid uint32, channel, payload string) int {
	s.mu.Lock()
	var targets []*session
	for sess := range s.sessions {
		if sess.isListening(channel) {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, sess := range targets {
		err := sess.send(&pgproto3.NotificationResponse{PID: pid, Channel: channel, Payload: payload})
		if err == nil {
			n++
		}
	}
	return n
}

// ListenerCount returns the number of sessions listening on channel.
func (s *Server) ListenerCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if sess.isListening(channel) {
			n++
		}
	}
	return n
}

// SessionCount returns the number of sessions currently connected.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropConnections closes every session socket without a protocol goodbye.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// Close stops accepting, drops all sessions and waits for their goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.holds {
		close(ch)
	}
	s.holds = map[string]chan struct{}{}
	s.mu.Unlock()

	err := s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.nextPID++
		sess := &session{
			srv:       s,
			conn:      c,
			backend:   pgproto3.NewBackend(chunkreader.New(c), c),
			pid:       s.nextPID,
			listening: make(map[string]struct{}),
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sess.serve(); err != nil {
				s.log.Debug("session ended", "pid", sess.pid, "error", err)
			}
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
			c.Close()
		}()
	}
}

func (s *Server) lookup(sql string) (*Response, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, sql)
	return s.responses[sql], s.holds[sql]
}

func (s *Server) checkPassword(user, password string, salt [4]byte) bool {
	switch s.auth {
	case AuthCleartext:
		return user == s.user && password == s.password
	case AuthMD5:
		return user == s.user && password == "md5"+hexMD5(hexMD5(s.password+s.user)+string(salt[:]))
	}
	return true
}

func hexMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// unquoteIdent turns a possibly double-quoted SQL identifier into the name the server would use.
func unquoteIdent(ident string) string {
	ident = strings.TrimSpace(ident)
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return strings.ReplaceAll(ident[1:len(ident)-1], `""`, `"`)
	}
	return strings.ToLower(ident)
}
