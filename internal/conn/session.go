package conn

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgproto3/v2"

	"pgasync/internal/cfg"
)

// Notification is a LISTEN/NOTIFY message received on a session.
type Notification struct {
	PID     uint32 // backend pid of the notifying session
	Channel string
	Payload string
}

// Session is one synchronous protocol session with a PostgreSQL server. Commands are submitted without waiting
// for the reply; the reply is collected by calling ConsumeInput whenever the socket is readable and then
// FetchResult once IsBusy reports false. A Session is not safe for concurrent use: at most one goroutine may drive
// it at a time.
type Session struct {
	sock     *socket
	cr       *chunkreader.ChunkReader
	frontend *pgproto3.Frontend
	config   *cfg.Config
	host     string
	log      *slog.Logger

	pid               uint32 // backend pid
	secretKey         uint32 // key to use to send a cancel query message to the server
	parameterStatuses map[string]string
	txStatus          byte
	status            byte

	wBuf []byte

	current       *RawResult
	completed     []*RawResult
	notifications []*Notification
}

// Socket returns the descriptor to wait on for readiness, or -1 when the transport has none.
func (s *Session) Socket() int {
	if s.status == statusClosed {
		return -1
	}
	return s.sock.fd
}

// PID returns the backend PID.
func (s *Session) PID() uint32 {
	return s.pid
}

// SecretKey returns the key used to cancel queries running on this session.
func (s *Session) SecretKey() uint32 {
	return s.secretKey
}

// ParameterStatus returns the value of a parameter reported by the server, e.g. server_version.
func (s *Session) ParameterStatus(name string) string {
	return s.parameterStatuses[name]
}

// TxStatus returns the transaction status byte of the last ReadyForQuery.
func (s *Session) TxStatus() byte {
	return s.txStatus
}

// IsClosed reports whether the session has been closed or broken.
func (s *Session) IsClosed() bool {
	return s.status == statusClosed
}

// IsBusy reports whether a submitted command has not been concluded by ReadyForQuery yet.
func (s *Session) IsBusy() bool {
	return s.status == statusBusy
}

// SubmitQuery sends sql with the extended query protocol and returns without waiting for the reply. All result
// columns are requested in resultFormat.
func (s *Session) SubmitQuery(sql string, params *Params, resultFormat int16) error {
	switch s.status {
	case statusIdle:
	case statusClosed:
		return ErrClosed
	default:
		return ErrBusy
	}

	bind := &pgproto3.Bind{ResultFormatCodes: []int16{resultFormat}}
	parse := &pgproto3.Parse{Query: sql}
	if params != nil {
		parse.ParameterOIDs = params.OIDs
		bind.ParameterFormatCodes = params.Formats
		bind.Parameters = params.Values
	}

	s.wBuf = s.wBuf[:0]
	s.wBuf = parse.Encode(s.wBuf)
	s.wBuf = bind.Encode(s.wBuf)
	s.wBuf = (&pgproto3.Describe{ObjectType: 'P'}).Encode(s.wBuf)
	s.wBuf = (&pgproto3.Execute{}).Encode(s.wBuf)
	s.wBuf = (&pgproto3.Sync{}).Encode(s.wBuf)

	if err := s.write(s.wBuf); err != nil {
		return err
	}

	s.current = newRawResult()
	s.status = statusBusy
	return nil
}

// ConsumeInput reads and processes whatever the server has sent so far. It never blocks. Once it returns an error
// the session is closed.
func (s *Session) ConsumeInput() error {
	if s.status == statusClosed {
		return ErrClosed
	}

	s.sock.nonblocking = true
	defer func() { s.sock.nonblocking = false }()

	for {
		msg, err := s.receiveMessage()
		if err == errWouldBlock {
			return nil
		}
		if err != nil {
			s.failCurrent(err)
			return err
		}
		s.handleMessage(msg)
	}
}

// FetchResult returns the next concluded result, or nil when there is none. The caller owns the result and must
// Release it.
func (s *Session) FetchResult() *RawResult {
	if len(s.completed) == 0 {
		return nil
	}
	r := s.completed[0]
	s.completed[0] = nil
	s.completed = s.completed[1:]
	return r
}

// NextNotification returns the next queued notification, or nil.
func (s *Session) NextNotification() *Notification {
	if len(s.notifications) == 0 {
		return nil
	}
	n := s.notifications[0]
	s.notifications[0] = nil
	s.notifications = s.notifications[1:]
	return n
}

// Exec runs sql with the simple query protocol and blocks until the server is ready again. It is meant for
// single utility statements such as LISTEN. The returned result must be released by the caller, also when the
// error is a server error.
func (s *Session) Exec(ctx context.Context, sql string) (*RawResult, error) {
	switch s.status {
	case statusIdle:
	case statusClosed:
		return nil, ErrClosed
	default:
		return nil, ErrBusy
	}

	stop := s.watchContext(ctx)
	defer stop()

	s.wBuf = (&pgproto3.Query{String: sql}).Encode(s.wBuf[:0])
	if err := s.write(s.wBuf); err != nil {
		return nil, normalizeTimeout(ctx, err)
	}

	s.current = newRawResult()
	s.status = statusBusy
	for s.status == statusBusy {
		msg, err := s.receiveMessage()
		if err != nil {
			s.failCurrent(err)
			if r := s.FetchResult(); r != nil {
				r.Release()
			}
			// a timed out session is left mid-response
			s.Close()
			return nil, normalizeTimeout(ctx, err)
		}
		s.handleMessage(msg)
	}

	r := s.FetchResult()
	if r == nil {
		return nil, ErrClosed
	}
	return r, r.Err()
}

// Close sends Terminate and closes the socket. It is safe to call more than once.
func (s *Session) Close() error {
	if s.status == statusClosed {
		return nil
	}
	s.status = statusClosed

	_ = s.sock.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = s.sock.Write((&pgproto3.Terminate{}).Encode(nil))
	err := s.sock.Close()

	s.dropPending()
	s.log.Debug("session closed", "pid", s.pid)
	return err
}

func (s *Session) write(buf []byte) error {
	n, err := s.sock.Write(buf)
	if err != nil {
		s.status = statusClosed
		s.sock.Close()
		return &writeError{err: err, sent: n > 0}
	}
	return nil
}

// failCurrent concludes an in-flight command with a transport error so the caller still gets a result.
func (s *Session) failCurrent(err error) {
	if s.current == nil {
		return
	}
	s.current.concludeCommand("", err)
	s.completed = append(s.completed, s.current)
	s.current = nil
}

func (s *Session) dropPending() {
	if s.current != nil {
		s.current.Release()
		s.current = nil
	}
}

// watchContext applies ctx's deadline to the socket and interrupts blocking I/O when ctx is canceled.
func (s *Session) watchContext(ctx context.Context) func() {
	if ctx == nil || ctx.Done() == nil {
		return func() {}
	}
	nc := s.sock.Conn
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
			_ = nc.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()

	return func() {
		close(done)
		<-finished
		_ = nc.SetDeadline(time.Time{})
	}
}
