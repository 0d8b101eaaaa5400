package pgasync

import (
	"errors"
	"fmt"

	"pgasync/internal/conn"
)

var (
	// ErrBusy is returned by QueryParams while another query is in flight on the same Connection. The query is
	// not queued; retry after the in-flight query completes.
	ErrBusy = errors.New("pgasync: connection busy")
	// ErrClosed is returned for operations on a closed Connection and delivered to a callback whose query was
	// in flight when the Connection was closed.
	ErrClosed = errors.New("pgasync: connection closed")
	// ErrLoopStopped is returned for queries submitted after the EventLoop has stopped.
	ErrLoopStopped = errors.New("pgasync: event loop stopped")
	// ErrEmptyQuery is returned by QueryParams for an empty SQL text.
	ErrEmptyQuery = errors.New("pgasync: empty query")
	// ErrInvalidFormat is returned by QueryParams for a result format other than Text or Binary.
	ErrInvalidFormat = errors.New("pgasync: invalid result format")
	// ErrArgsLimit is returned when more arguments are passed than the protocol can bind.
	ErrArgsLimit = errors.New("pgasync: args limit")
)

// ConnectError reports that a session could not reach Ready: malformed parameters, network failure, failed
// authentication or timeout.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return "pgasync: connect: " + e.Reason
	}
	return fmt.Sprintf("pgasync: connect: %s: %v", e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// QueryError is delivered to a completion callback when the server rejected the query or the session failed
// while it was in flight.
type QueryError struct {
	SQL string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("pgasync: query %q: %v", e.SQL, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// PgError returns the server error behind e, or nil for transport failures.
func (e *QueryError) PgError() *conn.PgError {
	var pgErr *conn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr
	}
	return nil
}

// ParamCountError is returned by QueryParams when the number of arguments does not match the highest $n
// placeholder in the SQL text.
type ParamCountError struct {
	Placeholders int
	Args         int
}

func (e *ParamCountError) Error() string {
	return fmt.Sprintf("pgasync: query has %d placeholders but %d arguments were given", e.Placeholders, e.Args)
}

// AccessError reports misuse of a Result accessor. The Result stays usable for other columns and rows.
type AccessError struct {
	Col    int
	Reason string
	Err    error
}

func (e *AccessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pgasync: column %d: %s", e.Col, e.Reason)
	}
	return fmt.Sprintf("pgasync: column %d: %s: %v", e.Col, e.Reason, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// ListenSetupError reports that a NotificationListener could not connect or issue LISTEN. The listener never
// enters its loop.
type ListenSetupError struct {
	Channel string
	Err     error
}

func (e *ListenSetupError) Error() string {
	return fmt.Sprintf("pgasync: listen %q: %v", e.Channel, e.Err)
}

func (e *ListenSetupError) Unwrap() error {
	return e.Err
}

// ListenerFatalError ends a NotificationListener's loop after a failed readiness wait or a broken session.
// Listeners do not retry.
type ListenerFatalError struct {
	Channel string
	Err     error
}

func (e *ListenerFatalError) Error() string {
	return fmt.Sprintf("pgasync: listener %q stopped: %v", e.Channel, e.Err)
}

func (e *ListenerFatalError) Unwrap() error {
	return e.Err
}
