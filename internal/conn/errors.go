package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgproto3/v2"

	"pgasync/internal/cfg"
)

var (
	// ErrBusy is returned by SubmitQuery and Exec while another command is in flight.
	ErrBusy = errors.New("session busy")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")

	errWouldBlock = errors.New("would block")
)

// writeError is a failed socket write. sent reports whether any byte reached the server.
type writeError struct {
	err  error
	sent bool
}

func (e *writeError) Error() string {
	if e.sent {
		return "partial write: " + e.err.Error()
	}
	return "write failed: " + e.err.Error()
}

func (e *writeError) Unwrap() error {
	return e.err
}

// errTimeout wraps a context error, or a net.Error whose Timeout is true, that ended a blocking call.
type errTimeout struct {
	err error
}

func (e *errTimeout) Error() string {
	return "timeout: " + e.err.Error()
}

func (e *errTimeout) Unwrap() error {
	return e.err
}

type connectError struct {
	config *cfg.Config
	host   string
	msg    string
	err    error
}

func (e *connectError) Error() string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "failed to connect to `host=%s user=%s database=%s`: %s", e.host, e.config.User, e.config.Database, e.msg)
	if e.err != nil {
		fmt.Fprintf(sb, " (%s)", e.err.Error())
	}
	return sb.String()
}

func (e *connectError) Unwrap() error {
	return e.err
}

// Timeout reports whether err was caused by a deadline or cancellation inside this package.
func Timeout(err error) bool {
	var timeoutErr *errTimeout
	return errors.As(err, &timeoutErr)
}

// normalizeTimeout wraps deadline and cancellation errors in errTimeout. ctx, when done, explains a deadline that
// was set from it. The socket deadline equals ctx's deadline and may fire before ctx's own timer, so a passed
// deadline counts as context.DeadlineExceeded.
func normalizeTimeout(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &errTimeout{err: ctxErr}
		}
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return &errTimeout{err: context.DeadlineExceeded}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &errTimeout{err: err}
	}
	return err
}

// PgError is an ErrorResponse from the server. Code is the SQLSTATE.
type PgError struct {
	Severity       string
	Code           string
	Message        string
	Detail         string
	Hint           string
	Position       int32
	Where          string
	SchemaName     string
	TableName      string
	ColumnName     string
	ConstraintName string
}

func (pe *PgError) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", pe.Severity, pe.Message, pe.Code)
}

// SQLState returns the SQLState of the error.
func (pe *PgError) SQLState() string {
	return pe.Code
}

// ErrorResponseToPgError converts a wire protocol error message to a *PgError.
func ErrorResponseToPgError(msg *pgproto3.ErrorResponse) *PgError {
	return &PgError{
		Severity:       msg.Severity,
		Code:           msg.Code,
		Message:        msg.Message,
		Detail:         msg.Detail,
		Hint:           msg.Hint,
		Position:       msg.Position,
		Where:          msg.Where,
		SchemaName:     msg.SchemaName,
		TableName:      msg.TableName,
		ColumnName:     msg.ColumnName,
		ConstraintName: msg.ConstraintName,
	}
}

// SerializationError is a value that cannot be encoded as a parameter or decoded into a destination.
type SerializationError string

func (e SerializationError) Error() string {
	return string(e)
}
