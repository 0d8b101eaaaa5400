package conn

import (
	"errors"
	"net"

	"github.com/jackc/pgproto3/v2"
)

// receiveMessage reads the next backend message and applies the session-level bookkeeping every message needs.
// errWouldBlock is passed through untouched; any other read error closes the session.
func (s *Session) receiveMessage() (pgproto3.BackendMessage, error) {
	msg, err := s.frontend.Receive()
	if err != nil {
		if err == errWouldBlock {
			return nil, err
		}
		// Close on anything other than timeout error - everything else is fatal
		var netErr net.Error
		if !(errors.As(err, &netErr) && netErr.Timeout()) {
			s.status = statusClosed
			s.sock.Close()
		}
		return nil, err
	}

	switch msg := msg.(type) {
	case *pgproto3.ReadyForQuery:
		s.txStatus = msg.TxStatus
	case *pgproto3.ParameterStatus:
		s.parameterStatuses[msg.Name] = msg.Value
	case *pgproto3.ErrorResponse:
		if msg.Severity == "FATAL" {
			s.status = statusClosed
			s.sock.Close() // Ignore error as the connection is already broken and there is already an error to return.
			return nil, ErrorResponseToPgError(msg)
		}
	case *pgproto3.NoticeResponse:
		s.log.Info("server notice", "severity", msg.Severity, "code", msg.Code, "message", msg.Message)
	case *pgproto3.NotificationResponse:
		s.notifications = append(s.notifications, &Notification{
			PID:     msg.PID,
			Channel: msg.Channel,
			Payload: msg.Payload,
		})
	}

	return msg, nil
}

// handleMessage folds a query response message into the command in flight.
func (s *Session) handleMessage(msg pgproto3.BackendMessage) {
	r := s.current
	switch msg := msg.(type) {
	case *pgproto3.RowDescription:
		if r != nil {
			r.setFields(msg.Fields)
		}
	case *pgproto3.DataRow:
		if r != nil {
			r.appendRow(msg.Values)
		}
	case *pgproto3.CommandComplete:
		if r != nil {
			r.concludeCommand(CommandTag(msg.CommandTag), nil)
		}
	case *pgproto3.EmptyQueryResponse:
		if r != nil {
			r.concludeCommand("", nil)
		}
	case *pgproto3.ErrorResponse:
		if r == nil {
			s.log.Warn("error response outside of a command", "code", msg.Code, "message", msg.Message)
			return
		}
		r.concludeCommand("", ErrorResponseToPgError(msg))
	case *pgproto3.ReadyForQuery:
		if s.status != statusBusy {
			return
		}
		if r != nil {
			s.completed = append(s.completed, r)
			s.current = nil
		}
		s.status = statusIdle
	}
}
