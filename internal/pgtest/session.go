package pgtest

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgproto3/v2"
)

const md5Salt = "\x01\x02\x03\x04"

// session is the server side of one client connection.
type session struct {
	srv     *Server
	conn    net.Conn
	backend *pgproto3.Backend
	pid     uint32

	wmu sync.Mutex // serializes writes from the session goroutine and Notify

	lmu       sync.Mutex
	listening map[string]struct{}

	// extended protocol state between Parse and Sync
	stmt          string
	params        [][]byte
	resultFormats []int16
}

func (sess *session) isListening(channel string) bool {
	sess.lmu.Lock()
	defer sess.lmu.Unlock()
	_, ok := sess.listening[channel]
	return ok
}

func (sess *session) send(msgs ...pgproto3.BackendMessage) error {
	var buf []byte
	for _, m := range msgs {
		buf = m.Encode(buf)
	}
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	_, err := sess.conn.Write(buf)
	return err
}

func (sess *session) serve() error {
	if err := sess.startup(); err != nil {
		return err
	}

	for {
		msg, err := sess.backend.Receive()
		if err != nil {
			return err
		}

		switch msg := msg.(type) {
		case *pgproto3.Parse:
			sess.stmt = msg.Query
		case *pgproto3.Bind:
			sess.params = make([][]byte, len(msg.Parameters))
			for i, p := range msg.Parameters {
				if p != nil {
					sess.params[i] = append([]byte{}, p...)
				}
			}
			sess.resultFormats = append(sess.resultFormats[:0], msg.ResultFormatCodes...)
		case *pgproto3.Describe, *pgproto3.Execute:
		case *pgproto3.Sync:
			if err := sess.execute(); err != nil {
				return err
			}
		case *pgproto3.Query:
			if err := sess.simpleQuery(msg.String); err != nil {
				return err
			}
		case *pgproto3.Terminate:
			return nil
		default:
			return fmt.Errorf("unexpected message %T", msg)
		}
	}
}

func (sess *session) startup() error {
	var startup *pgproto3.StartupMessage
	for startup == nil {
		msg, err := sess.backend.ReceiveStartupMessage()
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *pgproto3.SSLRequest:
			if _, err := sess.conn.Write([]byte{'N'}); err != nil {
				return err
			}
		case *pgproto3.StartupMessage:
			startup = msg
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
	}
	user := startup.Parameters["user"]

	if sess.srv.auth != AuthTrust {
		var salt [4]byte
		copy(salt[:], md5Salt)

		var req pgproto3.BackendMessage = &pgproto3.AuthenticationCleartextPassword{}
		if sess.srv.auth == AuthMD5 {
			req = &pgproto3.AuthenticationMD5Password{Salt: salt}
		}
		if err := sess.send(req); err != nil {
			return err
		}

		msg, err := sess.backend.Receive()
		if err != nil {
			return err
		}
		pw, ok := msg.(*pgproto3.PasswordMessage)
		if !ok || !sess.srv.checkPassword(user, pw.Password, salt) {
			_ = sess.send(&pgproto3.ErrorResponse{
				Severity: "FATAL",
				Code:     "28P01",
				Message:  fmt.Sprintf("password authentication failed for user %q", user),
			})
			return fmt.Errorf("authentication failed for %q", user)
		}
	}

	if db := startup.Parameters["database"]; db == "nonexistent" {
		_ = sess.send(&pgproto3.ErrorResponse{
			Severity: "FATAL",
			Code:     "3D000",
			Message:  fmt.Sprintf("database %q does not exist", db),
		})
		return fmt.Errorf("unknown database %q", db)
	}

	return sess.send(
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0 (pgtest)"},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "application_name", Value: startup.Parameters["application_name"]},
		&pgproto3.BackendKeyData{ProcessID: sess.pid, SecretKey: sess.pid * 7},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
}

// execute answers a Parse/Bind/Describe/Execute/Sync round.
func (sess *session) execute() error {
	sql, params := sess.stmt, sess.params
	resp, hold := sess.srv.lookup(sql)
	if hold != nil {
		<-hold
	}

	if strings.Contains(strings.ToLower(sql), "pg_notify(") && len(params) == 2 {
		sess.srv.Notify(sess.pid, string(params[0]), string(params[1]))
		resp = &Response{Columns: []Column{{Name: "pg_notify", OID: voidOID}}, Rows: [][]interface{}{{""}}, Tag: "SELECT 1"}
	}
	if resp == nil {
		resp = &Response{Tag: "SELECT 0"}
	}

	msgs := []pgproto3.BackendMessage{&pgproto3.ParseComplete{}, &pgproto3.BindComplete{}}
	out, fatal := resp.messages(params, sess.resultFormats, true)
	msgs = append(msgs, out...)
	if fatal {
		_ = sess.send(msgs...)
		return fmt.Errorf("fatal response to %q", sql)
	}
	msgs = append(msgs, &pgproto3.ReadyForQuery{TxStatus: 'I'})
	return sess.send(msgs...)
}

func (sess *session) simpleQuery(sql string) error {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	upper := strings.ToUpper(trimmed)

	var msgs []pgproto3.BackendMessage
	switch {
	case trimmed == "":
		msgs = append(msgs, &pgproto3.EmptyQueryResponse{})
	case strings.HasPrefix(upper, "LISTEN "):
		sess.srv.lookup(sql)
		sess.lmu.Lock()
		sess.listening[unquoteIdent(trimmed[len("LISTEN "):])] = struct{}{}
		sess.lmu.Unlock()
		msgs = append(msgs, &pgproto3.CommandComplete{CommandTag: []byte("LISTEN")})
	case strings.HasPrefix(upper, "UNLISTEN "):
		sess.srv.lookup(sql)
		sess.lmu.Lock()
		delete(sess.listening, unquoteIdent(trimmed[len("UNLISTEN "):]))
		sess.lmu.Unlock()
		msgs = append(msgs, &pgproto3.CommandComplete{CommandTag: []byte("UNLISTEN")})
	default:
		resp, hold := sess.srv.lookup(sql)
		if hold != nil {
			<-hold
		}
		if resp == nil && strings.EqualFold(trimmed, "show transaction_read_only") {
			resp = &Response{Columns: []Column{{Name: "transaction_read_only", OID: textOID}}, Rows: [][]interface{}{{"off"}}, Tag: "SHOW"}
		}
		if resp == nil {
			resp = &Response{Tag: "SELECT 0"}
		}
		out, fatal := resp.messages(nil, nil, false)
		msgs = append(msgs, out...)
		if fatal {
			_ = sess.send(msgs...)
			return fmt.Errorf("fatal response to %q", sql)
		}
	}

	msgs = append(msgs, &pgproto3.ReadyForQuery{TxStatus: 'I'})
	return sess.send(msgs...)
}
