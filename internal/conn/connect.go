/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package conn

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"

	"github.com/jackc/chunkreader/v2"
	"github.com/jackc/pgproto3/v2"

	"pgasync/internal/cfg"
)

// Connect establishes a session and waits until it is ready for queries. The config's connect timeout bounds the
// whole handshake; ctx may shorten it further. Hosts are tried in order, except after an authentication failure.
func Connect(ctx context.Context, config *cfg.Config, logger *slog.Logger) (*Session, error) {
	if !config.Valid() {
		return nil, errors.New("config must be created by cfg.ParseConfig")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	var err error
	for _, target := range config.Targets() {
		var s *Session
		s, err = connect(ctx, config, target, logger)
		if err == nil {
			return s, nil
		}
		logger.Debug("connect attempt failed", "host", target.Host, "port", target.Port, "tls", target.TLSConfig != nil, "error", err)

		var pgErr *PgError
		if errors.As(err, &pgErr) && (pgErr.Code == sqlStateInvalidPassword || pgErr.Code == sqlStateInvalidAuthSpecification) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, err
}

func connect(ctx context.Context, config *cfg.Config, target *cfg.FallbackConfig, logger *slog.Logger) (*Session, error) {
	s := &Session{
		config:            config,
		host:              target.Host,
		parameterStatuses: make(map[string]string),
		wBuf:              make([]byte, 0, wbufLen),
		status:            statusConnecting,
		log:               logger.With("host", target.Host),
	}

	network, address := cfg.NetworkAddress(target.Host, target.Port)
	nc, err := config.DialFunc(ctx, network, address)
	if err != nil {
		return nil, &connectError{config: config, host: target.Host, msg: "dial error", err: normalizeTimeout(ctx, err)}
	}
	s.sock = newSocket(nc)

	stop := s.watchContext(ctx)
	defer stop()

	if target.TLSConfig != nil {
		if err := s.startTLS(target.TLSConfig); err != nil {
			nc.Close()
			return nil, &connectError{config: config, host: target.Host, msg: "tls error", err: normalizeTimeout(ctx, err)}
		}
	}

	s.cr, err = chunkreader.NewConfig(s.sock, chunkreader.Config{MinBufLen: config.MinReadBufferSize})
	if err != nil {
		nc.Close()
		return nil, &connectError{config: config, host: target.Host, msg: "read buffer", err: err}
	}
	s.frontend = pgproto3.NewFrontend(s.cr, s.sock)

	startupMsg := pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      make(map[string]string, len(config.RuntimeParams)+2),
	}
	for k, v := range config.RuntimeParams {
		startupMsg.Parameters[k] = v
	}
	startupMsg.Parameters["user"] = config.User
	if config.Database != "" {
		startupMsg.Parameters["database"] = config.Database
	}

	if _, err := s.sock.Write(startupMsg.Encode(s.wBuf[:0])); err != nil {
		s.sock.Close()
		return nil, &connectError{config: config, host: target.Host, msg: "failed to write startup message", err: normalizeTimeout(ctx, err)}
	}

	for {
		msg, err := s.receiveMessage()
		if err != nil {
			s.sock.Close()
			if pgErr, ok := err.(*PgError); ok {
				return nil, pgErr
			}
			return nil, &connectError{config: config, host: target.Host, msg: "failed to receive message", err: normalizeTimeout(ctx, err)}
		}

		switch msg := msg.(type) {
		case *pgproto3.BackendKeyData:
			s.pid = msg.ProcessID
			s.secretKey = msg.SecretKey
		case *pgproto3.AuthenticationOk:
		case *pgproto3.AuthenticationCleartextPassword:
			err = s.txPasswordMessage(config.Password)
		case *pgproto3.AuthenticationMD5Password:
			digestedPassword := "md5" + hexMD5(hexMD5(config.Password+config.User)+string(msg.Salt[:]))
			err = s.txPasswordMessage(digestedPassword)
		case *pgproto3.AuthenticationSASL:
			err = s.scramAuth(msg.AuthMechanisms, config.Password)
		case *pgproto3.ReadyForQuery:
			s.status = statusIdle
			s.log = s.log.With("pid", s.pid)
			if config.ReadWrite {
				if err := s.validateReadWrite(ctx); err != nil {
					s.Close()
					return nil, &connectError{config: config, host: target.Host, msg: "target_session_attrs=read-write", err: err}
				}
			}
			s.log.Debug("session ready", "server_version", s.parameterStatuses["server_version"])
			return s, nil
		case *pgproto3.ParameterStatus, *pgproto3.NoticeResponse:
			// handled by receiveMessage
		case *pgproto3.ErrorResponse:
			s.sock.Close()
			return nil, ErrorResponseToPgError(msg)
		default:
			s.sock.Close()
			return nil, &connectError{config: config, host: target.Host, msg: "received unexpected message"}
		}

		if err != nil {
			s.sock.Close()
			return nil, &connectError{config: config, host: target.Host, msg: "authentication failed", err: normalizeTimeout(ctx, err)}
		}
	}
}

func (s *Session) startTLS(tlsConfig *tls.Config) error {
	if _, err := s.sock.Write((&pgproto3.SSLRequest{}).Encode(nil)); err != nil {
		return err
	}

	response := make([]byte, 1)
	if _, err := io.ReadFull(s.sock, response); err != nil {
		return err
	}
	if response[0] != 'S' {
		return errors.New("server refused TLS connection")
	}

	s.sock = newSocket(tls.Client(s.sock.Conn, tlsConfig))
	return nil
}

func (s *Session) validateReadWrite(ctx context.Context) error {
	r, err := s.Exec(ctx, "show transaction_read_only")
	if r != nil {
		defer r.Release()
	}
	if err != nil {
		return err
	}
	if r.NumRows() > 0 && string(r.Value(0, 0)) == "on" {
		return errors.New("read only connection")
	}
	return nil
}

func (s *Session) txPasswordMessage(password string) error {
	_, err := s.sock.Write((&pgproto3.PasswordMessage{Password: password}).Encode(s.wBuf[:0]))
	return err
}

func hexMD5(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}
