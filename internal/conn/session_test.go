package conn

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgasync/internal/cfg"
	"pgasync/internal/pgtest"
)

func newTestServer(t *testing.T, opts ...pgtest.Option) *pgtest.Server {
	t.Helper()
	srv, err := pgtest.NewServer(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func connectTo(t *testing.T, connString string) *Session {
	t.Helper()
	config, err := cfg.ParseConfig(connString)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Connect(ctx, config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// waitResult consumes input until the command in flight is concluded.
func waitResult(t *testing.T, s *Session) *RawResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.IsBusy() {
		require.NoError(t, s.ConsumeInput())
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for result")
		}
		time.Sleep(time.Millisecond)
	}
	r := s.FetchResult()
	require.NotNil(t, r)
	t.Cleanup(r.Release)
	return r
}

func TestConnect(t *testing.T) {
	srv := newTestServer(t)
	s := connectTo(t, srv.ConnString())

	assert.NotZero(t, s.PID())
	assert.NotZero(t, s.SecretKey())
	assert.Equal(t, "14.0 (pgtest)", s.ParameterStatus("server_version"))
	assert.Equal(t, byte('I'), s.TxStatus())
	assert.False(t, s.IsBusy())
	assert.False(t, s.IsClosed())
	assert.GreaterOrEqual(t, s.Socket(), 0)

	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())
	assert.Equal(t, -1, s.Socket())
	require.NoError(t, s.Close())
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestConnectPasswordAuth(t *testing.T) {
	for _, tt := range []struct {
		name   string
		method pgtest.AuthMethod
	}{
		{"cleartext", pgtest.AuthCleartext},
		{"md5", pgtest.AuthMD5},
	} {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, pgtest.WithAuth(tt.method, "alice", "secret"))
			s := connectTo(t, srv.ConnString())
			assert.NotZero(t, s.PID())

			config, err := cfg.ParseConfig(srv.ConnString() + " password=wrong")
			require.NoError(t, err)
			_, err = Connect(context.Background(), config, nil)
			require.Error(t, err)

			var pgErr *PgError
			require.True(t, errors.As(err, &pgErr), "%v", err)
			assert.Equal(t, "28P01", pgErr.Code)
		})
	}
}

func TestConnectUnknownDatabase(t *testing.T) {
	srv := newTestServer(t)
	config, err := cfg.ParseConfig("host=127.0.0.1 port=" + strconv.Itoa(srv.Addr().Port) + " user=pgtest dbname=nonexistent sslmode=disable")
	require.NoError(t, err)

	_, err = Connect(context.Background(), config, nil)
	var pgErr *PgError
	require.True(t, errors.As(err, &pgErr), "%v", err)
	assert.Equal(t, "3D000", pgErr.Code)
}

func TestConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	config, err := cfg.ParseConfig("host=127.0.0.1 port=" + strconv.Itoa(port) + " user=pgtest sslmode=disable")
	require.NoError(t, err)

	_, err = Connect(context.Background(), config, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial error")
	assert.Contains(t, err.Error(), "host=127.0.0.1")
}

func TestConnectTimeout(t *testing.T) {
	// accepts but never answers the startup message
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	config, err := cfg.ParseConfig("host=127.0.0.1 port=" + strconv.Itoa(ln.Addr().(*net.TCPAddr).Port) + " user=pgtest sslmode=disable")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = Connect(ctx, config, nil)
	require.Error(t, err)
	assert.True(t, Timeout(err), "%v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConnectFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srv := newTestServer(t)
	s := connectTo(t, "host=127.0.0.1,127.0.0.1 port="+strconv.Itoa(deadPort)+","+strconv.Itoa(srv.Addr().Port)+" user=pgtest sslmode=disable")
	assert.NotZero(t, s.PID())
}

func TestSubmitQuery(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("select name from users", pgtest.Rows([]string{"name"}, []interface{}{"alice"}, []interface{}{nil}, []interface{}{""}))
	s := connectTo(t, srv.ConnString())

	require.NoError(t, s.SubmitQuery("select name from users", nil, TextFormatCode))
	assert.True(t, s.IsBusy())
	assert.Nil(t, s.FetchResult())

	r := waitResult(t, s)
	require.NoError(t, r.Err())
	require.Len(t, r.Fields, 1)
	assert.Equal(t, "name", string(r.Fields[0].Name))
	require.Equal(t, 3, r.NumRows())
	assert.Equal(t, []byte("alice"), r.Value(0, 0))
	assert.Nil(t, r.Value(1, 0))
	assert.NotNil(t, r.Value(2, 0))
	assert.Empty(t, r.Value(2, 0))
	assert.Equal(t, CommandTag("SELECT 3"), r.CommandTag())
	assert.False(t, s.IsBusy())
}

func TestSubmitQueryParams(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("select $1, $2, $3", &pgtest.Response{Echo: true})
	s := connectTo(t, srv.ConnString())

	params, err := NewTypeMap().EncodeParams([]interface{}{"abc", 42, nil})
	require.NoError(t, err)
	require.NoError(t, s.SubmitQuery("select $1, $2, $3", params, TextFormatCode))

	r := waitResult(t, s)
	require.NoError(t, r.Err())
	require.Equal(t, 1, r.NumRows())
	assert.Equal(t, "abc", string(r.Value(0, 0)))
	assert.Equal(t, "42", string(r.Value(0, 1)))
	assert.Nil(t, r.Value(0, 2))
}

func TestSubmitQueryBinaryFormat(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("select 7", &pgtest.Response{
		Columns: []pgtest.Column{{Name: "n", OID: 23}},
		Rows:    [][]interface{}{{7}},
	})
	s := connectTo(t, srv.ConnString())

	require.NoError(t, s.SubmitQuery("select 7", nil, BinaryFormatCode))
	r := waitResult(t, s)
	require.NoError(t, r.Err())
	assert.Equal(t, int16(BinaryFormatCode), r.Fields[0].Format)
	assert.Equal(t, []byte{0, 0, 0, 7}, r.Value(0, 0))
}

func TestSubmitQueryWhileBusy(t *testing.T) {
	srv := newTestServer(t)
	release := srv.Hold("select pg_sleep(1)")
	s := connectTo(t, srv.ConnString())

	require.NoError(t, s.SubmitQuery("select pg_sleep(1)", nil, TextFormatCode))
	assert.ErrorIs(t, s.SubmitQuery("select 1", nil, TextFormatCode), ErrBusy)
	_, err := s.Exec(context.Background(), "select 1")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, s.ConsumeInput())
	assert.True(t, s.IsBusy())

	release()
	r := waitResult(t, s)
	require.NoError(t, r.Err())
	assert.False(t, s.IsBusy())
}

func TestSubmitQueryServerError(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("select * from missing", pgtest.Error("42P01", `relation "missing" does not exist`))
	srv.Handle("select 1", pgtest.Rows([]string{"?column?"}, []interface{}{1}))
	s := connectTo(t, srv.ConnString())

	require.NoError(t, s.SubmitQuery("select * from missing", nil, TextFormatCode))
	r := waitResult(t, s)
	var pgErr *PgError
	require.True(t, errors.As(r.Err(), &pgErr))
	assert.Equal(t, "42P01", pgErr.SQLState())
	assert.Equal(t, "ERROR", pgErr.Severity)

	// the session stays usable
	require.NoError(t, s.SubmitQuery("select 1", nil, TextFormatCode))
	r = waitResult(t, s)
	require.NoError(t, r.Err())
	assert.Equal(t, "1", string(r.Value(0, 0)))
}

func TestSubmitQueryFatalError(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("select crash()", pgtest.Fatal("57P01", "terminating connection due to administrator command"))
	s := connectTo(t, srv.ConnString())

	require.NoError(t, s.SubmitQuery("select crash()", nil, TextFormatCode))

	deadline := time.Now().Add(5 * time.Second)
	var err error
	for err == nil && time.Now().Before(deadline) {
		err = s.ConsumeInput()
		time.Sleep(time.Millisecond)
	}
	var pgErr *PgError
	require.True(t, errors.As(err, &pgErr), "%v", err)
	assert.Equal(t, "FATAL", pgErr.Severity)
	assert.True(t, s.IsClosed())

	r := s.FetchResult()
	require.NotNil(t, r)
	defer r.Release()
	assert.Error(t, r.Err())

	assert.ErrorIs(t, s.SubmitQuery("select 1", nil, TextFormatCode), ErrClosed)
	assert.ErrorIs(t, s.ConsumeInput(), ErrClosed)
}

func TestSubmitQueryConnectionDropped(t *testing.T) {
	srv := newTestServer(t)
	release := srv.Hold("select forever()")
	defer release()
	s := connectTo(t, srv.ConnString())

	require.NoError(t, s.SubmitQuery("select forever()", nil, TextFormatCode))
	srv.DropConnections()

	deadline := time.Now().Add(5 * time.Second)
	var err error
	for err == nil && time.Now().Before(deadline) {
		err = s.ConsumeInput()
		time.Sleep(time.Millisecond)
	}
	require.Error(t, err)
	assert.True(t, s.IsClosed())

	r := s.FetchResult()
	require.NotNil(t, r)
	defer r.Release()
	assert.Error(t, r.Err())
}

func TestNoticeDoesNotDisturbResult(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("select notice()", &pgtest.Response{Notice: "hello", Tag: "SELECT 0"})
	s := connectTo(t, srv.ConnString())

	require.NoError(t, s.SubmitQuery("select notice()", nil, TextFormatCode))
	r := waitResult(t, s)
	require.NoError(t, r.Err())
	assert.Equal(t, 0, r.NumRows())
}

func TestExecListenAndNotifications(t *testing.T) {
	srv := newTestServer(t)
	s := connectTo(t, srv.ConnString())

	r, err := s.Exec(context.Background(), `LISTEN "Events"`)
	require.NoError(t, err)
	assert.Equal(t, CommandTag("LISTEN"), r.CommandTag())
	r.Release()
	assert.Equal(t, 1, srv.ListenerCount("Events"))
	assert.Nil(t, s.NextNotification())

	require.Equal(t, 1, srv.Notify(4242, "Events", "first"))
	require.Equal(t, 1, srv.Notify(4242, "Events", "second"))
	require.Equal(t, 0, srv.Notify(4242, "events", "other channel"))

	var got []*Notification
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		require.NoError(t, s.ConsumeInput())
		for n := s.NextNotification(); n != nil; n = s.NextNotification() {
			got = append(got, n)
		}
		time.Sleep(time.Millisecond)
	}
	require.Len(t, got, 2)
	assert.Equal(t, &Notification{PID: 4242, Channel: "Events", Payload: "first"}, got[0])
	assert.Equal(t, "second", got[1].Payload)
}

func TestExecServerError(t *testing.T) {
	srv := newTestServer(t)
	srv.Handle("drop table nope", pgtest.Error("42P01", `table "nope" does not exist`))
	s := connectTo(t, srv.ConnString())

	r, err := s.Exec(context.Background(), "drop table nope")
	require.NotNil(t, r)
	defer r.Release()
	var pgErr *PgError
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "42P01", pgErr.Code)

	r2, err := s.Exec(context.Background(), "")
	require.NoError(t, err)
	r2.Release()
}

func TestExecCanceled(t *testing.T) {
	srv := newTestServer(t)
	release := srv.Hold("select pg_sleep(60)")
	defer release()
	s := connectTo(t, srv.ConnString())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Exec(ctx, "select pg_sleep(60)")
	require.Error(t, err)
	assert.True(t, Timeout(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecOnClosedSession(t *testing.T) {
	srv := newTestServer(t)
	s := connectTo(t, srv.ConnString())
	require.NoError(t, s.Close())

	_, err := s.Exec(context.Background(), "select 1")
	assert.ErrorIs(t, err, ErrClosed)
}
