/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package pgasync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"pgasync/internal/cfg"
	"pgasync/internal/conn"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection owns one PostgreSQL session and runs at most one query on it at a time. Queries are submitted from
// any goroutine; their completions are detected and delivered by the Connection's EventLoop. While a query is in
// flight the EventLoop holds a reference to the Connection, so it stays alive until the callback has run.
type Connection struct {
	log   *slog.Logger
	loop  *EventLoop
	types *conn.TypeMap
	pid   uint32

	state atomic.Int32

	mu      sync.Mutex // guards sess and pending
	sess    *conn.Session
	pending *pendingQuery
}

// Connect parses connString, opens a session and waits until it is ready for queries. connect_timeout bounds
// the handshake, and so does ctx. Unless WithEventLoop is given the Connection uses DefaultLoop, which is started
// on first use. Every failure is a *ConnectError.
func Connect(ctx context.Context, connString string, opts ...Option) (*Connection, error) {
	o := applyOptions(opts)

	config, err := cfg.ParseConfig(connString)
	if err != nil {
		return nil, &ConnectError{Reason: "invalid connection string", Err: err}
	}

	loop := o.loop
	if loop == nil {
		loop = DefaultLoop()
		if err := loop.Run(); err != nil {
			o.logger.Warn("default event loop is stopped, queries will fail", "error", err)
		}
	}

	c := &Connection{
		loop:  loop,
		types: conn.NewTypeMap(),
	}
	c.state.Store(int32(StateConnecting))

	sess, err := conn.Connect(ctx, config, o.logger)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, &ConnectError{Reason: "session did not become ready", Err: err}
	}

	c.sess = sess
	c.pid = sess.PID()
	c.log = o.logger.With("pid", c.pid)
	c.state.Store(int32(StateReady))
	c.log.Debug("connection ready")
	return c, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// PID returns the server process id of the session.
func (c *Connection) PID() uint32 {
	return c.pid
}

// ParameterStatus returns a parameter reported by the server, such as server_version.
func (c *Connection) ParameterStatus(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.ParameterStatus(name)
}

// Close closes the session. A query still in flight is completed with ErrClosed on the EventLoop goroutine if
// the loop is running; otherwise its callback is dropped. Close is idempotent.
func (c *Connection) Close() error {
	for {
		st := c.state.Load()
		if st == int32(StateClosed) {
			return nil
		}
		if c.state.CompareAndSwap(st, int32(StateClosed)) {
			break
		}
	}

	c.mu.Lock()
	p := c.pending
	c.pending = nil
	c.loop.deregister(c)
	err := c.sess.Close()
	c.mu.Unlock()

	if p != nil {
		if !c.loop.post(func() { p.onComplete(&QueryError{SQL: p.sql, Err: ErrClosed}, nil) }) {
			c.log.Warn("completion dropped, event loop is not running", "sql", p.sql)
		}
	}
	c.log.Debug("connection closed")
	return err
}

// consumeInput runs on the EventLoop goroutine when the session's socket is readable. It returns the completion
// to fire once the in-flight query has concluded, or nil.
func (c *Connection) consumeInput() func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending
	if p == nil {
		return nil
	}

	err := c.sess.ConsumeInput()
	for n := c.sess.NextNotification(); n != nil; n = c.sess.NextNotification() {
		c.log.Debug("notification ignored on query connection", "channel", n.Channel)
	}
	if err == nil && c.sess.IsBusy() {
		return nil
	}

	raw := c.sess.FetchResult()
	c.pending = nil
	c.loop.deregister(c)
	if err != nil {
		c.log.Warn("session failed, connection closed", "error", err)
		c.state.Store(int32(StateClosed))
		c.sess.Close()
	} else {
		c.state.CompareAndSwap(int32(StateBusy), int32(StateReady))
	}

	return func() { c.complete(p, raw, err) }
}
