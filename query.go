/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package pgasync

import (
	"context"
	"strings"

	"pgasync/internal/conn"
)

// CompletionFunc receives the outcome of one query. Exactly one of err and res is non-nil. res belongs to the
// callback and should be closed once read.
type CompletionFunc func(err error, res *Result)

type pendingQuery struct {
	sql        string
	onComplete CompletionFunc
}

// QueryParams submits sql with args and returns without waiting for the server. When the reply is complete the
// Connection is Ready again and onComplete is called exactly once on the EventLoop goroutine. Server errors
// reach onComplete as a *QueryError with a nil Result, and the Connection stays usable.
//
// QueryParams never queues: while another query is in flight it returns ErrBusy. After the EventLoop has
// stopped it returns ErrLoopStopped. A nil onComplete makes the call a no-op.
//
// Arguments are sent in text format and typed by the server. $n placeholders are counted outside of string
// literals, quoted identifiers and comments, and the highest one must equal len(args).
func (c *Connection) QueryParams(sql string, args []interface{}, format Format, onComplete CompletionFunc) error {
	if sql == "" {
		return ErrEmptyQuery
	}
	if err := checkArgs(sql, len(args)); err != nil {
		return err
	}
	if !format.valid() {
		return ErrInvalidFormat
	}
	if onComplete == nil {
		return nil
	}

	params, err := c.types.EncodeParams(args)
	if err != nil {
		return err
	}

	if c.loop.State() == LoopStopped {
		return ErrLoopStopped
	}
	if !c.state.CompareAndSwap(int32(StateReady), int32(StateBusy)) {
		if c.State() == StateClosed {
			return ErrClosed
		}
		return ErrBusy
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess.IsClosed() {
		c.state.Store(int32(StateClosed))
		return ErrClosed
	}
	if err := c.loop.register(c, c.sess.Socket()); err != nil {
		c.state.CompareAndSwap(int32(StateBusy), int32(StateReady))
		return err
	}
	if err := c.sess.SubmitQuery(sql, params, int16(format)); err != nil {
		c.loop.deregister(c)
		c.state.Store(int32(StateClosed))
		c.log.Warn("submit failed, connection closed", "error", err)
		return &QueryError{SQL: sql, Err: err}
	}
	c.pending = &pendingQuery{sql: sql, onComplete: onComplete}
	return nil
}

// Query runs sql and waits for its result. It must not be called from a completion callback, because the
// EventLoop goroutine that would complete it is the one waiting. If ctx is done first the Connection is closed.
func (c *Connection) Query(ctx context.Context, sql string, args []interface{}, format Format) (*Result, error) {
	type outcome struct {
		err error
		res *Result
	}
	done := make(chan outcome, 1)

	err := c.QueryParams(sql, args, format, func(err error, res *Result) {
		done <- outcome{err: err, res: res}
	})
	if err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

// Notify sends payload on channel with pg_notify. onComplete is called as for QueryParams.
func (c *Connection) Notify(channel, payload string, onComplete CompletionFunc) error {
	return c.QueryParams("select pg_notify($1, $2)", []interface{}{channel, payload}, Text, onComplete)
}

// complete turns the concluded raw result into the callback's arguments.
func (c *Connection) complete(p *pendingQuery, raw *conn.RawResult, err error) {
	if err == nil && raw == nil {
		err = ErrClosed
	}
	if err == nil {
		err = raw.Err()
	}
	if err != nil {
		if raw != nil {
			raw.Release()
		}
		p.onComplete(&QueryError{SQL: p.sql, Err: err}, nil)
		return
	}
	p.onComplete(nil, newResult(raw, c.types))
}

// argsLimit is the most parameters a Bind message can carry.
const argsLimit = 1<<16 - 1

func checkArgs(sql string, n int) error {
	if n > argsLimit {
		return ErrArgsLimit
	}
	if p := placeholderCount(sql); p != n {
		return &ParamCountError{Placeholders: p, Args: n}
	}
	return nil
}

// placeholderCount returns the highest $n placeholder in sql. String literals, quoted identifiers, dollar-quoted
// strings and comments are skipped.
func placeholderCount(sql string) int {
	highest := 0
	for i := 0; i < len(sql); i++ {
		switch ch := sql[i]; {
		case ch == '\'' && isEscapePrefix(sql, i):
			i = skipEscaped(sql, i)
		case ch == '\'' || ch == '"':
			i = skipQuoted(sql, i, ch)
		case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := indexFrom(sql, "*/", i+2)
			if end < 0 {
				return highest
			}
			i = end + 1
		case ch == '$':
			if i > 0 && isIdentChar(sql[i-1]) {
				continue
			}
			j := i + 1
			n := 0
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				n = n*10 + int(sql[j]-'0')
				if n > argsLimit {
					n = argsLimit + 1
				}
				j++
			}
			if j > i+1 {
				if n > highest {
					highest = n
				}
				i = j - 1
				continue
			}
			i = skipDollarQuoted(sql, i)
		}
	}
	return highest
}

// skipQuoted returns the index of the quote closing the literal opened at start. A doubled quote is an escaped one.
func skipQuoted(sql string, start int, quote byte) int {
	for i := start + 1; i < len(sql); i++ {
		if sql[i] != quote {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == quote {
			i++
			continue
		}
		return i
	}
	return len(sql)
}

// isEscapePrefix reports whether the quote at i opens an E'...' string.
func isEscapePrefix(sql string, i int) bool {
	if i == 0 || sql[i-1] != 'E' && sql[i-1] != 'e' {
		return false
	}
	return i == 1 || !isIdentChar(sql[i-2])
}

// skipEscaped is skipQuoted for E'...' strings, where a backslash escapes the next byte.
func skipEscaped(sql string, start int) int {
	for i := start + 1; i < len(sql); i++ {
		switch sql[i] {
		case '\\':
			i++
		case '\'':
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i++
				continue
			}
			return i
		}
	}
	return len(sql)
}

// skipDollarQuoted returns the index of the last byte of the $tag$...$tag$ string starting at start, or start
// itself when no dollar quote opens there.
func skipDollarQuoted(sql string, start int) int {
	j := start + 1
	for j < len(sql) && isIdentChar(sql[j]) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return start
	}
	tag := sql[start : j+1]
	end := indexFrom(sql, tag, j+1)
	if end < 0 {
		return len(sql)
	}
	return end + len(tag) - 1
}

func indexFrom(s, substr string, from int) int {
	if from > len(s) {
		return -1
	}
	i := strings.Index(s[from:], substr)
	if i < 0 {
		return -1
	}
	return from + i
}

func isIdentChar(ch byte) bool {
	return ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch >= 0x80
}
