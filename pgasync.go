// Package pgasync runs PostgreSQL queries without blocking the caller. A Connection submits a query and returns
// at once; a single EventLoop goroutine waits on the sockets of all busy Connections and invokes each query's
// completion callback exactly once. NotificationListeners receive LISTEN/NOTIFY messages on their own blocking
// loops, and a WorkerPool runs them on background goroutines.
package pgasync

import (
	"pgasync/internal/conn"
)

// Format is the wire format requested for result columns.
type Format int16

const (
	// Text columns are read with Result.Text or decoded from their text representation.
	Text Format = conn.TextFormatCode
	// Binary columns carry the protocol's binary encoding of each type.
	Binary Format = conn.BinaryFormatCode
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case Binary:
		return "binary"
	}
	return "unknown"
}

func (f Format) valid() bool {
	return f == Text || f == Binary
}
