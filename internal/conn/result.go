package conn

import (
	"sync"

	"github.com/jackc/pgproto3/v2"
)

var rawResultPool = sync.Pool{
	New: func() interface{} {
		return &RawResult{
			rows: make([][][]byte, 0, 16),
			buf:  make([]byte, 0, 512),
		}
	},
}

// RawResult is the response to one command: the row description, the undecoded row values and the command tag
// or error that concluded it. Values are copied out of the read buffer as they arrive. A RawResult comes from a
// pool and must be handed back with Release once it is no longer needed.
type RawResult struct {
	Fields []pgproto3.FieldDescription

	rows       [][][]byte
	buf        []byte
	commandTag CommandTag
	err        error
}

func newRawResult() *RawResult {
	return rawResultPool.Get().(*RawResult)
}

func (r *RawResult) setFields(fields []pgproto3.FieldDescription) {
	r.Fields = r.Fields[:0]
	for _, f := range fields {
		// Name points into the read buffer
		f.Name = append([]byte(nil), f.Name...)
		r.Fields = append(r.Fields, f)
	}
}

func (r *RawResult) appendRow(values [][]byte) {
	row := make([][]byte, len(values))
	for i, v := range values {
		switch {
		case v == nil:
			// NULL
		case len(v) == 0:
			row[i] = []byte{}
		default:
			start := len(r.buf)
			r.buf = append(r.buf, v...)
			row[i] = r.buf[start:len(r.buf):len(r.buf)]
		}
	}
	r.rows = append(r.rows, row)
}

// concludeCommand keeps the first error that is recorded. An error may arrive after CommandComplete but before
// ReadyForQuery.
func (r *RawResult) concludeCommand(tag CommandTag, err error) {
	if err != nil && r.err == nil {
		r.err = err
	}
	if tag != "" {
		r.commandTag = tag
	}
}

// Err returns the error that concluded the command, if any. Server errors are *PgError.
func (r *RawResult) Err() error {
	return r.err
}

// CommandTag returns the tag of the CommandComplete message.
func (r *RawResult) CommandTag() CommandTag {
	return r.commandTag
}

// NumRows returns the number of data rows received.
func (r *RawResult) NumRows() int {
	return len(r.rows)
}

// Value returns the wire value at row, col. NULL is nil. The slice is valid until Release.
func (r *RawResult) Value(row, col int) []byte {
	return r.rows[row][col]
}

// Release returns the result's buffers to the pool. r must not be used afterwards.
func (r *RawResult) Release() {
	for i := range r.rows {
		r.rows[i] = nil
	}
	r.rows = r.rows[:0]
	r.buf = r.buf[:0]
	r.Fields = r.Fields[:0]
	r.commandTag = ""
	r.err = nil
	rawResultPool.Put(r)
}
