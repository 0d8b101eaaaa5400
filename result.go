package pgasync

import (
	"pgasync/internal/conn"
)

// FieldDescription describes one result column.
type FieldDescription struct {
	Name         string
	DataTypeOID  uint32
	DataTypeName string
	Format       Format
}

// Result is a cursor over the rows of one completed query. The cursor starts before the first row. Values are
// decoded only when read. A Result is not safe for concurrent use.
type Result struct {
	raw    *conn.RawResult
	types  *conn.TypeMap
	fields []FieldDescription
	row    int
	closed bool
}

func newResult(raw *conn.RawResult, types *conn.TypeMap) *Result {
	return &Result{raw: raw, types: types, row: -1}
}

// Next moves the cursor to the next row and reports whether there is one. Once it has returned false the
// cursor stays exhausted.
func (r *Result) Next() bool {
	if r.closed {
		return false
	}
	if n := r.raw.NumRows(); r.row < n {
		r.row++
		return r.row < n
	}
	return false
}

// Len returns the number of rows.
func (r *Result) Len() int {
	if r.closed {
		return 0
	}
	return r.raw.NumRows()
}

// Fields describes the result columns.
func (r *Result) Fields() []FieldDescription {
	if r.closed {
		return nil
	}
	if r.fields == nil {
		r.fields = make([]FieldDescription, len(r.raw.Fields))
		for i, f := range r.raw.Fields {
			r.fields[i] = FieldDescription{
				Name:         string(f.Name),
				DataTypeOID:  f.DataTypeOID,
				DataTypeName: r.types.TypeName(f.DataTypeOID),
				Format:       Format(f.Format),
			}
		}
	}
	return r.fields
}

// ColumnIndex returns the index of the first column called name, or -1.
func (r *Result) ColumnIndex(name string) int {
	for i, f := range r.Fields() {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// CommandTag returns the command tag, such as "SELECT 3" or "INSERT 0 1".
func (r *Result) CommandTag() string {
	if r.closed {
		return ""
	}
	return r.raw.CommandTag().String()
}

// RowsAffected returns the row count of the command tag.
func (r *Result) RowsAffected() int64 {
	if r.closed {
		return 0
	}
	return r.raw.CommandTag().RowsAffected()
}

// Scan decodes the value at col of the current row into dest, which must be a non-nil pointer.
func (r *Result) Scan(col int, dest interface{}) error {
	v, err := r.value(col)
	if err != nil {
		return err
	}
	f := r.raw.Fields[col]
	if err := r.types.Scan(f.DataTypeOID, f.Format, v, dest); err != nil {
		return &AccessError{Col: col, Reason: "cannot decode value", Err: err}
	}
	return nil
}

// Text returns the value at col of the current row as text. It fails for binary columns and NULL.
func (r *Result) Text(col int) (string, error) {
	v, err := r.value(col)
	if err != nil {
		return "", err
	}
	if Format(r.raw.Fields[col].Format) != Text {
		return "", &AccessError{Col: col, Reason: "column is in binary format"}
	}
	if v == nil {
		return "", &AccessError{Col: col, Reason: "value is NULL"}
	}
	return string(v), nil
}

// Bytes returns the raw wire value at col of the current row. NULL is nil. The slice is valid until Close.
func (r *Result) Bytes(col int) ([]byte, error) {
	return r.value(col)
}

// IsNull reports whether the value at col of the current row is NULL.
func (r *Result) IsNull(col int) (bool, error) {
	v, err := r.value(col)
	if err != nil {
		return false, err
	}
	return v == nil, nil
}

// Close releases the result's buffers. Accessors fail afterwards.
func (r *Result) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.raw.Release()
	r.raw = nil
}

func (r *Result) value(col int) ([]byte, error) {
	if r.closed {
		return nil, &AccessError{Col: col, Reason: "result is closed"}
	}
	if r.row < 0 || r.row >= r.raw.NumRows() {
		return nil, &AccessError{Col: col, Reason: "cursor is not on a row"}
	}
	if col < 0 || col >= len(r.raw.Fields) {
		return nil, &AccessError{Col: col, Reason: "column index out of range"}
	}
	return r.raw.Value(r.row, col), nil
}

// Get decodes the value at col of the current row as T.
//
//	for res.Next() {
//		id, err := pgasync.Get[int64](res, 0)
//		...
//	}
func Get[T any](r *Result, col int) (T, error) {
	var v T
	err := r.Scan(col, &v)
	return v, err
}

// GetColumn reads column col at the current row as T. It is a read-only positional accessor: it never moves
// the cursor, so repeated calls return the same value until Next is called.
func GetColumn[T any](r *Result, col int) (T, error) {
	return Get[T](r, col)
}
