package pgtest

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/jackc/pgio"
	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgtype"
)

const (
	textOID    = pgtype.TextOID
	voidOID    = 2278
	textFormat = 0
)

// Column describes one result column.
type Column struct {
	Name string
	OID  uint32
}

// Response is the canned reply to one statement. Row values are given in their text representation, or nil for
// NULL, and are converted to binary per column type when the client asks for binary results.
type Response struct {
	Columns []Column
	Rows    [][]interface{}
	Tag     string

	// Echo answers with one row holding the bound parameters, one text column per parameter unless Columns
	// names them.
	Echo bool

	// Notice is sent as a NoticeResponse ahead of the result.
	Notice string

	// Error, when set, replaces the result. A FATAL severity closes the session afterwards.
	Error *pgproto3.ErrorResponse
}

// Rows is a shorthand for a SELECT response over text columns.
func Rows(columns []string, rows ...[]interface{}) *Response {
	cols := make([]Column, len(columns))
	for i, name := range columns {
		cols[i] = Column{Name: name, OID: textOID}
	}
	return &Response{Columns: cols, Rows: rows, Tag: fmt.Sprintf("SELECT %d", len(rows))}
}

// Error is a shorthand for an ERROR response.
func Error(code, message string) *Response {
	return &Response{Error: &pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message}}
}

// Fatal is a shorthand for a FATAL response that terminates the session.
func Fatal(code, message string) *Response {
	return &Response{Error: &pgproto3.ErrorResponse{Severity: "FATAL", Code: code, Message: message}}
}

// messages renders the response. describe adds a RowDescription for statements without columns as NoData, the
// way the extended protocol answers Describe. The second return value reports a FATAL error.
func (r *Response) messages(params [][]byte, resultFormats []int16, describe bool) ([]pgproto3.BackendMessage, bool) {
	var msgs []pgproto3.BackendMessage
	if r.Notice != "" {
		msgs = append(msgs, &pgproto3.NoticeResponse{Severity: "NOTICE", Code: "00000", Message: r.Notice})
	}
	if r.Error != nil {
		return append(msgs, r.Error), r.Error.Severity == "FATAL"
	}

	columns, rows, tag := r.Columns, r.Rows, r.Tag
	if r.Echo {
		columns = make([]Column, len(params))
		row := make([]interface{}, len(params))
		for i, p := range params {
			columns[i] = Column{Name: "?column?", OID: textOID}
			if i < len(r.Columns) {
				columns[i] = r.Columns[i]
			}
			if p != nil {
				row[i] = string(p)
			}
		}
		rows = [][]interface{}{row}
		tag = "SELECT 1"
	}

	if len(columns) == 0 {
		if describe {
			msgs = append(msgs, &pgproto3.NoData{})
		}
	} else {
		fields := make([]pgproto3.FieldDescription, len(columns))
		for i, c := range columns {
			fields[i] = pgproto3.FieldDescription{
				Name:         []byte(c.Name),
				DataTypeOID:  c.OID,
				DataTypeSize: -1,
				TypeModifier: -1,
				Format:       formatFor(resultFormats, i),
			}
		}
		msgs = append(msgs, &pgproto3.RowDescription{Fields: fields})

		for _, row := range rows {
			values := make([][]byte, len(columns))
			for i := range columns {
				if i >= len(row) || row[i] == nil {
					continue
				}
				values[i] = encodeValue(columns[i].OID, fields[i].Format, fmt.Sprint(row[i]))
			}
			msgs = append(msgs, &pgproto3.DataRow{Values: values})
		}
	}

	if tag == "" {
		tag = fmt.Sprintf("SELECT %d", len(rows))
	}
	return append(msgs, &pgproto3.CommandComplete{CommandTag: []byte(tag)}), false
}

func formatFor(formats []int16, col int) int16 {
	switch len(formats) {
	case 0:
		return textFormat
	case 1:
		return formats[0]
	}
	if col < len(formats) {
		return formats[col]
	}
	return textFormat
}

// encodeValue converts the text representation of a value of type oid into the requested wire format.
// Types without a binary encoding here are sent as their text bytes.
func encodeValue(oid uint32, format int16, text string) []byte {
	if format == textFormat {
		return []byte(text)
	}

	switch oid {
	case pgtype.BoolOID:
		if text == "t" || text == "true" {
			return []byte{1}
		}
		return []byte{0}
	case pgtype.Int2OID:
		n, _ := strconv.ParseInt(text, 10, 16)
		return pgio.AppendInt16(nil, int16(n))
	case pgtype.Int4OID:
		n, _ := strconv.ParseInt(text, 10, 32)
		return pgio.AppendInt32(nil, int32(n))
	case pgtype.Int8OID:
		n, _ := strconv.ParseInt(text, 10, 64)
		return pgio.AppendInt64(nil, n)
	case pgtype.Float4OID:
		f, _ := strconv.ParseFloat(text, 32)
		return pgio.AppendUint32(nil, math.Float32bits(float32(f)))
	case pgtype.Float8OID:
		f, _ := strconv.ParseFloat(text, 64)
		return pgio.AppendUint64(nil, math.Float64bits(f))
	case pgtype.ByteaOID:
		if strings.HasPrefix(text, `\x`) {
			if b, err := hex.DecodeString(text[2:]); err == nil {
				return b
			}
		}
	}
	return []byte(text)
}
