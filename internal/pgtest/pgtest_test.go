package pgtest

import (
	"math"
	"testing"

	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgtype"
	"github.com/stretchr/testify/assert"
)

func TestUnquoteIdent(t *testing.T) {
	assert.Equal(t, "events", unquoteIdent("Events"))
	assert.Equal(t, "Events", unquoteIdent(`"Events"`))
	assert.Equal(t, `a"b`, unquoteIdent(`"a""b"`))
	assert.Equal(t, "jobs", unquoteIdent("  jobs "))
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name   string
		oid    uint32
		format int16
		text   string
		want   []byte
	}{
		{"text format", pgtype.Int4OID, textFormat, "7", []byte("7")},
		{"bool", pgtype.BoolOID, 1, "t", []byte{1}},
		{"int2", pgtype.Int2OID, 1, "-1", []byte{0xff, 0xff}},
		{"int4", pgtype.Int4OID, 1, "7", []byte{0, 0, 0, 7}},
		{"int8", pgtype.Int8OID, 1, "256", []byte{0, 0, 0, 0, 0, 0, 1, 0}},
		{"float4", pgtype.Float4OID, 1, "1", []byte{0x3f, 0x80, 0, 0}},
		{"bytea", pgtype.ByteaOID, 1, `\xdead`, []byte{0xde, 0xad}},
		{"text binary", pgtype.TextOID, 1, "héllo", []byte("héllo")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeValue(tt.oid, tt.format, tt.text))
		})
	}

	f := encodeValue(pgtype.Float8OID, 1, "0.5")
	assert.Len(t, f, 8)
	assert.Equal(t, math.Float64bits(0.5)>>56, uint64(f[0]))
}

func TestRows(t *testing.T) {
	r := Rows([]string{"a", "b"}, []interface{}{"1", nil})
	msgs, fatal := r.messages(nil, nil, true)
	assert.False(t, fatal)
	assert.Len(t, msgs, 3)

	_, fatal = Fatal("57P01", "terminating").messages(nil, nil, false)
	assert.True(t, fatal)

	msgs, _ = (&Response{}).messages(nil, nil, true)
	assert.IsType(t, &pgproto3.NoData{}, msgs[0])
}
