package pgasync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceholderCount(t *testing.T) {
	tests := []struct {
		sql  string
		want int
	}{
		{"select 1", 0},
		{"select $1", 1},
		{"select $1, $2, $1", 2},
		{"select $3", 3},
		{"select $10 + $2", 10},
		{"select '$1'", 0},
		{"select 'it''s $1', $1", 1},
		{`select "col$1" from t where a = $1`, 1},
		{"select 1 -- $4\n, $2", 2},
		{"select /* $9 */ $1", 1},
		{"select $$ $5 $$, $1", 1},
		{"select $tag$ it's $7 $tag$ || $2", 2},
		{"select price$1 from t", 0},
		{"select $", 0},
		{"select 'unterminated $1", 0},
		{"select $body$ never closed $1", 0},
		{`select E'\' $2', $1`, 1},
		{`select e'a\\', $2`, 2},
		{`select E'it''s $3', $1`, 1},
		{`select type' $2', $1`, 1},
		{`select '\', $1`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.want, placeholderCount(tt.sql))
		})
	}
}

func TestCheckArgs(t *testing.T) {
	require.NoError(t, checkArgs("select $1, $2", 2))
	require.NoError(t, checkArgs("select 1", 0))

	var countErr *ParamCountError
	require.ErrorAs(t, checkArgs("select $2", 1), &countErr)
	assert.Equal(t, 2, countErr.Placeholders)
	assert.Contains(t, countErr.Error(), "2")

	assert.ErrorIs(t, checkArgs("select 1", argsLimit+1), ErrArgsLimit)
	assert.ErrorIs(t, checkArgs("select $99999999", argsLimit+1), ErrArgsLimit)
}

func TestQueryParamsArgsLimit(t *testing.T) {
	srv := newTestServer(t)
	loop := newTestLoop(t)
	c := connectTest(t, srv, loop)

	sql := "select " + strings.Repeat("1,", 10) + "$65536"
	args := make([]interface{}, argsLimit+1)
	err := c.QueryParams(sql, args, Text, func(error, *Result) {})
	assert.ErrorIs(t, err, ErrArgsLimit)
	assert.Equal(t, StateReady, c.State())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "text", Text.String())
	assert.Equal(t, "binary", Binary.String())
	assert.True(t, Text.valid())
	assert.True(t, Binary.valid())
	assert.False(t, Format(2).valid())
}
