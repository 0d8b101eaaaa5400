package conn

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgtype"
	shopspring "github.com/jackc/pgtype/ext/shopspring-numeric"
	"github.com/modern-go/reflect2"
)

// TypeMap encodes query arguments and decodes result values. pgtype.ConnInfo caches reflection lookups lazily and
// is not safe for concurrent use, so every call is serialized.
type TypeMap struct {
	mu       sync.Mutex
	connInfo *pgtype.ConnInfo
	buf      []byte
}

// NewTypeMap returns a TypeMap with the builtin types plus numeric decoding into shopspring decimals.
func NewTypeMap() *TypeMap {
	ci := pgtype.NewConnInfo()
	ci.RegisterDataType(pgtype.DataType{Value: &shopspring.Numeric{}, Name: "numeric", OID: pgtype.NumericOID})
	return &TypeMap{connInfo: ci}
}

// Params are encoded query arguments ready for a Bind message.
type Params struct {
	Values  [][]byte
	Formats []int16
	OIDs    []uint32
}

// Len returns the number of parameters.
func (p *Params) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Values)
}

// EncodeParams encodes args in text format with unspecified type OIDs, leaving type inference to the server.
// nil and nil pointers become NULL; driver.Valuer is honoured.
func (tm *TypeMap) EncodeParams(args []interface{}) (*Params, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	p := &Params{
		Values:  make([][]byte, len(args)),
		Formats: make([]int16, len(args)),
		OIDs:    make([]uint32, len(args)),
	}
	for i, arg := range args {
		tm.buf = tm.buf[:0]
		v, err := tm.encodeText(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument $%d: %w", i+1, err)
		}
		if v != nil {
			v = append([]byte{}, v...)
		}
		p.Values[i] = v
		p.Formats[i] = TextFormatCode
	}
	return p, nil
}

func (tm *TypeMap) encodeText(arg interface{}) ([]byte, error) {
	if arg == nil {
		return nil, nil
	}

	switch arg := arg.(type) {
	case string:
		return []byte(arg), nil
	case []byte:
		return (&pgtype.Bytea{Bytes: arg, Status: pgtype.Present}).EncodeText(tm.connInfo, tm.buf)
	case pgtype.TextEncoder:
		return arg.EncodeText(tm.connInfo, tm.buf)
	case driver.Valuer:
		v, err := callValuerValue(arg)
		if err != nil {
			return nil, err
		}
		return tm.encodeText(v)
	}

	refVal := reflect.ValueOf(arg)
	if refVal.Kind() == reflect.Ptr {
		if refVal.IsNil() {
			return nil, nil
		}
		return tm.encodeText(refVal.Elem().Interface())
	}

	if dt, ok := tm.connInfo.DataTypeForValue(arg); ok {
		value := dt.Value
		if err := value.Set(arg); err != nil {
			return nil, err
		}
		if enc, ok := value.(pgtype.TextEncoder); ok {
			return enc.EncodeText(tm.connInfo, tm.buf)
		}
	}

	if stripped, ok := stripNamedType(&refVal); ok {
		return tm.encodeText(stripped)
	}
	return nil, SerializationError(fmt.Sprintf("cannot encode %T in text format - %T must implement TextEncoder or be converted to a string", arg, arg))
}

// Scan decodes src, received with the given type OID and format, into dst which must be a non-nil pointer.
func (tm *TypeMap) Scan(oid uint32, format int16, src []byte, dst interface{}) error {
	if dst == nil || reflect2.IsNil(dst) || reflect2.TypeOf(dst).Kind() != reflect.Ptr {
		return SerializationError(fmt.Sprintf("scan destination must be a non-nil pointer, got %T", dst))
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.connInfo.Scan(oid, format, src, dst)
}

// TypeName returns the registered name of oid, or an empty string.
func (tm *TypeMap) TypeName(oid uint32) string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if dt, ok := tm.connInfo.DataTypeForOID(oid); ok {
		return dt.Name
	}
	return ""
}

var valuerReflectType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()

// callValuerValue returns vr.Value(), with one exception:
// If vr.Value is an auto-generated method on a pointer type and the
// pointer is nil, it would panic at runtime in the panic-wrap
// method. Treat it like nil instead.
func callValuerValue(vr driver.Valuer) (v driver.Value, err error) {
	if rv := reflect.ValueOf(vr); rv.Kind() == reflect.Ptr &&
		rv.IsNil() &&
		rv.Type().Elem().Implements(valuerReflectType) {
		return nil, nil
	}
	return vr.Value()
}

// stripNamedType converts a value of a named basic type (type Age int) to the underlying type.
func stripNamedType(val *reflect.Value) (interface{}, bool) {
	var conv interface{}
	switch val.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		conv = val.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		conv = val.Uint()
	case reflect.Float32, reflect.Float64:
		conv = val.Float()
	case reflect.Bool:
		conv = val.Bool()
	case reflect.String:
		conv = val.String()
	default:
		return nil, false
	}
	return conv, reflect.TypeOf(conv) != val.Type()
}
