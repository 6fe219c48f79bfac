// Package core provides the foundational types shared by every part of the
// instruflow engine.
//
// This package contains:
//   - Data types: Kind, DataType and the DataItem carried along bindings
//   - Sequence attributes: SeqMark and Attribute
//   - Parameters: ParamSpec, ParamSet and Values
//   - The error taxonomy raised by the engine
package core

import (
	"fmt"
	"math"
	"reflect"
	"strings"
)

// Kind is the scalar kind of a port or a data item.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindInt32
	KindUInt32
	KindInt64
	KindUInt64
	KindFloat
	KindDblFloat
	KindString
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindInt32:     "int32",
	KindUInt32:    "uint32",
	KindInt64:     "int64",
	KindUInt64:    "uint64",
	KindFloat:     "float",
	KindDblFloat:  "dblFloat",
	KindString:    "string",
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Integer reports whether the kind is one of the integer kinds.
func (k Kind) Integer() bool {
	return k >= KindInt32 && k <= KindUInt64
}

// Floating reports whether the kind is float or dblFloat.
func (k Kind) Floating() bool {
	return k == KindFloat || k == KindDblFloat
}

// Numeric reports whether the kind holds numbers.
func (k Kind) Numeric() bool {
	return k.Integer() || k.Floating()
}

// DataType is the declared type of a port: a scalar kind, optionally as a
// vector. The zero value is the undefined type, which accepts anything.
type DataType struct {
	Kind   Kind
	Vector bool
}

// Predefined scalar types.
var (
	TypeUndefined = DataType{}
	TypeInt32     = DataType{Kind: KindInt32}
	TypeUInt32    = DataType{Kind: KindUInt32}
	TypeInt64     = DataType{Kind: KindInt64}
	TypeUInt64    = DataType{Kind: KindUInt64}
	TypeFloat     = DataType{Kind: KindFloat}
	TypeDblFloat  = DataType{Kind: KindDblFloat}
	TypeString    = DataType{Kind: KindString}
)

// VectorOf returns the vector type of the given kind.
func VectorOf(k Kind) DataType {
	return DataType{Kind: k, Vector: true}
}

// Defined reports whether the type constrains its data.
func (t DataType) Defined() bool {
	return t.Kind != KindUndefined
}

// String returns "int64" for scalars and "vector<int64>" for vectors.
func (t DataType) String() string {
	if t.Vector {
		return "vector<" + t.Kind.String() + ">"
	}
	return t.Kind.String()
}

// Compatible reports whether data of type t may flow into a port of type o
// without an explicit converter. Undefined matches anything; integer kinds
// convert among themselves, as do floating kinds.
func (t DataType) Compatible(o DataType) bool {
	if !t.Defined() || !o.Defined() {
		return true
	}
	if t == o {
		return true
	}
	if t.Vector != o.Vector {
		return false
	}
	return (t.Kind.Integer() && o.Kind.Integer()) || (t.Kind.Floating() && o.Kind.Floating())
}

// ParseDataType parses the String form of a DataType.
func ParseDataType(s string) (DataType, error) {
	s = strings.TrimSpace(s)
	vector := false
	if strings.HasPrefix(s, "vector<") && strings.HasSuffix(s, ">") {
		vector = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "vector<"), ">")
	}
	for k, name := range kindNames {
		if name == s {
			return DataType{Kind: Kind(k), Vector: vector}, nil
		}
	}
	return TypeUndefined, fmt.Errorf("unknown data type %q", s)
}

// TypeOf infers the DataType of a Go value. Plain int is treated as int64.
func TypeOf(v any) DataType {
	switch v.(type) {
	case int32:
		return TypeInt32
	case uint32:
		return TypeUInt32
	case int64, int:
		return TypeInt64
	case uint64:
		return TypeUInt64
	case float32:
		return TypeFloat
	case float64:
		return TypeDblFloat
	case string:
		return TypeString
	case []int32:
		return VectorOf(KindInt32)
	case []uint32:
		return VectorOf(KindUInt32)
	case []int64:
		return VectorOf(KindInt64)
	case []uint64:
		return VectorOf(KindUInt64)
	case []float32:
		return VectorOf(KindFloat)
	case []float64:
		return VectorOf(KindDblFloat)
	case []string:
		return VectorOf(KindString)
	default:
		return TypeUndefined
	}
}

// DataItem is one value travelling along a binding.
type DataItem struct {
	Type  DataType
	Value any
	Attr  Attribute
}

// NewItem builds a DataItem whose type is inferred from the value.
func NewItem(value any, attr Attribute) DataItem {
	if i, ok := value.(int); ok {
		value = int64(i)
	}
	return DataItem{Type: TypeOf(value), Value: value, Attr: attr}
}

// As returns a copy of the item converted to the given type.
func (d DataItem) As(t DataType) (DataItem, error) {
	if !t.Defined() || d.Type == t {
		return d, nil
	}
	v, err := Convert(d.Value, t)
	if err != nil {
		return DataItem{}, err
	}
	return DataItem{Type: t, Value: v, Attr: d.Attr}, nil
}

// Convert converts a value to the given type. Numeric kinds convert among
// themselves; floats convert to integers by rounding half away from zero.
// Conversions between strings and numbers are rejected.
func Convert(v any, to DataType) (any, error) {
	if i, ok := v.(int); ok {
		v = int64(i)
	}
	from := TypeOf(v)
	if !to.Defined() || from == to {
		return v, nil
	}
	if !from.Defined() {
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrBindingType, v)
	}
	if from.Vector != to.Vector {
		return nil, fmt.Errorf("%w: cannot convert %s to %s", ErrBindingType, from, to)
	}
	if !to.Vector {
		return convertScalar(v, to.Kind)
	}

	src := reflect.ValueOf(v)
	elem, err := convertScalar(zeroOf(to.Kind), to.Kind)
	if err != nil {
		return nil, err
	}
	out := reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(elem)), 0, src.Len())
	for i := 0; i < src.Len(); i++ {
		c, err := convertScalar(src.Index(i).Interface(), to.Kind)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = reflect.Append(out, reflect.ValueOf(c))
	}
	return out.Interface(), nil
}

func zeroOf(k Kind) any {
	if k == KindString {
		return ""
	}
	return int64(0)
}

func convertScalar(v any, k Kind) (any, error) {
	switch k {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("%w: cannot convert %T to string", ErrBindingType, v)
	case KindFloat:
		f, err := AsFloat64(v)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	case KindDblFloat:
		return AsFloat64(v)
	}

	i, err := AsInt64(v)
	if err != nil {
		return nil, err
	}
	switch k {
	case KindInt32:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %d overflows int32", ErrBindingType, i)
		}
		return int32(i), nil
	case KindUInt32:
		if i < 0 || i > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %d overflows uint32", ErrBindingType, i)
		}
		return uint32(i), nil
	case KindInt64:
		return i, nil
	case KindUInt64:
		if i < 0 {
			return nil, fmt.Errorf("%w: %d overflows uint64", ErrBindingType, i)
		}
		return uint64(i), nil
	}
	return nil, fmt.Errorf("%w: cannot convert to %s", ErrBindingType, k)
}

// AsFloat64 returns a numeric value as float64.
func AsFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrBindingType, v)
}

// AsInt64 returns a numeric value as int64, rounding floats half away from
// zero.
func AsInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrBindingType, n)
		}
		return int64(n), nil
	case float32:
		return roundToInt64(float64(n))
	case float64:
		return roundToInt64(n)
	}
	return 0, fmt.Errorf("%w: %T is not numeric", ErrBindingType, v)
}

func roundToInt64(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %v is not finite", ErrBindingType, f)
	}
	r := math.Round(f)
	if r < math.MinInt64 || r >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v overflows int64", ErrBindingType, f)
	}
	if r == 0 {
		return 0, nil
	}
	return int64(r), nil
}

// CopyValue returns a copy of v that shares no backing array with it.
func CopyValue(v any) any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice || rv.IsNil() {
		return v
	}
	out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(out, rv)
	return out.Interface()
}
