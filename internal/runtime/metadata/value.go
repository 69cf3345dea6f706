package metadata

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/drblury/buslink/internal/runtime/jsoncodec"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is one JSON value. Numbers keep their literal text so a decode then
// encode reproduces them exactly. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  json.Number
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value                { return Value{} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Number(n json.Number) Value { return Value{kind: KindNumber, num: n} }
func Int(i int64) Value          { return Number(json.Number(strconv.FormatInt(i, 10))) }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value  { return Value{kind: KindList, list: append([]Value(nil), items...)} }
func Map(entries Metadata) Value { return Value{kind: KindMap, m: map[string]Value(entries.Clone())} }
func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }

// Float returns a number Value. NaN and infinities have no JSON form and
// are rejected.
func Float(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("metadata: %v is not representable in JSON", f)
	}
	return Number(json.Number(strconv.FormatFloat(f, 'g', -1, 64))), nil
}

func (v Value) AsString() (string, bool)      { return v.str, v.kind == KindString }
func (v Value) AsNumber() (json.Number, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)          { return v.b, v.kind == KindBool }

// AsList returns a copy of the list items.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return append([]Value(nil), v.list...), true
}

// AsMap returns a copy of the map entries.
func (v Value) AsMap() (Metadata, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return Metadata(v.m).Clone(), true
}

// Any converts the value to plain Go: nil, string, json.Number, bool,
// []any or map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Any()
		}
		return out
	}
	return nil
}

// Equal compares values structurally. Numbers compare by literal text.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return Metadata(v.m).Equal(o.m)
	}
	return true
}

func (v Value) String() string {
	if s, ok := v.AsString(); ok {
		return s
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return v.kind.String()
	}
	return string(data)
}

// FromAny converts a decoded JSON value or a Go scalar into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case json.Number:
		if _, err := strconv.ParseFloat(string(t), 64); err != nil {
			return Value{}, fmt.Errorf("metadata: invalid number %q", t)
		}
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Number(json.Number(strconv.FormatUint(t, 10))), nil
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Value{kind: KindMap, m: m}, nil
	}
	return Value{}, fmt.Errorf("metadata: unsupported value of type %T", x)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindNumber {
		return []byte(v.num), nil
	}
	return jsoncodec.Marshal(v.Any())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := jsoncodec.UnmarshalUseNumber(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func describe(x any) string {
	v, err := FromAny(x)
	if err != nil {
		return fmt.Sprintf("%T", x)
	}
	return v.Kind().String()
}
