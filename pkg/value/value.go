// Package value implements the tagged value container used for every command
// argument, command result, property payload and plugin description.
//
// A Value never changes its type after construction. Containers are immutable:
// accessors hand out copies, so a Value can be passed across goroutines
// without further synchronisation.
package value

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Type identifies the kind of data held by a Value.
type Type uint8

const (
	TypeNone Type = iota
	TypeInt32
	TypeUInt32
	TypeString
	TypeBinary
	TypeList
	TypeDict
)

// String returns the lower-case type name.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeInt32:
		return "int32"
	case TypeUInt32:
		return "uint32"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	case TypeList:
		return "list"
	case TypeDict:
		return "dict"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known tags.
func (t Type) Valid() bool {
	return t <= TypeDict
}

// Value is a self-describing tagged value. The zero Value is None.
type Value struct {
	typ  Type
	i    int32
	u    uint32
	s    string
	b    []byte
	list []Value
	dict map[string]Value
}

// None returns the empty value.
func None() Value { return Value{} }

// Int32 wraps a signed integer.
func Int32(v int32) Value { return Value{typ: TypeInt32, i: v} }

// UInt32 wraps an unsigned integer.
func UInt32(v uint32) Value { return Value{typ: TypeUInt32, u: v} }

// String wraps a string.
func String(v string) Value { return Value{typ: TypeString, s: v} }

// Binary wraps a copy of p.
func Binary(p []byte) Value {
	return Value{typ: TypeBinary, b: bytes.Clone(p)}
}

// List builds an ordered list. Order is preserved.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{typ: TypeList, list: cp}
}

// StringList is a convenience constructor for a list of strings.
func StringList(items ...string) Value {
	out := make([]Value, len(items))
	for i, s := range items {
		out[i] = String(s)
	}
	return Value{typ: TypeList, list: out}
}

// Dict builds a dictionary from a copy of entries.
func Dict(entries map[string]Value) Value {
	cp := make(map[string]Value, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return Value{typ: TypeDict, dict: cp}
}

// Type returns the tag of v.
func (v Value) Type() Type { return v.typ }

// IsNone reports whether v carries no data.
func (v Value) IsNone() bool { return v.typ == TypeNone }

// Int32 extracts a signed integer.
func (v Value) Int32() (int32, bool) {
	if v.typ != TypeInt32 {
		return 0, false
	}
	return v.i, true
}

// UInt32 extracts an unsigned integer.
func (v Value) UInt32() (uint32, bool) {
	if v.typ != TypeUInt32 {
		return 0, false
	}
	return v.u, true
}

// Str extracts a string.
func (v Value) Str() (string, bool) {
	if v.typ != TypeString {
		return "", false
	}
	return v.s, true
}

// Bytes extracts a copy of a binary blob.
func (v Value) Bytes() ([]byte, bool) {
	if v.typ != TypeBinary {
		return nil, false
	}
	return bytes.Clone(v.b), true
}

// Len returns the number of list items or dict entries, the byte length of a
// binary or string, and zero otherwise.
func (v Value) Len() int {
	switch v.typ {
	case TypeList:
		return len(v.list)
	case TypeDict:
		return len(v.dict)
	case TypeBinary:
		return len(v.b)
	case TypeString:
		return len(v.s)
	default:
		return 0
	}
}

// Items returns a copy of the list items, or nil if v is not a list.
func (v Value) Items() []Value {
	if v.typ != TypeList {
		return nil
	}
	cp := make([]Value, len(v.list))
	copy(cp, v.list)
	return cp
}

// Index returns the list item at i.
func (v Value) Index(i int) (Value, bool) {
	if v.typ != TypeList || i < 0 || i >= len(v.list) {
		return Value{}, false
	}
	return v.list[i], true
}

// Get returns the dict entry for key.
func (v Value) Get(key string) (Value, bool) {
	if v.typ != TypeDict {
		return Value{}, false
	}
	e, ok := v.dict[key]
	return e, ok
}

// Keys returns the dict keys in sorted order.
func (v Value) Keys() []string {
	if v.typ != TypeDict {
		return nil
	}
	keys := make([]string, 0, len(v.dict))
	for k := range v.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of the dict entries.
func (v Value) Entries() map[string]Value {
	if v.typ != TypeDict {
		return nil
	}
	cp := make(map[string]Value, len(v.dict))
	for k, e := range v.dict {
		cp[k] = e
	}
	return cp
}

// With returns a new dict with key set to e. Calling With on a non-dict
// starts from an empty dict.
func (v Value) With(key string, e Value) Value {
	cp := make(map[string]Value, len(v.dict)+1)
	if v.typ == TypeDict {
		for k, old := range v.dict {
			cp[k] = old
		}
	}
	cp[key] = e
	return Value{typ: TypeDict, dict: cp}
}

// Append returns a new list with items appended.
func (v Value) Append(items ...Value) Value {
	var base []Value
	if v.typ == TypeList {
		base = v.list
	}
	cp := make([]Value, 0, len(base)+len(items))
	cp = append(cp, base...)
	cp = append(cp, items...)
	return Value{typ: TypeList, list: cp}
}

// DictString reads a string entry of a dict.
func (v Value) DictString(key string) (string, bool) {
	e, ok := v.Get(key)
	if !ok {
		return "", false
	}
	return e.Str()
}

// DictInt32 reads an Int32 entry of a dict.
func (v Value) DictInt32(key string) (int32, bool) {
	e, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	return e.Int32()
}

// DictUInt32 reads a UInt32 entry of a dict.
func (v Value) DictUInt32(key string) (uint32, bool) {
	e, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	return e.UInt32()
}

// Equal reports deep equality, including tags.
func Equal(a, b Value) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeNone:
		return true
	case TypeInt32:
		return a.i == b.i
	case TypeUInt32:
		return a.u == b.u
	case TypeString:
		return a.s == b.s
	case TypeBinary:
		return bytes.Equal(a.b, b.b)
	case TypeList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case TypeDict:
		if len(a.dict) != len(b.dict) {
			return false
		}
		for k, av := range a.dict {
			bv, ok := b.dict[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface projects v onto plain Go values: nil, int32, uint32, string,
// []byte, []any and map[string]any. Used for JSON rendering.
func (v Value) Interface() any {
	switch v.typ {
	case TypeInt32:
		return v.i
	case TypeUInt32:
		return v.u
	case TypeString:
		return v.s
	case TypeBinary:
		return bytes.Clone(v.b)
	case TypeList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case TypeDict:
		out := make(map[string]any, len(v.dict))
		for k, e := range v.dict {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders v for logs and CLI output.
func (v Value) String() string {
	var sb strings.Builder
	v.render(&sb)
	return sb.String()
}

func (v Value) render(sb *strings.Builder) {
	switch v.typ {
	case TypeNone:
		sb.WriteString("none")
	case TypeInt32:
		sb.WriteString(strconv.FormatInt(int64(v.i), 10))
	case TypeUInt32:
		sb.WriteString(strconv.FormatUint(uint64(v.u), 10))
	case TypeString:
		sb.WriteString(strconv.Quote(v.s))
	case TypeBinary:
		fmt.Fprintf(sb, "<%d bytes>", len(v.b))
	case TypeList:
		sb.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.render(sb)
		}
		sb.WriteByte(']')
	case TypeDict:
		sb.WriteByte('{')
		for i, k := range v.Keys() {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			v.dict[k].render(sb)
		}
		sb.WriteByte('}')
	}
}

// Matches reports whether args carry exactly the tags in sig, position by
// position.
func Matches(sig []Type, args []Value) bool {
	if len(sig) != len(args) {
		return false
	}
	for i, t := range sig {
		if args[i].typ != t {
			return false
		}
	}
	return true
}

// Types lists the tags of args, for diagnostics.
func Types(args []Value) []Type {
	out := make([]Type, len(args))
	for i, a := range args {
		out[i] = a.typ
	}
	return out
}
