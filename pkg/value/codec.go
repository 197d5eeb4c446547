package value

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// On the wire a Value is a CBOR array: [tag] for None and [tag, payload]
// for every other type. Dict keys are encoded in deterministic order.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("value: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{MaxNestedLevels: 64}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("value: cbor decoder: %v", err))
	}
}

// Marshal encodes v as CBOR.
func Marshal(v Value) ([]byte, error) {
	return v.MarshalCBOR()
}

// Unmarshal decodes a CBOR encoded Value.
func Unmarshal(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalCBOR(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	tag := uint8(v.typ)
	switch v.typ {
	case TypeNone:
		return encMode.Marshal([]any{tag})
	case TypeInt32:
		return encMode.Marshal([]any{tag, v.i})
	case TypeUInt32:
		return encMode.Marshal([]any{tag, v.u})
	case TypeString:
		return encMode.Marshal([]any{tag, v.s})
	case TypeBinary:
		b := v.b
		if b == nil {
			b = []byte{}
		}
		return encMode.Marshal([]any{tag, b})
	case TypeList:
		items := v.list
		if items == nil {
			items = []Value{}
		}
		return encMode.Marshal([]any{tag, items})
	case TypeDict:
		entries := v.dict
		if entries == nil {
			entries = map[string]Value{}
		}
		return encMode.Marshal([]any{tag, entries})
	default:
		return nil, fmt.Errorf("value: cannot encode %s", v.typ)
	}
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var parts []cbor.RawMessage
	if err := decMode.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("value: decode envelope: %w", err)
	}
	if len(parts) == 0 {
		return errors.New("value: empty envelope")
	}
	var tag uint8
	if err := decMode.Unmarshal(parts[0], &tag); err != nil {
		return fmt.Errorf("value: decode tag: %w", err)
	}
	t := Type(tag)
	if !t.Valid() {
		return fmt.Errorf("value: unknown tag %d", tag)
	}
	if t == TypeNone {
		if len(parts) != 1 {
			return errors.New("value: none carries a payload")
		}
		*v = None()
		return nil
	}
	if len(parts) != 2 {
		return fmt.Errorf("value: %s envelope has %d parts", t, len(parts))
	}
	payload := parts[1]
	switch t {
	case TypeInt32:
		var i int32
		if err := decMode.Unmarshal(payload, &i); err != nil {
			return fmt.Errorf("value: decode int32: %w", err)
		}
		*v = Int32(i)
	case TypeUInt32:
		var u uint32
		if err := decMode.Unmarshal(payload, &u); err != nil {
			return fmt.Errorf("value: decode uint32: %w", err)
		}
		*v = UInt32(u)
	case TypeString:
		var s string
		if err := decMode.Unmarshal(payload, &s); err != nil {
			return fmt.Errorf("value: decode string: %w", err)
		}
		*v = String(s)
	case TypeBinary:
		var b []byte
		if err := decMode.Unmarshal(payload, &b); err != nil {
			return fmt.Errorf("value: decode binary: %w", err)
		}
		*v = Value{typ: TypeBinary, b: b}
	case TypeList:
		var items []Value
		if err := decMode.Unmarshal(payload, &items); err != nil {
			return fmt.Errorf("value: decode list: %w", err)
		}
		if items == nil {
			items = []Value{}
		}
		*v = Value{typ: TypeList, list: items}
	case TypeDict:
		var entries map[string]Value
		if err := decMode.Unmarshal(payload, &entries); err != nil {
			return fmt.Errorf("value: decode dict: %w", err)
		}
		if entries == nil {
			entries = map[string]Value{}
		}
		*v = Value{typ: TypeDict, dict: entries}
	}
	return nil
}

// MarshalJSON renders the plain projection of v.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}
