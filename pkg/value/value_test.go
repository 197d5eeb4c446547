package value

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessorsCheckTag(t *testing.T) {
	v := Int32(-7)
	i, ok := v.Int32()
	require.True(t, ok)
	assert.Equal(t, int32(-7), i)

	_, ok = v.UInt32()
	assert.False(t, ok, "int32 must not read as uint32")
	_, ok = v.Str()
	assert.False(t, ok)
	assert.Equal(t, TypeNone, Value{}.Type())
	assert.True(t, None().IsNone())
}

func TestContainersAreCopies(t *testing.T) {
	raw := []byte{1, 2, 3}
	b := Binary(raw)
	raw[0] = 9
	got, ok := b.Bytes()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	got[1] = 8
	again, _ := b.Bytes()
	assert.Equal(t, byte(2), again[1])

	entries := map[string]Value{"a": Int32(1)}
	d := Dict(entries)
	entries["b"] = Int32(2)
	assert.Equal(t, 1, d.Len())

	d2 := d.With("b", String("x"))
	assert.Equal(t, 1, d.Len(), "With must not mutate the receiver")
	assert.Equal(t, []string{"a", "b"}, d2.Keys())
}

func TestListOrderPreserved(t *testing.T) {
	l := List(String("c"), String("a"), String("b"))
	l = l.Append(Int32(4))
	require.Equal(t, 4, l.Len())
	first, _ := l.Index(0)
	last, _ := l.Index(3)
	assert.True(t, Equal(first, String("c")))
	assert.True(t, Equal(last, Int32(4)))
	_, ok := l.Index(4)
	assert.False(t, ok)
}

func TestCBORPreservesTags(t *testing.T) {
	in := Dict(map[string]Value{
		"id":      UInt32(42),
		"delta":   Int32(-3),
		"name":    String("song"),
		"blob":    Binary([]byte{0xde, 0xad}),
		"entries": List(Int32(1), None(), StringList("x", "y")),
		"empty":   List(),
		"nested":  Dict(nil),
	})

	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, Equal(in, out), "got %s", out)

	id, ok := out.DictUInt32("id")
	require.True(t, ok, "uint32 must stay uint32 after decoding")
	assert.Equal(t, uint32(42), id)
}

func TestCBORRejectsBadEnvelopes(t *testing.T) {
	unknown, err := cbor.Marshal([]any{99, 1})
	require.NoError(t, err)
	_, err = Unmarshal(unknown)
	assert.Error(t, err)

	overflow, err := cbor.Marshal([]any{uint8(TypeInt32), int64(1) << 40})
	require.NoError(t, err)
	_, err = Unmarshal(overflow)
	assert.Error(t, err)

	noneWithPayload, err := cbor.Marshal([]any{uint8(TypeNone), 1})
	require.NoError(t, err)
	_, err = Unmarshal(noneWithPayload)
	assert.Error(t, err)
}

func TestMatchesSignature(t *testing.T) {
	sig := []Type{TypeUInt32, TypeString}
	assert.True(t, Matches(sig, []Value{UInt32(1), String("cli")}))
	assert.False(t, Matches(sig, []Value{UInt32(1)}))
	assert.False(t, Matches(sig, []Value{Int32(1), String("cli")}))
	assert.True(t, Matches(nil, nil))
}

func TestJSONProjection(t *testing.T) {
	v := Dict(map[string]Value{"vol": Dict(map[string]Value{"left": Int32(40)}), "state": UInt32(1)})
	data, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"vol":{"left":40},"state":1}`, string(data))
	assert.Equal(t, `{state: 1, vol: {left: 40}}`, v.String())
}
