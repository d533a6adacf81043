package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeString(t *testing.T) {
	v, n, err := Decode([]byte("4:spam"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []byte("spam"), v.Bytes())

	v, _, err = Decode([]byte("0:"))
	require.NoError(t, err)
	assert.Equal(t, []byte(""), v.Bytes())

	v, n, err = Decode([]byte("6:你好"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, "你好", string(v.Bytes()))
}

func TestDecodeStringZeroCopy(t *testing.T) {
	buf := []byte("4:spam")
	v, _, err := Decode(buf)
	require.NoError(t, err)

	buf[2] = 'x'
	assert.Equal(t, "xpam", string(v.Bytes()), "payload should borrow the input buffer")
}

func TestDecodeInteger(t *testing.T) {
	cases := map[string]int64{
		"i0e":   0,
		"i42e":  42,
		"i-7e":  -7,
		"i100e": 100,
	}

	for s, want := range cases {
		v, n, err := Decode([]byte(s))
		require.NoError(t, err, s)
		assert.Equal(t, len(s), n)
		assert.Equal(t, want, v.Int())
	}
}

func TestDecodeIntegerRejectsLeadingZero(t *testing.T) {
	_, _, err := Decode([]byte("i03e"))
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, LeadingZero, de.Kind)
}

func TestDecodeIntegerRejectsNegativeZero(t *testing.T) {
	_, _, err := Decode([]byte("i-0e"))
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, NegativeZero, de.Kind)
}

func TestDecodeIntegerRejectsBareSign(t *testing.T) {
	_, _, err := Decode([]byte("i-e"))
	require.Error(t, err)
}

func TestDecodeList(t *testing.T) {
	v, _, err := Decode([]byte("le"))
	require.NoError(t, err)
	assert.Empty(t, v.List())

	v, _, err = Decode([]byte("l4:spam4:eggsi42ee"))
	require.NoError(t, err)
	items := v.List()
	require.Len(t, items, 3)
	assert.Equal(t, []byte("spam"), items[0].Bytes())
	assert.Equal(t, []byte("eggs"), items[1].Bytes())
	assert.Equal(t, int64(42), items[2].Int())

	v, _, err = Decode([]byte("l1:al1:b1:cee"))
	require.NoError(t, err)
	items = v.List()
	require.Len(t, items, 2)
	assert.Equal(t, []byte("a"), items[0].Bytes())
	nested := items[1].List()
	require.Len(t, nested, 2)
	assert.Equal(t, []byte("b"), nested[0].Bytes())
	assert.Equal(t, []byte("c"), nested[1].Bytes())
}

func TestDecodeDict(t *testing.T) {
	v, _, err := Decode([]byte("de"))
	require.NoError(t, err)
	assert.Empty(t, v.Dict())

	v, _, err = Decode([]byte("d3:bar4:spam3:fooi42ee"))
	require.NoError(t, err)

	bar, ok := v.Get("bar")
	require.True(t, ok)
	assert.Equal(t, []byte("spam"), bar.Bytes())

	foo, ok := v.Get("foo")
	require.True(t, ok)
	assert.Equal(t, int64(42), foo.Int())
}

func TestDecodeDictPreservesKeyOrder(t *testing.T) {
	v, _, err := Decode([]byte("d3:zeb1:z3:abci1ee"))
	require.NoError(t, err)
	entries := v.Dict()
	require.Len(t, entries, 2)
	assert.Equal(t, "zeb", string(entries[0].Key))
	assert.Equal(t, "abc", string(entries[1].Key))
}

func TestDecodeRawSpan(t *testing.T) {
	buf := []byte("d4:infod6:lengthi10eee")
	v, _, err := Decode(buf)
	require.NoError(t, err)

	info, ok := v.Get("info")
	require.True(t, ok)
	assert.Equal(t, "d6:lengthi10ee", string(info.Raw()))
}

func TestDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind DecodeErrorKind
	}{
		{"negative string length", "-1:", UnexpectedToken},
		{"non-numeric string length", "x:ab", UnexpectedToken},
		{"missing colon", "3", UnexpectedEnd},
		{"unterminated integer", "i42", UnexpectedEnd},
		{"invalid integer content", "i4x2e", UnexpectedToken},
		{"unterminated list", "l4:spam", UnexpectedEnd},
		{"unterminated dict", "d3:bar4:spam", UnexpectedEnd},
		{"string payload runs past end", "10:abc", EofInsideString},
		{"unknown leading byte", "x", UnexpectedToken},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.in))
			require.Error(t, err)
			de, ok := err.(*DecodeError)
			require.True(t, ok, "expected *DecodeError, got %T", err)
			assert.Equal(t, tt.kind, de.Kind)
		})
	}
}

func TestDecodeAllRejectsTrailingBytes(t *testing.T) {
	_, err := DecodeAll([]byte("4:spamtrailing"))
	require.Error(t, err)
	de, ok := err.(*DecodeError)
	require.True(t, ok)
	assert.Equal(t, TrailingBytes, de.Kind)
}

func TestDecodeAllAcceptsExactInput(t *testing.T) {
	v, err := DecodeAll([]byte("4:spam"))
	require.NoError(t, err)
	assert.Equal(t, []byte("spam"), v.Bytes())
}
