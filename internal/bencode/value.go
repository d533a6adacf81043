// Package bencode implements the bencode serialization format (BEP 3):
// byte strings, signed integers, lists, and dictionaries with
// lexicographically key-ordered encoding. The decoder borrows byte-string
// payloads from the input buffer rather than copying them, because the
// info-hash computation in package metainfo hashes a raw decoded slice
// directly — any copy on that path would be wasted work on every torrent
// load.
package bencode

import "unicode/utf8"

// Kind tags the four bencode value shapes. Implementers should treat this
// as a closed set: canonical BitTorrent never adds a fifth.
type Kind int

const (
	String Kind = iota
	Integer
	List
	Dict
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case List:
		return "list"
	case Dict:
		return "dict"
	default:
		return "unknown"
	}
}

// DictEntry is one key/value pair of a Dict value. Entries preserve the
// order they were decoded in (not sorted) so that a Value round-tripped
// through Decode then Encode against a canonical input reproduces it
// byte-for-byte even though decoding itself does not require canonical
// input.
type DictEntry struct {
	Key   []byte
	Value Value
}

// Value is a tagged union over the four bencode kinds. The zero Value is
// not meaningful; construct one with Decode or the New* helpers.
type Value struct {
	kind Kind

	str  []byte
	num  int64
	list []Value
	dict []DictEntry

	// raw is the exact source byte span this value occupied when it was
	// produced by Decode. It is nil for values built programmatically via
	// the New* constructors. InfoSlice (info.go) and metainfo.Parse rely on
	// this field being set for decoded values.
	raw []byte
}

// NewString returns a ByteString Value wrapping b. b is not copied; callers
// that mutate b after this call invalidate the Value.
func NewString(b []byte) Value { return Value{kind: String, str: b} }

// NewInteger returns an Integer Value.
func NewInteger(n int64) Value { return Value{kind: Integer, num: n} }

// NewList returns a List Value.
func NewList(items []Value) Value { return Value{kind: List, list: items} }

// NewDict returns a Dict Value from entries in caller-supplied order.
// Encode will re-sort a copy of entries by key for output; the input slice
// is not mutated.
func NewDict(entries []DictEntry) Value { return Value{kind: Dict, dict: entries} }

// Kind reports which of the four bencode shapes v holds.
func (v Value) Kind() Kind { return v.kind }

// Bytes returns the payload of a String value. It panics if v is not a
// String; callers that don't already know the shape should use TryBytes.
func (v Value) Bytes() []byte {
	if v.kind != String {
		panic("bencode: Bytes called on non-string Value")
	}
	return v.str
}

// TryBytes returns the payload of a String value, or ok=false otherwise.
func (v Value) TryBytes() (b []byte, ok bool) {
	if v.kind != String {
		return nil, false
	}
	return v.str, true
}

// TryStringView returns the payload of a String value interpreted as a
// UTF-8 string. It returns a Utf8 DecodeError if the bytes are not valid
// UTF-8; structural decoding never requires this, only callers that want a
// display string (e.g. file path components) should call it.
func (v Value) TryStringView() (string, error) {
	b, ok := v.TryBytes()
	if !ok {
		return "", &TypedError{Kind: TypeMismatch, Expected: "string", Actual: v.kind.String()}
	}
	if !utf8.Valid(b) {
		return "", newDecodeError(Utf8, 0, "string view requested on non-utf8 byte string")
	}
	return string(b), nil
}

// Int returns the value of an Integer value. It panics if v is not an
// Integer.
func (v Value) Int() int64 {
	if v.kind != Integer {
		panic("bencode: Int called on non-integer Value")
	}
	return v.num
}

// TryInt returns the value of an Integer value, or ok=false otherwise.
func (v Value) TryInt() (n int64, ok bool) {
	if v.kind != Integer {
		return 0, false
	}
	return v.num, true
}

// List returns the elements of a List value. It panics if v is not a List.
func (v Value) List() []Value {
	if v.kind != List {
		panic("bencode: List called on non-list Value")
	}
	return v.list
}

// TryList returns the elements of a List value, or ok=false otherwise.
func (v Value) TryList() (items []Value, ok bool) {
	if v.kind != List {
		return nil, false
	}
	return v.list, true
}

// Dict returns the entries of a Dict value in decode order. It panics if v
// is not a Dict.
func (v Value) Dict() []DictEntry {
	if v.kind != Dict {
		panic("bencode: Dict called on non-dict Value")
	}
	return v.dict
}

// TryDict returns the entries of a Dict value, or ok=false otherwise.
func (v Value) TryDict() (entries []DictEntry, ok bool) {
	if v.kind != Dict {
		return nil, false
	}
	return v.dict, true
}

// Get looks up key in a Dict value, returning ok=false if v is not a Dict
// or the key is absent. Lookup is linear; dictionaries in torrent metadata
// are small enough (single digits to low dozens of keys) that this beats
// the allocation of building a map for one-shot lookups.
func (v Value) Get(key string) (Value, bool) {
	entries, ok := v.TryDict()
	if !ok {
		return Value{}, false
	}
	for _, e := range entries {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Raw returns the exact source byte span this value occupied when decoded,
// or nil if v was built programmatically. InfoSlice uses this to hash the
// "info" sub-document without any re-serialization risk.
func (v Value) Raw() []byte { return v.raw }
