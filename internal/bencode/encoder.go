package bencode

import (
	"bytes"
	"io"
	"sort"
	"strconv"
)

// Encoder writes the canonical bencode representation of a Value to an
// io.Writer. Dictionary keys are always emitted in strict unsigned
// byte-wise ascending order, regardless of the order DictEntry slices were
// built in, so that Encode(Decode(b)) reproduces any canonical input
// byte-for-byte.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Marshal encodes v and returns the resulting bytes. It never fails for a
// Value built by this package's constructors or by Decode.
func Marshal(v Value) []byte {
	var buf bytes.Buffer
	_ = NewEncoder(&buf).Encode(v)
	return buf.Bytes()
}

// Encode writes the bencoded representation of v.
func (e *Encoder) Encode(v Value) error {
	switch v.kind {
	case String:
		return e.encodeString(v.str)
	case Integer:
		return e.encodeInteger(v.num)
	case List:
		return e.encodeList(v.list)
	case Dict:
		return e.encodeDict(v.dict)
	default:
		return &EncodeError{Detail: "value has no kind set"}
	}
}

func (e *Encoder) encodeInteger(n int64) error {
	buf := make([]byte, 0, 21)
	buf = append(buf, tokInteger)
	buf = strconv.AppendInt(buf, n, 10)
	buf = append(buf, tokEnd)
	_, err := e.w.Write(buf)
	return err
}

func (e *Encoder) encodeString(b []byte) error {
	buf := make([]byte, 0, 20+len(b))
	buf = strconv.AppendInt(buf, int64(len(b)), 10)
	buf = append(buf, tokColon)
	buf = append(buf, b...)
	_, err := e.w.Write(buf)
	return err
}

func (e *Encoder) encodeList(items []Value) error {
	if _, err := e.w.Write([]byte{tokList}); err != nil {
		return err
	}
	for _, item := range items {
		if err := e.Encode(item); err != nil {
			return err
		}
	}
	_, err := e.w.Write([]byte{tokEnd})
	return err
}

func (e *Encoder) encodeDict(entries []DictEntry) error {
	if _, err := e.w.Write([]byte{tokDict}); err != nil {
		return err
	}

	sorted := make([]DictEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(sorted[i-1].Key, sorted[i].Key) {
			panic("bencode: duplicate dictionary key " + string(sorted[i].Key))
		}
	}

	for _, entry := range sorted {
		if err := e.encodeString(entry.Key); err != nil {
			return err
		}
		if err := e.Encode(entry.Value); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{tokEnd})
	return err
}
