package bencode

// Reader gives typed, per-field access to a Dict Value. Every accessor
// takes the dictionary key and returns a TypedError naming that key on
// failure, so callers building structs (metainfo.Info, peer.ExtendedHandshake)
// don't have to repeat "missing X" / "X is wrong type" plumbing at each
// field.
type Reader struct {
	v Value
}

// NewReader wraps a Dict Value for typed field access. It does not
// validate v.Kind(): if v is not a Dict, every key reads as absent, so the
// Require* accessors report MissingField and the Optional* accessors
// report the field as not present.
func NewReader(v Value) *Reader {
	return &Reader{v: v}
}

// Keys returns the dictionary's keys in decode order. Callers that need to
// reject or tolerate unrecognized fields (e.g. the "m" sub-dictionary of an
// extended handshake) range over this rather than guessing at a fixed set.
func (r *Reader) Keys() []string {
	entries, ok := r.v.TryDict()
	if !ok {
		return nil
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = string(e.Key)
	}
	return keys
}

// Has reports whether key is present.
func (r *Reader) Has(key string) bool {
	_, ok := r.v.Get(key)
	return ok
}

func (r *Reader) RequireBytes(key string) ([]byte, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return nil, &TypedError{Kind: MissingField, Field: key}
	}
	b, ok := fv.TryBytes()
	if !ok {
		return nil, &TypedError{Kind: TypeMismatch, Field: key, Expected: "string", Actual: fv.Kind().String()}
	}
	return b, nil
}

func (r *Reader) OptionalBytes(key string) ([]byte, bool, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := fv.TryBytes()
	if !ok {
		return nil, false, &TypedError{Kind: TypeMismatch, Field: key, Expected: "string", Actual: fv.Kind().String()}
	}
	return b, true, nil
}

// RequireString is RequireBytes with a UTF-8 view; it exists for fields
// (like "path" components or tracker announce URLs) that are meant to be
// human-readable text rather than opaque payloads such as info_hash.
func (r *Reader) RequireString(key string) (string, error) {
	b, err := r.RequireBytes(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) RequireInt(key string) (int64, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return 0, &TypedError{Kind: MissingField, Field: key}
	}
	n, ok := fv.TryInt()
	if !ok {
		return 0, &TypedError{Kind: TypeMismatch, Field: key, Expected: "integer", Actual: fv.Kind().String()}
	}
	return n, nil
}

func (r *Reader) OptionalInt(key string) (int64, bool, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return 0, false, nil
	}
	n, ok := fv.TryInt()
	if !ok {
		return 0, false, &TypedError{Kind: TypeMismatch, Field: key, Expected: "integer", Actual: fv.Kind().String()}
	}
	return n, true, nil
}

func (r *Reader) RequireList(key string) ([]Value, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return nil, &TypedError{Kind: MissingField, Field: key}
	}
	items, ok := fv.TryList()
	if !ok {
		return nil, &TypedError{Kind: TypeMismatch, Field: key, Expected: "list", Actual: fv.Kind().String()}
	}
	return items, nil
}

func (r *Reader) OptionalList(key string) ([]Value, bool, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return nil, false, nil
	}
	items, ok := fv.TryList()
	if !ok {
		return nil, false, &TypedError{Kind: TypeMismatch, Field: key, Expected: "list", Actual: fv.Kind().String()}
	}
	return items, true, nil
}

// RequireDict returns the sub-Value itself (not a *Reader) so that callers
// needing its raw source span — info-hash computation being the one case
// that matters — can still call Raw() on it.
func (r *Reader) RequireDict(key string) (Value, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return Value{}, &TypedError{Kind: MissingField, Field: key}
	}
	if fv.Kind() != Dict {
		return Value{}, &TypedError{Kind: TypeMismatch, Field: key, Expected: "dict", Actual: fv.Kind().String()}
	}
	return fv, nil
}

func (r *Reader) OptionalDict(key string) (Value, bool, error) {
	fv, ok := r.v.Get(key)
	if !ok {
		return Value{}, false, nil
	}
	if fv.Kind() != Dict {
		return Value{}, false, &TypedError{Kind: TypeMismatch, Field: key, Expected: "dict", Actual: fv.Kind().String()}
	}
	return fv, true, nil
}
