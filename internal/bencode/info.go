package bencode

// InfoSlice returns the untouched byte range inside data that spans the
// "info" value of a metainfo document. Hashing this slice (rather than a
// re-encoding of the parsed value) is how the info-hash stays identical to
// what every other client computes, byte-for-byte, even for non-canonical
// inputs.
func InfoSlice(data []byte) ([]byte, error) {
	v, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if v.Kind() != Dict {
		return nil, &TypedError{Kind: TypeMismatch, Field: "info", Expected: "dict", Actual: v.Kind().String()}
	}
	iv, ok := v.Get("info")
	if !ok {
		return nil, &TypedError{Kind: MissingField, Field: "info"}
	}
	return iv.Raw(), nil
}
