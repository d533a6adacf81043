package peer

import "github.com/fenwick-labs/torrentcore/internal/bencode"

// ExtendedHandshake is the BEP 10 extended-protocol handshake payload,
// exchanged as an Extended message with ext_id 0. Both peers send it once,
// immediately after the base handshake, when they both set the
// extension_protocol reserved bit.
type ExtendedHandshake struct {
	// M maps extension name to the locally-assigned message id for that
	// extension. An empty map is valid: it declares extension-protocol
	// support without registering any extension.
	M map[string]int64

	Port         int64  // "p": local TCP listen port
	Version      string // "v": free-form client version string
	YourIP       []byte // "yourip": 4 or 16 raw bytes, the sender's view of our address
	ReqQ         int64  // "reqq": outstanding request queue depth
	MetadataSize int64  // "metadata_size": total bencoded size of the info dict, BEP 9
}

// Marshal encodes h as a bencoded dictionary. Zero-valued optional fields
// are omitted rather than encoded as 0 or empty, matching how reference
// clients emit this message.
func (h ExtendedHandshake) Marshal() []byte {
	mEntries := make([]bencode.DictEntry, 0, len(h.M))
	for name, id := range h.M {
		mEntries = append(mEntries, bencode.DictEntry{
			Key:   []byte(name),
			Value: bencode.NewInteger(id),
		})
	}

	entries := []bencode.DictEntry{
		{Key: []byte("m"), Value: bencode.NewDict(mEntries)},
	}
	if h.Port != 0 {
		entries = append(entries, bencode.DictEntry{Key: []byte("p"), Value: bencode.NewInteger(h.Port)})
	}
	if h.Version != "" {
		entries = append(entries, bencode.DictEntry{Key: []byte("v"), Value: bencode.NewString([]byte(h.Version))})
	}
	if len(h.YourIP) > 0 {
		entries = append(entries, bencode.DictEntry{Key: []byte("yourip"), Value: bencode.NewString(h.YourIP)})
	}
	if h.ReqQ != 0 {
		entries = append(entries, bencode.DictEntry{Key: []byte("reqq"), Value: bencode.NewInteger(h.ReqQ)})
	}
	if h.MetadataSize != 0 {
		entries = append(entries, bencode.DictEntry{Key: []byte("metadata_size"), Value: bencode.NewInteger(h.MetadataSize)})
	}

	return bencode.Marshal(bencode.NewDict(entries))
}

// ParseExtendedHandshake decodes the bencoded payload of an ext_id-0
// Extended message.
func ParseExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	v, err := bencode.DecodeAll(payload)
	if err != nil {
		return nil, &Error{Kind: MalformedMessage, MessageID: MsgExtended, Detail: "not a bencoded dictionary: " + err.Error()}
	}

	r := bencode.NewReader(v)
	mDict, err := r.RequireDict("m")
	if err != nil {
		return nil, &Error{Kind: MalformedMessage, MessageID: MsgExtended, Detail: "missing 'm' dictionary"}
	}

	m := make(map[string]int64, len(mDict.Dict()))
	for _, e := range mDict.Dict() {
		if id, ok := e.Value.TryInt(); ok {
			m[string(e.Key)] = id
		}
	}

	h := &ExtendedHandshake{M: m}
	h.Port, _, _ = r.OptionalInt("p")
	if vb, ok, _ := r.OptionalBytes("v"); ok {
		h.Version = string(vb)
	}
	h.YourIP, _, _ = r.OptionalBytes("yourip")
	h.ReqQ, _, _ = r.OptionalInt("reqq")
	h.MetadataSize, _, _ = r.OptionalInt("metadata_size")

	return h, nil
}
