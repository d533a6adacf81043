package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"io"
	"net"
	"time"
)

const pstr = "BitTorrent protocol"

// Reserved bit positions (MSB-first across the 8-byte reserved field), per
// the BEPs that define them.
const (
	reservedExtensionProtocolByte = 5
	reservedExtensionProtocolBit  = 0x10 // BEP 10

	reservedFastExtensionByte = 7
	reservedFastExtensionBit  = 0x04 // BEP 6

	reservedDHTByte = 7
	reservedDHTBit  = 0x01 // BEP 5
)

// Handshake is the 68-byte exchange that precedes any wire message.
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

// NewHandshake builds a Handshake for infoHash/peerID with no extension
// bits set. Callers that support BEP 10/6/5 should set the corresponding
// bit on Reserved before calling Perform.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{Pstr: pstr, InfoHash: infoHash, PeerID: peerID}
}

// SetExtensionProtocol sets or clears the BEP 10 extension-protocol bit.
func (h *Handshake) SetExtensionProtocol(on bool) {
	setBit(&h.Reserved[reservedExtensionProtocolByte], reservedExtensionProtocolBit, on)
}

// SetFastExtension sets or clears the BEP 6 fast-extension bit.
func (h *Handshake) SetFastExtension(on bool) {
	setBit(&h.Reserved[reservedFastExtensionByte], reservedFastExtensionBit, on)
}

// SetDHT sets or clears the BEP 5 DHT bit.
func (h *Handshake) SetDHT(on bool) {
	setBit(&h.Reserved[reservedDHTByte], reservedDHTBit, on)
}

func setBit(b *byte, mask byte, on bool) {
	if on {
		*b |= mask
	} else {
		*b &^= mask
	}
}

// ExtensionProtocol reports the BEP 10 bit of the remote's reserved field.
func (h *Handshake) ExtensionProtocol() bool {
	return h.Reserved[reservedExtensionProtocolByte]&reservedExtensionProtocolBit != 0
}

// FastExtension reports the BEP 6 bit of the remote's reserved field.
func (h *Handshake) FastExtension() bool {
	return h.Reserved[reservedFastExtensionByte]&reservedFastExtensionBit != 0
}

// DHT reports the BEP 5 bit of the remote's reserved field.
func (h *Handshake) DHT() bool {
	return h.Reserved[reservedDHTByte]&reservedDHTBit != 0
}

// Serialize encodes the handshake into the wire format:
// <pstrlen><pstr><reserved:8><info_hash:20><peer_id:20>.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 1+len(h.Pstr)+8+sha1.Size+sha1.Size)

	buf[0] = byte(len(h.Pstr))
	offset := 1
	offset += copy(buf[offset:], h.Pstr)
	offset += copy(buf[offset:], h.Reserved[:])
	offset += copy(buf[offset:], h.InfoHash[:])
	copy(buf[offset:], h.PeerID[:])

	return buf
}

// Perform writes this handshake to rw and reads the remote's handshake
// back, failing with InvalidHandshake or InfoHashMismatch if it does not
// match. If ctx carries a deadline and rw is a net.Conn, that deadline is
// applied to the whole exchange and cleared before returning.
func (h *Handshake) Perform(ctx context.Context, rw io.ReadWriter) (*Handshake, error) {
	if conn, ok := rw.(net.Conn); ok {
		if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
			_ = conn.SetDeadline(deadline)
			defer conn.SetDeadline(time.Time{})
		}
	}

	if _, err := rw.Write(h.Serialize()); err != nil {
		return nil, err
	}

	remote, err := readHandshake(rw)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(h.InfoHash[:], remote.InfoHash[:]) {
		return nil, &InfoHashMismatchError{Expected: h.InfoHash, Received: remote.InfoHash}
	}

	return remote, nil
}

// readHandshake reads a remote handshake from r and validates pstrlen/pstr.
func readHandshake(r io.Reader) (*Handshake, error) {
	sizeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return nil, err
	}

	pstrlen := sizeBuf[0]
	if pstrlen != byte(len(pstr)) {
		return nil, &Error{Kind: InvalidHandshake, Detail: "unexpected pstrlen"}
	}

	rest := make([]byte, int(pstrlen)+8+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	if string(rest[:pstrlen]) != pstr {
		return nil, &Error{Kind: InvalidHandshake, Detail: "unexpected protocol string"}
	}

	h := &Handshake{Pstr: pstr}
	offset := int(pstrlen)
	copy(h.Reserved[:], rest[offset:offset+8])
	offset += 8
	copy(h.InfoHash[:], rest[offset:offset+sha1.Size])
	offset += sha1.Size
	copy(h.PeerID[:], rest[offset:offset+sha1.Size])

	return h, nil
}
