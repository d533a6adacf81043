// Package torrentid generates and inspects BitTorrent peer-ids. This is
// branding, not core protocol: the wire and tracker layers treat a peer-id
// as an opaque 20-byte value, but conventionally its first 8 bytes follow
// the Azureus-style "-XX0000-" convention (a 2-byte client code and a
// 4-digit version), which is what lets a packet capture or tracker log
// attribute a swarm participant to a particular client implementation.
package torrentid

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// Size is the fixed length of a BitTorrent peer-id.
const Size = sha1.Size

// Generate returns a new Azureus-style peer-id: "-" + code (2 ASCII chars)
// + version (4 ASCII digits) + "-" followed by 12 cryptographically random
// bytes. code and version are truncated/padded to fit their fixed widths.
func Generate(code string, version [4]byte) ([Size]byte, error) {
	var id [Size]byte

	prefix := fmt.Sprintf("-%2.2s%4.4s-", padCode(code), string(version[:]))
	n := copy(id[:], prefix)

	if _, err := rand.Read(id[n:]); err != nil {
		return [Size]byte{}, fmt.Errorf("torrentid: generate: %w", err)
	}
	return id, nil
}

func padCode(code string) string {
	for len(code) < 2 {
		code += "0"
	}
	return code[:2]
}

// Client describes the branding recovered from a peer-id that follows the
// Azureus convention. Ok is false for peer-ids that don't match the
// convention (Shadow-style and raw clients are common and are simply
// reported as unrecognized, never an error: branding is cosmetic).
type Client struct {
	Code    string
	Version string
	Ok      bool
}

// Describe extracts the client code and version from an Azureus-style
// peer-id, if it looks like one.
func Describe(peerID [Size]byte) Client {
	if peerID[0] != '-' || peerID[7] != '-' {
		return Client{}
	}
	return Client{
		Code:    string(peerID[1:3]),
		Version: string(peerID[3:7]),
		Ok:      true,
	}
}
