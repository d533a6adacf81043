// Package metainfo builds a typed view of a .torrent document on top of
// package bencode, including the info-hash that identifies a torrent to
// trackers and peers.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/fenwick-labs/torrentcore/internal/bencode"
)

// Metainfo describes the contents of a .torrent file (BEP 3).
type Metainfo struct {
	// Info describes the payload. Its exact shape differs between
	// single-file and multi-file torrents and is used to compute the
	// info-hash.
	Info *Info

	// Announce is the "announce" URL as written in the file, if present.
	// When AnnounceList is non-empty it takes precedence (BEP 12), but both
	// fields are surfaced for callers that care about the raw document.
	Announce string

	// AnnounceList holds the "announce-list" backup tiers verbatim: each
	// inner slice is one tier, tried in order.
	AnnounceList [][]string

	// AnnounceURLs contains the tracker announce URLs from "announce-list",
	// in tier order, de-duplicated; "announce" is used only when the list
	// yields no URL.
	// This is the field most callers want; Announce/AnnounceList preserve
	// the source structure.
	AnnounceURLs []string

	// CreationDate is the optional creation timestamp, or the zero time if
	// absent.
	CreationDate time.Time

	// Comment is an optional free-form note set by the creator.
	Comment string

	// CreatedBy names the program that generated the torrent, if present.
	CreatedBy string

	// Encoding is the optional character encoding for string fields when
	// not UTF-8.
	Encoding string

	// Mode indicates single-file or multi-file layout.
	Mode FileMode

	// Size is the total payload size in bytes: the single file's length,
	// or the sum of all file lengths in multi-file mode.
	Size uint64

	// HTTPSeeds lists BEP 17 webseed URLs ("httpseeds"), if present.
	HTTPSeeds []string

	// URLList lists BEP 19 webseed URLs ("url-list"), if present. The
	// field may encode either a single URL or a list of URLs on the wire;
	// both forms are normalized to this slice.
	URLList []string
}

// Info is the "info" dictionary describing file(s) and piece layout.
type Info struct {
	// Hash is the 20-byte SHA-1 of the raw bencoded "info" dictionary (the
	// BitTorrent v1 info-hash).
	Hash [sha1.Size]byte

	// Name is the suggested display name: the top-level directory name in
	// multi-file mode, the filename in single-file mode.
	Name string

	// Files lists the files in multi-file mode; nil in single-file mode.
	Files *[]File

	// PieceLength is the number of bytes per piece. All pieces except the
	// last are this size.
	PieceLength uint64

	// Pieces holds the 20-byte SHA-1 hash of each piece, in order.
	Pieces [][sha1.Size]byte

	// Private is the BEP 27 flag: when true, peer discovery MUST be
	// restricted to the trackers named in the metainfo.
	Private bool

	// Source is an optional cross-tracker de-duplication tag (used by
	// some private trackers to derive a distinct info-hash per source
	// without otherwise changing the torrent contents).
	Source string

	// MD5Sum is the optional MD5 digest of the single file's contents, as
	// a lowercase hex string. Only meaningful in single-file mode; never
	// used for swarm identity, which is always the info-hash.
	MD5Sum string
}

// File is a single file entry within a multi-file torrent.
type File struct {
	Length uint64
	Path   []string

	// MD5Sum is the optional MD5 digest of this file's contents, as a
	// lowercase hex string.
	MD5Sum string
}

// FileMode identifies whether "info" describes one file or many.
type FileMode string

const (
	FileModeSingle   FileMode = "single"
	FileModeMultiple FileMode = "multiple"
)

// ErrorKind enumerates the ways a decoded bencode document can fail to be a
// well-formed metainfo.
type ErrorKind int

const (
	MissingField ErrorKind = iota
	PiecesLengthNotMultipleOf20
	UnknownInfoVariant
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing field"
	case PiecesLengthNotMultipleOf20:
		return "pieces length not a multiple of 20"
	case UnknownInfoVariant:
		return "info dictionary is neither single- nor multi-file"
	default:
		return "unknown metainfo error"
	}
}

// Error reports a metainfo validation failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("metainfo: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("metainfo: %s", e.Kind)
}

// Parse decodes raw as a bencoded metainfo document. It hashes the "info"
// sub-document from its exact source byte span (via Value.Raw), never by
// re-encoding the parsed structure, so that Parse agrees on the info-hash
// with any other implementation reading the same bytes, canonical or not.
func Parse(raw []byte) (*Metainfo, error) {
	top, err := bencode.DecodeAll(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	if top.Kind() != bencode.Dict {
		return nil, &Error{Kind: MissingField, Detail: "top-level value is not a dictionary"}
	}

	r := bencode.NewReader(top)

	infoVal, err := r.RequireDict("info")
	if err != nil {
		return nil, &Error{Kind: MissingField, Detail: "info"}
	}

	info, totalSize, err := parseInfo(infoVal)
	if err != nil {
		return nil, err
	}

	announce, announceList, announceURLs := parseAnnounce(r)

	var creation time.Time
	if secs, ok, _ := r.OptionalInt("creation date"); ok {
		creation = time.Unix(secs, 0)
	}

	comment, _, _ := r.OptionalBytes("comment")
	createdBy, _, _ := r.OptionalBytes("created by")
	encoding, _, _ := r.OptionalBytes("encoding")

	mode := FileModeSingle
	if info.Files != nil {
		mode = FileModeMultiple
	}

	return &Metainfo{
		Info:         info,
		Announce:     announce,
		AnnounceList: announceList,
		AnnounceURLs: announceURLs,
		CreationDate: creation,
		Comment:      string(comment),
		CreatedBy:    string(createdBy),
		Encoding:     string(encoding),
		Mode:         mode,
		Size:         totalSize,
		HTTPSeeds:    parseURLListField(r, "httpseeds"),
		URLList:      parseURLListField(r, "url-list"),
	}, nil
}

// parseURLListField reads a field that conventional torrent files encode
// as either a single byte-string URL or a list of them (both forms appear
// in the wild for "url-list" in particular), normalizing to a slice.
func parseURLListField(r *bencode.Reader, key string) []string {
	if items, ok, _ := r.OptionalList(key); ok {
		urls := make([]string, 0, len(items))
		for _, item := range items {
			if b, ok := item.TryBytes(); ok && len(b) > 0 {
				urls = append(urls, string(b))
			}
		}
		return urls
	}
	if b, ok, _ := r.OptionalBytes(key); ok && len(b) > 0 {
		return []string{string(b)}
	}
	return nil
}

// InfoHash returns the 20-byte BitTorrent v1 info-hash.
func (m *Metainfo) InfoHash() [sha1.Size]byte {
	return m.Info.Hash
}

// TotalLength returns the total payload size in bytes.
func (m *Metainfo) TotalLength() uint64 {
	return m.Size
}

func parseInfo(v bencode.Value) (*Info, uint64, error) {
	hash := sha1.Sum(v.Raw())

	r := bencode.NewReader(v)

	pieceLength, err := r.RequireInt("piece length")
	if err != nil {
		return nil, 0, &Error{Kind: MissingField, Detail: "piece length"}
	}
	if pieceLength <= 0 {
		return nil, 0, &Error{Kind: MissingField, Detail: "piece length must be positive"}
	}

	piecesRaw, err := r.RequireBytes("pieces")
	if err != nil {
		return nil, 0, &Error{Kind: MissingField, Detail: "pieces"}
	}
	pieces, err := splitPieces(piecesRaw)
	if err != nil {
		return nil, 0, err
	}

	name, err := r.RequireBytes("name")
	if err != nil {
		return nil, 0, &Error{Kind: MissingField, Detail: "name"}
	}
	private := false
	if p, ok, _ := r.OptionalInt("private"); ok {
		private = p == 1
	}
	source, _, _ := r.OptionalBytes("source")
	md5sum, _, _ := r.OptionalBytes("md5sum")

	filesVal, hasFiles, err := r.OptionalList("files")
	if err != nil {
		return nil, 0, &Error{Kind: UnknownInfoVariant, Detail: err.Error()}
	}

	var files *[]File
	var totalSize uint64
	if hasFiles {
		parsed, sum, err := parseFiles(filesVal)
		if err != nil {
			return nil, 0, err
		}
		files = &parsed
		totalSize = sum
	} else {
		length, err := r.RequireInt("length")
		if err != nil || length < 0 {
			return nil, 0, &Error{Kind: UnknownInfoVariant, Detail: "neither 'files' nor a valid 'length' present"}
		}
		totalSize = uint64(length)
	}

	return &Info{
		Hash:        hash,
		Name:        string(name),
		Files:       files,
		PieceLength: uint64(pieceLength),
		Pieces:      pieces,
		Private:     private,
		Source:      string(source),
		MD5Sum:      string(md5sum),
	}, totalSize, nil
}

func splitPieces(b []byte) ([][sha1.Size]byte, error) {
	if len(b)%sha1.Size != 0 {
		return nil, &Error{Kind: PiecesLengthNotMultipleOf20, Detail: fmt.Sprintf("got %d bytes", len(b))}
	}
	n := len(b) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

func parseFiles(entries []bencode.Value) ([]File, uint64, error) {
	files := make([]File, 0, len(entries))
	var total uint64

	for i, fv := range entries {
		if fv.Kind() != bencode.Dict {
			return nil, 0, &Error{Kind: MissingField, Detail: fmt.Sprintf("files[%d] is not a dictionary", i)}
		}
		fr := bencode.NewReader(fv)

		length, err := fr.RequireInt("length")
		if err != nil || length < 0 {
			return nil, 0, &Error{Kind: MissingField, Detail: fmt.Sprintf("files[%d].length", i)}
		}

		pathItems, err := fr.RequireList("path")
		if err != nil || len(pathItems) == 0 {
			return nil, 0, &Error{Kind: MissingField, Detail: fmt.Sprintf("files[%d].path", i)}
		}

		path := make([]string, 0, len(pathItems))
		for j, pv := range pathItems {
			s, ok := pv.TryBytes()
			if !ok {
				return nil, 0, &Error{Kind: MissingField, Detail: fmt.Sprintf("files[%d].path[%d] is not a string", i, j)}
			}
			path = append(path, string(s))
		}

		md5sum, _, _ := fr.OptionalBytes("md5sum")

		files = append(files, File{Length: uint64(length), Path: path, MD5Sum: string(md5sum)})
		total += uint64(length)
	}

	return files, total, nil
}

// parseAnnounce surfaces "announce" and the "announce-list" tiers as
// written, plus a merged, de-duplicated URL list. Per BEP 12 the tiers take
// precedence over "announce" when both are present.
func parseAnnounce(r *bencode.Reader) (announce string, tiers [][]string, urls []string) {
	if a, ok, _ := r.OptionalBytes("announce"); ok {
		announce = string(a)
	}

	urls = make([]string, 0)
	seen := make(map[string]struct{})

	if rawTiers, ok, _ := r.OptionalList("announce-list"); ok {
		for _, tierVal := range rawTiers {
			items, ok := tierVal.TryList()
			if !ok {
				continue
			}
			tier := make([]string, 0, len(items))
			for _, item := range items {
				b, ok := item.TryBytes()
				if !ok || len(b) == 0 {
					continue
				}
				s := string(b)
				tier = append(tier, s)
				if _, dup := seen[s]; dup {
					continue
				}
				seen[s] = struct{}{}
				urls = append(urls, s)
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
	}

	if len(urls) == 0 && announce != "" {
		urls = append(urls, announce)
	}

	return announce, tiers, urls
}
