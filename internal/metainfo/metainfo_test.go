package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/torrentcore/internal/bencode"
)

func str(s string) bencode.Value { return bencode.NewString([]byte(s)) }
func num(n int64) bencode.Value  { return bencode.NewInteger(n) }

func buildSingleFileMeta(withPrivate bool) ([]byte, []byte) {
	pieces := append(bytes.Repeat([]byte{'A'}, 20), bytes.Repeat([]byte{'B'}, 20)...)

	infoEntries := []bencode.DictEntry{
		{Key: []byte("name"), Value: str("file.bin")},
		{Key: []byte("piece length"), Value: num(16384)},
		{Key: []byte("pieces"), Value: str(string(pieces))},
		{Key: []byte("length"), Value: num(12345)},
	}
	if withPrivate {
		infoEntries = append(infoEntries, bencode.DictEntry{Key: []byte("private"), Value: num(1)})
	}
	info := bencode.NewDict(infoEntries)
	infoBytes := bencode.Marshal(info)

	top := bencode.NewDict([]bencode.DictEntry{
		{Key: []byte("info"), Value: info},
		{Key: []byte("announce"), Value: str("http://tracker/announce")},
		{Key: []byte("creation date"), Value: num(1700000000)},
		{Key: []byte("comment"), Value: str("test torrent")},
		{Key: []byte("encoding"), Value: str("UTF-8")},
	})

	return bencode.Marshal(top), infoBytes
}

func buildMultiFileMeta() ([]byte, []byte) {
	pieces := append(append(
		bytes.Repeat([]byte{'X'}, 20),
		bytes.Repeat([]byte{'Y'}, 20)...),
		bytes.Repeat([]byte{'Z'}, 20)...)

	files := bencode.NewList([]bencode.Value{
		bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("length"), Value: num(100)},
			{Key: []byte("path"), Value: bencode.NewList([]bencode.Value{str("a.txt")})},
		}),
		bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("length"), Value: num(200)},
			{Key: []byte("path"), Value: bencode.NewList([]bencode.Value{str("sub"), str("b.dat")})},
		}),
	})

	info := bencode.NewDict([]bencode.DictEntry{
		{Key: []byte("name"), Value: str("my-dir")},
		{Key: []byte("piece length"), Value: num(32768)},
		{Key: []byte("pieces"), Value: str(string(pieces))},
		{Key: []byte("files"), Value: files},
		{Key: []byte("private"), Value: num(1)},
	})
	infoBytes := bencode.Marshal(info)

	announceList := bencode.NewList([]bencode.Value{
		bencode.NewList([]bencode.Value{str("http://t1/a"), str("http://t1/b")}),
		bencode.NewList([]bencode.Value{str("http://t2/a"), str("http://t1/a")}),
	})

	top := bencode.NewDict([]bencode.DictEntry{
		{Key: []byte("info"), Value: info},
		{Key: []byte("announce-list"), Value: announceList},
	})

	return bencode.Marshal(top), infoBytes
}

func TestParseSingleFile(t *testing.T) {
	data, infoBytes := buildSingleFileMeta(false)
	m, err := Parse(data)
	require.NoError(t, err)
	require.NotNil(t, m.Info)

	assert.Equal(t, "http://tracker/announce", m.Announce)
	assert.Empty(t, m.AnnounceList)
	assert.Equal(t, []string{"http://tracker/announce"}, m.AnnounceURLs)
	assert.Equal(t, "test torrent", m.Comment)
	assert.Equal(t, "UTF-8", m.Encoding)
	assert.Equal(t, int64(1700000000), m.CreationDate.Unix())
	assert.Equal(t, FileModeSingle, m.Mode)
	assert.Equal(t, uint64(12345), m.TotalLength())

	assert.Equal(t, "file.bin", m.Info.Name)
	assert.Nil(t, m.Info.Files)
	assert.Equal(t, uint64(16384), m.Info.PieceLength)
	assert.Len(t, m.Info.Pieces, 2)
	assert.False(t, m.Info.Private)

	assert.Equal(t, sha1.Sum(infoBytes), m.InfoHash())
}

func TestParseSingleFilePrivate(t *testing.T) {
	data, _ := buildSingleFileMeta(true)
	m, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, m.Info.Private)
}

func TestParseSingleFileOptionalFields(t *testing.T) {
	pieces := bytes.Repeat([]byte{'A'}, 20)
	info := bencode.NewDict([]bencode.DictEntry{
		{Key: []byte("name"), Value: str("file.bin")},
		{Key: []byte("piece length"), Value: num(16384)},
		{Key: []byte("pieces"), Value: str(string(pieces))},
		{Key: []byte("length"), Value: num(10)},
		{Key: []byte("md5sum"), Value: str("d41d8cd98f00b204e9800998ecf8427e")},
		{Key: []byte("source"), Value: str("private-tracker")},
	})

	top := bencode.NewDict([]bencode.DictEntry{
		{Key: []byte("info"), Value: info},
		{Key: []byte("announce"), Value: str("http://tracker/announce")},
		{Key: []byte("httpseeds"), Value: bencode.NewList([]bencode.Value{str("http://seed/a"), str("http://seed/b")})},
		{Key: []byte("url-list"), Value: str("http://webseed/one")},
	})

	m, err := Parse(bencode.Marshal(top))
	require.NoError(t, err)

	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", m.Info.MD5Sum)
	assert.Equal(t, "private-tracker", m.Info.Source)
	assert.Equal(t, []string{"http://seed/a", "http://seed/b"}, m.HTTPSeeds)
	assert.Equal(t, []string{"http://webseed/one"}, m.URLList)
}

func TestParseMultiFile(t *testing.T) {
	data, infoBytes := buildMultiFileMeta()
	m, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, FileModeMultiple, m.Mode)
	require.NotNil(t, m.Info.Files)

	files := *m.Info.Files
	require.Len(t, files, 2)
	assert.Equal(t, uint64(100), files[0].Length)
	assert.Equal(t, []string{"a.txt"}, files[0].Path)
	assert.Equal(t, uint64(200), files[1].Length)
	assert.Equal(t, []string{"sub", "b.dat"}, files[1].Path)

	assert.Equal(t, uint64(300), m.TotalLength())
	assert.True(t, m.Info.Private)

	assert.Equal(t, [][]string{
		{"http://t1/a", "http://t1/b"},
		{"http://t2/a", "http://t1/a"},
	}, m.AnnounceList)
	assert.Equal(t, []string{"http://t1/a", "http://t1/b", "http://t2/a"}, m.AnnounceURLs)
	assert.Equal(t, sha1.Sum(infoBytes), m.InfoHash())
}

func TestParseInfoHashUsesRawSpanNotReencoding(t *testing.T) {
	// A non-canonical info dict (keys out of lexicographic order) must
	// still hash to the bytes as they appeared on the wire, not a
	// canonicalized re-encoding of them.
	raw := []byte("d4:infod4:name1:x6:lengthi5e12:piece lengthi1e6:pieces20:" +
		string(bytes.Repeat([]byte{0}, 20)) + "ee")
	m, err := Parse(raw)
	require.NoError(t, err)

	infoStart := bytes.Index(raw, []byte("d4:name"))
	infoEnd := len(raw) - 1 // trailing top-level 'e'
	want := sha1.Sum(raw[infoStart:infoEnd])
	assert.Equal(t, want, m.InfoHash())
}

func TestParseErrors(t *testing.T) {
	t.Run("missing info", func(t *testing.T) {
		top := bencode.NewDict([]bencode.DictEntry{{Key: []byte("announce"), Value: str("x")}})
		_, err := Parse(bencode.Marshal(top))
		require.Error(t, err)
	})

	t.Run("missing name", func(t *testing.T) {
		info := bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("piece length"), Value: num(1)},
			{Key: []byte("pieces"), Value: str(string(make([]byte, 20)))},
			{Key: []byte("length"), Value: num(1)},
		})
		top := bencode.NewDict([]bencode.DictEntry{{Key: []byte("info"), Value: info}})
		_, err := Parse(bencode.Marshal(top))
		require.Error(t, err)
		me, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, MissingField, me.Kind)
	})

	t.Run("invalid pieces length", func(t *testing.T) {
		info := bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("name"), Value: str("x")},
			{Key: []byte("piece length"), Value: num(1)},
			{Key: []byte("pieces"), Value: str(string(make([]byte, 21)))},
			{Key: []byte("length"), Value: num(1)},
		})
		top := bencode.NewDict([]bencode.DictEntry{{Key: []byte("info"), Value: info}})
		_, err := Parse(bencode.Marshal(top))
		require.Error(t, err)
		me, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, PiecesLengthNotMultipleOf20, me.Kind)
	})

	t.Run("single-file missing length", func(t *testing.T) {
		info := bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("name"), Value: str("x")},
			{Key: []byte("piece length"), Value: num(1)},
			{Key: []byte("pieces"), Value: str(string(make([]byte, 20)))},
		})
		top := bencode.NewDict([]bencode.DictEntry{{Key: []byte("info"), Value: info}})
		_, err := Parse(bencode.Marshal(top))
		require.Error(t, err)
	})

	t.Run("multi-file invalid path element", func(t *testing.T) {
		files := bencode.NewList([]bencode.Value{
			bencode.NewDict([]bencode.DictEntry{
				{Key: []byte("length"), Value: num(1)},
				{Key: []byte("path"), Value: bencode.NewList([]bencode.Value{str("ok"), num(2)})},
			}),
		})
		info := bencode.NewDict([]bencode.DictEntry{
			{Key: []byte("name"), Value: str("x")},
			{Key: []byte("piece length"), Value: num(1)},
			{Key: []byte("pieces"), Value: str(string(make([]byte, 20)))},
			{Key: []byte("files"), Value: files},
		})
		top := bencode.NewDict([]bencode.DictEntry{{Key: []byte("info"), Value: info}})
		_, err := Parse(bencode.Marshal(top))
		require.Error(t, err)
	})
}
