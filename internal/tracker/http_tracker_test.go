package tracker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestPercentEncodeBytesEscapesEveryByte(t *testing.T) {
	got := percentEncodeBytes([]byte("Az09"))
	assert.Equal(t, "%41%7A%30%39", got)
}

func TestBuildAnnounceRequestEscapesInfoHashByteWise(t *testing.T) {
	u := mustParseURL(t, "http://tracker.example/announce")
	c, err := newHTTPTrackerClient(u)
	require.NoError(t, err)

	var infoHash, peerID [20]byte
	for i := range infoHash {
		infoHash[i] = byte(i)
	}
	copy(peerID[:], []byte("-TC0001-abcdefghijkl"))

	reqURL := c.buildAnnounceRequest(&AnnounceParams{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     6881,
	})

	assert.Contains(t, reqURL, "info_hash=%00%01%02%03")
	// Every byte must be escaped, including printable ASCII that
	// url.Values.Encode would otherwise leave bare.
	assert.Contains(t, reqURL, "peer_id=%2D%54%43%30%30%30%31%2D")
}

func TestParseAnnounceResponseCompactPeers(t *testing.T) {
	body := "d8:intervali1800e5:peers12:" +
		string([]byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 1, 0x1A, 0xE2}) +
		"e"
	resp, err := parseAnnounceResponse(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, uint16(0x1AE1), resp.Peers[0].Port)
}

func TestParseAnnounceResponsePeers6(t *testing.T) {
	ipv6 := net.ParseIP("2001:db8::1").To16()
	record := append(append([]byte{}, ipv6...), 0x1A, 0xE1)

	body := "d8:intervali1800e6:peers6" + "18:" + string(record) + "e"
	resp, err := parseAnnounceResponse(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.True(t, resp.Peers[0].IP.Equal(net.ParseIP("2001:db8::1")))
	assert.Equal(t, uint16(0x1AE1), resp.Peers[0].Port)
}

func TestParseAnnounceResponseDictPeers(t *testing.T) {
	body := "d8:intervali900e5:peersld2:ip9:127.0.0.17:porti6881eeee"
	resp, err := parseAnnounceResponse(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "127.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, uint16(6881), resp.Peers[0].Port)
}

func TestParseAnnounceResponseFailureReason(t *testing.T) {
	body := "d14:failure reason17:torrent not founde"
	_, err := parseAnnounceResponse(strings.NewReader(body))
	require.Error(t, err)
	te, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, TrackerError, te.Kind)
	assert.Contains(t, te.Detail, "torrent not found")
}

func TestParseAnnounceResponseMissingInterval(t *testing.T) {
	_, err := parseAnnounceResponse(strings.NewReader("d5:peers0:e"))
	require.Error(t, err)
	te, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, MalformedResponse, te.Kind)
}

func TestHTTPTrackerAnnounceRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get(paramCompact))
		w.Write([]byte("d8:intervali1800e5:peers0:e"))
	}))
	defer srv.Close()

	u := mustParseURL(t, srv.URL+"/announce")
	c, err := newHTTPTrackerClient(u)
	require.NoError(t, err)

	resp, err := c.Announce(context.Background(), &AnnounceParams{Port: 6881})
	require.NoError(t, err)
	assert.Equal(t, 1800*time.Second, resp.Interval)
}

func TestHTTPTrackerSupportsScrape(t *testing.T) {
	u := mustParseURL(t, "http://tracker.example/announce")
	c, _ := newHTTPTrackerClient(u)
	assert.True(t, c.SupportsScrape())

	u2 := mustParseURL(t, "http://tracker.example/ann")
	c2, _ := newHTTPTrackerClient(u2)
	assert.False(t, c2.SupportsScrape())
}

func TestHTTPTrackerScrapeRoundTrip(t *testing.T) {
	var ih [20]byte
	copy(ih[:], "aaaaaaaaaaaaaaaaaaaa")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/scrape"))
		body := "d5:filesd20:" + string(ih[:]) +
			"d8:completei12e10:downloadedi99e10:incompletei3eeee"
		w.Write([]byte(body))
	}))
	defer srv.Close()

	u := mustParseURL(t, srv.URL+"/announce")
	c, err := newHTTPTrackerClient(u)
	require.NoError(t, err)

	resp, err := c.Scrape(context.Background(), &ScrapeParams{InfoHashes: [][20]byte{ih}})
	require.NoError(t, err)

	stats, ok := resp.Stats[ih]
	require.True(t, ok)
	assert.Equal(t, uint32(12), stats.Seeders)
	assert.Equal(t, uint32(3), stats.Leechers)
	assert.Equal(t, uint32(99), stats.Completed)
}
