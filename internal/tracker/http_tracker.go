package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fenwick-labs/torrentcore/internal/bencode"
)

// HTTPTrackerClient is a Tracker implementation that speaks the HTTP(S)
// tracker protocol defined in BEP 3 (and commonly used scrape endpoint).
type HTTPTrackerClient struct {
	announceURL *url.URL
	client      *http.Client
}

const (
	// Query parameters
	paramInfoHash   = "info_hash"
	paramPeerID     = "peer_id"
	paramPort       = "port"
	paramUploaded   = "uploaded"
	paramDownloaded = "downloaded"
	paramLeft       = "left"
	paramCompact    = "compact"
	paramNumWant    = "numwant"
	paramKey        = "key"
	paramTrackerID  = "trackerid"
	paramEvent      = "event"

	// Bencode dictionary keys
	keyFailureReason = "failure reason"
	keyWarningMsg    = "warning message"
	keyInterval      = "interval"
	keyMinInterval   = "min interval"
	keyTrackerID     = "tracker id"
	keyComplete      = "complete"
	keyIncomplete    = "incomplete"
	keyPeers         = "peers"
	keyPeers6        = "peers6"
	keyPeerID        = "peer id"
	keyPeerIP        = "ip"
	keyPeerPort      = "port"
)

// newHTTPTrackerClient creates a new HTTP tracker client for the given announce
// URL.
func newHTTPTrackerClient(u *url.URL) (*HTTPTrackerClient, error) {
	return &HTTPTrackerClient{announceURL: u, client: &http.Client{}}, nil
}

func (c *HTTPTrackerClient) URL() string { return c.announceURL.String() }

// Announce sends an announce request and parses the response.
func (c *HTTPTrackerClient) Announce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	reqURL := c.buildAnnounceRequest(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Kind: Transport, Detail: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &Error{
			Kind: Transport,
			Detail: fmt.Sprintf(
				"announce returned status %d: %s",
				resp.StatusCode,
				string(bodyBytes),
			),
		}
	}

	return parseAnnounceResponse(resp.Body)
}

func (c *HTTPTrackerClient) SupportsScrape() bool {
	path := c.announceURL.Path
	lastSlash := strings.LastIndex(path, "/")
	if lastSlash == -1 {
		return false
	}

	return strings.HasPrefix(path[lastSlash+1:], "announce")
}

// Scrape queries the tracker's scrape endpoint for aggregate swarm statistics.
func (c *HTTPTrackerClient) Scrape(
	ctx context.Context,
	params *ScrapeParams,
) (*ScrapeResponse, error) {
	if !c.SupportsScrape() {
		return nil, &Error{Kind: UnreachableAnnounce, Detail: "scrape unsupported"}
	}

	scrapeURL, err := c.buildScrapeURL(params)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		scrapeURL,
		nil,
	)
	if err != nil {
		return nil, &Error{Kind: Transport, Detail: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &Error{
			Kind: Transport,
			Detail: fmt.Sprintf(
				"scrape returned status %d: %s",
				resp.StatusCode,
				string(bodyBytes),
			),
		}
	}

	return parseScrapeResponse(resp.Body)
}

func classifyTransportError(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &Error{Kind: TimedOut, Detail: err.Error()}
	}
	return &Error{Kind: Transport, Detail: err.Error()}
}

// percentEncodeBytes encodes every byte of b as a literal %HH escape, even
// unreserved bytes such as ASCII letters and digits. Reference trackers
// compare info_hash/peer_id as raw byte strings; Go's url.Values.Encode
// leaves unreserved bytes bare, which some trackers reject or mis-decode.
func percentEncodeBytes(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for _, c := range b {
		sb.WriteByte('%')
		const hex = "0123456789ABCDEF"
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}

// buildAnnounceRequest creates the full announce URL with query parameters.
func (c *HTTPTrackerClient) buildAnnounceRequest(
	params *AnnounceParams,
) string {
	reqURL := *c.announceURL
	q := reqURL.Query()

	q.Set(paramPort, strconv.Itoa(int(params.Port)))
	q.Set(paramUploaded, strconv.FormatUint(params.Uploaded, 10))
	q.Set(paramDownloaded, strconv.FormatUint(params.Downloaded, 10))
	q.Set(paramLeft, strconv.FormatUint(params.Left, 10))
	q.Set(paramCompact, "1")

	if params.NumWant > 0 {
		q.Set(paramNumWant, strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set(paramKey, strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.TrackerID != "" {
		q.Set(paramTrackerID, params.TrackerID)
	}
	if params.Event != EventNone {
		q.Set(paramEvent, params.Event.String())
	}

	var qs strings.Builder
	qs.WriteString(q.Encode())
	qs.WriteByte('&')
	qs.WriteString(paramInfoHash)
	qs.WriteByte('=')
	qs.WriteString(percentEncodeBytes(params.InfoHash[:]))
	qs.WriteByte('&')
	qs.WriteString(paramPeerID)
	qs.WriteByte('=')
	qs.WriteString(percentEncodeBytes(params.PeerID[:]))

	reqURL.RawQuery = qs.String()
	return reqURL.String()
}

// parseAnnounceResponse converts a bencoded tracker response into
// AnnounceResponse.
func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Kind: Transport, Detail: err.Error()}
	}

	val, err := bencode.DecodeAll(raw)
	if err != nil {
		return nil, &Error{Kind: MalformedResponse, Detail: err.Error()}
	}
	rd, err := newDictReader(val)
	if err != nil {
		return nil, err
	}

	if failure, ok, _ := rd.OptionalBytes(keyFailureReason); ok {
		return nil, &Error{Kind: TrackerError, Detail: string(failure)}
	}
	if warning, ok, _ := rd.OptionalBytes(keyWarningMsg); ok {
		slog.Warn("tracker warning", "message", string(warning))
	}

	interval, ok, _ := rd.OptionalInt(keyInterval)
	if !ok {
		return nil, &Error{
			Kind:   MalformedResponse,
			Detail: "missing or invalid 'interval'",
		}
	}

	minInterval, _, _ := rd.OptionalInt(keyMinInterval)
	complete, _, _ := rd.OptionalInt(keyComplete)
	incomplete, _, _ := rd.OptionalInt(keyIncomplete)
	trackerID := ""
	if tid, ok, _ := rd.OptionalBytes(keyTrackerID); ok {
		trackerID = string(tid)
	}

	peers, err := parsePeers(rd)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Peers:       peers,
		TrackerID:   trackerID,
		Interval:    time.Duration(interval) * time.Second,
		Seeders:     uint32(complete),
		Leechers:    uint32(incomplete),
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}

func newDictReader(v bencode.Value) (*bencode.Reader, error) {
	if v.Kind() != bencode.Dict {
		return nil, &Error{
			Kind:   MalformedResponse,
			Detail: "expected a dictionary response",
		}
	}
	return bencode.NewReader(v), nil
}

// parsePeers decodes peers and peers6 (compact or dict form) and merges
// them into a single slice.
func parsePeers(rd *bencode.Reader) ([]*Peer, error) {
	var peers []*Peer

	if list, ok, _ := rd.OptionalList(keyPeers); ok {
		dictPeers, err := parseDictPeers(list)
		if err != nil {
			return nil, err
		}
		peers = append(peers, dictPeers...)
	} else if compact, ok, _ := rd.OptionalBytes(keyPeers); ok {
		compactPeers, err := parseCompactPeers(compact, net.IPv4len)
		if err != nil {
			return nil, err
		}
		peers = append(peers, compactPeers...)
	}

	if compact6, ok, _ := rd.OptionalBytes(keyPeers6); ok {
		compactPeers, err := parseCompactPeers(compact6, net.IPv6len)
		if err != nil {
			return nil, err
		}
		peers = append(peers, compactPeers...)
	}

	if peers == nil {
		peers = []*Peer{}
	}
	return peers, nil
}

// parseCompactPeers decodes a packed peer list: ipLen+2 bytes per record,
// the address followed by a big-endian port.
func parseCompactPeers(peerData []byte, ipLen int) ([]*Peer, error) {
	recordSize := ipLen + 2
	if len(peerData)%recordSize != 0 {
		return nil, &Error{
			Kind: MalformedResponse,
			Detail: fmt.Sprintf(
				"compact peer data length %d not a multiple of %d",
				len(peerData),
				recordSize,
			),
		}
	}
	numPeers := len(peerData) / recordSize
	peers := make([]*Peer, 0, numPeers)

	for i := 0; i < numPeers; i++ {
		offset := i * recordSize
		ip := make(net.IP, ipLen)
		copy(ip, peerData[offset:offset+ipLen])
		port := binary.BigEndian.Uint16(
			peerData[offset+ipLen : offset+recordSize],
		)
		peers = append(peers, &Peer{IP: ip, Port: port})
	}

	return peers, nil
}

// parseDictPeers parses the non-compact (dictionary) peer list format.
func parseDictPeers(peerList []bencode.Value) ([]*Peer, error) {
	peers := make([]*Peer, 0, len(peerList))

	for i, item := range peerList {
		if item.Kind() != bencode.Dict {
			return nil, &Error{
				Kind: MalformedResponse,
				Detail: fmt.Sprintf(
					"peer entry at index %d is not a dictionary",
					i,
				),
			}
		}
		rd := bencode.NewReader(item)

		ipBytes, err := rd.RequireBytes(keyPeerIP)
		if err != nil {
			return nil, &Error{Kind: MalformedResponse, Detail: err.Error()}
		}
		port, err := rd.RequireInt(keyPeerPort)
		if err != nil {
			return nil, &Error{Kind: MalformedResponse, Detail: err.Error()}
		}

		ip := net.ParseIP(string(ipBytes))
		if ip == nil {
			return nil, &Error{
				Kind: MalformedResponse,
				Detail: fmt.Sprintf(
					"invalid ip %q in peer entry at index %d",
					string(ipBytes),
					i,
				),
			}
		}

		peers = append(peers, &Peer{IP: ip, Port: uint16(port)})
	}
	return peers, nil
}

// buildScrapeURL returns the scrape URL with repeated info_hash parameters.
// Only trackers whose announce URL's last path segment begins with
// "announce" are considered to support scrape.
func (c *HTTPTrackerClient) buildScrapeURL(
	params *ScrapeParams,
) (string, error) {
	u := *c.announceURL
	path := u.Path

	// idx will never be -1 here, since SupportsScrape already checked it.
	idx := strings.LastIndex(path, "/")
	u.Path = path[:idx+1] + strings.Replace(
		path[idx+1:],
		"announce",
		"scrape",
		1,
	)

	q := u.Query()
	var qs strings.Builder
	qs.WriteString(q.Encode())
	for _, h := range params.InfoHashes {
		if qs.Len() > 0 {
			qs.WriteByte('&')
		}
		qs.WriteString(paramInfoHash)
		qs.WriteByte('=')
		qs.WriteString(percentEncodeBytes(h[:]))
	}
	u.RawQuery = qs.String()

	return u.String(), nil
}

// parseScrapeResponse parses the HTTP scrape response into ScrapeResponse.
func parseScrapeResponse(r io.Reader) (*ScrapeResponse, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{Kind: Transport, Detail: err.Error()}
	}

	val, err := bencode.DecodeAll(raw)
	if err != nil {
		return nil, &Error{Kind: MalformedResponse, Detail: err.Error()}
	}
	rd, err := newDictReader(val)
	if err != nil {
		return nil, err
	}

	filesVal, ok, _ := rd.OptionalDict("files")
	if !ok {
		return &ScrapeResponse{Stats: map[[sha1.Size]byte]ScrapeStats{}}, nil
	}
	filesRd := bencode.NewReader(filesVal)
	keys := filesRd.Keys()

	out := make(map[[sha1.Size]byte]ScrapeStats, len(keys))
	for _, k := range keys {
		fdictVal, ok, _ := filesRd.OptionalDict(k)
		if !ok {
			continue
		}
		if len(k) != sha1.Size {
			continue
		}
		var ih [sha1.Size]byte
		copy(ih[:], k)

		fRd := bencode.NewReader(fdictVal)
		var s ScrapeStats
		if n, ok, _ := fRd.OptionalInt(keyComplete); ok && n >= 0 {
			s.Seeders = uint32(n)
		}
		if n, ok, _ := fRd.OptionalInt(keyIncomplete); ok && n >= 0 {
			s.Leechers = uint32(n)
		}
		if n, ok, _ := fRd.OptionalInt("downloaded"); ok && n >= 0 {
			s.Completed = uint32(n)
		}
		if name, ok, _ := fRd.OptionalBytes("name"); ok {
			s.Name = string(name)
		}
		out[ih] = s
	}
	return &ScrapeResponse{Stats: out}, nil
}
