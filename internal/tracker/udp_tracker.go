package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// UDPTrackerClient is a Tracker implementation that speaks the BitTorrent
// UDP tracker protocol (BEP 15 / UDP-tracker extension by Arvid Norberg).
type UDPTrackerClient struct {
	addr *net.UDPAddr
}

const (
	protoMagic int64 = 0x41727101980

	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3

	// roundTripTimeout bounds a single connect+announce exchange, per the
	// "15 seconds recommended" guidance for each attempt.
	roundTripTimeout = 15 * time.Second
	maxRetries       = 3

	// maxDatagramSize comfortably holds a connect/announce response; a UDP
	// Read call returns (and then discards the remainder of) one whole
	// datagram, so the buffer must be sized for the largest expected
	// reply up front rather than grown across repeated small reads.
	maxDatagramSize = 2048
)

func newUDPTrackerClient(u *url.URL) (*UDPTrackerClient, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, &Error{Kind: Transport, Detail: err.Error()}
	}

	return &UDPTrackerClient{addr: addr}, nil
}

func (c *UDPTrackerClient) URL() string { return c.addr.String() }

func (c *UDPTrackerClient) SupportsScrape() bool { return false }

func (c *UDPTrackerClient) Scrape(
	ctx context.Context,
	params *ScrapeParams,
) (*ScrapeResponse, error) {
	return nil, errors.ErrUnsupported
}

// Announce performs the connect/announce exchange, retrying with
// exponential back-off up to maxRetries times. A TrackerError (the tracker
// itself rejected the request) is not retried; transport failures,
// timeouts, and transaction mismatches are.
func (c *UDPTrackerClient) Announce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	var resp *AnnounceResponse

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		r, err := c.roundTrip(ctx, params)
		if err != nil {
			var trackerErr *Error
			if errors.As(err, &trackerErr) && trackerErr.Kind == TrackerError {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// roundTrip performs a single connect+announce attempt over a fresh UDP
// socket, bounded by roundTripTimeout (or the caller's context deadline,
// whichever is sooner).
func (c *UDPTrackerClient) roundTrip(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	conn, err := net.DialUDP("udp", nil, c.addr)
	if err != nil {
		return nil, &Error{Kind: Transport, Detail: err.Error()}
	}
	defer conn.Close()

	deadline := time.Now().Add(roundTripTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	txn, err := randUint32()
	if err != nil {
		return nil, &Error{Kind: Transport, Detail: err.Error()}
	}
	if err := writeConnect(conn, txn); err != nil {
		return nil, err
	}
	connID, err := readConnectResp(conn, txn)
	if err != nil {
		return nil, err
	}

	if err := writeAnnounce(conn, connID, txn, params); err != nil {
		return nil, err
	}
	return readAnnounceResp(conn, txn)
}

func writeConnect(w net.Conn, txn uint32) error {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(protoMagic))
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], txn)

	if _, err := w.Write(buf[:]); err != nil {
		return classifyUDPError("connect write", err)
	}
	return nil
}

// readDatagram reads exactly one UDP datagram into a fresh buffer. UDP
// reads are message-oriented: a single Read call returns (and truncates)
// one whole datagram, so every response here is read in one call with a
// buffer sized to the largest expected reply rather than across multiple
// partial reads.
func readDatagram(r net.Conn, stage string) ([]byte, error) {
	buf := make([]byte, maxDatagramSize)
	n, err := r.Read(buf)
	if err != nil {
		return nil, classifyUDPError(stage, err)
	}
	return buf[:n], nil
}

func classifyUDPError(stage string, err error) error {
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return &Error{Kind: TimedOut, Detail: stage}
	}
	return &Error{Kind: Transport, Detail: fmt.Sprintf("%s: %s", stage, err)}
}

func readConnectResp(r net.Conn, wantTxn uint32) (int64, error) {
	buf, err := readDatagram(r, "udp connect read")
	if err != nil {
		return 0, err
	}
	if len(buf) < 8 {
		return 0, &Error{Kind: MalformedResponse, Detail: "udp connect response too short"}
	}

	action := binary.BigEndian.Uint32(buf[0:4])
	txn := binary.BigEndian.Uint32(buf[4:8])
	if action == actionError {
		return 0, &Error{Kind: TrackerError, Detail: errorActionReason(buf[8:])}
	}
	if txn != wantTxn {
		return 0, &Error{
			Kind:   TransactionMismatch,
			Detail: fmt.Sprintf("connect: want txn=%d got=%d", wantTxn, txn),
		}
	}
	if action != actionConnect || len(buf) < 16 {
		return 0, &Error{
			Kind:   MalformedResponse,
			Detail: fmt.Sprintf("unexpected connect action=%d len=%d", action, len(buf)),
		}
	}

	return int64(binary.BigEndian.Uint64(buf[8:16])), nil
}

func writeAnnounce(
	w net.Conn,
	connID int64,
	txn uint32,
	p *AnnounceParams,
) error {
	// Base packet is 98 bytes.
	var buf [98]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(connID))
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txn)
	copy(buf[16:36], p.InfoHash[:])
	copy(buf[36:56], p.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], p.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], p.Left)
	binary.BigEndian.PutUint64(buf[72:80], p.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], uint32(p.Event))
	// ip = 0, let the tracker infer the source address.
	binary.BigEndian.PutUint32(buf[84:88], 0)

	key, err := randUint32()
	if err != nil {
		return &Error{Kind: Transport, Detail: err.Error()}
	}
	binary.BigEndian.PutUint32(buf[88:92], key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(p.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], p.Port)

	if _, err := w.Write(buf[:]); err != nil {
		return classifyUDPError("udp announce write", err)
	}
	return nil
}

func readAnnounceResp(r net.Conn, wantTxn uint32) (*AnnounceResponse, error) {
	buf, err := readDatagram(r, "udp announce read")
	if err != nil {
		return nil, err
	}
	if len(buf) < 8 {
		return nil, &Error{Kind: MalformedResponse, Detail: "udp announce response too short"}
	}

	action := binary.BigEndian.Uint32(buf[0:4])
	txn := binary.BigEndian.Uint32(buf[4:8])
	if action == actionError {
		return nil, &Error{Kind: TrackerError, Detail: errorActionReason(buf[8:])}
	}
	if txn != wantTxn {
		return nil, &Error{
			Kind:   TransactionMismatch,
			Detail: fmt.Sprintf("announce: want txn=%d got=%d", wantTxn, txn),
		}
	}
	if action != actionAnnounce || len(buf) < 20 {
		return nil, &Error{
			Kind:   MalformedResponse,
			Detail: fmt.Sprintf("unexpected announce action=%d len=%d", action, len(buf)),
		}
	}

	interval := time.Duration(binary.BigEndian.Uint32(buf[8:12])) * time.Second
	leechers := binary.BigEndian.Uint32(buf[12:16])
	seeders := binary.BigEndian.Uint32(buf[16:20])

	peerData := buf[20:]
	const peerSize = 6
	numPeers := len(peerData) / peerSize
	peers := make([]*Peer, 0, numPeers)
	for i := 0; i < numPeers; i++ {
		off := i * peerSize
		ip := net.IPv4(
			peerData[off], peerData[off+1], peerData[off+2], peerData[off+3],
		)
		port := binary.BigEndian.Uint16(peerData[off+4 : off+6])
		peers = append(peers, &Peer{IP: ip, Port: port})
	}

	return &AnnounceResponse{
		Interval: interval,
		Leechers: leechers,
		Seeders:  seeders,
		Peers:    peers,
	}, nil
}

// errorActionReason extracts the human-readable reason string a tracker
// sends alongside action=3 (error).
func errorActionReason(payload []byte) string {
	if len(payload) == 0 {
		return "tracker returned an error with no reason"
	}
	return string(payload)
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("tracker: rand.Read: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
