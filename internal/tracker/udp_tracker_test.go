package tracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

// fakeUDPTracker answers exactly one connect and one announce request, then
// exits. It mirrors just enough of BEP 15 to exercise UDPTrackerClient.
type fakeUDPTracker struct {
	conn      *net.UDPConn
	respondFn func(action uint32, txn uint32, body []byte, from *net.UDPAddr)
}

func newFakeUDPTracker(t *testing.T) (*fakeUDPTracker, *url.URL) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	f := &fakeUDPTracker{conn: conn}
	u, err := url.Parse("udp://" + conn.LocalAddr().String())
	require.NoError(t, err)
	return f, u
}

func (f *fakeUDPTracker) serveOnce(t *testing.T, connID int64, numPeers int) {
	t.Helper()
	go func() {
		buf := make([]byte, 2048)
		// connect
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		txn := binary.BigEndian.Uint32(buf[12:16])
		var resp [16]byte
		binary.BigEndian.PutUint32(resp[0:4], actionConnect)
		binary.BigEndian.PutUint32(resp[4:8], txn)
		binary.BigEndian.PutUint64(resp[8:16], uint64(connID))
		f.conn.WriteToUDP(resp[:], addr)

		// announce
		n, addr, err = f.conn.ReadFromUDP(buf)
		if err != nil || n < 98 {
			return
		}
		annTxn := binary.BigEndian.Uint32(buf[12:16])
		out := make([]byte, 20+6*numPeers)
		binary.BigEndian.PutUint32(out[0:4], actionAnnounce)
		binary.BigEndian.PutUint32(out[4:8], annTxn)
		binary.BigEndian.PutUint32(out[8:12], 1800)
		binary.BigEndian.PutUint32(out[12:16], 2)
		binary.BigEndian.PutUint32(out[16:20], 3)
		for i := 0; i < numPeers; i++ {
			off := 20 + i*6
			copy(out[off:off+4], []byte{10, 0, 0, byte(i + 1)})
			binary.BigEndian.PutUint16(out[off+4:off+6], uint16(6881+i))
		}
		f.conn.WriteToUDP(out, addr)
	}()
}

func (f *fakeUDPTracker) serveError(t *testing.T, reason string) {
	t.Helper()
	go func() {
		buf := make([]byte, 2048)
		_, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		txn := binary.BigEndian.Uint32(buf[12:16])
		out := make([]byte, 8+len(reason))
		binary.BigEndian.PutUint32(out[0:4], actionError)
		binary.BigEndian.PutUint32(out[4:8], txn)
		copy(out[8:], reason)
		f.conn.WriteToUDP(out, addr)
	}()
}

func (f *fakeUDPTracker) Close() { f.conn.Close() }

func TestUDPTrackerAnnounceRoundTrip(t *testing.T) {
	fake, u := newFakeUDPTracker(t)
	defer fake.Close()
	fake.serveOnce(t, 0xdeadbeef, 3)

	c, err := newUDPTrackerClient(u)
	require.NoError(t, err)

	resp, err := c.Announce(context.Background(), &AnnounceParams{Port: 6881})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 3)
	assert.Equal(t, uint32(2), resp.Leechers)
	assert.Equal(t, uint32(3), resp.Seeders)
	assert.Equal(t, "10.0.0.1", resp.Peers[0].IP.String())
	assert.Equal(t, uint16(6881), resp.Peers[0].Port)
}

func TestUDPTrackerAnnounceSurfacesErrorAction(t *testing.T) {
	fake, u := newFakeUDPTracker(t)
	defer fake.Close()
	fake.serveError(t, "torrent banned")

	c, err := newUDPTrackerClient(u)
	require.NoError(t, err)

	_, err = c.Announce(context.Background(), &AnnounceParams{Port: 6881})
	require.Error(t, err)
	te, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, TrackerError, te.Kind)
	assert.Contains(t, te.Detail, "torrent banned")
}

func TestUDPTrackerAnnounceTimesOut(t *testing.T) {
	// A tracker that never responds; bound the attempt tightly so the test
	// doesn't wait out the full retry policy.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	u, err := url.Parse("udp://" + conn.LocalAddr().String())
	require.NoError(t, err)
	c, err := newUDPTrackerClient(u)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err = c.Announce(ctx, &AnnounceParams{Port: 6881})
	require.Error(t, err)
}
