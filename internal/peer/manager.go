package peer

import (
	"context"
	"crypto/sha1"
	"sync"
	"time"

	"github.com/fenwick-labs/torrentcore/internal/tracker"
)

// Config tunes dial concurrency and per-connection timeouts.
type Config struct {
	MaxPeers         uint32
	DialWorkers      int
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	// KeepAlive is the outbound idle period: a keep-alive frame goes out
	// when nothing else has been written for this long. A session that
	// receives nothing for twice this period is closed as timed out.
	KeepAlive time.Duration

	// ClientVersion is the "v" string sent in the BEP 10 extended
	// handshake.
	ClientVersion string
}

// DefaultConfig returns the Manager defaults used when no Config is given.
func DefaultConfig() Config {
	return Config{
		MaxPeers:         100,
		DialWorkers:      50,
		ReadTimeout:      time.Minute,
		WriteTimeout:     30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		KeepAlive:        2 * time.Minute,
		ClientVersion:    "torrentcore 0.1",
	}
}

// Manager dials tracker-supplied peer candidates and keeps a bounded set of
// live sessions.
type Manager struct {
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	pieces   int
	cfg      Config

	candidatesBuf chan *tracker.Peer
	done          chan struct{}

	sessionsMut sync.RWMutex
	sessions    map[string]*Session

	dialWorkers sync.WaitGroup

	// OnMessage, when set, receives every message each session reads, in
	// wire order per session. This is the hook a piece scheduler consumes;
	// it runs on the session's read loop, so implementations must not
	// block.
	OnMessage func(s *Session, m *Message)
}

// NewManager builds a Manager for a single torrent identified by infoHash,
// announcing as peerID, with pieces the total piece count (used to size
// each session's view of the remote peer's pieces and to validate received
// Bitfields). A nil cfg uses DefaultConfig.
func NewManager(infoHash, peerID [sha1.Size]byte, pieces int, cfg *Config) *Manager {
	m := &Manager{
		infoHash:      infoHash,
		peerID:        peerID,
		pieces:        pieces,
		done:          make(chan struct{}),
		candidatesBuf: make(chan *tracker.Peer, 1001),
		sessions:      make(map[string]*Session),
	}
	if cfg != nil {
		m.cfg = *cfg
	} else {
		m.cfg = DefaultConfig()
	}
	return m
}

// SetOnMessage registers the consumer callback for received messages.
func (m *Manager) SetOnMessage(cb func(s *Session, msg *Message)) {
	m.OnMessage = cb
}

// Start launches the dial worker pool.
func (m *Manager) Start(ctx context.Context) {
	for w := 0; w < m.cfg.DialWorkers; w++ {
		m.dialWorkers.Add(1)
		go func() {
			defer m.dialWorkers.Done()
			m.dialLoop(ctx)
		}()
	}
}

// Stop shuts down dial workers and every live session.
func (m *Manager) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.dialWorkers.Wait()

	m.sessionsMut.RLock()
	defer m.sessionsMut.RUnlock()
	for _, s := range m.sessions {
		s.Stop()
	}
}

// Enqueue submits tracker-returned peer candidates for dialing. Candidates
// already connected are skipped; the queue drops candidates once full
// rather than blocking the announce loop.
func (m *Manager) Enqueue(candidates []*tracker.Peer) {
	for _, c := range candidates {
		if m.hasSession(c.String()) {
			continue
		}
		select {
		case <-m.done:
			return
		case m.candidatesBuf <- c:
		default:
		}
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.sessionsMut.RLock()
	defer m.sessionsMut.RUnlock()
	return len(m.sessions)
}

func (m *Manager) dialLoop(ctx context.Context) {
	for {
		select {
		case <-m.done:
			return
		case candidate, ok := <-m.candidatesBuf:
			if !ok {
				continue
			}
			if m.Count() >= int(m.cfg.MaxPeers) {
				continue
			}

			session, err := Dial(ctx, candidate, m)
			if err != nil {
				continue
			}
			if !m.admit(session) {
				session.Stop()
				continue
			}

			go func(session *Session) {
				session.Start(ctx, m.done)
				m.remove(session.Addr())
			}(session)
		}
	}
}

func (m *Manager) admit(s *Session) bool {
	m.sessionsMut.Lock()
	defer m.sessionsMut.Unlock()

	addr := s.Addr()
	if _, exists := m.sessions[addr]; exists {
		return false
	}
	m.sessions[addr] = s
	return true
}

func (m *Manager) remove(addr string) {
	m.sessionsMut.Lock()
	s, ok := m.sessions[addr]
	if ok {
		delete(m.sessions, addr)
	}
	m.sessionsMut.Unlock()

	if ok {
		s.Stop()
	}
}

func (m *Manager) hasSession(addr string) bool {
	m.sessionsMut.RLock()
	defer m.sessionsMut.RUnlock()
	_, ok := m.sessions[addr]
	return ok
}
