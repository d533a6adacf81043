package peer

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-labs/torrentcore/internal/tracker"
)

// PeerInfo is what the handshake revealed about the remote side: its
// peer-id and the extension support bits from the reserved field.
type PeerInfo struct {
	PeerID            [20]byte
	ExtensionProtocol bool
	FastExtension     bool
	DHT               bool
}

// outbound is one entry in the session's write queue. Either msg is set (a
// frame to write, nil meaning keep-alive), or ack is set (a flush barrier:
// closed once every frame queued before it has been written).
type outbound struct {
	msg *Message
	ack chan struct{}
}

// Session is one active, handshaken connection to a remote peer. Its four
// choke/interest flags are mutated only in response to sent or received
// messages, per the transition table the session's message loops
// implement.
type Session struct {
	m *Manager

	id   string // correlation id for log lines, independent of peer id
	conn net.Conn

	remotePeerID [20]byte

	extensionProtocol bool
	fastExtension     bool
	dhtExtension      bool

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	pieceBF        Bitfield

	sendQueue chan outbound
	stopped   chan struct{}
	stopOnce  sync.Once

	messagesSeen int // count of non-keepalive messages handled so far
}

// Dial opens a TCP connection to trackerPeer and performs the handshake
// exchange, returning a Session ready for Start.
func Dial(ctx context.Context, trackerPeer *tracker.Peer, m *Manager) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", trackerPeer.String())
	if err != nil {
		return nil, err
	}

	hs := NewHandshake(m.infoHash, m.peerID)
	hs.SetExtensionProtocol(true)

	hsCtx, hsCancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer hsCancel()

	remote, err := hs.Perform(hsCtx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Session{
		m:                 m,
		id:                uuid.NewString(),
		conn:              conn,
		remotePeerID:      remote.PeerID,
		extensionProtocol: remote.ExtensionProtocol(),
		fastExtension:     remote.FastExtension(),
		dhtExtension:      remote.DHT(),
		amChoking:         true,
		amInterested:      false,
		peerChoking:       true,
		peerInterested:    false,
		pieceBF:           NewBitfield(m.pieces),
		sendQueue:         make(chan outbound, 128),
		stopped:           make(chan struct{}),
	}
	return s, nil
}

func (s *Session) Addr() string { return s.conn.RemoteAddr().String() }

// Info returns the remote identity and extension flags captured during the
// handshake.
func (s *Session) Info() PeerInfo {
	return PeerInfo{
		PeerID:            s.remotePeerID,
		ExtensionProtocol: s.extensionProtocol,
		FastExtension:     s.fastExtension,
		DHT:               s.dhtExtension,
	}
}

// Start runs the session's read and write loops until either closes, the
// global shutdown channel fires, or a protocol error is hit. If both sides
// advertised the extension protocol, the BEP 10 extended handshake is
// queued before anything else so it goes out as the first Extended
// message.
func (s *Session) Start(ctx context.Context, globalDone <-chan struct{}) {
	slog.Info("peer session started",
		slog.String("session", s.id),
		slog.String("addr", s.Addr()),
		slog.Bool("extension_protocol", s.extensionProtocol),
		slog.Bool("fast_extension", s.fastExtension),
		slog.Bool("dht", s.dhtExtension),
	)

	if s.extensionProtocol {
		eh := ExtendedHandshake{
			M:       map[string]int64{},
			Version: s.m.cfg.ClientVersion,
		}
		s.Send(MessageExtended(0, eh.Marshal()))
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(globalDone)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(globalDone)
	}()
	wg.Wait()
}

func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		_ = s.conn.Close()
		slog.Info("peer session stopped", slog.String("session", s.id), slog.String("addr", s.Addr()))
	})
}

// Send queues a message for the write loop. Frames go out in the order
// queued. It is a no-op once the session has stopped; if the queue is full
// the message is dropped rather than blocking the caller.
func (s *Session) Send(m *Message) {
	select {
	case <-s.stopped:
	case s.sendQueue <- outbound{msg: m}:
	default: // queue full, drop
	}
}

// Flush blocks until every frame queued before the call has been written to
// the transport, or ctx/the session ends first.
func (s *Session) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case <-s.stopped:
		return &Error{Kind: PeerClosed, Detail: "flush on stopped session"}
	case <-ctx.Done():
		return ctx.Err()
	case s.sendQueue <- outbound{ack: ack}:
	}

	select {
	case <-s.stopped:
		return &Error{Kind: PeerClosed, Detail: "session stopped during flush"}
	case <-ctx.Done():
		return ctx.Err()
	case <-ack:
		return nil
	}
}

func (s *Session) readLoop(globalDone <-chan struct{}) {
	defer s.Stop()

	lastInbound := time.Now()

	for {
		select {
		case <-globalDone:
			return
		case <-s.stopped:
			return
		default:
		}

		message, err := s.readMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(lastInbound) >= 2*s.m.cfg.KeepAlive {
					slog.Debug("peer idle timeout",
						slog.String("session", s.id),
						slog.String("error", (&Error{Kind: PeerTimeout}).Error()))
					return
				}
				continue
			}
			slog.Debug("peer read error", slog.String("session", s.id), slog.String("error", err.Error()))
			return
		}
		lastInbound = time.Now()
		if message == nil { // keep-alive
			continue
		}

		if err := s.handle(message); err != nil {
			slog.Debug("peer protocol error", slog.String("session", s.id), slog.String("error", err.Error()))
			return
		}

		if cb := s.m.OnMessage; cb != nil {
			cb(s, message)
		}
	}
}

// handle applies one received message to session state, per the transition
// table: recv Choke/Unchoke/Interested/NotInterested mutate peer_choking /
// peer_interested; Bitfield/Have mutate the piece ownership view.
func (s *Session) handle(message *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isFirstMessage := s.messagesSeen == 0
	s.messagesSeen++

	switch message.ID {
	case MsgChoke:
		s.peerChoking = true
	case MsgUnchoke:
		s.peerChoking = false
	case MsgInterested:
		s.peerInterested = true
	case MsgNotInterested:
		s.peerInterested = false
	case MsgBitfield:
		if !isFirstMessage {
			return &Error{Kind: UnexpectedBitfield, Detail: "bitfield received after the first message"}
		}
		bf := BitfieldFromBytes(message.Payload)
		if s.m.pieces > 0 {
			if bf.Len() < s.m.pieces {
				return &Error{Kind: MalformedMessage, MessageID: MsgBitfield, Detail: "bitfield shorter than piece count"}
			}
			if !bf.TrailingZero(s.m.pieces) {
				return &Error{Kind: MalformedMessage, MessageID: MsgBitfield, Detail: "non-zero padding bits"}
			}
		}
		s.pieceBF = bf
	case MsgHave:
		index, ok := message.ParseHave()
		if !ok {
			return &Error{Kind: MalformedMessage, MessageID: MsgHave, Detail: "bad have payload"}
		}
		s.pieceBF.Set(int(index))
	case MsgPort, MsgPiece, MsgRequest, MsgCancel, MsgExtended:
		// dispatched to the piece scheduler / extension layer via the
		// OnMessage callback; session state itself is unaffected. Requests
		// are surfaced even while we are choking — honoring or ignoring
		// them is the scheduler's call.
	default:
		slog.Warn("unknown message", slog.String("session", s.id), slog.Int("id", int(message.ID)))
	}
	return nil
}

// SendChoke sends Choke and sets am_choking (idempotent).
func (s *Session) SendChoke() {
	s.mu.Lock()
	s.amChoking = true
	s.mu.Unlock()
	s.Send(MessageChoke())
}

// SendUnchoke sends Unchoke and clears am_choking.
func (s *Session) SendUnchoke() {
	s.mu.Lock()
	s.amChoking = false
	s.mu.Unlock()
	s.Send(MessageUnchoke())
}

// SendInterested sends Interested and sets am_interested.
func (s *Session) SendInterested() {
	s.mu.Lock()
	s.amInterested = true
	s.mu.Unlock()
	s.Send(MessageInterested())
}

// SendNotInterested sends NotInterested and clears am_interested.
func (s *Session) SendNotInterested() {
	s.mu.Lock()
	s.amInterested = false
	s.mu.Unlock()
	s.Send(MessageNotInterested())
}

// State returns a snapshot of the 4-tuple (am_choking, am_interested,
// peer_choking, peer_interested).
func (s *Session) State() (amChoking, amInterested, peerChoking, peerInterested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amChoking, s.amInterested, s.peerChoking, s.peerInterested
}

func (s *Session) writeLoop(globalDone <-chan struct{}) {
	defer s.Stop()

	lastWrite := time.Now()
	ticker := time.NewTicker(s.m.cfg.KeepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-globalDone:
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			if time.Since(lastWrite) < s.m.cfg.KeepAlive {
				continue
			}
			if err := s.writeMessage(nil); err != nil {
				slog.Debug("keep-alive write error", slog.String("session", s.id), slog.String("error", err.Error()))
				return
			}
			lastWrite = time.Now()

		case out := <-s.sendQueue:
			if out.ack != nil {
				close(out.ack)
				continue
			}
			if err := s.writeMessage(out.msg); err != nil {
				slog.Debug("peer write error", slog.String("session", s.id), slog.String("error", err.Error()))
				return
			}
			lastWrite = time.Now()
		}
	}
}

func (s *Session) writeMessage(message *Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.m.cfg.WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return WriteMessage(s.conn, message)
}

func (s *Session) readMessage() (*Message, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.m.cfg.ReadTimeout))
	defer s.conn.SetReadDeadline(time.Time{})
	return ReadMessage(s.conn)
}
