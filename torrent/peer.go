package torrent

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"
)

// peerAddr identifies a peer for dedup and connection purposes.
type peerAddr struct {
	IP   string
	Port uint16
}

func (a peerAddr) String() string {
	return net.JoinHostPort(a.IP, fmt.Sprintf("%d", a.Port))
}

// session runs the full dialog with one remote peer: connect,
// handshake, then a single loop that dispatches inbound messages and
// issues the next REQUEST whenever a message actually moves things
// forward. One goroutine drives one session end to end.
type session struct {
	addr peerAddr
	meta *Metainfo
	cfg  EngineConfig
	self [20]byte
	conn net.Conn

	peerChoking   bool
	bitfield      Bitfield
	currentPiece  int
	hasCurrent    bool
	blocksWanted  int
	blocksHave    int
	buffer        []byte
}

// newSession constructs a session in its NEW state.
func newSession(addr peerAddr, meta *Metainfo, cfg EngineConfig, selfID [20]byte) *session {
	return &session{
		addr:        addr,
		meta:        meta,
		cfg:         cfg,
		self:        selfID,
		peerChoking: true,
		bitfield:    newBitfield(meta.NumPieces),
	}
}

// run drives one session from connect through its active message
// loop to teardown. It never returns an error the caller must act on
// beyond logging: every failure here is peer-scoped and collapses
// into cleanup. store is used to acquire/release/commit piece
// assignments.
func (s *session) run(ctx context.Context, store *Store) {
	defer s.cleanup(store)

	if err := s.connectAndHandshake(); err != nil {
		logFail("peer %s: handshake failed: %v", s.addr, err)
		return
	}
	logInfo("peer %s: handshake ok", s.addr)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.step(store); err != nil {
			logFail("peer %s: %v", s.addr, err)
			return
		}
	}
}

// connectAndHandshake opens the TCP connection and exchanges
// handshakes before any framed messages are read or written.
func (s *session) connectAndHandshake() error {
	conn, err := net.DialTimeout("tcp", s.addr.String(), s.cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	conn.SetDeadline(deadline)

	hs := Handshake{InfoHash: s.meta.InfoHash, PeerID: s.self}
	if _, err := conn.Write(hs.Serialize()); err != nil {
		conn.Close()
		return fmt.Errorf("sending handshake: %w", err)
	}

	resp, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading handshake: %w", err)
	}

	if !bytes.Equal(resp.InfoHash[:], s.meta.InfoHash[:]) {
		conn.Close()
		return fmt.Errorf("info_hash mismatch")
	}

	conn.SetDeadline(time.Time{})
	s.conn = conn
	return nil
}

// step performs one iteration of the main loop: read the next framed
// message with an inactivity timeout, dispatch it, and — only if that
// message actually moved things forward and the peer isn't choking —
// issue the next REQUEST. A stale or ignored message leaves the
// single outstanding request alone; there is never more than one
// REQUEST in flight at a time.
func (s *session) step(store *Store) error {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.MessageTimeout))

	msg, err := ReadMessage(s.conn)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}

	advanced, err := s.dispatch(msg, store)
	if err != nil {
		return err
	}

	if s.peerChoking || !advanced {
		return nil
	}

	if !s.hasCurrent {
		index, ok := store.Acquire(s.bitfield)
		if !ok {
			return nil
		}
		s.beginPiece(index)
	}

	return s.requestNextBlock()
}

// dispatch handles one inbound message. The returned bool reports
// whether the message changed something a new REQUEST should react
// to (an unchoke, a block accepted toward the piece in flight, or a
// HAVE/BITFIELD arriving while this session has no piece assigned);
// it is false for a no-op or a message that was dropped as stale.
func (s *session) dispatch(msg *Message, store *Store) (bool, error) {
	if msg.KeepAlive {
		return false, nil
	}

	switch msg.ID {
	case MsgChoke:
		s.peerChoking = true
		return false, nil

	case MsgUnchoke:
		s.peerChoking = false
		return true, nil

	case MsgHave:
		index, err := DecodeHave(msg.Payload)
		if err != nil {
			return false, nil // malformed HAVE: ignore, not fatal
		}
		s.bitfield.Set(index)
		return !s.hasCurrent, nil

	case MsgBitfield:
		s.bitfield = replaceBitfield(msg.Payload, s.meta.NumPieces)
		return !s.hasCurrent, nil

	case MsgPiece:
		return s.handlePiece(msg.Payload, store)

	case MsgInterested, MsgNotInterested, MsgCancel:
		// no-op: this client never seeds and never cancels.

	default:
		// unknown id: body already consumed by ReadMessage, nothing to do.
	}

	return false, nil
}

// handlePiece accepts a PIECE payload only if it matches the single
// outstanding request (index and begin). Anything else — a stale or
// out-of-order block — is silently dropped: blocksHave is left
// untouched and the caller is told nothing advanced, so the original
// request is never duplicated.
func (s *session) handlePiece(payload []byte, store *Store) (bool, error) {
	index, begin, block, err := DecodePiece(payload)
	if err != nil {
		return false, nil
	}

	if !s.hasCurrent || index != s.currentPiece || begin != s.blocksHave*s.cfg.BlockSize {
		return false, nil
	}

	s.buffer = append(s.buffer, block...)
	s.blocksHave++

	if s.blocksHave < s.blocksWanted {
		return true, nil
	}

	ok, err := store.Commit(s.currentPiece, s.buffer)
	if err != nil {
		return false, fmt.Errorf("commit piece %d: %w", s.currentPiece, err)
	}
	if !ok {
		logWarn("peer %s: piece %d failed hash check", s.addr, s.currentPiece)
	}

	s.hasCurrent = false
	s.buffer = nil
	s.blocksHave = 0

	return true, nil
}

// beginPiece starts tracking a freshly acquired piece assignment.
func (s *session) beginPiece(index int) {
	s.currentPiece = index
	s.hasCurrent = true
	s.blocksHave = 0
	s.buffer = make([]byte, 0, s.meta.PieceLen(index))

	pieceLen := s.meta.PieceLen(index)
	s.blocksWanted = int((pieceLen + int64(s.cfg.BlockSize) - 1) / int64(s.cfg.BlockSize))
}

// requestNextBlock sends REQUEST for the next sequential block of the
// piece currently being fetched. The last block of the last piece is
// still requested with the full block length; any over-read is
// caught by the piece hash check in Commit.
func (s *session) requestNextBlock() error {
	begin := s.blocksHave * s.cfg.BlockSize
	req := EncodeRequest(s.currentPiece, begin, s.cfg.BlockSize)

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.MessageTimeout))
	if _, err := s.conn.Write(req.Serialize()); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	return nil
}

// cleanup releases any held assignment and closes the socket.
// It always runs via defer in run, so a held piece is released even
// when the session exits mid-download or the engine shuts down.
func (s *session) cleanup(store *Store) {
	if s.hasCurrent {
		store.Release(s.currentPiece)
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
