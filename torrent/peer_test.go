package torrent

import (
	"crypto/sha1"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T, meta *Metainfo) *session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BlockSize = 4 // small blocks so tests stay tiny
	cfg.MessageTimeout = time.Second
	return newSession(peerAddr{IP: "127.0.0.1", Port: 6881}, meta, cfg, generatePeerID())
}

func TestDispatch_BitfieldThenHave(t *testing.T) {
	meta := testMeta(t, 4, 8, []byte("aaaa"), []byte("bbbb"))
	s := testSession(t, meta)
	store := newTestStore(t, meta)

	advanced, err := s.dispatch(&Message{ID: MsgBitfield, Payload: []byte{0b10000000}}, store)
	require.NoError(t, err)
	require.True(t, advanced, "no piece assigned yet, so a fresh bitfield should prompt an acquire attempt")
	require.True(t, s.bitfield.Has(0))
	require.False(t, s.bitfield.Has(1))

	haveMsg := EncodeRequest(0, 0, 0) // reuse the 4-byte big-endian encoder for the HAVE index
	_, err = s.dispatch(&Message{ID: MsgHave, Payload: haveMsg.Payload[0:4]}, store)
	require.NoError(t, err)
	require.True(t, s.bitfield.Has(0))
}

func TestDispatch_ChokeUnchoke(t *testing.T) {
	meta := testMeta(t, 4, 4, []byte("aaaa"))
	s := testSession(t, meta)
	store := newTestStore(t, meta)

	require.True(t, s.peerChoking)

	advanced, err := s.dispatch(&Message{ID: MsgUnchoke}, store)
	require.NoError(t, err)
	require.False(t, s.peerChoking)
	require.True(t, advanced, "an unchoke should prompt a request")

	advanced, err = s.dispatch(&Message{ID: MsgChoke}, store)
	require.NoError(t, err)
	require.True(t, s.peerChoking)
	require.False(t, advanced)
}

func TestHandlePiece_AcceptsSequentialBlocksAndCommits(t *testing.T) {
	data := []byte("aaaabbbb") // two 4-byte blocks
	meta := testMeta(t, 8, 8, data)
	s := testSession(t, meta)
	store := newTestStore(t, meta)

	s.beginPiece(0)
	require.Equal(t, 2, s.blocksWanted)

	p0 := EncodeRequest(0, 0, 0)
	p0.Payload = append(p0.Payload[:8], data[0:4]...)
	advanced, err := s.dispatch(&Message{ID: MsgPiece, Payload: p0.Payload}, store)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, 1, s.blocksHave)
	require.True(t, s.hasCurrent, "piece not complete until both blocks arrive")

	p1 := EncodeRequest(0, 4, 0)
	p1.Payload = append(p1.Payload[:8], data[4:8]...)
	advanced, err = s.dispatch(&Message{ID: MsgPiece, Payload: p1.Payload}, store)
	require.NoError(t, err)
	require.True(t, advanced)

	require.False(t, s.hasCurrent, "piece handler resets after the final block")
	require.True(t, store.AllComplete())
}

func TestHandlePiece_DropsStaleBlock(t *testing.T) {
	data := []byte("aaaabbbb")
	meta := testMeta(t, 8, 8, data)
	s := testSession(t, meta)
	store := newTestStore(t, meta)

	s.beginPiece(0)

	// peer replies with the wrong begin offset (16 instead of 0).
	wrong := EncodeRequest(0, 16, 0)
	wrong.Payload = append(wrong.Payload[:8], data[0:4]...)
	advanced, err := s.dispatch(&Message{ID: MsgPiece, Payload: wrong.Payload}, store)
	require.NoError(t, err)
	require.False(t, advanced, "a dropped block must not trigger a new request")

	require.Equal(t, 0, s.blocksHave, "stale block must not advance blocksHave")
	require.True(t, s.hasCurrent)
}

func TestHandlePiece_DropsWrongIndex(t *testing.T) {
	data := []byte("aaaabbbb")
	meta := testMeta(t, 8, 8, data)
	s := testSession(t, meta)
	store := newTestStore(t, meta)

	s.beginPiece(0)

	other := EncodeRequest(9, 0, 0)
	other.Payload = append(other.Payload[:8], data[0:4]...)
	advanced, err := s.dispatch(&Message{ID: MsgPiece, Payload: other.Payload}, store)
	require.NoError(t, err)
	require.False(t, advanced)

	require.Equal(t, 0, s.blocksHave)
}

func TestHandlePiece_HashMismatchReleasesAndResets(t *testing.T) {
	real := []byte("aaaabbbb")
	meta := testMeta(t, 8, 8, real)
	s := testSession(t, meta)
	store := newTestStore(t, meta)

	s.beginPiece(0)

	corrupt0 := EncodeRequest(0, 0, 0)
	corrupt0.Payload = append(corrupt0.Payload[:8], []byte("XXXX")...)
	_, err := s.dispatch(&Message{ID: MsgPiece, Payload: corrupt0.Payload}, store)
	require.NoError(t, err)

	corrupt1 := EncodeRequest(0, 4, 0)
	corrupt1.Payload = append(corrupt1.Payload[:8], []byte("YYYY")...)
	_, err = s.dispatch(&Message{ID: MsgPiece, Payload: corrupt1.Payload}, store)
	require.NoError(t, err)

	require.False(t, s.hasCurrent)
	require.False(t, store.AllComplete())

	// piece must be re-acquirable.
	bf := newBitfield(1)
	bf.Set(0)
	_, ok := store.Acquire(bf)
	require.True(t, ok)
}

// TestSession_FullMessageLoop drives a full session.step loop over an
// in-memory pipe: bitfield, unchoke, then two sequential PIECE
// replies completing the one piece this torrent has.
func TestSession_FullMessageLoop(t *testing.T) {
	data := []byte("aaaabbbb")
	hash := sha1.Sum(data)
	meta := &Metainfo{
		Announce:    "http://tracker.example/announce",
		Name:        "out.bin",
		Length:      8,
		PieceLength: 8,
		NumPieces:   1,
		PieceHashes: [][20]byte{hash},
	}
	store := newTestStore(t, meta)

	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	cfg := DefaultConfig()
	cfg.BlockSize = 4
	cfg.MessageTimeout = 2 * time.Second

	s := newSession(peerAddr{IP: "peer", Port: 1}, meta, cfg, generatePeerID())
	s.conn = clientConn

	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)

		// BITFIELD: advertise piece 0.
		bf := &Message{ID: MsgBitfield, Payload: []byte{0b10000000}}
		peerConn.Write(bf.Serialize())

		// UNCHOKE.
		peerConn.Write((&Message{ID: MsgUnchoke}).Serialize())

		// expect REQUEST(0, 0, 4).
		req, err := ReadMessage(peerConn)
		if err != nil {
			return
		}
		idx, begin, _, _ := DecodeRequest(req.Payload)
		if idx != 0 || begin != 0 {
			return
		}

		p0 := EncodeRequest(0, 0, 0)
		p0.Payload = append(p0.Payload[:8], data[0:4]...)
		peerConn.Write((&Message{ID: MsgPiece, Payload: p0.Payload}).Serialize())

		req2, err := ReadMessage(peerConn)
		if err != nil {
			return
		}
		idx2, begin2, _, _ := DecodeRequest(req2.Payload)
		if idx2 != 0 || begin2 != 4 {
			return
		}

		p1 := EncodeRequest(0, 4, 0)
		p1.Payload = append(p1.Payload[:8], data[4:8]...)
		peerConn.Write((&Message{ID: MsgPiece, Payload: p1.Payload}).Serialize())
	}()

	for i := 0; i < 5 && !store.AllComplete(); i++ {
		if err := s.step(store); err != nil {
			if err == io.EOF {
				break
			}
		}
	}

	<-peerDone
	require.True(t, store.AllComplete())
}

// TestSession_StaleBlockDoesNotDuplicateRequest confirms that a
// stale PIECE (wrong begin) never causes a second REQUEST to be
// written while the original one is still outstanding: the peer side
// only ever observes a single REQUEST before the correct block lands.
func TestSession_StaleBlockDoesNotDuplicateRequest(t *testing.T) {
	data := []byte("aaaa")
	hash := sha1.Sum(data)
	meta := &Metainfo{
		Announce:    "http://tracker.example/announce",
		Name:        "out.bin",
		Length:      4,
		PieceLength: 4,
		NumPieces:   1,
		PieceHashes: [][20]byte{hash},
	}
	store := newTestStore(t, meta)

	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	cfg := DefaultConfig()
	cfg.BlockSize = 4
	cfg.MessageTimeout = 2 * time.Second

	s := newSession(peerAddr{IP: "peer", Port: 1}, meta, cfg, generatePeerID())
	s.conn = clientConn

	requests := make(chan struct{ index, begin int }, 4)
	peerDone := make(chan struct{})
	go func() {
		defer close(peerDone)

		peerConn.Write((&Message{ID: MsgBitfield, Payload: []byte{0b10000000}}).Serialize())
		peerConn.Write((&Message{ID: MsgUnchoke}).Serialize())

		req, err := ReadMessage(peerConn)
		if err != nil {
			return
		}
		idx, begin, _, _ := DecodeRequest(req.Payload)
		requests <- struct{ index, begin int }{idx, begin}

		// reply with a stale block (wrong begin) first.
		stale := EncodeRequest(0, 4, 0)
		stale.Payload = append(stale.Payload[:8], data...)
		peerConn.Write((&Message{ID: MsgPiece, Payload: stale.Payload}).Serialize())

		// then the real block.
		real := EncodeRequest(0, 0, 0)
		real.Payload = append(real.Payload[:8], data...)
		peerConn.Write((&Message{ID: MsgPiece, Payload: real.Payload}).Serialize())
	}()

	for i := 0; i < 5 && !store.AllComplete(); i++ {
		if err := s.step(store); err != nil {
			break
		}
	}

	<-peerDone
	close(requests)
	require.Len(t, requests, 1, "only the original request should ever have been sent")
	require.True(t, store.AllComplete())
}
