package torrent

import (
	"crypto/sha1"
	"fmt"
	"os"
	"sync"
)

// pieceState is the lifecycle of one piece: missing, assigned to an
// in-flight fetch, or verified and written.
type pieceState uint8

const (
	pieceMissing pieceState = iota
	piecePending
	pieceComplete
)

// Store owns the output file and the per-piece state array. Acquire,
// release and commit all serialize on a single mutex — the critical
// sections are small, so one lock is plenty.
type Store struct {
	meta *Metainfo
	file *os.File

	mu       sync.Mutex
	state    []pieceState
	complete int

	progress     *progressReporter
	progressFreq int
}

// NewStore builds a Store for meta, writing its output file at path.
// The file is created if absent and then truncated or extended to
// meta.Length; every piece starts MISSING.
func NewStore(meta *Metainfo, path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}

	if err := f.Truncate(meta.Length); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing output file: %w", err)
	}

	freq := (meta.NumPieces + 99) / 100
	if freq < 1 {
		freq = 1
	}

	return &Store{
		meta:         meta,
		file:         f,
		state:        make([]pieceState, meta.NumPieces),
		progress:     newProgressReporter(meta.Name, meta.NumPieces),
		progressFreq: freq,
	}, nil
}

// Close releases the output file handle.
func (s *Store) Close() error {
	return s.file.Close()
}

// Acquire selects the lowest-index piece the peer advertises in
// bitfield that is still MISSING, marks it PENDING, and returns its
// index. It returns ok=false when no such piece exists (the peer has
// nothing useful left, or the swarm has none left to offer it).
func (s *Store) Acquire(bitfield Bitfield) (index int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, st := range s.state {
		if st == pieceMissing && bitfield.Has(i) {
			s.state[i] = piecePending
			return i, true
		}
	}

	return 0, false
}

// Release reverts piece i to MISSING unless it is already COMPLETE,
// which is terminal and left as it is. Used when a
// session drops while holding an assignment, or a commit's hash check
// fails.
func (s *Store) Release(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state[i] != pieceComplete {
		s.state[i] = pieceMissing
	}
}

// Commit verifies data against piece i's expected SHA-1 digest. On a
// match it writes data to the output file at the piece's offset,
// flushes, marks the piece COMPLETE, and reports progress. On a
// mismatch nothing is written and the piece is released back to
// MISSING. The returned bool is the verification result.
func (s *Store) Commit(i int, data []byte) (bool, error) {
	hash := sha1.Sum(data)
	if hash != s.meta.PieceHashes[i] {
		s.Release(i)
		return false, nil
	}

	offset := int64(i) * s.meta.PieceLength
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return false, fmt.Errorf("writing piece %d: %w", i, err)
	}
	if err := s.file.Sync(); err != nil {
		return false, fmt.Errorf("flushing piece %d: %w", i, err)
	}

	s.mu.Lock()
	s.state[i] = pieceComplete
	s.complete++
	complete := s.complete
	s.mu.Unlock()

	if complete%s.progressFreq == 0 || complete == s.meta.NumPieces {
		s.progress.set(complete)
	}

	return true, nil
}

// AllComplete reports whether every piece has reached COMPLETE.
func (s *Store) AllComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete == len(s.state)
}

// FinishProgress marks the progress display as done.
func (s *Store) FinishProgress() {
	s.progress.finish()
}
