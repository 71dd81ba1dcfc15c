package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// BlockSize is the fixed size of one requested block.
const BlockSize = 1 << 14 // 16 KiB

// rawInfo mirrors the `info` sub-dictionary of a single-file torrent.
// Only the fields the core consumes are decoded; everything else in a
// real .torrent file is ignored.
type rawInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
}

// rawMetainfo mirrors the root dictionary of a single-file torrent.
type rawMetainfo struct {
	Announce string  `bencode:"announce"`
	Info     rawInfo `bencode:"info"`
}

// Metainfo is the parsed, derived view of a single-file .torrent
// document that the swarm engine operates on.
type Metainfo struct {
	Announce       string
	Name           string
	Length         int64
	PieceLength    int64
	NumPieces      int
	BlocksPerPiece int
	PieceHashes    [][20]byte
	InfoHash       [20]byte
}

// ParseMetainfo reads and validates a .torrent file at path, returning
// the derived Metainfo the rest of the engine consumes.
//
// The info_hash is computed from the on-wire bencoded bytes of the
// "info" dictionary as they appear in the file, not from a re-encode,
// so the result is correct even when a torrent's bencoding is not in
// canonical key order.
func ParseMetainfo(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading torrent file: %w", err)
	}

	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("decoding torrent file: %w", err)
	}

	if raw.Announce == "" {
		return nil, fmt.Errorf("metainfo: missing announce URL")
	}
	if raw.Info.Name == "" {
		return nil, fmt.Errorf("metainfo: missing info.name")
	}
	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: invalid piece length %d", raw.Info.PieceLength)
	}
	if raw.Info.Length <= 0 {
		return nil, fmt.Errorf("metainfo: invalid length %d", raw.Info.Length)
	}
	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(raw.Info.Pieces))
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("locating info dictionary: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	numPieces := len(raw.Info.Pieces) / 20
	wantPieces := int((raw.Info.Length + raw.Info.PieceLength - 1) / raw.Info.PieceLength)
	if numPieces != wantPieces {
		return nil, fmt.Errorf("metainfo: piece hash table has %d entries, expected %d", numPieces, wantPieces)
	}

	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	blocksPerPiece := int((raw.Info.PieceLength + BlockSize - 1) / BlockSize)

	return &Metainfo{
		Announce:       raw.Announce,
		Name:           raw.Info.Name,
		Length:         raw.Info.Length,
		PieceLength:    raw.Info.PieceLength,
		NumPieces:      numPieces,
		BlocksPerPiece: blocksPerPiece,
		PieceHashes:    hashes,
		InfoHash:       infoHash,
	}, nil
}

// PieceLen returns the byte length of piece i: PieceLength for every
// piece but the last, which may be shorter.
func (m *Metainfo) PieceLen(i int) int64 {
	if i < m.NumPieces-1 {
		return m.PieceLength
	}
	last := m.Length - int64(m.NumPieces-1)*m.PieceLength
	if last == 0 {
		return m.PieceLength
	}
	return last
}

// extractInfoBytes locates the bencoded "4:info" dictionary inside a
// raw .torrent document and returns its exact source bytes, so the
// info_hash can be computed without re-encoding anything.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" prefix found")
	}

	start := idx + len("4:info")
	depth := 0

	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at byte %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at byte %d", i)
					}
					j++
					i = j + length - 1
				}
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dictionary")
}
