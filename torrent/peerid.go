package torrent

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// peerIDPrefix is this client's Azureus-style identifier prefix.
const peerIDPrefix = "-VU0001-"

// generatePeerID builds a 20-byte BitTorrent peer id: the fixed
// prefix followed by 12 hex characters derived from 6 random bytes.
// uuid.New() sources those random bytes (it draws from crypto/rand
// internally); only the first 6 bytes of the 16-byte UUID are used.
func generatePeerID() [20]byte {
	u := uuid.New()

	var id [20]byte
	copy(id[:], peerIDPrefix)
	hex.Encode(id[len(peerIDPrefix):], u[:6])

	return id
}
