package torrent

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jackpal/bencode-go"
)

// trackerResponse mirrors the bencoded dictionary an HTTP tracker
// returns.
type trackerResponse struct {
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
	Failure  string `bencode:"failure reason"`
}

// announce performs one GET against meta.Announce with the standard
// tracker parameter set, and decodes the compact peer list from the
// bencoded response. Non-200 responses and malformed peer lists are
// treated as "no peers this round" rather than fatal errors.
func announce(meta *Metainfo, selfID [20]byte, port int) ([]peerAddr, int, error) {
	u, err := url.Parse(meta.Announce)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing announce URL: %w", err)
	}

	params := url.Values{}
	params.Set("info_hash", string(meta.InfoHash[:]))
	params.Set("peer_id", string(selfID[:]))
	params.Set("port", fmt.Sprintf("%d", port))
	params.Set("uploaded", "0")
	params.Set("downloaded", "0")
	params.Set("left", "0")
	params.Set("compact", "1")
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: 15 * time.Second}

	resp, err := client.Get(u.String())
	if err != nil {
		return nil, 0, fmt.Errorf("tracker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logWarn("tracker returned status %d, treating round as empty", resp.StatusCode)
		return nil, 0, nil
	}

	var tr trackerResponse
	if err := bencode.Unmarshal(resp.Body, &tr); err != nil {
		logWarn("tracker response decode failed: %v", err)
		return nil, 0, nil
	}

	if tr.Failure != "" {
		logWarn("tracker failure: %s", tr.Failure)
		return nil, 0, nil
	}

	peers, err := parseCompactPeers(tr.Peers)
	if err != nil {
		logWarn("tracker peers field malformed: %v", err)
		return nil, tr.Interval, nil
	}

	return peers, tr.Interval, nil
}

// parseCompactPeers decodes a compact IPv4 peer list: 6 bytes per
// peer (4 bytes IP, 2 bytes big-endian port). A length that is not a
// multiple of 6 is rejected as malformed.
func parseCompactPeers(raw string) ([]peerAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("peers field length %d not a multiple of 6", len(raw))
	}

	data := []byte(raw)
	peers := make([]peerAddr, 0, len(data)/6)

	for i := 0; i < len(data); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", data[i], data[i+1], data[i+2], data[i+3])
		port := binary.BigEndian.Uint16(data[i+4 : i+6])
		peers = append(peers, peerAddr{IP: ip, Port: port})
	}

	return peers, nil
}

// pollTracker repeatedly announces to meta.Announce, feeding newly
// discovered peer addresses into out. It ramps up quickly at first
// (cfg.TrackerRampRounds rounds spaced cfg.TrackerRampWait apart, to
// discover swarm members fast) then settles into the tracker-supplied
// interval. Known addresses are recorded in seen and never removed —
// dedup only, no scrubbing of stale entries.
func pollTracker(ctx context.Context, meta *Metainfo, selfID [20]byte, cfg EngineConfig, out chan<- peerAddr) {
	seen := make(map[peerAddr]struct{})
	round := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		peers, interval, err := announce(meta, selfID, cfg.Port)
		round++

		if err != nil {
			logFail("tracker round %d failed: %v", round, err)
		} else {
			fresh := 0
			for _, p := range peers {
				if _, ok := seen[p]; ok {
					continue
				}
				seen[p] = struct{}{}
				fresh++

				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
			logInfo("tracker round %d: %d peers (%d new)", round, len(peers), fresh)
		}

		wait := cfg.TrackerMinWait
		if round <= cfg.TrackerRampRounds {
			wait = cfg.TrackerRampWait
		} else if interval > 0 {
			wait = time.Duration(interval) * time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
