package storage

import (
	"encoding/json"
	"time"
)

// CachedPeer is the last known state of a remote participant. It outlives
// the peer going offline so its addresses can be dialled on the next start.
type CachedPeer struct {
	PeerID        string    `json:"peer_id"`
	Name          string    `json:"name"`
	CallsDisabled bool      `json:"calls_disabled"`
	Addrs         []string  `json:"addrs,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
}

// UpsertCachedPeer stores or replaces the cached state for a peer. An empty
// address list keeps the addresses already known.
func (d *DB) UpsertCachedPeer(p CachedPeer) error {
	addrs, _ := json.Marshal(p.Addrs)
	if p.Addrs == nil {
		addrs = []byte("[]")
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}
	cd := 0
	if p.CallsDisabled {
		cd = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _peer_cache (peer_id, name, calls_disabled, addrs, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			name           = excluded.name,
			calls_disabled = excluded.calls_disabled,
			addrs          = CASE WHEN excluded.addrs = '[]' THEN _peer_cache.addrs ELSE excluded.addrs END,
			last_seen      = excluded.last_seen`,
		p.PeerID, p.Name, cd, string(addrs), formatTime(p.LastSeen),
	)
	return err
}

// GetCachedPeer returns the last known state for a peer, or false if unknown.
func (d *DB) GetCachedPeer(peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var p CachedPeer
	var cd int
	var addrsJSON, lastSeen string
	err := d.db.QueryRow(`
		SELECT peer_id, name, calls_disabled, addrs, last_seen
		FROM _peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.Name, &cd, &addrsJSON, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	p.CallsDisabled = cd != 0
	json.Unmarshal([]byte(addrsJSON), &p.Addrs)
	p.LastSeen = parseTime(lastSeen)
	return p, true
}

// ListCachedPeers returns all cached peers, most recently seen first.
func (d *DB) ListCachedPeers() ([]CachedPeer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT peer_id, name, calls_disabled, addrs, last_seen
		FROM _peer_cache ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var cd int
		var addrsJSON, lastSeen string
		if err := rows.Scan(&p.PeerID, &p.Name, &cd, &addrsJSON, &lastSeen); err != nil {
			return nil, err
		}
		p.CallsDisabled = cd != 0
		json.Unmarshal([]byte(addrsJSON), &p.Addrs)
		p.LastSeen = parseTime(lastSeen)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeleteCachedPeer forgets a peer entirely.
func (d *DB) DeleteCachedPeer(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _peer_cache WHERE peer_id = ?`, peerID)
	return err
}
