package state

import (
	"sort"
	"sync"
	"time"
)

type SeenPeer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	CallsDisabled bool      `json:"calls_disabled,omitempty"`
	InCall        bool      `json:"in_call,omitempty"`
	Reachable     bool      `json:"reachable"`
	LastSeen      time.Time `json:"last_seen"`
	OfflineSince  time.Time `json:"offline_since,omitempty"`
}

// Callable reports whether ringing the peer can be expected to reach someone.
func (p SeenPeer) Callable() bool {
	return p.Reachable && p.OfflineSince.IsZero() && !p.CallsDisabled
}

type PeerEvent struct {
	Type   string    `json:"type"` // update|remove
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

// PeerTable is the presence directory: who announced themselves recently.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
	now       func() time.Time
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers:     map[string]SeenPeer{},
		listeners: make([]chan PeerEvent, 0),
		now:       time.Now,
	}
}

func (t *PeerTable) Upsert(id, name string, callsDisabled, inCall bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peer := SeenPeer{
		ID:            id,
		Name:          name,
		CallsDisabled: callsDisabled,
		InCall:        inCall,
		Reachable:     true,
		LastSeen:      t.now(),
	}
	t.peers[id] = peer
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &peer})
}

// Touch refreshes LastSeen of a known peer without notifying listeners.
func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = t.now()
	t.peers[id] = sp
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// List returns every known peer ordered by id.
func (t *PeerTable) List() []SeenPeer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SeenPeer, 0, len(t.peers))
	for _, sp := range t.peers {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PruneStale moves online peers with expired TTL to offline state, then removes
// offline peers that have exceeded the grace period.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.OfflineSince.IsZero() {
			if sp.LastSeen.Before(ttlCutoff) {
				sp.Reachable = false
				sp.OfflineSince = t.now()
				t.peers[id] = sp
				t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
			}
		} else if sp.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
