package app

import (
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/presence"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
)

// peerCache remembers announced peers across restarts and forwards their
// addresses to the libp2p peerstore when there is one.
type peerCache struct {
	book  presence.AddrBook
	peers *state.PeerTable
	db    *storage.DB
	every time.Duration
	now   func() time.Time

	mu    sync.Mutex
	saved map[string]time.Time
}

const peerCacheInterval = time.Minute

func newPeerCache(book presence.AddrBook, peers *state.PeerTable, db *storage.DB) *peerCache {
	return &peerCache{
		book:  book,
		peers: peers,
		db:    db,
		every: peerCacheInterval,
		now:   time.Now,
		saved: make(map[string]time.Time),
	}
}

func (c *peerCache) AddPeerAddrs(peerID string, addrs []string) {
	if c.book != nil && len(addrs) > 0 {
		c.book.AddPeerAddrs(peerID, addrs)
	}
	if c.db == nil {
		return
	}

	now := c.now()
	c.mu.Lock()
	if last, ok := c.saved[peerID]; ok && now.Sub(last) < c.every {
		c.mu.Unlock()
		return
	}
	c.saved[peerID] = now
	c.mu.Unlock()

	cp := storage.CachedPeer{PeerID: peerID, Addrs: addrs, LastSeen: now}
	if sp, ok := c.peers.Get(peerID); ok {
		cp.Name = sp.Name
		cp.CallsDisabled = sp.CallsDisabled
	}
	if err := c.db.UpsertCachedPeer(cp); err != nil {
		log.Printf("PRESENCE: cache peer %s: %v", peerID, err)
	}
}

// seed hands cached addresses to the peerstore so known peers are dialable
// before they announce again.
func (c *peerCache) seed() int {
	if c.book == nil || c.db == nil {
		return 0
	}
	cached, err := c.db.ListCachedPeers()
	if err != nil {
		log.Printf("PRESENCE: load peer cache: %v", err)
		return 0
	}
	n := 0
	for _, p := range cached {
		if len(p.Addrs) == 0 {
			continue
		}
		c.book.AddPeerAddrs(p.PeerID, p.Addrs)
		n++
	}
	return n
}
