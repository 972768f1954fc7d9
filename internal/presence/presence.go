// Package presence announces this participant on a bus topic and keeps a
// TTL-pruned table of everyone else who does.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/goopcall/internal/bus"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/util"
)

// Self is what this participant announces about itself.
type Self struct {
	Name          string
	CallsDisabled bool
	InCall        bool
}

// AddrBook learns dialable addresses from announcements. p2p.Node
// implements it.
type AddrBook interface {
	AddPeerAddrs(peerID string, addrs []string)
}

type Options struct {
	Topic     string
	SelfID    string
	Heartbeat time.Duration
	TTL       time.Duration
	// Grace is how long an expired peer stays listed as offline.
	Grace time.Duration
	Self  func() Self
	// Addrs and Book are set when the bus runs on libp2p.
	Addrs func() []string
	Book  AddrBook
}

type Service struct {
	tr    bus.Transport
	peers *state.PeerTable
	opts  Options
}

func New(tr bus.Transport, peers *state.PeerTable, opts Options) *Service {
	if opts.Topic == "" {
		opts.Topic = proto.PresenceTopic
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 3 * opts.Heartbeat
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * opts.TTL
	}
	if opts.Self == nil {
		opts.Self = func() Self { return Self{} }
	}
	return &Service{tr: tr, peers: peers, opts: opts}
}

// Run announces online, heartbeats and prunes until ctx ends, then
// announces offline.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.tr.Subscribe(ctx, s.opts.Topic, s.handle)
	if err != nil {
		return fmt.Errorf("presence subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	select {
	case <-sub.Ready():
	case <-ctx.Done():
		return nil
	}
	s.publish(ctx, proto.TypeOnline)

	beat := time.NewTicker(s.opts.Heartbeat)
	defer beat.Stop()
	prune := time.NewTicker(time.Second)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			octx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			s.publish(octx, proto.TypeOffline)
			cancel()
			log.Printf("PRESENCE: offline message sent")
			return nil
		case <-beat.C:
			s.publish(ctx, proto.TypeUpdate)
		case <-prune.C:
			now := time.Now()
			s.peers.PruneStale(now.Add(-s.opts.TTL), now.Add(-s.opts.Grace))
		}
	}
}

// Announce publishes an update right away, e.g. when the call state changes.
func (s *Service) Announce(ctx context.Context) {
	s.publish(ctx, proto.TypeUpdate)
}

func (s *Service) message(typ string) proto.PresenceMsg {
	msg := proto.PresenceMsg{Type: typ, PeerID: s.opts.SelfID, TS: proto.NowMillis()}
	if typ == proto.TypeOffline {
		return msg
	}
	self := s.opts.Self()
	msg.Name = self.Name
	msg.CallsDisabled = self.CallsDisabled
	msg.InCall = self.InCall
	if s.opts.Addrs != nil {
		msg.Addrs = s.opts.Addrs()
	}
	return msg
}

func (s *Service) publish(ctx context.Context, typ string) {
	b, _ := json.Marshal(s.message(typ))
	if err := s.tr.Publish(ctx, s.opts.Topic, b); err != nil {
		log.Printf("PRESENCE: publish %s: %v", typ, err)
	}
}

func (s *Service) handle(data []byte) {
	var pm proto.PresenceMsg
	if err := json.Unmarshal(data, &pm); err != nil {
		return
	}
	if pm.PeerID == "" || pm.Type == "" || pm.PeerID == s.opts.SelfID {
		return
	}

	switch pm.Type {
	case proto.TypeOnline, proto.TypeUpdate:
		prev, known := s.peers.Get(pm.PeerID)
		if known && pm.Type == proto.TypeUpdate && unchanged(prev, pm) {
			// Plain heartbeat: keep the peer alive, tell nobody.
			s.peers.Touch(pm.PeerID)
		} else {
			if !known || pm.Type == proto.TypeOnline {
				log.Printf("PRESENCE: [%s] %s %q", pm.Type, pm.PeerID, pm.Name)
			}
			s.peers.Upsert(pm.PeerID, pm.Name, pm.CallsDisabled, pm.InCall)
		}
		if s.opts.Book != nil {
			s.opts.Book.AddPeerAddrs(pm.PeerID, pm.Addrs)
		}
	case proto.TypeOffline:
		log.Printf("PRESENCE: [offline] %s", pm.PeerID)
		s.peers.Remove(pm.PeerID)
	}
}

func unchanged(sp state.SeenPeer, pm proto.PresenceMsg) bool {
	return sp.Reachable && sp.Name == pm.Name &&
		sp.CallsDisabled == pm.CallsDisabled && sp.InCall == pm.InCall
}
