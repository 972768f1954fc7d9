package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Gossip is a Transport over libp2p GossipSub. Topic handles are joined once
// and shared by every publisher and subscriber in the process.
type Gossip struct {
	ps *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*gossipTopic
}

// gossipTopic counts subscribers and in-flight publishes on one handle.
type gossipTopic struct {
	t    *pubsub.Topic
	refs int
}

func NewGossip(ps *pubsub.PubSub) *Gossip {
	return &Gossip{ps: ps, topics: make(map[string]*gossipTopic)}
}

// joinLocked returns the shared handle for name. Caller holds g.mu.
func (g *Gossip) joinLocked(name string) (*gossipTopic, error) {
	if gt, ok := g.topics[name]; ok {
		return gt, nil
	}
	t, err := g.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", name, err)
	}
	gt := &gossipTopic{t: t}
	g.topics[name] = gt
	return gt, nil
}

// Publish joins the topic for the duration of the call. A handle nobody
// subscribes to is released afterwards, so ringing many peers leaves no
// handles behind.
func (g *Gossip) Publish(ctx context.Context, topic string, data []byte) error {
	g.mu.Lock()
	gt, err := g.joinLocked(topic)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	gt.refs++
	g.mu.Unlock()
	defer g.release(topic)

	return gt.t.Publish(ctx, data)
}

// Topics is the number of joined topic handles.
func (g *Gossip) Topics() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.topics)
}

func (g *Gossip) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	g.mu.Lock()
	gt, err := g.joinLocked(topic)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	sub, err := gt.t.Subscribe()
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	gt.refs++
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s := &gossipSub{g: g, topic: topic, sub: sub, cancel: cancel}
	go s.run(ctx, h)
	return s, nil
}

// release drops one reference and closes the topic handle when nobody uses
// it any more. Close fails while pubsub still tracks a cancelled
// subscription; the handle is then kept for reuse.
func (g *Gossip) release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt, ok := g.topics[name]
	if !ok {
		return
	}
	gt.refs--
	if gt.refs > 0 {
		return
	}
	if err := gt.t.Close(); err != nil {
		return
	}
	delete(g.topics, name)
}

// Close closes every topic handle. The PubSub itself belongs to the p2p node.
func (g *Gossip) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, gt := range g.topics {
		_ = gt.t.Close()
		delete(g.topics, name)
	}
	return nil
}

type gossipSub struct {
	g      *Gossip
	topic  string
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

func (s *gossipSub) run(ctx context.Context, h Handler) {
	for {
		msg, err := s.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("BUS: gossip %s: %v", s.topic, err)
			}
			return
		}
		h(msg.Data)
	}
}

// Ready is closed from the start: GossipSub registers the subscription locally
// before Topic.Subscribe returns.
func (s *gossipSub) Ready() <-chan struct{} { return closedCh }

func (s *gossipSub) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
		s.g.release(s.topic)
	})
	return nil
}
