package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/bus"
	"github.com/petervdpas/goopcall/internal/state"
)

type addrBook struct {
	mu    sync.Mutex
	addrs map[string][]string
}

func (b *addrBook) AddPeerAddrs(id string, addrs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[id] = addrs
}

func (b *addrBook) get(id string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addrs[id]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPresenceOnlineAndOffline(t *testing.T) {
	tr := bus.NewMemory()
	defer tr.Close()

	alicePeers, bobPeers := state.NewPeerTable(), state.NewPeerTable()
	book := &addrBook{addrs: map[string][]string{}}

	alice := New(tr, alicePeers, Options{
		SelfID:    "alice",
		Heartbeat: 20 * time.Millisecond,
		Self:      func() Self { return Self{Name: "Alice", InCall: true} },
		Addrs:     func() []string { return []string{"/ip4/10.0.0.1/tcp/4001"} },
	})
	bob := New(tr, bobPeers, Options{SelfID: "bob", Heartbeat: 20 * time.Millisecond, Book: book})

	actx, stopAlice := context.WithCancel(context.Background())
	bctx, stopBob := context.WithCancel(context.Background())
	defer stopBob()
	aliceDone := make(chan struct{})
	go func() { alice.Run(actx); close(aliceDone) }()
	go bob.Run(bctx)

	waitFor(t, "bob sees alice", func() bool {
		sp, ok := bobPeers.Get("alice")
		return ok && sp.Name == "Alice" && sp.InCall
	})
	waitFor(t, "alice sees bob", func() bool { _, ok := alicePeers.Get("bob"); return ok })
	if _, ok := alicePeers.Get("alice"); ok {
		t.Fatal("alice listed herself")
	}
	if got := book.get("alice"); len(got) != 1 {
		t.Fatalf("addresses not forwarded: %v", got)
	}

	stopAlice()
	<-aliceDone
	waitFor(t, "alice offline", func() bool { _, ok := bobPeers.Get("alice"); return !ok })
}

func TestPresenceIgnoresGarbage(t *testing.T) {
	tr := bus.NewMemory()
	defer tr.Close()
	peers := state.NewPeerTable()
	s := New(tr, peers, Options{SelfID: "bob"})

	s.handle([]byte("not json"))
	s.handle([]byte(`{"type":"online"}`))
	s.handle([]byte(`{"type":"online","peerId":"bob","ts":1}`))
	if n := len(peers.List()); n != 0 {
		t.Fatalf("%d peers after garbage", n)
	}
	s.handle([]byte(`{"type":"update","peerId":"carol","name":"Carol","ts":1}`))
	if sp, ok := peers.Get("carol"); !ok || sp.Name != "Carol" {
		t.Fatalf("carol = %+v, %v", sp, ok)
	}
}

func TestHeartbeatRefreshesWithoutEvents(t *testing.T) {
	tr := bus.NewMemory()
	defer tr.Close()
	peers := state.NewPeerTable()
	s := New(tr, peers, Options{SelfID: "bob"})
	events := peers.Subscribe()
	defer peers.Unsubscribe(events)

	beat := []byte(`{"type":"update","peerId":"carol","name":"Carol","ts":1}`)
	s.handle(beat)
	<-events
	first, _ := peers.Get("carol")

	time.Sleep(5 * time.Millisecond)
	s.handle(beat)
	select {
	case evt := <-events:
		t.Fatalf("heartbeat produced %+v", evt)
	default:
	}
	if sp, _ := peers.Get("carol"); !sp.LastSeen.After(first.LastSeen) {
		t.Fatal("heartbeat did not refresh last seen")
	}

	s.handle([]byte(`{"type":"update","peerId":"carol","name":"Carol","inCall":true,"ts":2}`))
	select {
	case evt := <-events:
		if evt.Peer == nil || !evt.Peer.InCall {
			t.Fatalf("event = %+v", evt)
		}
	default:
		t.Fatal("state change not announced")
	}
}
