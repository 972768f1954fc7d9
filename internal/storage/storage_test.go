package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordAndListCalls(t *testing.T) {
	db := openTest(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []call.CallRecord{
		{PeerID: "bob", Direction: call.Outgoing, Role: call.Caller, StartedAt: base, EndedAt: base.Add(time.Minute), Outcome: "local-hangup"},
		{PeerID: "carol", Direction: call.Incoming, Role: call.Callee, StartedAt: base.Add(time.Hour), EndedAt: base.Add(time.Hour), Outcome: "rejected"},
		{ID: "fixed", PeerID: "bob", Direction: call.Incoming, Role: call.Caller, StartedAt: base.Add(2 * time.Hour), EndedAt: base.Add(3 * time.Hour), Outcome: "connection-lost", Error: "ice failed"},
	}
	for _, r := range recs {
		if err := db.RecordCall(r); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListCalls("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d calls", len(all))
	}
	if all[0].ID != "fixed" || all[0].Error != "ice failed" || all[0].Role != call.Caller {
		t.Fatalf("newest call = %+v", all[0])
	}
	if all[1].Role != call.Callee || all[1].Direction != call.Incoming {
		t.Fatalf("role/direction lost: %+v", all[1])
	}
	if all[2].ID == "" {
		t.Fatal("record id not generated")
	}
	if !all[2].StartedAt.Equal(base) || !all[2].EndedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("times = %v %v", all[2].StartedAt, all[2].EndedAt)
	}

	bobs, err := db.ListCalls("bob", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(bobs) != 1 || bobs[0].ID != "fixed" {
		t.Fatalf("filtered = %+v", bobs)
	}

	n, err := db.DeleteCalls()
	if err != nil || n != 3 {
		t.Fatalf("DeleteCalls = %d, %v", n, err)
	}
}

func TestDuplicateCallIDRejected(t *testing.T) {
	db := openTest(t)
	rec := call.CallRecord{ID: "x", PeerID: "bob", Direction: call.Outgoing, Outcome: "local-hangup"}
	if err := db.RecordCall(rec); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordCall(rec); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestPeerCacheKeepsAddrs(t *testing.T) {
	db := openTest(t)
	seen := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if err := db.UpsertCachedPeer(CachedPeer{PeerID: "bob", Name: "Bob", Addrs: []string{"/ip4/10.0.0.2/tcp/4001"}, LastSeen: seen}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertCachedPeer(CachedPeer{PeerID: "bob", Name: "Bobby", CallsDisabled: true, LastSeen: seen.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	p, ok := db.GetCachedPeer("bob")
	if !ok {
		t.Fatal("peer missing")
	}
	if p.Name != "Bobby" || !p.CallsDisabled {
		t.Fatalf("peer = %+v", p)
	}
	if len(p.Addrs) != 1 || p.Addrs[0] != "/ip4/10.0.0.2/tcp/4001" {
		t.Fatalf("addrs = %v", p.Addrs)
	}
	if !p.LastSeen.Equal(seen.Add(time.Minute)) {
		t.Fatalf("last seen = %v", p.LastSeen)
	}

	if err := db.UpsertCachedPeer(CachedPeer{PeerID: "carol", LastSeen: seen.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	list, err := db.ListCachedPeers()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].PeerID != "carol" {
		t.Fatalf("list = %+v", list)
	}

	if err := db.DeleteCachedPeer("bob"); err != nil {
		t.Fatal(err)
	}
	if _, ok := db.GetCachedPeer("bob"); ok {
		t.Fatal("deleted peer still cached")
	}
}

func TestMeta(t *testing.T) {
	db := openTest(t)
	if db.Meta("schema") != "" {
		t.Fatal("unset key not empty")
	}
	if err := db.SetMeta("schema", "1"); err != nil {
		t.Fatal(err)
	}
	if db.Meta("schema") != "1" {
		t.Fatal("meta not stored")
	}
}
