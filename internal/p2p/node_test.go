package p2p

import (
	"os"
	"path/filepath"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
)

func TestIdentityIsPersistent(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := IdentityID(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(keyFile); err != nil {
		t.Fatalf("key not written: %v", err)
	}
	second, err := IdentityID(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("identity changed across loads: %s vs %s", first, second)
	}
}

func TestCorruptIdentityIsReplaced(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")
	if err := os.WriteFile(keyFile, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	_, isNew, err := LoadOrCreateIdentity(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Fatal("corrupt key was accepted")
	}
	if _, isNew, _ = LoadOrCreateIdentity(keyFile); isNew {
		t.Fatal("replacement key was not saved")
	}
}

func TestRoutableAddrs(t *testing.T) {
	in := []ma.Multiaddr{
		ma.StringCast("/ip4/127.0.0.1/tcp/4001"),
		ma.StringCast("/ip4/169.254.1.2/tcp/4001"),
		ma.StringCast("/ip4/0.0.0.0/tcp/4001"),
		ma.StringCast("/ip4/192.168.1.20/tcp/4001"),
		ma.StringCast("/ip6/::1/tcp/4001"),
	}
	got := routableAddrs(in)
	if len(got) != 1 || got[0] != "/ip4/192.168.1.20/tcp/4001" {
		t.Fatalf("routableAddrs = %v", got)
	}
}

func TestSetLogLevel(t *testing.T) {
	if err := SetLogLevel("nonsense"); err == nil {
		t.Fatal("bad level accepted")
	}
	if err := SetLogLevel(""); err != nil {
		t.Fatal(err)
	}
	if err := SetLogLevel("error"); err != nil {
		t.Fatal(err)
	}
}
