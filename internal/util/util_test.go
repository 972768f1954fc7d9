package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("Snapshot = %v", got)
	}
	if got := r.Last(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Fatalf("Last(2) = %v", got)
	}
	if got := r.Last(10); len(got) != 3 {
		t.Fatalf("Last(10) = %v", got)
	}
	if r.Len() != 3 || r.Cap() != 3 {
		t.Fatalf("len %d cap %d", r.Len(), r.Cap())
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("peers/a", "data/calls.db"); got != filepath.Join("peers/a", "data/calls.db") {
		t.Fatalf("relative: %s", got)
	}
	abs := filepath.Join(string(filepath.Separator), "tmp", "x.db")
	if got := ResolvePath("peers/a", abs); got != abs {
		t.Fatalf("absolute: %s", got)
	}
}

func TestWriteJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.json")
	if err := WriteJSONFile(path, map[string]int{"a": 1}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(b, &got); err != nil || got["a"] != 1 {
		t.Fatalf("read back %s: %v", b, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestValidatePeerDir(t *testing.T) {
	if _, err := ValidatePeerDir("  "); err == nil {
		t.Fatal("empty accepted")
	}
	if _, err := ValidatePeerDir("../etc"); err == nil {
		t.Fatal("traversal accepted")
	}
	if got, err := ValidatePeerDir("peers/alice/"); err != nil || got != "peers/alice" {
		t.Fatalf("ValidatePeerDir = %q, %v", got, err)
	}
}
