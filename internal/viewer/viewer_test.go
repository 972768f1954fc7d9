package viewer

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

func TestTokenRoundTrip(t *testing.T) {
	now := time.Now()
	tok, err := IssueToken("s3cret", "alice", time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseToken("s3cret", tok)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if _, err := ParseToken("other", tok); err == nil {
		t.Fatal("token accepted with the wrong secret")
	}

	expired, _ := IssueToken("s3cret", "alice", time.Minute, now.Add(-time.Hour))
	if _, err := ParseToken("s3cret", expired); err == nil {
		t.Fatal("expired token accepted")
	}
	if _, err := IssueToken("", "alice", 0, now); err == nil {
		t.Fatal("issued a token without a secret")
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken("s3cret", tok); err == nil {
		t.Fatal("HS512 token accepted")
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{
		Peers:     state.NewPeerTable(),
		JWTSecret: "s3cret",
	}))
	defer srv.Close()

	tok, _ := IssueToken("s3cret", "alice", time.Hour, time.Now())
	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no token", "/api/peers", "", http.StatusUnauthorized},
		{"bad scheme", "/api/peers", "Basic abc", http.StatusUnauthorized},
		{"bad token", "/api/peers", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/api/peers", "Bearer " + tok, http.StatusOK},
		{"query token", "/api/peers?token=" + tok, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if resp.Header.Get("Cache-Control") == "" {
				t.Fatal("missing no-cache headers")
			}
		})
	}
}

func TestHandlerRejectsTokenForAnotherParticipant(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{
		Peers:     state.NewPeerTable(),
		Self:      func() routes.SelfInfo { return routes.SelfInfo{ID: "alice"} },
		JWTSecret: "s3cret",
	}))
	defer srv.Close()

	for subject, want := range map[string]int{"alice": http.StatusOK, "mallory": http.StatusUnauthorized} {
		tok, _ := IssueToken("s3cret", subject, time.Hour, time.Now())
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/self", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("%s: status = %d, want %d", subject, resp.StatusCode, want)
		}
	}
}

func TestHandlerOpenWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{Peers: state.NewPeerTable()}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/peers")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLogBufferLines(t *testing.T) {
	b := NewLogBuffer(3)
	ch, cancel := b.Subscribe()
	defer cancel()

	fmt.Fprint(b, "one\ntw")
	fmt.Fprint(b, "o\n\n   \nthree\r\nfour\n")

	got := b.Snapshot()
	if len(got) != 3 || got[0].Msg != "two" || got[2].Msg != "four" {
		t.Fatalf("snapshot = %+v", got)
	}
	if tail := b.Tail(1); len(tail) != 1 || tail[0].Msg != "four" {
		t.Fatalf("tail = %+v", tail)
	}
	if e := <-ch; e.Msg != "one" {
		t.Fatalf("first streamed line = %q", e.Msg)
	}
}

func TestLogBufferAsLogOutput(t *testing.T) {
	b := NewLogBuffer(10)
	l := log.New(b, "CALL: ", 0)
	l.Printf("ringing %s", "bob")

	srv := httptest.NewServer(Handler(Viewer{Logs: b}))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/logs?n=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []LogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Msg != "CALL: ringing bob" {
		t.Fatalf("entries = %+v", entries)
	}
}
