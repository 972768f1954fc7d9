package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestRetryPolicyBoundsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	calls := 0
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 3 {
		t.Fatalf("Do = %v after %d calls", err, calls)
	}

	calls = 0
	err = p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return boom
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("Do = %v after %d calls", err, calls)
	}
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := DefaultRetryPolicy().Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("Do = %v after %d calls", err, calls)
	}
}

func TestRetryPolicyZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = RetryPolicy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("no")
	})
	if calls != 1 {
		t.Fatalf("%d calls", calls)
	}
}

func TestCandidateQueueDrainsOnce(t *testing.T) {
	var q candidateQueue
	for _, c := range []string{"a", "b", "c"} {
		if !q.Push(webrtc.ICECandidateInit{Candidate: c}) {
			t.Fatal("push refused before drain")
		}
	}
	if q.Len() != 3 {
		t.Fatalf("len %d", q.Len())
	}
	got := q.Drain()
	if len(got) != 3 || got[0].Candidate != "a" || got[2].Candidate != "c" {
		t.Fatalf("drained %v", got)
	}
	if again := q.Drain(); again != nil {
		t.Fatalf("second drain returned %v", again)
	}
	if q.Push(webrtc.ICECandidateInit{Candidate: "d"}) || !q.Drained() {
		t.Fatal("queue accepted candidates after drain")
	}
}
