package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/bus"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

type InviteStatus string

const (
	InviteRinging   InviteStatus = "ringing"
	InviteAccepted  InviteStatus = "accepted"
	InviteRejected  InviteStatus = "rejected"
	InviteCancelled InviteStatus = "cancelled"
	InviteExpired   InviteStatus = "expired"
)

// CallInvite is one side's view of a ring.
type CallInvite struct {
	PeerID    string       `json:"peer_id"`
	Direction Direction    `json:"direction"`
	Status    InviteStatus `json:"status"`
	At        time.Time    `json:"at"`
}

type InviterOptions struct {
	Retry RetryPolicy
	// NotifyDecline sends a declined or cancelled message to the other side
	// when a ring is rejected or withdrawn locally.
	NotifyDecline bool
	// RingTimeout expires a ring nobody answered. Zero rings forever.
	RingTimeout time.Duration
	Now         func() time.Time
}

// Inviter rings peers on their personal invitation topic and tracks at most
// one incoming and one outgoing ring. A newer incoming ring replaces the
// pending one.
type Inviter struct {
	tr     bus.Transport
	selfID string

	mu       sync.Mutex
	opts     InviterOptions
	incoming *CallInvite
	outgoing *CallInvite
	inTimer  *time.Timer
	outTimer *time.Timer
	onChange func(CallInvite)
	sub      bus.Subscription
}

func NewInviter(tr bus.Transport, selfID string, opts InviterOptions) *Inviter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Inviter{tr: tr, selfID: selfID, opts: opts}
}

// SetOptions swaps the policy; rings already pending keep their timers.
func (iv *Inviter) SetOptions(opts InviterOptions) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if opts.Now == nil {
		opts.Now = iv.opts.Now
	}
	iv.opts = opts
}

// Listen subscribes to this node's invitation topic. fn observes every change
// to either ring; it runs without the inviter lock held.
func (iv *Inviter) Listen(ctx context.Context, fn func(CallInvite)) error {
	iv.mu.Lock()
	iv.onChange = fn
	retry := iv.opts.Retry
	iv.mu.Unlock()

	topic := InviteTopic(iv.selfID)
	var sub bus.Subscription
	err := retry.Do(ctx, func(ctx context.Context) error {
		s, err := iv.tr.Subscribe(ctx, topic, iv.handle)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrSignalingTransport, topic, err)
	}
	select {
	case <-sub.Ready():
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return ctx.Err()
	}

	iv.mu.Lock()
	iv.sub = sub
	iv.mu.Unlock()
	log.Printf("INVITE: listening on %s", topic)
	return nil
}

func (iv *Inviter) handle(data []byte) {
	msg, err := DecodeInvitation(data)
	if err != nil {
		log.Printf("INVITE: dropping message: %v", err)
		return
	}
	if msg.RecipientID != iv.selfID || msg.SenderID == iv.selfID {
		return
	}

	var changed *CallInvite
	iv.mu.Lock()
	switch msg.Kind {
	case KindRing:
		if iv.incoming != nil && iv.incoming.Status == InviteRinging && iv.incoming.PeerID != msg.SenderID {
			log.Printf("INVITE: ring from %s replaces pending ring from %s", msg.SenderID, iv.incoming.PeerID)
		}
		iv.incoming = &CallInvite{PeerID: msg.SenderID, Direction: Incoming, Status: InviteRinging, At: msg.Timestamp}
		iv.armLocked(Incoming, iv.incoming)
		changed = iv.incoming
	case KindDeclined:
		if o := iv.outgoing; o != nil && o.PeerID == msg.SenderID && o.Status == InviteRinging {
			o.Status = InviteRejected
			stopTimer(&iv.outTimer)
			changed = o
		}
	case KindCancelled:
		if in := iv.incoming; in != nil && in.PeerID == msg.SenderID && in.Status == InviteRinging {
			in.Status = InviteCancelled
			stopTimer(&iv.inTimer)
			changed = in
		}
	}
	iv.fireLocked(changed)
}

// fireLocked releases the lock and reports a change, if any.
func (iv *Inviter) fireLocked(changed *CallInvite) {
	fn := iv.onChange
	var snapshot CallInvite
	if changed != nil {
		snapshot = *changed
	}
	iv.mu.Unlock()
	if changed == nil {
		return
	}
	log.Printf("INVITE: %s ring %s %s", snapshot.Direction, snapshot.PeerID, snapshot.Status)
	if fn != nil {
		fn(snapshot)
	}
}

func (iv *Inviter) armLocked(dir Direction, inv *CallInvite) {
	timer := &iv.inTimer
	if dir == Outgoing {
		timer = &iv.outTimer
	}
	stopTimer(timer)
	if iv.opts.RingTimeout <= 0 {
		return
	}
	*timer = time.AfterFunc(iv.opts.RingTimeout, func() { iv.expire(dir, inv) })
}

func (iv *Inviter) expire(dir Direction, inv *CallInvite) {
	iv.mu.Lock()
	current := iv.incoming
	if dir == Outgoing {
		current = iv.outgoing
	}
	if current != inv || inv.Status != InviteRinging {
		iv.mu.Unlock()
		return
	}
	inv.Status = InviteExpired
	iv.fireLocked(inv)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// SendInvite rings calleeID.
func (iv *Inviter) SendInvite(ctx context.Context, calleeID string) error {
	iv.mu.Lock()
	now := iv.opts.Now()
	retry := iv.opts.Retry
	iv.outgoing = &CallInvite{PeerID: calleeID, Direction: Outgoing, Status: InviteRinging, At: now}
	iv.armLocked(Outgoing, iv.outgoing)
	out := iv.outgoing
	iv.mu.Unlock()

	err := iv.publish(ctx, retry, InvitationMessage{SenderID: iv.selfID, RecipientID: calleeID, Timestamp: now})
	if err != nil {
		iv.mu.Lock()
		if iv.outgoing == out {
			stopTimer(&iv.outTimer)
			iv.outgoing = nil
		}
		iv.mu.Unlock()
		return err
	}
	iv.mu.Lock()
	iv.fireLocked(out)
	return nil
}

// Accept marks the pending ring from callerID as answered. It reports false
// when no such ring was pending.
func (iv *Inviter) Accept(callerID string) bool {
	iv.mu.Lock()
	in := iv.incoming
	if in == nil || in.PeerID != callerID || in.Status != InviteRinging {
		iv.mu.Unlock()
		return false
	}
	in.Status = InviteAccepted
	stopTimer(&iv.inTimer)
	iv.fireLocked(in)
	return true
}

// Reject dismisses the pending incoming ring and returns the caller's id.
func (iv *Inviter) Reject(ctx context.Context) (string, error) {
	iv.mu.Lock()
	in := iv.incoming
	if in == nil || in.Status != InviteRinging {
		iv.mu.Unlock()
		return "", ErrNoPendingInvite
	}
	in.Status = InviteRejected
	stopTimer(&iv.inTimer)
	notify, retry := iv.opts.NotifyDecline, iv.opts.Retry
	now := iv.opts.Now()
	peer := in.PeerID
	iv.fireLocked(in)

	if !notify {
		return peer, nil
	}
	return peer, iv.publish(ctx, retry, InvitationMessage{
		SenderID: iv.selfID, RecipientID: peer, Timestamp: now, Kind: KindDeclined,
	})
}

// Cancel withdraws the outgoing ring if it is still ringing.
func (iv *Inviter) Cancel(ctx context.Context) error {
	iv.mu.Lock()
	out := iv.outgoing
	if out == nil || out.Status != InviteRinging {
		iv.mu.Unlock()
		return nil
	}
	out.Status = InviteCancelled
	stopTimer(&iv.outTimer)
	notify, retry := iv.opts.NotifyDecline, iv.opts.Retry
	now := iv.opts.Now()
	peer := out.PeerID
	iv.fireLocked(out)

	if !notify {
		return nil
	}
	return iv.publish(ctx, retry, InvitationMessage{
		SenderID: iv.selfID, RecipientID: peer, Timestamp: now, Kind: KindCancelled,
	})
}

// SettleOutgoing marks the outgoing ring to peerID as answered once media
// flows, so a later timeout does not fire.
func (iv *Inviter) SettleOutgoing(peerID string) {
	iv.mu.Lock()
	out := iv.outgoing
	if out == nil || out.PeerID != peerID || out.Status != InviteRinging {
		iv.mu.Unlock()
		return
	}
	out.Status = InviteAccepted
	stopTimer(&iv.outTimer)
	iv.fireLocked(out)
}

// Pending returns the incoming ring, if one is still ringing.
func (iv *Inviter) Pending() (CallInvite, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.incoming == nil || iv.incoming.Status != InviteRinging {
		return CallInvite{}, false
	}
	return *iv.incoming, true
}

// Outgoing returns the most recent outgoing ring in whatever status it ended.
func (iv *Inviter) Outgoing() (CallInvite, bool) {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.outgoing == nil {
		return CallInvite{}, false
	}
	return *iv.outgoing, true
}

func (iv *Inviter) Close() error {
	iv.mu.Lock()
	stopTimer(&iv.inTimer)
	stopTimer(&iv.outTimer)
	sub := iv.sub
	iv.sub = nil
	iv.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (iv *Inviter) publish(ctx context.Context, retry RetryPolicy, msg InvitationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	topic := InviteTopic(msg.RecipientID)
	err = retry.Do(ctx, func(ctx context.Context) error {
		return iv.tr.Publish(ctx, topic, data)
	})
	if err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrSignalingTransport, topic, err)
	}
	return nil
}
