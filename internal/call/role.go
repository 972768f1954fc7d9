package call

import (
	"fmt"
	"strings"
)

// Topic prefixes shared by every participant. Both ends derive the same names
// without exchanging anything.
const (
	SignalTopicPrefix = "direct-video-chat-"
	InviteTopicPrefix = "direct-video-call-"
)

// Role says which side of a pair creates the SDP offer.
type Role int

const (
	Caller Role = iota
	Callee
)

func (r Role) String() string {
	switch r {
	case Caller:
		return "caller"
	case Callee:
		return "callee"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "caller":
		*r = Caller
	case "callee":
		*r = Callee
	default:
		return fmt.Errorf("unknown role %q", b)
	}
	return nil
}

// ResolveRole decides the local role for the pair (selfID, peerID). The id that
// sorts first is the Caller, so both ends agree without a negotiation message.
func ResolveRole(selfID, peerID string) (Role, error) {
	if err := validPair(selfID, peerID); err != nil {
		return 0, err
	}
	if selfID < peerID {
		return Caller, nil
	}
	return Callee, nil
}

// TopicKey is the order-independent key of a pair: the two ids sorted and
// joined with "-".
func TopicKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "-" + b
}

// SignalTopic is the shared signaling topic of a pair.
func SignalTopic(a, b string) string {
	return SignalTopicPrefix + TopicKey(a, b)
}

// InviteTopic is the per-user topic invitations to recipientID are rung on.
func InviteTopic(recipientID string) string {
	return InviteTopicPrefix + recipientID
}

func validPair(selfID, peerID string) error {
	if strings.TrimSpace(selfID) == "" || strings.TrimSpace(peerID) == "" {
		return fmt.Errorf("%w: empty participant id", ErrInvalidParticipantPair)
	}
	if selfID == peerID {
		return fmt.Errorf("%w: cannot call oneself (%s)", ErrInvalidParticipantPair, selfID)
	}
	return nil
}
