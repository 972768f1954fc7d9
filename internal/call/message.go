package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// ── Signaling messages ── topic: SignalTopic(a, b) ───────────────────────────

// SignalType discriminates the SignalMessage variants.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalHangUp       SignalType = "hang-up"
)

// SignalMessage is the tagged union exchanged on the shared signaling topic.
// Exactly the payload field matching Type is set.
type SignalMessage struct {
	SenderID  string                     `json:"senderId"`
	Type      SignalType                 `json:"type"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func NewOffer(senderID string, sdp webrtc.SessionDescription) SignalMessage {
	return SignalMessage{SenderID: senderID, Type: SignalOffer, Offer: &sdp}
}

func NewAnswer(senderID string, sdp webrtc.SessionDescription) SignalMessage {
	return SignalMessage{SenderID: senderID, Type: SignalAnswer, Answer: &sdp}
}

func NewICECandidate(senderID string, c webrtc.ICECandidateInit) SignalMessage {
	return SignalMessage{SenderID: senderID, Type: SignalICECandidate, Candidate: &c}
}

func NewHangUp(senderID string) SignalMessage {
	return SignalMessage{SenderID: senderID, Type: SignalHangUp}
}

// Validate checks that the variant is known and carries its payload.
func (m SignalMessage) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: %s without senderId", ErrMalformedMessage, m.Type)
	}
	switch m.Type {
	case SignalOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%w: offer without sdp", ErrMalformedMessage)
		}
	case SignalAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%w: answer without sdp", ErrMalformedMessage)
		}
	case SignalICECandidate:
		if m.Candidate == nil || m.Candidate.Candidate == "" {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedMessage)
		}
	case SignalHangUp:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	return nil
}

// DecodeSignal parses and validates one signaling message.
// peekSender returns the senderId of a raw signal without validating the
// rest. It is empty when the payload is not a JSON object.
func peekSender(data []byte) string {
	var head struct {
		SenderID string `json:"senderId"`
	}
	if json.Unmarshal(data, &head) != nil {
		return ""
	}
	return head.SenderID
}

func DecodeSignal(data []byte) (SignalMessage, error) {
	var m SignalMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SignalMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return SignalMessage{}, err
	}
	return m, nil
}

// ── Invitations ── topic: InviteTopic(recipientID) ───────────────────────────

// InviteKind discriminates invitation traffic. The empty kind is a plain
// invitation and keeps the wire shape {senderId, recipientId, timestamp}.
type InviteKind string

const (
	KindRing      InviteKind = ""
	KindDeclined  InviteKind = "declined"
	KindCancelled InviteKind = "cancelled"
)

type InvitationMessage struct {
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	Timestamp   time.Time  `json:"timestamp"`
	Kind        InviteKind `json:"kind,omitempty"`
}

func (m InvitationMessage) Validate() error {
	switch m.Kind {
	case KindRing, KindDeclined, KindCancelled:
	default:
		return fmt.Errorf("%w: invitation kind %q", ErrUnknownMessageType, m.Kind)
	}
	if m.SenderID == "" || m.RecipientID == "" {
		return fmt.Errorf("%w: invitation needs senderId and recipientId", ErrMalformedMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: invitation without timestamp", ErrMalformedMessage)
	}
	return nil
}

func DecodeInvitation(data []byte) (InvitationMessage, error) {
	var m InvitationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return InvitationMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return InvitationMessage{}, err
	}
	return m, nil
}
