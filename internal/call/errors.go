package call

import "errors"

var (
	// ErrMediaAcquisitionFailed means local camera/microphone capture failed
	// (no device, permission, busy). Fatal for the session, never retried.
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")

	// ErrInvalidParticipantPair is returned for an empty id or a call to oneself.
	ErrInvalidParticipantPair = errors.New("invalid participant pair")

	// ErrCallAlreadyInProgress rejects a start or accept while a call exists.
	ErrCallAlreadyInProgress = errors.New("call already in progress")

	// ErrSignalingTransport wraps publish/subscribe failures after retries.
	ErrSignalingTransport = errors.New("signaling transport error")

	// ErrIceNegotiationStalled ends a session whose peer connection went
	// disconnected or failed.
	ErrIceNegotiationStalled = errors.New("ice negotiation stalled")

	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")

	ErrNoActiveCall    = errors.New("no active call")
	ErrNoPendingInvite = errors.New("no pending invite")
)
