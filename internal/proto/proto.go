package proto

import "time"

const (
	PresenceTopic = "goopcall.presence.v1"
	MdnsTag       = "goopcall-mdns"
)

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

type PresenceMsg struct {
	Type          string   `json:"type"` // online|update|offline
	PeerID        string   `json:"peerId"`
	Name          string   `json:"name,omitempty"`
	CallsDisabled bool     `json:"callsDisabled,omitempty"` // Peer does not accept calls
	InCall        bool     `json:"inCall,omitempty"`        // Peer is busy with another call
	Addrs         []string `json:"addrs,omitempty"`         // Multiaddresses for libp2p dialing
	TS            int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
