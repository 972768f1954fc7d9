package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/goopcall/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

func init() {
	// Dial failures and backoff errors go to stderr by default.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("mdns", "warn")
}

// SetLogLevel tunes every libp2p subsystem at once ("debug", "info", "warn",
// "error").
func SetLogLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("libp2p log level: %w", err)
	}
	logging.SetAllLoggers(lvl)
	return nil
}

// Options configure a Node.
type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	// AddrTTL is how long addresses learned from presence stay in the
	// peerstore.
	AddrTTL time.Duration
}

// Node is the participant's libp2p host: a persistent identity, LAN
// discovery via mDNS and a GossipSub router the call bus runs on.
type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	addrTTL   time.Duration
	startTime time.Time
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Printf("P2P: mdns connect %s: %v", pi.ID, err)
	}
}

// LoadOrCreateIdentity loads a persistent identity key from disk, or
// generates a new Ed25519 key and saves it on first run.
func LoadOrCreateIdentity(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// IdentityID returns the peer id stored in keyFile, creating the key if
// needed.
func IdentityID(keyFile string) (string, error) {
	priv, _, err := LoadOrCreateIdentity(keyFile)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func New(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := LoadOrCreateIdentity(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", opts.KeyFile)
	} else {
		log.Printf("Loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	ttl := opts.AddrTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	return &Node{
		Host:      h,
		ps:        ps,
		mdns:      md,
		addrTTL:   ttl,
		startTime: time.Now(),
	}, nil
}

func (n *Node) Close() error {
	_ = n.mdns.Close()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PubSub is the GossipSub router shared with bus.Gossip.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.ps
}

// ConnectedPeers is the number of peers with an open connection.
func (n *Node) ConnectedPeers() int {
	return len(n.Host.Network().Peers())
}

func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime).Truncate(time.Second)
}

// WANAddrs returns the host's listen addresses without loopback and
// link-local ones.
func (n *Node) WANAddrs() []string {
	return routableAddrs(n.Host.Addrs())
}

func routableAddrs(addrs []ma.Multiaddr) []string {
	var out []string
	for _, a := range addrs {
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// AddPeerAddrs stores addresses a peer announced in its presence so
// GossipSub can dial it beyond the LAN.
func (n *Node) AddPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var parsed []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, a)
	}
	usable := routableAddrs(parsed)
	if len(usable) == 0 {
		return
	}
	out := make([]ma.Multiaddr, 0, len(usable))
	for _, s := range usable {
		out = append(out, ma.StringCast(s))
	}
	n.Host.Peerstore().AddAddrs(pid, out, n.addrTTL)
}
