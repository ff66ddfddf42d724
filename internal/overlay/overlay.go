// Package overlay owns the libp2p host, the kademlia DHT, and mDNS
// discovery: it joins/leaves topics, advertises and finds peers on them,
// and hands every resulting duplex stream (inbound or outbound) to a
// session acceptor without distinguishing which side dialed.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discoveryrouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/metrics"
	"github.com/kizuna-net/bridge/utils"
)

// KTPProtocol is the libp2p stream protocol carrying KTP sessions.
const KTPProtocol protocol.ID = "/kizuna/ktp/1.0.0"

const (
	advertiseInterval = 30 * time.Second
	discoverInterval  = 15 * time.Second
)

// Acceptor is how the overlay manager hands off a newly established
// duplex stream, defined here (not in internal/session) so this package
// does not need to import it; internal/session.Manager satisfies this
// structurally via its Accept method.
type Acceptor interface {
	Accept(stream io.ReadWriteCloser)
}

// Config bundles the overlay manager's libp2p/DHT tunables from
// internal/config.
type Config struct {
	Port           int
	Rendezvous     string
	EnableMDNS     bool
	EnableDHT      bool
	BootstrapPeers []string
	DefaultTopic   string
}

// Topic is one entry of the membership table described in spec.md §3.
type Topic struct {
	Name     string
	Hash     string
	Private  bool
	JoinedAt int64

	cancel context.CancelFunc
}

// TopicInfo is the read-only view returned by Topics().
type TopicInfo struct {
	Name       string `json:"name"`
	Private    bool   `json:"private"`
	JoinedAt   int64  `json:"joinedAt"`
	HashPrefix string `json:"hashPrefix"`
}

// Manager owns the libp2p host, the DHT, and the topic membership table.
type Manager struct {
	cfg      Config
	acceptor Acceptor
	log      *logger.ContextualLogger
	metrics  *metrics.Collector

	host host.Host
	kdht *dht.IpfsDHT
	disc *discoveryrouting.RoutingDiscovery
	mdns mdns.Service

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	topics map[string]*Topic
}

// New builds an unstarted Manager. acceptor is usually
// internal/session.Manager.
func New(cfg Config, acceptor Acceptor, log *logger.ContextualLogger, collector *metrics.Collector) *Manager {
	return &Manager{
		cfg:      cfg,
		acceptor: acceptor,
		log:      log,
		metrics:  collector,
		topics:   make(map[string]*Topic),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Start brings up the libp2p host, registers the KTP stream handler,
// wires DHT+mDNS discovery, and joins the configured default topic.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	containerIP := utils.GetContainerIP()
	listenAddr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", containerIP, m.cfg.Port))
	if err != nil {
		return fmt.Errorf("overlay: build listen address: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrs(listenAddr),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Muxer("/yamux/1.0.0", yamux.DefaultTransport),
		libp2p.Security(noise.ID, noise.New),
	}

	var kdht *dht.IpfsDHT
	if m.cfg.EnableDHT {
		opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kdht, err = dht.New(m.ctx, h, dht.Mode(dht.ModeAuto))
			return kdht, err
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("overlay: create libp2p host: %w", err)
	}
	m.host = h
	m.kdht = kdht

	h.SetStreamHandler(KTPProtocol, m.handleIncomingStream)
	m.log.Infof("overlay host up: %s, listening on %v", h.ID(), h.Addrs())

	if kdht != nil {
		m.bootstrapDHT()
		m.disc = discoveryrouting.NewRoutingDiscovery(kdht)
	}

	if m.cfg.EnableMDNS {
		m.mdns = mdns.NewMdnsService(h, m.cfg.Rendezvous, &mdnsNotifee{m: m})
		if err := m.mdns.Start(); err != nil {
			m.log.Warnf("mdns service failed to start: %v", err)
		}
	}

	if _, err := m.Join(m.cfg.DefaultTopic, ""); err != nil {
		return fmt.Errorf("overlay: join default topic: %w", err)
	}

	return nil
}

func (m *Manager) bootstrapDHT() {
	for _, addr := range m.cfg.BootstrapPeers {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			m.log.Warnf("invalid bootstrap peer address %s: %v", addr, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			m.log.Warnf("failed to parse bootstrap peer %s: %v", addr, err)
			continue
		}
		if err := m.host.Connect(m.ctx, *info); err != nil {
			m.log.Warnf("failed to connect to bootstrap peer %s: %v", info.ID, err)
		}
	}

	if len(m.cfg.BootstrapPeers) == 0 {
		for _, info := range dht.GetDefaultBootstrapPeerAddrInfos() {
			_ = m.host.Connect(m.ctx, info)
		}
	}

	if err := m.kdht.Bootstrap(m.ctx); err != nil {
		m.log.Warnf("dht bootstrap warning: %v", err)
	}
}

func (m *Manager) handleIncomingStream(stream network.Stream) {
	m.log.Infof("accepted inbound stream from %s", stream.Conn().RemotePeer())
	m.acceptor.Accept(stream)
}

// Shutdown tears down discovery, the DHT, and the libp2p host.
func (m *Manager) Shutdown() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.mdns != nil {
		_ = m.mdns.Close()
	}
	if m.kdht != nil {
		_ = m.kdht.Close()
	}
	if m.host != nil {
		return m.host.Close()
	}
	return nil
}

// topicHash implements spec.md §3's topic hashing rule.
func topicHash(name, secret string) string {
	input := name
	if secret != "" {
		input = name + ":" + secret
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Join implements spec.md §4.2's join operation: idempotent, returns the
// existing hash if already a member.
func (m *Manager) Join(name, secret string) (string, error) {
	m.mu.Lock()
	if existing, ok := m.topics[name]; ok {
		hash := existing.Hash
		m.mu.Unlock()
		return hash, nil
	}
	m.mu.Unlock()

	hash := topicHash(name, secret)
	parent := m.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	topic := &Topic{Name: name, Hash: hash, Private: secret != "", JoinedAt: nowMs(), cancel: cancel}

	m.mu.Lock()
	m.topics[name] = topic
	count := len(m.topics)
	m.mu.Unlock()

	m.metrics.SetTopicsJoined(count)
	m.log.Infof("joined topic %s (hash %s)", name, hash[:8])

	if m.disc != nil {
		go m.advertiseAndDiscover(ctx, hash)
	}
	return hash, nil
}

// Leave implements spec.md §4.2's leave operation; the default topic may
// never be left. Existing sessions formed under the topic are left
// running — join/leave is advisory to the DHT only.
func (m *Manager) Leave(name string) (bool, error) {
	if name == m.cfg.DefaultTopic {
		return false, fmt.Errorf("overlay: cannot leave the default topic %q", name)
	}

	m.mu.Lock()
	topic, ok := m.topics[name]
	if ok {
		delete(m.topics, name)
	}
	count := len(m.topics)
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	topic.cancel()
	m.metrics.SetTopicsJoined(count)
	m.log.Infof("left topic %s", name)
	return true, nil
}

// Topics returns a snapshot of the membership table.
func (m *Manager) Topics() []TopicInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TopicInfo, 0, len(m.topics))
	for _, t := range m.topics {
		out = append(out, TopicInfo{Name: t.Name, Private: t.Private, JoinedAt: t.JoinedAt, HashPrefix: t.Hash[:8]})
	}
	return out
}

func (m *Manager) advertiseAndDiscover(ctx context.Context, rendezvous string) {
	advertiseTicker := time.NewTicker(advertiseInterval)
	discoverTicker := time.NewTicker(discoverInterval)
	defer advertiseTicker.Stop()
	defer discoverTicker.Stop()

	m.advertiseOnce(ctx, rendezvous)
	m.discoverOnce(ctx, rendezvous)

	for {
		select {
		case <-ctx.Done():
			return
		case <-advertiseTicker.C:
			m.advertiseOnce(ctx, rendezvous)
		case <-discoverTicker.C:
			m.discoverOnce(ctx, rendezvous)
		}
	}
}

func (m *Manager) advertiseOnce(ctx context.Context, rendezvous string) {
	if _, err := m.disc.Advertise(ctx, rendezvous); err != nil {
		m.log.Warnf("failed to advertise on topic %s: %v", rendezvous[:8], err)
	}
}

func (m *Manager) discoverOnce(ctx context.Context, rendezvous string) {
	peerCh, err := m.disc.FindPeers(ctx, rendezvous)
	if err != nil {
		m.log.Warnf("failed to find peers on topic %s: %v", rendezvous[:8], err)
		return
	}
	for p := range peerCh {
		if p.ID == "" || p.ID == m.host.ID() {
			continue
		}
		go m.dial(p)
	}
}

func (m *Manager) dial(p peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
	defer cancel()

	if m.host.Network().Connectedness(p.ID) == network.Connected {
		return
	}
	if err := m.host.Connect(ctx, p); err != nil {
		return
	}

	stream, err := m.host.NewStream(ctx, p.ID, KTPProtocol)
	if err != nil {
		m.log.Warnf("failed to open KTP stream to %s: %v", p.ID, err)
		return
	}
	m.log.Infof("dialed peer %s, opening KTP session", p.ID)
	m.acceptor.Accept(stream)
}

type mdnsNotifee struct {
	m *Manager
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.m.host.ID() {
		return
	}
	go n.m.dial(pi)
}
