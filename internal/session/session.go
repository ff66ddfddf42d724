// Package session implements the per-peer state machine: handshake,
// heartbeat, framed receive loop, signature verification, and dispatch —
// plus the timeout and entropy reapers that operate on the peer table.
//
// Concurrency discipline: per spec.md §5 this package picks option (b),
// the threaded design — the peer table is a single struct guarded by one
// mutex (Manager.mu), and every peer's outbound writes are serialised by
// that peer's own Peer.writeMu so at most one write is ever in flight on
// a socket. Reapers, the receive loop, and the control plane all reach
// the table only through Manager's exported methods.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/kizuna-net/bridge/internal/bus"
	"github.com/kizuna-net/bridge/internal/envelope"
	"github.com/kizuna-net/bridge/internal/identity"
	"github.com/kizuna-net/bridge/internal/inbox"
	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/metrics"
	"github.com/kizuna-net/bridge/internal/wire"
)

// peersConnectedLabel is the topic label under which the peer-connected
// gauge is reported. Sessions are per-peer duplex connections formed after
// overlay discovery, not scoped to a topic, so this package reports one
// aggregate series rather than inventing a topic attribution it doesn't have.
const peersConnectedLabel = "all"

// Dispatcher is how a session hands off task frames to the task engine,
// defined here (not in internal/ktp) so neither package imports the
// other; internal/ktp.Engine satisfies this structurally.
type Dispatcher interface {
	HandleTaskRequest(fromFullKey, fromShortID string, frame wire.TaskRequestFrame)
	HandleTaskResponse(frame wire.TaskResponseFrame)
}

// Peer is one live session's table entry.
type Peer struct {
	PubHex      string
	ShortID     string
	Manifest    *wire.Manifest
	lastSeenMs  int64
	stream      io.ReadWriteCloser
	writeMu     sync.Mutex
	hbCancel    context.CancelFunc
	mu          sync.RWMutex
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastSeenMs = nowMs()
	p.mu.Unlock()
}

// LastSeen returns the ms timestamp of the peer's last inbound frame.
func (p *Peer) LastSeen() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeenMs
}

func (p *Peer) setManifest(m wire.Manifest) {
	p.mu.Lock()
	p.Manifest = &m
	p.mu.Unlock()
}

// GetManifest returns the peer's most recently announced manifest, or nil
// if it has not yet sent one (possible briefly after registration, since
// registration happens on the first verified envelope of any kind).
func (p *Peer) GetManifest() *wire.Manifest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Manifest
}

// write serialises one frame onto the peer's stream; callers must not
// write to p.stream directly.
func (p *Peer) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stream.Write(data)
	return err
}

// Manager owns the peer table and the reapers/broadcast operations that
// touch it.
type Manager struct {
	mu    sync.RWMutex
	peers map[string]*Peer

	observedMu sync.Mutex
	observed   map[string]struct{}

	id         *identity.Identity
	manifestFn func() wire.Manifest
	dispatcher Dispatcher
	inboxBuf   *inbox.Buffer
	bus        *bus.EventBus
	metrics    *metrics.Collector
	log        *logger.ContextualLogger

	heartbeatInterval time.Duration
	peerTimeout       time.Duration
	entropyEnabled    bool
	entropyMu         sync.RWMutex

	startedAt int64
}

// Config bundles the tunables session.Manager needs from internal/config.
type Config struct {
	HeartbeatMs    int
	PeerTimeoutMs  int
	EntropyEnabled bool
}

// New builds a Manager. manifestFn is consulted each time a handshake is
// written, so local manifest edits take effect on the next handshake
// without restarting existing sessions.
func New(
	id *identity.Identity,
	manifestFn func() wire.Manifest,
	dispatcher Dispatcher,
	inboxBuf *inbox.Buffer,
	eventBus *bus.EventBus,
	collector *metrics.Collector,
	log *logger.ContextualLogger,
	cfg Config,
) *Manager {
	m := &Manager{
		peers:             make(map[string]*Peer),
		observed:          make(map[string]struct{}),
		id:                id,
		manifestFn:        manifestFn,
		dispatcher:        dispatcher,
		inboxBuf:          inboxBuf,
		bus:               eventBus,
		metrics:           collector,
		log:               log,
		heartbeatInterval: time.Duration(cfg.HeartbeatMs) * time.Millisecond,
		peerTimeout:       time.Duration(cfg.PeerTimeoutMs) * time.Millisecond,
		entropyEnabled:    cfg.EntropyEnabled,
		startedAt:         nowMs(),
	}
	m.observed[id.PublicHex] = struct{}{}
	return m
}

func nowMs() int64 { return time.Now().UnixMilli() }

// StartedAt returns the ms timestamp the Manager was constructed at.
func (m *Manager) StartedAt() int64 { return m.startedAt }

// Inbox exposes the delivered-message FIFO for the control plane's
// drain-on-read GET /inbox and for the loopback copy POST /broadcast makes
// of its own fan-out.
func (m *Manager) Inbox() *inbox.Buffer { return m.inboxBuf }

// ObservedPeers returns every full hex key ever seen, including self.
func (m *Manager) ObservedPeers() []string {
	m.observedMu.Lock()
	defer m.observedMu.Unlock()
	out := make([]string, 0, len(m.observed))
	for k := range m.observed {
		out = append(out, k)
	}
	return out
}

func (m *Manager) observe(pubHex string) {
	m.observedMu.Lock()
	m.observed[pubHex] = struct{}{}
	m.observedMu.Unlock()
}

// SetEntropyEnabled toggles the entropy reaper at runtime.
func (m *Manager) SetEntropyEnabled(enabled bool) {
	m.entropyMu.Lock()
	m.entropyEnabled = enabled
	m.entropyMu.Unlock()
}

func (m *Manager) entropyOn() bool {
	m.entropyMu.RLock()
	defer m.entropyMu.RUnlock()
	return m.entropyEnabled
}

// Accept starts a session over a freshly connected duplex stream (either
// direction — the overlay manager does not distinguish inbound from
// outbound once a stream exists).
func (m *Manager) Accept(stream io.ReadWriteCloser) {
	go m.run(stream)
}

func (m *Manager) run(stream io.ReadWriteCloser) {
	defer stream.Close()

	handshakeEnv, err := envelope.Sign(m.id, wire.HandshakeFrame{Type: "handshake", Manifest: m.manifestFn()})
	if err != nil {
		m.metrics.IncHandshakeError()
		m.log.Warnf("failed to sign handshake: %v", err)
		return
	}
	if data, err := json.Marshal(handshakeEnv); err == nil {
		if _, err := stream.Write(data); err != nil {
			m.metrics.IncHandshakeError()
			m.log.Warnf("failed to write handshake: %v", err)
			return
		}
	}

	var peer *Peer
	decoder := json.NewDecoder(stream)

	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}
		peer = m.handleFrame(raw, stream, peer)
	}

	if peer != nil {
		m.removePeer(peer.PubHex)
	}
}

func (m *Manager) handleFrame(raw json.RawMessage, stream io.ReadWriteCloser, peer *Peer) *Peer {
	if envelope.IsPing(raw) {
		if peer != nil {
			peer.touch()
		}
		return peer
	}

	env, ok := envelope.IsSigned(raw)
	if !ok {
		return peer
	}
	if !envelope.Verify(env) {
		m.metrics.IncFrameDropped("bad_signature")
		m.log.Warnf("dropping frame with invalid signature from claimed sender %s", identity.ShortIDFromHex(env.SenderKey))
		return peer
	}

	if peer == nil {
		peer = m.registerPeer(env.SenderKey, stream)
	}
	peer.touch()

	var frame wire.Frame
	if err := env.DecodeContent(&frame); err != nil {
		m.metrics.IncFrameDropped("malformed")
		return peer
	}

	switch frame.Type {
	case "handshake":
		var hs wire.HandshakeFrame
		if err := env.DecodeContent(&hs); err == nil {
			peer.setManifest(hs.Manifest)
			m.bus.PublishAsync(bus.EventManifestUpdated, map[string]interface{}{
				"peer": peer.ShortID, "manifest": hs.Manifest,
			})
		} else {
			m.metrics.IncHandshakeError()
			m.log.Warnf("malformed handshake from peer %s: %v", peer.ShortID, err)
		}
	case "task_request":
		var tr wire.TaskRequestFrame
		if err := env.DecodeContent(&tr); err == nil {
			m.inboxBuf.Append(wire.InboxRecord{
				Sender: peer.PubHex, SenderShortID: peer.ShortID,
				Timestamp: nowMs(), Content: mustRaw(tr),
			})
			m.dispatcher.HandleTaskRequest(peer.PubHex, peer.ShortID, tr)
		}
	case "task_response":
		var tresp wire.TaskResponseFrame
		if err := env.DecodeContent(&tresp); err == nil {
			m.dispatcher.HandleTaskResponse(tresp)
		}
	default:
		m.inboxBuf.Append(wire.InboxRecord{
			Sender: peer.PubHex, SenderShortID: peer.ShortID,
			Timestamp: nowMs(), Content: json.RawMessage(env.Content),
		})
	}
	return peer
}

func mustRaw(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func (m *Manager) registerPeer(pubHex string, stream io.ReadWriteCloser) *Peer {
	shortID := identity.ShortIDFromHex(pubHex)
	ctx, cancel := context.WithCancel(context.Background())
	peer := &Peer{PubHex: pubHex, ShortID: shortID, stream: stream, lastSeenMs: nowMs(), hbCancel: cancel}

	m.mu.Lock()
	m.peers[pubHex] = peer
	m.mu.Unlock()

	m.observe(pubHex)

	go m.heartbeatLoop(ctx, peer)

	m.metrics.SetPeersConnected(peersConnectedLabel, m.Count())
	m.bus.PublishAsync(bus.EventPeerConnected, map[string]interface{}{"peer": shortID})
	m.log.Infof("peer %s connected", shortID)
	return peer
}

func (m *Manager) heartbeatLoop(ctx context.Context, peer *Peer) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := peer.write(envelope.Ping{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (m *Manager) removePeer(pubHex string) {
	m.mu.Lock()
	peer, ok := m.peers[pubHex]
	if ok {
		delete(m.peers, pubHex)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	peer.mu.RLock()
	cancel := peer.hbCancel
	peer.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	peer.stream.Close()

	m.metrics.SetPeersConnected(peersConnectedLabel, m.Count())
	m.bus.PublishAsync(bus.EventPeerDisconnected, map[string]interface{}{"peer": peer.ShortID})
	m.log.Infof("peer %s disconnected", peer.ShortID)
}

// Get looks a peer up by full hex key.
func (m *Manager) Get(pubHex string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[pubHex]
	return p, ok
}

// Resolve looks a peer up by short id or case-insensitive agent_id.
func (m *Manager) Resolve(target string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.ShortID == target {
			return p, true
		}
		p.mu.RLock()
		agentMatches := p.Manifest != nil && strings.EqualFold(p.Manifest.AgentID, target)
		p.mu.RUnlock()
		if agentMatches {
			return p, true
		}
	}
	return nil, false
}

// List returns a snapshot of every live peer.
func (m *Manager) List() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the live peer count.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// SendToPeer writes an envelope the caller has already signed to one peer,
// looked up by full hex key. Satisfies internal/ktp.PeerSender.
func (m *Manager) SendToPeer(pubHex string, env *envelope.Envelope) error {
	peer, ok := m.Get(pubHex)
	if !ok {
		return fmt.Errorf("peer %s not connected", pubHex)
	}
	return peer.write(env)
}

// SendBroadcast writes env to every currently live peer and returns the
// full hex keys it was delivered to.
func (m *Manager) SendBroadcast(env *envelope.Envelope) []string {
	delivered := make([]string, 0)
	for _, peer := range m.List() {
		if err := peer.write(env); err == nil {
			delivered = append(delivered, peer.PubHex)
		}
	}
	return delivered
}

// ResolveTarget satisfies internal/ktp.PeerSender: it maps a short id or
// agent_id to the peer's full hex key.
func (m *Manager) ResolveTarget(target string) (string, bool) {
	peer, ok := m.Resolve(target)
	if !ok {
		return "", false
	}
	return peer.PubHex, true
}

// BroadcastManifest re-signs and re-sends a handshake to every live peer,
// used when the local manifest changes.
func (m *Manager) BroadcastManifest() {
	env, err := envelope.Sign(m.id, wire.HandshakeFrame{Type: "handshake", Manifest: m.manifestFn()})
	if err != nil {
		m.log.Warnf("failed to sign manifest broadcast: %v", err)
		return
	}
	m.SendBroadcast(env)
}

// StartTimeoutReaper runs the timeout reaper once per tick (cmd/bridge
// passes 5s) until ctx is done.
func (m *Manager) StartTimeoutReaper(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := nowMs()
			for _, peer := range m.List() {
				if now-peer.LastSeen() > m.peerTimeout.Milliseconds() {
					m.log.Infof("evicting stale peer %s", peer.ShortID)
					m.removePeer(peer.PubHex)
				}
			}
		}
	}
}

// StartEntropyReaper runs the entropy reaper once per tick (cmd/bridge
// passes 30s) until ctx is done.
// It is a no-op tick whenever entropy is disabled, which is the default.
func (m *Manager) StartEntropyReaper(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.entropyOn() {
				continue
			}
			for _, peer := range m.List() {
				if rand.Float64() < 0.5 {
					m.log.Infof("entropy reaper dropping peer %s", peer.ShortID)
					m.removePeer(peer.PubHex)
				}
			}
		}
	}
}
