// Command bridge boots one Kizuna bridge node: it loads configuration,
// wires the identity/envelope, overlay, session, task-engine, control-plane,
// and A2A-gateway layers together, starts the three reapers, and blocks
// until SIGINT/SIGTERM before shutting everything down in reverse order.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kizuna-net/bridge/internal/a2a"
	"github.com/kizuna-net/bridge/internal/api"
	"github.com/kizuna-net/bridge/internal/bus"
	"github.com/kizuna-net/bridge/internal/config"
	"github.com/kizuna-net/bridge/internal/identity"
	"github.com/kizuna-net/bridge/internal/inbox"
	"github.com/kizuna-net/bridge/internal/ktp"
	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/metrics"
	"github.com/kizuna-net/bridge/internal/overlay"
	"github.com/kizuna-net/bridge/internal/session"
	"github.com/kizuna-net/bridge/internal/store"
	"github.com/kizuna-net/bridge/internal/wire"
	"github.com/kizuna-net/bridge/pkg/utils"
)

// manifestHolder owns the node's mutable local manifest, satisfying both
// internal/api.ManifestHolder and internal/a2a.ManifestSource so every
// layer that needs it shares this one instance without importing each
// other's packages.
type manifestHolder struct {
	mu sync.RWMutex
	m  wire.Manifest
}

func newManifestHolder(agentID, role string) *manifestHolder {
	return &manifestHolder{m: wire.Manifest{AgentID: agentID, Role: role, Skills: []string{}}}
}

func (h *manifestHolder) Get() wire.Manifest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.m
}

func (h *manifestHolder) Merge(patch wire.Manifest) wire.Manifest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if patch.AgentID != "" {
		h.m.AgentID = patch.AgentID
	}
	if patch.Role != "" {
		h.m.Role = patch.Role
	}
	if len(patch.Skills) > 0 {
		h.m.Skills = patch.Skills
	}
	if patch.Specs != nil {
		h.m.Specs = patch.Specs
	}
	return h.m
}

// dispatcherRef breaks the construction cycle between internal/session
// (which needs a Dispatcher at construction time) and internal/ktp (whose
// Engine is the dispatcher but itself needs the already-built
// session.Manager as its PeerSender). It is built empty, handed to
// session.New, and backfilled with the real engine once ktp.New returns.
type dispatcherRef struct {
	mu    sync.RWMutex
	inner session.Dispatcher
}

func (d *dispatcherRef) set(inner session.Dispatcher) {
	d.mu.Lock()
	d.inner = inner
	d.mu.Unlock()
}

func (d *dispatcherRef) get() session.Dispatcher {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inner
}

func (d *dispatcherRef) HandleTaskRequest(fromFullKey, fromShortID string, frame wire.TaskRequestFrame) {
	if inner := d.get(); inner != nil {
		inner.HandleTaskRequest(fromFullKey, fromShortID, frame)
	}
}

func (d *dispatcherRef) HandleTaskResponse(frame wire.TaskResponseFrame) {
	if inner := d.get(); inner != nil {
		inner.HandleTaskResponse(frame)
	}
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	bootLog := logger.New(logger.LogConfig{Level: utils.GetEnv("LOG_LEVEL", "info"), Format: "text"})

	bootLog.Infof("loading configuration from %s", *configPath)
	cfg, err := config.LoadConfig(*configPath, bootLog)
	if err != nil {
		bootLog.Fatalf("failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	eventBus := bus.NewEventBus(bootLog)

	log := logger.New(logger.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log.AddHook(logger.NewEventHook(eventBus, cfg.Node.AgentID))
	ctxLog := logger.NewContextualLogger(log, "", "")

	id, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		log.Fatalf("failed to load or create identity: %v", err)
	}
	log.Infof("node identity: %s (short %s)", id.PublicHex, id.ShortID())

	collector := metrics.New(log, id.ShortID(), cfg.Node.Role)
	manifest := newManifestHolder(cfg.Node.AgentID, cfg.Node.Role)
	inboxBuf := inbox.New(0)

	dispatcher := &dispatcherRef{}
	sessions := session.New(id, manifest.Get, dispatcher, inboxBuf, eventBus, collector, ctxLog, session.Config{
		HeartbeatMs:    cfg.KTP.HeartbeatMs,
		PeerTimeoutMs:  cfg.KTP.PeerTimeoutMs,
		EntropyEnabled: cfg.KTP.EntropyEnabled,
	})

	tasks := ktp.New(id, sessions, eventBus, collector, ctxLog, ktp.Config{
		MaxAttempts: cfg.KTP.MaxAttempts,
		RetryBaseMs: cfg.KTP.RetryBaseMs,
		RetryCapMs:  cfg.KTP.RetryCapMs,
	})
	dispatcher.set(tasks)

	overlayMgr := overlay.New(overlay.Config{
		Port:           cfg.P2P.Port,
		Rendezvous:     cfg.P2P.Rendezvous,
		EnableMDNS:     cfg.P2P.EnableMDNS,
		EnableDHT:      cfg.P2P.EnableDHT,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		DefaultTopic:   cfg.Node.DefaultTopic,
	}, sessions, ctxLog, collector)

	memory := store.NewMemory(0)
	blobs := store.NewBlobs()

	apiServer := api.New(api.Config{
		Port: cfg.HTTP.Port, Bind: cfg.HTTP.Bind, APIKey: cfg.HTTP.APIKey,
	}, id, sessions, tasks, overlayMgr, memory, blobs, manifest, collector, ctxLog, eventBus)

	gateway := a2a.New(id, tasks, manifest, controlPlaneBaseURL(cfg.HTTP), cfg.HTTP.APIKey != "", ctxLog)
	apiServer.SetGateway(gateway)

	ctx, cancel := context.WithCancel(context.Background())

	log.Info("starting overlay manager...")
	if err := overlayMgr.Start(ctx); err != nil {
		log.Fatalf("failed to start overlay manager: %v", err)
	}

	log.Info("starting control plane...")
	if err := apiServer.Start(); err != nil {
		log.Fatalf("failed to start control plane: %v", err)
	}

	go sessions.StartTimeoutReaper(ctx, 5*time.Second)
	go sessions.StartEntropyReaper(ctx, 30*time.Second)
	go tasks.RunRetryReaper(ctx, 5*time.Second)

	log.Info("bridge node running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	cancel()

	if err := apiServer.Shutdown(); err != nil {
		log.Errorf("control plane shutdown error: %v", err)
	}
	if err := overlayMgr.Shutdown(); err != nil {
		log.Errorf("overlay manager shutdown error: %v", err)
	}

	log.Info("bridge node stopped")
}

// controlPlaneBaseURL builds the externally-facing origin advertised in the
// A2A agent card's JSON-RPC endpoint URL.
func controlPlaneBaseURL(httpCfg config.HTTPConfig) string {
	host := httpCfg.Bind
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, httpCfg.Port)
}
