// Package api implements the loopback HTTP control plane: identity and
// manifest introspection, peer listing, inbox drain, memory/storage
// passthrough, topic join/leave, the KTP task surface, and capability
// search. Auth, bind-host, and error-body rules follow spec.md §4.6/§6/§7.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kizuna-net/bridge/internal/bus"
	"github.com/kizuna-net/bridge/internal/envelope"
	"github.com/kizuna-net/bridge/internal/identity"
	"github.com/kizuna-net/bridge/internal/ktp"
	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/metrics"
	"github.com/kizuna-net/bridge/internal/overlay"
	"github.com/kizuna-net/bridge/internal/session"
	"github.com/kizuna-net/bridge/internal/store"
	"github.com/kizuna-net/bridge/internal/wire"
)

// ManifestHolder owns the node's mutable local manifest; main.go's wiring
// satisfies this so both internal/session (for handshakes) and this package
// (for GET/POST /manifest) share one copy without importing each other.
type ManifestHolder interface {
	Get() wire.Manifest
	Merge(patch wire.Manifest) wire.Manifest
}

// Gateway is the A2A JSON-RPC surface this control plane mounts at
// /.well-known/agent-card.json and /a2a/v1, defined here (not in
// internal/a2a) so neither package imports the other; internal/a2a.Gateway
// satisfies this structurally.
type Gateway interface {
	AgentCard() interface{}
	HandleRPC(body []byte) interface{}
}

// Config bundles the control plane's binding and auth tunables.
type Config struct {
	Port   int
	Bind   string
	APIKey string
}

// eventHub fans bus.Events out to every connected /events client, mirroring
// the teacher's WebSocket Hub but one-way: this diagnostic feed only pushes,
// it never reads a client message back, so a broadcast channel set is all
// the fan-out needs — no registration/unregistration channel pair, no
// upgrader, no gorilla/websocket dependency.
type eventHub struct {
	mu      sync.Mutex
	clients map[chan []byte]bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[chan []byte]bool)}
}

func (h *eventHub) register() chan []byte {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *eventHub) broadcast(event bus.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Server is the gin-backed HTTP control plane.
type Server struct {
	cfg Config

	id       *identity.Identity
	sessions *session.Manager
	tasks    *ktp.Engine
	overlay  *overlay.Manager
	memory   *store.Memory
	blobs    *store.Blobs
	manifest ManifestHolder
	gateway  Gateway
	metrics  *metrics.Collector
	log      *logger.ContextualLogger
	events   *eventHub

	router     *gin.Engine
	httpServer *http.Server
	startedAt  int64

	gatewayMu sync.RWMutex
}

// New builds an unstarted Server and registers every route.
func New(
	cfg Config,
	id *identity.Identity,
	sessions *session.Manager,
	tasks *ktp.Engine,
	overlayMgr *overlay.Manager,
	memory *store.Memory,
	blobs *store.Blobs,
	manifest ManifestHolder,
	collector *metrics.Collector,
	log *logger.ContextualLogger,
	eventBus *bus.EventBus,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	s := &Server{
		cfg:       cfg,
		id:        id,
		sessions:  sessions,
		tasks:     tasks,
		overlay:   overlayMgr,
		memory:    memory,
		blobs:     blobs,
		manifest:  manifest,
		metrics:   collector,
		log:       log,
		events:    newEventHub(),
		router:    router,
		startedAt: time.Now().UnixMilli(),
	}
	if eventBus != nil {
		eventBus.SubscribeAll(s.events.broadcast)
	}
	s.registerRoutes()
	return s
}

// SetGateway wires the A2A gateway in after construction, since
// internal/a2a.Gateway itself depends on internal/ktp.Engine and is built
// after the control plane in cmd/bridge/main.go's dependency order.
func (s *Server) SetGateway(gw Gateway) {
	s.gatewayMu.Lock()
	s.gateway = gw
	s.gatewayMu.Unlock()
}

func (s *Server) gatewayRef() Gateway {
	s.gatewayMu.RLock()
	defer s.gatewayMu.RUnlock()
	return s.gateway
}

// Start brings up the HTTP listener in the background. Matches the
// teacher's APIServer.Start: background ListenAndServe, error surfaced only
// through the log.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	s.log.Infof("control plane listening on %s", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("control plane error: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully drains the HTTP listener with a 5s timeout.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("control plane shutdown: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.getHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	s.router.GET("/info", s.getInfo)
	s.router.GET("/stats", s.getStats)
	s.router.GET("/.well-known/agent-card.json", s.getAgentCard)

	auth := s.router.Group("/", s.authMiddleware)
	auth.GET("/peers", s.getPeers)
	auth.POST("/manifest", s.postManifest)
	auth.POST("/broadcast", s.postBroadcast)
	auth.GET("/inbox", s.getInbox)
	auth.POST("/memory", s.postMemory)
	auth.GET("/memory", s.getMemory)
	auth.POST("/storage", s.postStorage)
	auth.GET("/storage/:filename", s.getStorageFile)
	auth.GET("/storage", s.getStorageList)
	auth.POST("/join", s.postJoin)
	auth.POST("/leave", s.postLeave)
	auth.GET("/topics", s.getTopics)
	auth.POST("/task/request", s.postTaskRequest)
	auth.POST("/task/respond", s.postTaskRespond)
	auth.GET("/task/status/:id", s.getTaskStatus)
	auth.GET("/tasks", s.getTasks)
	auth.GET("/tasks/queued", s.getTasksQueued)
	auth.GET("/tasks/failed", s.getTasksFailed)
	auth.POST("/task/retry/:id", s.postTaskRetry)
	auth.GET("/capabilities/search", s.getCapabilitiesSearch)
	auth.POST("/entropy", s.postEntropy)
	auth.POST("/a2a/v1", s.postA2A)
	auth.GET("/events", s.getEvents)
}

// authMiddleware implements spec.md §4.6: a no-op when no API key is
// configured, otherwise a timing-safe bearer-token check on every route in
// the auth group.
func (s *Server) authMiddleware(c *gin.Context) {
	if s.cfg.APIKey == "" {
		c.Next()
		return
	}

	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		errorResponse(c, http.StatusUnauthorized, "missing bearer token")
		return
	}
	token := header[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
		errorResponse(c, http.StatusUnauthorized, "invalid bearer token")
		return
	}
	c.Next()
}

func errorResponse(c *gin.Context, status int, reason string) {
	c.AbortWithStatusJSON(status, gin.H{"error": reason})
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UnixMilli(),
		"peers":     s.sessions.Count(),
		"uptime":    time.Now().UnixMilli() - s.startedAt,
	})
}

func (s *Server) getInfo(c *gin.Context) {
	multibaseID, err := s.id.MultibaseID()
	if err != nil {
		s.log.Warnf("failed to render multibase peer id: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{
		"peerId":      s.id.PublicHex,
		"shortId":     s.id.ShortID(),
		"multibaseId": multibaseID,
		"manifest":    s.manifest.Get(),
	})
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":        s.sessions.Count(),
		"observedPeers": len(s.sessions.ObservedPeers()),
		"startedAt":     s.sessions.StartedAt(),
		"uptime":        time.Now().UnixMilli() - s.sessions.StartedAt(),
	})
}

func (s *Server) getAgentCard(c *gin.Context) {
	gw := s.gatewayRef()
	if gw == nil {
		errorResponse(c, http.StatusServiceUnavailable, "a2a gateway not initialized")
		return
	}
	c.JSON(http.StatusOK, gw.AgentCard())
}

type peerDetail struct {
	PublicKey string         `json:"publicKey"`
	ShortID   string         `json:"shortId"`
	LastSeen  int64          `json:"lastSeen"`
	Manifest  *wire.Manifest `json:"manifest"`
}

func (s *Server) getPeers(c *gin.Context) {
	peers := s.sessions.List()
	details := make([]peerDetail, 0, len(peers))
	for _, p := range peers {
		details = append(details, peerDetail{
			PublicKey: p.PubHex, ShortID: p.ShortID, LastSeen: p.LastSeen(), Manifest: p.GetManifest(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(details), "details": details})
}

func (s *Server) postManifest(c *gin.Context) {
	var patch wire.Manifest
	if err := c.ShouldBindJSON(&patch); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	merged := s.manifest.Merge(patch)
	s.sessions.BroadcastManifest()
	c.JSON(http.StatusOK, gin.H{"manifest": merged})
}

func (s *Server) postBroadcast(c *gin.Context) {
	var body struct {
		Content interface{} `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == nil {
		errorResponse(c, http.StatusBadRequest, "content is required")
		return
	}

	env, err := envelope.Sign(s.id, body.Content)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	sentTo := s.sessions.SendBroadcast(env)

	s.sessions.Inbox().Append(wire.InboxRecord{
		Sender: s.id.PublicHex, SenderShortID: s.id.ShortID(),
		Timestamp: time.Now().UnixMilli(), Content: mustRaw(body.Content),
	})

	c.JSON(http.StatusOK, gin.H{"sent_to": sentTo, "content": body.Content})
}

func mustRaw(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func (s *Server) getInbox(c *gin.Context) {
	records := s.sessions.Inbox().Drain()
	c.JSON(http.StatusOK, gin.H{"count": len(records), "messages": records})
}

// getEvents streams the node's diagnostic event feed (peer/task lifecycle
// and warn+ log entries, per internal/bus.EventBus) as Server-Sent Events
// until the client disconnects.
func (s *Server) getEvents(c *gin.Context) {
	ch := s.events.register()
	defer s.events.unregister(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("event", string(msg))
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) postMemory(c *gin.Context) {
	var body struct {
		Content interface{} `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == nil {
		errorResponse(c, http.StatusBadRequest, "content is required")
		return
	}
	s.memory.Append(store.MemoryEntry{Timestamp: time.Now().UnixMilli(), Content: mustRaw(body.Content)})
	c.JSON(http.StatusOK, gin.H{"success": true, "length": len(s.memory.Read())})
}

func (s *Server) getMemory(c *gin.Context) {
	entries := s.memory.Read()
	if len(entries) > 100 {
		entries = entries[len(entries)-100:]
	}
	c.JSON(http.StatusOK, gin.H{"memory": entries})
}

func (s *Server) postStorage(c *gin.Context) {
	var body struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Filename == "" {
		errorResponse(c, http.StatusBadRequest, "filename is required")
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "content must be base64")
		return
	}
	s.blobs.Put(body.Filename, data)
	c.JSON(http.StatusOK, gin.H{"filename": body.Filename})
}

func (s *Server) getStorageFile(c *gin.Context) {
	filename := c.Param("filename")
	data, err := s.blobs.Get(filename)
	if err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"filename": filename, "content": base64.StdEncoding.EncodeToString(data)})
}

func (s *Server) getStorageList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": s.blobs.List()})
}

func (s *Server) postJoin(c *gin.Context) {
	var body struct {
		Topic  string `json:"topic"`
		Secret string `json:"secret"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Topic == "" {
		errorResponse(c, http.StatusBadRequest, "topic is required")
		return
	}
	hash, err := s.overlay.Join(body.Topic, body.Secret)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"topic": body.Topic, "topicHash": hash, "private": body.Secret != "", "joinedAt": time.Now().UnixMilli(),
	})
}

func (s *Server) postLeave(c *gin.Context) {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Topic == "" {
		errorResponse(c, http.StatusBadRequest, "topic is required")
		return
	}
	left, err := s.overlay.Leave(body.Topic)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": body.Topic, "left": left})
}

func (s *Server) getTopics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"topics": s.overlay.Topics()})
}

func (s *Server) postTaskRequest(c *gin.Context) {
	var body struct {
		Description string          `json:"description"`
		Context     json.RawMessage `json:"context"`
		TaskType    string          `json:"task_type"`
		Priority    string          `json:"priority"`
		Target      string          `json:"target"`
		Deadline    *int64          `json:"deadline"`
		ContextID   string          `json:"contextId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	task, delivered, err := s.tasks.Submit(ktp.SubmitRequest{
		Description: body.Description, Context: body.Context, TaskType: body.TaskType,
		Priority: body.Priority, Target: body.Target, Deadline: body.Deadline, ContextID: body.ContextID,
	})
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if delivered {
		c.JSON(http.StatusOK, gin.H{
			"task_id": task.TaskID, "status": "sent", "sent_to": task.Target, "target": task.Target,
		})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": task.TaskID, "status": "queued_for_retry", "nextRetryTime": task.NextRetryTime,
	})
}

func (s *Server) postTaskRespond(c *gin.Context) {
	var body struct {
		TaskID string      `json:"task_id"`
		Status string      `json:"status"`
		Result interface{} `json:"result"`
		Error  interface{} `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	task, ok := s.tasks.GetReceived(body.TaskID)
	if err := s.tasks.Respond(ktp.RespondInput{
		TaskID: body.TaskID, Status: body.Status, Result: body.Result, Error: body.Error,
	}); err != nil {
		if err == ktp.ErrTaskNotFound {
			errorResponse(c, http.StatusNotFound, "task not found")
			return
		}
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	sentTo := ""
	if ok {
		sentTo = task.FromShortID
	}
	c.JSON(http.StatusOK, gin.H{"task_id": body.TaskID, "status": body.Status, "sent_to_requester": sentTo})
}

func (s *Server) getTaskStatus(c *gin.Context) {
	id := c.Param("id")
	if t, ok := s.tasks.GetSent(id); ok {
		c.JSON(http.StatusOK, t)
		return
	}
	if t, ok := s.tasks.GetReceived(id); ok {
		c.JSON(http.StatusOK, t)
		return
	}
	if t, ok := s.tasks.GetDeadLetter(id); ok {
		c.JSON(http.StatusOK, t)
		return
	}
	errorResponse(c, http.StatusNotFound, "task not found")
}

func (s *Server) getTasks(c *gin.Context) {
	sent := s.tasks.ListSent()
	received := s.tasks.ListReceived()
	c.JSON(http.StatusOK, gin.H{
		"sent":     gin.H{"count": len(sent), "tasks": sent},
		"received": gin.H{"count": len(received), "tasks": received},
	})
}

func (s *Server) getTasksQueued(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.ListQueued()})
}

func (s *Server) getTasksFailed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.ListFailed()})
}

func (s *Server) postTaskRetry(c *gin.Context) {
	id := c.Param("id")
	if err := s.tasks.Retry(id); err != nil {
		errorResponse(c, http.StatusNotFound, "task not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "status": "queued_for_retry"})
}

type capabilityMatch struct {
	AgentID string   `json:"agent_id"`
	PeerID  string   `json:"peer_id"`
	Role    string   `json:"role"`
	Skills  []string `json:"skills"`
}

func (s *Server) getCapabilitiesSearch(c *gin.Context) {
	query := c.Query("skill")
	if query == "" {
		query = c.Query("role")
	}

	manifests := make(map[string]wire.Manifest)
	for _, p := range s.sessions.List() {
		if m := p.GetManifest(); m != nil {
			manifests[p.ShortID] = *m
		}
	}

	matches := make([]capabilityMatch, 0)
	for shortID, m := range ktp.Search(manifests, query) {
		matches = append(matches, capabilityMatch{AgentID: m.AgentID, PeerID: shortID, Role: m.Role, Skills: m.Skills})
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (s *Server) postEntropy(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	s.sessions.SetEntropyEnabled(body.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": body.Enabled})
}

func (s *Server) postA2A(c *gin.Context) {
	gw := s.gatewayRef()
	if gw == nil {
		errorResponse(c, http.StatusServiceUnavailable, "a2a gateway not initialized")
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gw.HandleRPC(body))
}
