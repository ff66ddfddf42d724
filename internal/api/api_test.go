package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizuna-net/bridge/internal/bus"
	"github.com/kizuna-net/bridge/internal/envelope"
	"github.com/kizuna-net/bridge/internal/identity"
	"github.com/kizuna-net/bridge/internal/inbox"
	"github.com/kizuna-net/bridge/internal/ktp"
	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/metrics"
	"github.com/kizuna-net/bridge/internal/overlay"
	"github.com/kizuna-net/bridge/internal/session"
	"github.com/kizuna-net/bridge/internal/store"
	"github.com/kizuna-net/bridge/internal/wire"
)

type fakeDispatcher struct{}

func (fakeDispatcher) HandleTaskRequest(fromFullKey, fromShortID string, frame wire.TaskRequestFrame) {}
func (fakeDispatcher) HandleTaskResponse(frame wire.TaskResponseFrame)                                {}

type fakePeers struct{ live map[string]bool }

func (f *fakePeers) SendToPeer(pubHex string, env *envelope.Envelope) error {
	if !f.live[pubHex] {
		return assert.AnError
	}
	return nil
}
func (f *fakePeers) SendBroadcast(env *envelope.Envelope) []string { return nil }
func (f *fakePeers) ResolveTarget(target string) (string, bool)   { return target, f.live[target] }

type fakeManifest struct {
	m wire.Manifest
}

func (f *fakeManifest) Get() wire.Manifest { return f.m }
func (f *fakeManifest) Merge(patch wire.Manifest) wire.Manifest {
	if patch.Role != "" {
		f.m.Role = patch.Role
	}
	if len(patch.Skills) > 0 {
		f.m.Skills = patch.Skills
	}
	if patch.AgentID != "" {
		f.m.AgentID = patch.AgentID
	}
	return f.m
}

type fakeGateway struct{}

func (fakeGateway) AgentCard() interface{} { return map[string]string{"name": "test-node"} }
func (fakeGateway) HandleRPC(body []byte) interface{} {
	return map[string]interface{}{"jsonrpc": "2.0", "result": "ok"}
}

func newTestServer(t *testing.T, apiKey string) *Server {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	log := logger.New(logger.LogConfig{Level: "error", Format: "text"})
	ctxLog := logger.NewContextualLogger(log, "", "")
	collector := metrics.New(log, id.ShortID(), "bridge")
	eventBus := bus.NewEventBus(log)

	manifestFn := func() wire.Manifest { return wire.Manifest{Role: "bridge"} }
	sessions := session.New(id, manifestFn, fakeDispatcher{}, inbox.New(16), eventBus,
		collector, ctxLog, session.Config{HeartbeatMs: 60000, PeerTimeoutMs: 60000})

	tasks := ktp.New(id, &fakePeers{live: make(map[string]bool)}, eventBus, collector, ctxLog,
		ktp.Config{MaxAttempts: 3, RetryBaseMs: 1000, RetryCapMs: 8000})

	overlayMgr := overlay.New(overlay.Config{DefaultTopic: "kizuna-default"}, nil, ctxLog, collector)

	memory := store.NewMemory(100)
	blobs := store.NewBlobs()

	s := New(Config{Port: 0, Bind: "127.0.0.1", APIKey: apiKey}, id, sessions, tasks, overlayMgr, memory, blobs,
		&fakeManifest{m: wire.Manifest{Role: "bridge", AgentID: "node"}}, collector, ctxLog, eventBus)
	s.SetGateway(fakeGateway{})
	return s
}

func doRequest(s *Server, method, path string, body interface{}, apiKey string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentCardIsNeverAuthGated(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(s, http.MethodGet, "/.well-known/agent-card.json", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPeersRequiresAuthWhenKeyConfigured(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(s, http.MethodGet, "/peers", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/peers", nil, "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsRequiresAuthWhenKeyConfigured(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(s, http.MethodGet, "/events", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEventsStreamsBusPublications(t *testing.T) {
	s := newTestServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.router.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	s.events.broadcast(bus.Event{Type: bus.EventPeerConnected, Payload: map[string]interface{}{"shortId": "abcd1234"}})

	<-done
	assert.Contains(t, rec.Body.String(), "peerConnected")
	assert.Contains(t, rec.Body.String(), "abcd1234")
}

func TestPeersWrongKeyRejected(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doRequest(s, http.MethodGet, "/peers", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNoAPIKeyMeansNoAuthRequired(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/peers", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskRequestBroadcastReturns200Sent(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/task/request", map[string]interface{}{
		"description": "do a thing",
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp["status"])
}

func TestTaskRequestTargetedOfflineReturns202Queued(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/task/request", map[string]interface{}{
		"description": "do a thing", "target": "nobody",
	}, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued_for_retry", resp["status"])
}

func TestTaskRequestEmptyDescriptionReturns400(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/task/request", map[string]interface{}{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskStatusUnknownReturns404(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/task/status/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManifestPostMerges(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/manifest", map[string]interface{}{
		"role": "worker", "skills": []string{"go"},
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	manifest := resp["manifest"].(map[string]interface{})
	assert.Equal(t, "worker", manifest["role"])
}

func TestStoragePutThenGetRoundTrips(t *testing.T) {
	s := newTestServer(t, "")
	content := base64.StdEncoding.EncodeToString([]byte("hello"))
	rec := doRequest(s, http.MethodPost, "/storage", map[string]interface{}{
		"filename": "note.txt", "content": content,
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/storage/note.txt", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, content, resp["content"])
}

func TestStorageGetMissingReturns404(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodGet, "/storage/missing.txt", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaveDefaultTopicReturns400(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/leave", map[string]interface{}{
		"topic": "kizuna-default",
	}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinNewTopicReturns200(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/join", map[string]interface{}{
		"topic": "research",
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBroadcastAppendsLoopbackInboxCopy(t *testing.T) {
	s := newTestServer(t, "")
	rec := doRequest(s, http.MethodPost, "/broadcast", map[string]interface{}{
		"content": map[string]string{"type": "CHAT", "text": "hi"},
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(s, http.MethodGet, "/inbox", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["count"])
}
