package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizuna-net/bridge/internal/bus"
	"github.com/kizuna-net/bridge/internal/envelope"
	"github.com/kizuna-net/bridge/internal/identity"
	"github.com/kizuna-net/bridge/internal/ktp"
	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/metrics"
	"github.com/kizuna-net/bridge/internal/wire"
)

type noopPeers struct{}

func (noopPeers) SendToPeer(pubHex string, env *envelope.Envelope) error { return nil }
func (noopPeers) SendBroadcast(env *envelope.Envelope) []string          { return nil }
func (noopPeers) ResolveTarget(target string) (string, bool)            { return "", false }

type testManifest struct{ m wire.Manifest }

func (f *testManifest) Get() wire.Manifest { return f.m }

func newTestGateway(t *testing.T, apiKeyEnabled bool) (*Gateway, *ktp.Engine) {
	t.Helper()
	id, err := identity.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	log := logger.New(logger.LogConfig{Level: "error", Format: "text"})
	ctxLog := logger.NewContextualLogger(log, "", "")
	collector := metrics.New(log, id.ShortID(), "bridge")

	tasks := ktp.New(id, &noopPeers{}, bus.NewEventBus(log), collector, ctxLog,
		ktp.Config{MaxAttempts: 3, RetryBaseMs: 1000, RetryCapMs: 8000})

	manifest := &testManifest{m: wire.Manifest{Role: "bridge", AgentID: "node-a", Skills: []string{"translate", "search"}}}
	gw := New(id, tasks, manifest, "http://127.0.0.1:3000", apiKeyEnabled, ctxLog)
	return gw, tasks
}

func rpc(method string, params interface{}) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": method, "params": params,
	})
	return body
}

func TestAgentCardProjectsManifestSkills(t *testing.T) {
	gw, _ := newTestGateway(t, false)
	card := gw.AgentCard().(*AgentCard)
	assert.Equal(t, "0.2.9", card.ProtocolVersion)
	assert.Equal(t, "node-a", card.Name)
	require.Len(t, card.Skills, 2)
	assert.Equal(t, "translate", card.Skills[0].ID)
	assert.Equal(t, "translate capability", card.Skills[0].Description)
	assert.False(t, card.Capabilities.Streaming)
	assert.False(t, card.Capabilities.PushNotifications)
	assert.Nil(t, card.SecuritySchemes)
}

func TestAgentCardDeclaresBearerWhenAPIKeyEnabled(t *testing.T) {
	gw, _ := newTestGateway(t, true)
	card := gw.AgentCard().(*AgentCard)
	require.NotNil(t, card.SecuritySchemes)
	assert.Equal(t, "bearer", card.SecuritySchemes["bearerAuth"].Scheme)
}

func TestHandleRPCRejectsMissingJSONRPCVersion(t *testing.T) {
	gw, _ := newTestGateway(t, false)
	body, _ := json.Marshal(map[string]interface{}{"id": 1, "method": "tasks/list"})
	resp := gw.HandleRPC(body).(*Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidRequest, resp.Error.Code)
}

func TestHandleRPCUnknownMethodReturnsMethodNotFoundWithSupportedList(t *testing.T) {
	gw, _ := newTestGateway(t, false)
	resp := gw.HandleRPC(rpc("tasks/frobnicate", nil)).(*Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	data := resp.Error.Data.(map[string]interface{})
	assert.ElementsMatch(t, supportedMethods, data["supported"])
}

func TestMessageSendConcatenatesTextPartsAndBroadcasts(t *testing.T) {
	gw, tasks := newTestGateway(t, false)
	resp := gw.HandleRPC(rpc("message/send", map[string]interface{}{
		"message": map[string]interface{}{
			"role": "user",
			"parts": []map[string]interface{}{
				{"kind": "text", "text": "line one"},
				{"kind": "text", "text": "line two"},
			},
		},
	})).(*Response)
	require.Nil(t, resp.Error)

	projected := resp.Result.(*ProjectedTask)
	assert.Equal(t, "submitted", projected.Status.State)

	sent, ok := tasks.GetSent(projected.ID)
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", sent.Payload.Description)
}

func TestMessageSendWithNoTextPartsIsInvalidParams(t *testing.T) {
	gw, _ := newTestGateway(t, false)
	resp := gw.HandleRPC(rpc("message/send", map[string]interface{}{
		"message": map[string]interface{}{
			"role":  "user",
			"parts": []map[string]interface{}{{"kind": "data", "data": map[string]int{"x": 1}}},
		},
	})).(*Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestTasksGetUnknownIDReturnsTaskNotFound(t *testing.T) {
	gw, _ := newTestGateway(t, false)
	resp := gw.HandleRPC(rpc("tasks/get", map[string]interface{}{"id": "nope"})).(*Response)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTaskNotFound, resp.Error.Code)
}

func TestTasksListFiltersByState(t *testing.T) {
	gw, _ := newTestGateway(t, false)
	gw.HandleRPC(rpc("message/send", map[string]interface{}{
		"message": map[string]interface{}{
			"role":  "user",
			"parts": []map[string]interface{}{{"kind": "text", "text": "hello"}},
		},
	}))

	resp := gw.HandleRPC(rpc("tasks/list", map[string]interface{}{"state": "submitted"})).(*Response)
	require.Nil(t, resp.Error)
	list := resp.Result.([]*ProjectedTask)
	require.Len(t, list, 1)
	assert.Equal(t, "submitted", list[0].Status.State)

	resp = gw.HandleRPC(rpc("tasks/list", map[string]interface{}{"state": "completed"})).(*Response)
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result.([]*ProjectedTask))
}

func TestReceivedTaskProjectsAssistantHistory(t *testing.T) {
	gw, tasks := newTestGateway(t, false)
	tasks.HandleTaskRequest("peerhex", "peershort", wire.TaskRequestFrame{
		Type: "task_request", TaskID: "t1", TaskType: "general",
		Payload: wire.TaskPayload{Description: "do work"}, Sender: "peershort",
	})

	resp := gw.HandleRPC(rpc("tasks/get", map[string]interface{}{"id": "t1"})).(*Response)
	require.Nil(t, resp.Error)
	projected := resp.Result.(*ProjectedTask)
	require.Len(t, projected.History, 1)
	assert.Equal(t, "assistant", projected.History[0].Role)
	assert.Equal(t, "submitted", projected.Status.State)
}
