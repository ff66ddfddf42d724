// Package a2a is a read/write projection of the task engine under the A2A
// JSON-RPC 2.0 schema, plus the well-known agent-card document. It holds no
// task state of its own: every method reads and writes through
// internal/ktp.Engine's sent/received/dead-letter tables.
package a2a

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kizuna-net/bridge/internal/identity"
	"github.com/kizuna-net/bridge/internal/ktp"
	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/wire"
)

// ManifestSource supplies the node's local manifest for agent-card
// construction, defined here (not imported from a concrete type) so this
// package doesn't need to know who owns the manifest; cmd/bridge's manifest
// holder satisfies this structurally, the same instance passed to
// internal/api as api.ManifestHolder.
type ManifestSource interface {
	Get() wire.Manifest
}

// JSON-RPC 2.0 error codes, per spec.md §4.7/§7.
const (
	ErrCodeParse                = -32700
	ErrCodeInvalidRequest       = -32600
	ErrCodeMethodNotFound       = -32601
	ErrCodeInvalidParams        = -32602
	ErrCodeInternal             = -32603
	ErrCodeTaskNotFound         = -32001
	ErrCodeTaskNotCancelable    = -32002
	ErrCodeUnsupportedOperation = -32003
)

var supportedMethods = []string{"message/send", "tasks/get", "tasks/list"}

// Request is an inbound JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is the JSON-RPC 2.0 envelope returned for every call, success or
// error alike; per spec.md §7(vi) this always rides an HTTP 200.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func errorResponse(id interface{}, code int, message string, data interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

// Gateway dispatches A2A JSON-RPC calls and builds the agent card. It
// satisfies internal/api.Gateway structurally.
type Gateway struct {
	id            *identity.Identity
	tasks         *ktp.Engine
	manifest      ManifestSource
	baseURL       string
	apiKeyEnabled bool
	log           *logger.ContextualLogger
}

// New builds a Gateway. baseURL is the externally reachable origin this
// node's control plane is served from (used to build the JSON-RPC endpoint
// URL in the agent card).
func New(id *identity.Identity, tasks *ktp.Engine, manifest ManifestSource, baseURL string, apiKeyEnabled bool, log *logger.ContextualLogger) *Gateway {
	return &Gateway{id: id, tasks: tasks, manifest: manifest, baseURL: baseURL, apiKeyEnabled: apiKeyEnabled, log: log}
}

// --- Agent card -------------------------------------------------------

// Skill is one A2A skill entry projected from a manifest's string skill list.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// Capabilities declares which optional A2A features this node supports.
// Both are false in this profile: no streaming transport, no push
// notifications (spec.md §4.7).
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// SecurityScheme describes the bearer auth declared when an API key is
// configured.
type SecurityScheme struct {
	Type   string `json:"type"`
	Scheme string `json:"scheme"`
}

// Extension carries Kizuna-specific identity the canonical A2A schema has no
// field for.
type Extension struct {
	ShortID  string `json:"shortId"`
	Role     string `json:"role"`
	Protocol string `json:"protocol"`
}

// AgentCard is the document served at /.well-known/agent-card.json.
type AgentCard struct {
	ProtocolVersion    string                    `json:"protocolVersion"`
	Name               string                    `json:"name"`
	Description        string                    `json:"description"`
	URL                string                    `json:"url"`
	Capabilities       Capabilities              `json:"capabilities"`
	DefaultInputModes  []string                  `json:"defaultInputModes"`
	DefaultOutputModes []string                  `json:"defaultOutputModes"`
	Skills             []Skill                   `json:"skills"`
	SecuritySchemes    map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	Security           []map[string][]string     `json:"security,omitempty"`
	Extension          Extension                 `json:"x-kizuna"`
}

// AgentCard builds the card from the node's current manifest. It satisfies
// internal/api.Gateway.
func (g *Gateway) AgentCard() interface{} {
	m := g.manifest.Get()

	skills := make([]Skill, 0, len(m.Skills))
	for _, s := range m.Skills {
		skills = append(skills, Skill{
			ID: s, Name: s, Description: s + " capability",
			InputModes: []string{"text/plain"}, OutputModes: []string{"text/plain"},
		})
	}

	card := &AgentCard{
		ProtocolVersion:    "0.2.9",
		Name:               m.AgentID,
		Description:        fmt.Sprintf("Kizuna bridge node (role: %s)", m.Role),
		URL:                strings.TrimSuffix(g.baseURL, "/") + "/a2a/v1",
		Capabilities:       Capabilities{Streaming: false, PushNotifications: false},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain"},
		Skills:             skills,
		Extension:          Extension{ShortID: g.id.ShortID(), Role: m.Role, Protocol: "KTP/1.0"},
	}
	if g.apiKeyEnabled {
		card.SecuritySchemes = map[string]SecurityScheme{"bearerAuth": {Type: "http", Scheme: "bearer"}}
		card.Security = []map[string][]string{{"bearerAuth": {}}}
	}
	return card
}

// --- JSON-RPC dispatch -------------------------------------------------

// HandleRPC parses and dispatches one JSON-RPC 2.0 call. It satisfies
// internal/api.Gateway and always returns a *Response (never an error),
// since every failure mode already has a JSON-RPC error-code representation.
func (g *Gateway) HandleRPC(body []byte) interface{} {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, ErrCodeParse, "invalid JSON", nil)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, ErrCodeInvalidRequest, "request must carry jsonrpc 2.0 and method", nil)
	}

	var result interface{}
	var rpcErr *RPCError
	switch req.Method {
	case "message/send":
		result, rpcErr = g.handleMessageSend(req.Params)
	case "tasks/get":
		result, rpcErr = g.handleTasksGet(req.Params)
	case "tasks/list":
		result, rpcErr = g.handleTasksList(req.Params)
	default:
		rpcErr = &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found", Data: map[string]interface{}{"supported": supportedMethods}}
	}

	if rpcErr != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// Part is one A2A message part.
type Part struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is one A2A message (used both for message/send params and for the
// projected task's history).
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	ContextID string `json:"contextId,omitempty"`
}

type messageSendParams struct {
	Message Message `json:"message"`
	Target  string  `json:"target,omitempty"`
}

// handleMessageSend implements spec.md §4.7's message/send: concatenate text
// parts into the KTP description, stash the rest as opaque context, submit
// through the task engine, and return the projected task.
func (g *Gateway) handleMessageSend(raw json.RawMessage) (interface{}, *RPCError) {
	var params messageSendParams
	if len(raw) == 0 || json.Unmarshal(raw, &params) != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "missing or malformed message parameter"}
	}
	if params.Message.Role == "" || len(params.Message.Parts) == 0 {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "message requires role and at least one part"}
	}

	var texts []string
	var opaqueParts []Part
	for _, p := range params.Message.Parts {
		if p.Kind == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		} else {
			opaqueParts = append(opaqueParts, p)
		}
	}
	description := strings.Join(texts, "\n")
	if description == "" {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "message carries no text parts"}
	}

	context, err := json.Marshal(struct {
		A2AMessage Message `json:"a2aMessage"`
		OtherParts []Part  `json:"otherParts,omitempty"`
	}{A2AMessage: params.Message, OtherParts: opaqueParts})
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInternal, Message: "failed to encode message context"}
	}

	task, _, err := g.tasks.Submit(ktp.SubmitRequest{
		Description: description,
		Context:     context,
		TaskType:    "general",
		Priority:    "medium",
		Target:      params.Target,
		ContextID:   params.Message.ContextID,
		A2ASource:   true,
	})
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}
	return projectSent(task), nil
}

type taskIDParams struct {
	ID string `json:"id"`
}

// handleTasksGet implements spec.md §4.7's tasks/get: sent, then received,
// then dead-letter.
func (g *Gateway) handleTasksGet(raw json.RawMessage) (interface{}, *RPCError) {
	var params taskIDParams
	if len(raw) == 0 || json.Unmarshal(raw, &params) != nil || params.ID == "" {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "missing or invalid task id"}
	}

	if t, ok := g.tasks.GetSent(params.ID); ok {
		return projectSent(t), nil
	}
	if t, ok := g.tasks.GetReceived(params.ID); ok {
		return projectReceived(t), nil
	}
	if t, ok := g.tasks.GetDeadLetter(params.ID); ok {
		return projectDeadLetter(t), nil
	}
	return nil, &RPCError{Code: ErrCodeTaskNotFound, Message: "task not found"}
}

type taskListParams struct {
	State     string `json:"state,omitempty"`
	ContextID string `json:"contextId,omitempty"`
}

// handleTasksList implements spec.md §4.7's tasks/list: all three tables
// merged, newest first, optionally filtered by projected state and/or
// contextId.
func (g *Gateway) handleTasksList(raw json.RawMessage) (interface{}, *RPCError) {
	var params taskListParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "invalid filter params"}
		}
	}

	var out []*ProjectedTask
	for _, t := range g.tasks.ListSent() {
		out = append(out, projectSent(t))
	}
	for _, t := range g.tasks.ListReceived() {
		out = append(out, projectReceived(t))
	}
	for _, t := range g.tasks.ListFailed() {
		out = append(out, projectDeadLetter(t))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].createdAt > out[j].createdAt })

	filtered := make([]*ProjectedTask, 0, len(out))
	for _, t := range out {
		if params.State != "" && t.Status.State != params.State {
			continue
		}
		if params.ContextID != "" && t.ContextID != params.ContextID {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered, nil
}

// --- State projection ---------------------------------------------------

var stateProjection = map[string]string{
	"pending":          "submitted",
	"queued_for_retry": "working",
	"accepted":         "working",
	"in_progress":      "working",
	"completed":        "completed",
	"failed":           "failed",
	"rejected":         "rejected",
}

func projectState(ktpStatus string) string {
	if s, ok := stateProjection[ktpStatus]; ok {
		return s
	}
	return ktpStatus
}

// TaskStatus is the projected status sub-object.
type TaskStatus struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

// Artifact is a single projected result artifact.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Parts      []Part `json:"parts"`
}

// ProjectedTask is a KTP task re-expressed under the A2A task schema.
type ProjectedTask struct {
	ID        string                 `json:"id"`
	ContextID string                 `json:"contextId"`
	Kind      string                 `json:"kind"`
	Status    TaskStatus             `json:"status"`
	Artifacts []Artifact             `json:"artifacts,omitempty"`
	History   []Message              `json:"history,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`

	createdAt int64 // unexported: used only to sort tasks/list, not serialised
}

func isoMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

func buildArtifacts(result interface{}) []Artifact {
	if result == nil {
		return nil
	}
	switch v := result.(type) {
	case string:
		return []Artifact{{ArtifactID: "result", Parts: []Part{{Kind: "text", Text: v}}}}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return []Artifact{{ArtifactID: "result", Parts: []Part{{Kind: "data", Data: data}}}}
	}
}

func statusMessage(err interface{}) string {
	if s, ok := err.(string); ok {
		return s
	}
	if err == nil {
		return ""
	}
	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		return ""
	}
	return string(data)
}

func projectSent(t *ktp.SentTask) *ProjectedTask {
	contextID := t.ContextID
	if contextID == "" {
		contextID = t.TaskID
	}
	var deadline int64
	if t.Deadline != nil {
		deadline = *t.Deadline
	}
	return &ProjectedTask{
		ID:        t.TaskID,
		ContextID: contextID,
		Kind:      "task",
		Status: TaskStatus{
			State:     projectState(t.Status),
			Timestamp: isoMillis(t.CreatedAt),
			Message:   statusMessage(t.Error),
		},
		Artifacts: buildArtifacts(t.Result),
		History: []Message{{
			Role:  "user",
			Parts: []Part{{Kind: "text", Text: t.Payload.Description}},
		}},
		Metadata: map[string]interface{}{
			"direction":   "sent",
			"target":      t.Target,
			"taskType":    t.TaskType,
			"ktpStatus":   t.Status,
			"createdAt":   t.CreatedAt,
			"completedAt": t.CompletedAt,
			"deadline":    deadline,
		},
		createdAt: t.CreatedAt,
	}
}

func projectReceived(t *ktp.ReceivedTask) *ProjectedTask {
	contextID := t.TaskID
	var deadline int64
	if t.Deadline != nil {
		deadline = *t.Deadline
	}
	return &ProjectedTask{
		ID:        t.TaskID,
		ContextID: contextID,
		Kind:      "task",
		Status: TaskStatus{
			State:     projectState(t.Status),
			Timestamp: isoMillis(t.CreatedAt),
			Message:   statusMessage(t.Error),
		},
		Artifacts: buildArtifacts(t.Result),
		History: []Message{{
			Role:  "assistant",
			Parts: []Part{{Kind: "text", Text: t.Payload.Description}},
		}},
		Metadata: map[string]interface{}{
			"direction":   "received",
			"from":        t.FromShortID,
			"taskType":    t.TaskType,
			"ktpStatus":   t.Status,
			"createdAt":   t.CreatedAt,
			"completedAt": t.CompletedAt,
			"deadline":    deadline,
		},
		createdAt: t.CreatedAt,
	}
}

func projectDeadLetter(t *ktp.DeadLetterTask) *ProjectedTask {
	contextID := t.ContextID
	if contextID == "" {
		contextID = t.TaskID
	}
	var deadline int64
	if t.Deadline != nil {
		deadline = *t.Deadline
	}
	return &ProjectedTask{
		ID:        t.TaskID,
		ContextID: contextID,
		Kind:      "task",
		Status: TaskStatus{
			State:     "failed",
			Timestamp: isoMillis(t.CreatedAt),
			Message:   t.FailureReason,
		},
		Artifacts: buildArtifacts(t.Result),
		History: []Message{{
			Role:  "user",
			Parts: []Part{{Kind: "text", Text: t.Payload.Description}},
		}},
		Metadata: map[string]interface{}{
			"direction":   "failed",
			"target":      t.Target,
			"taskType":    t.TaskType,
			"ktpStatus":   "failed",
			"createdAt":   t.CreatedAt,
			"completedAt": t.FailedAt,
			"deadline":    deadline,
		},
		createdAt: t.CreatedAt,
	}
}
