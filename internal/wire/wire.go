// Package wire defines the inner JSON shapes carried inside signed
// envelopes, plus the inbox record, shared by internal/session and
// internal/ktp without either importing the other. The bare ping heartbeat
// shape lives in internal/envelope.
package wire

import "encoding/json"

// Frame is the minimal shape every inner content parses as, used to read
// the type discriminator before dispatching to a concrete shape.
type Frame struct {
	Type string `json:"type"`
}

// Manifest is a peer's self-declared capability set, exchanged on
// handshake and re-broadcast on any local change.
type Manifest struct {
	Role    string          `json:"role"`
	Skills  []string        `json:"skills"`
	AgentID string          `json:"agent_id"`
	Specs   json.RawMessage `json:"specs,omitempty"`
}

// HandshakeFrame is the content of a {"type":"handshake"} envelope.
type HandshakeFrame struct {
	Type     string   `json:"type"`
	Manifest Manifest `json:"manifest"`
}

// TaskPayload is the free-form body of a task request.
type TaskPayload struct {
	Description string          `json:"description"`
	Context     json.RawMessage `json:"context,omitempty"`
	Priority    string          `json:"priority"`
}

// TaskRequestFrame is the content of a {"type":"task_request"} envelope.
type TaskRequestFrame struct {
	Type     string      `json:"type"`
	TaskID   string      `json:"task_id"`
	TaskType string      `json:"task_type"`
	Payload  TaskPayload `json:"payload"`
	Deadline *int64      `json:"deadline"`
	Sender   string      `json:"sender"`
}

// TaskResponseFrame is the content of a {"type":"task_response"} envelope.
type TaskResponseFrame struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Responder string          `json:"responder"`
}

// InboxRecord is one delivered message as surfaced by GET /inbox.
type InboxRecord struct {
	Sender        string          `json:"sender"`
	SenderShortID string          `json:"senderShortId"`
	Timestamp     int64           `json:"timestamp"`
	Content       json.RawMessage `json:"content"`
}

// TaskTypes is the closed enum of KTP task types.
var TaskTypes = map[string]bool{
	"general":     true,
	"analysis":    true,
	"code_review": true,
	"research":    true,
	"test":        true,
	"other":       true,
}

// Priorities is the closed enum of task priorities.
var Priorities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}
