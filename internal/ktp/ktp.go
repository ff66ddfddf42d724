// Package ktp implements the Kizuna Task Protocol: the sent/received/
// dead-letter task tables, submission and response semantics, exponential
// backoff retry scheduling, and the deadline/retry reaper.
//
// Concurrency discipline: matching internal/session, this package uses
// the threaded per-table design from spec.md §5 — each table (sent,
// received, deadLetter) is protected by Engine.mu, one mutex for all
// three since the retry reaper's promote-to-dead-letter step must move
// an entry between sent and deadLetter atomically.
package ktp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kizuna-net/bridge/internal/bus"
	"github.com/kizuna-net/bridge/internal/envelope"
	"github.com/kizuna-net/bridge/internal/identity"
	"github.com/kizuna-net/bridge/internal/logger"
	"github.com/kizuna-net/bridge/internal/metrics"
	"github.com/kizuna-net/bridge/internal/wire"
)

// PeerSender is how the task engine reaches live peers, defined here (not
// in internal/session) so neither package imports the other;
// internal/session.Manager satisfies this structurally.
type PeerSender interface {
	SendToPeer(pubHex string, env *envelope.Envelope) error
	SendBroadcast(env *envelope.Envelope) []string
	ResolveTarget(target string) (pubHex string, ok bool)
}

const (
	maxDescriptionBytes = 10000
	maxContextBytes     = 50000
)

// SentTask is one entry in the sender-side task table.
type SentTask struct {
	TaskID        string          `json:"task_id"`
	Target        string          `json:"target"`
	Status        string          `json:"status"`
	Payload       wire.TaskPayload `json:"payload"`
	TaskType      string          `json:"task_type"`
	CreatedAt     int64           `json:"createdAt"`
	Deadline      *int64          `json:"deadline"`
	Result        interface{}     `json:"result,omitempty"`
	Error         interface{}     `json:"error,omitempty"`
	AttemptCount  int             `json:"attemptCount"`
	LastAttemptAt int64           `json:"lastAttemptAt,omitempty"`
	NextRetryTime int64           `json:"nextRetryTime,omitempty"`
	Responder     string          `json:"responder,omitempty"`
	CompletedAt   int64           `json:"completedAt,omitempty"`
	ContextID     string          `json:"contextId"`
	A2ASource     bool            `json:"a2aSource,omitempty"`
}

// ReceivedTask is one entry in the receiver-side task table.
type ReceivedTask struct {
	TaskID        string          `json:"task_id"`
	From          string          `json:"from"`
	FromShortID   string          `json:"fromShortId"`
	Status        string          `json:"status"`
	Payload       wire.TaskPayload `json:"payload"`
	TaskType      string          `json:"task_type"`
	CreatedAt     int64           `json:"createdAt"`
	Deadline      *int64          `json:"deadline"`
	Result        interface{}     `json:"result,omitempty"`
	Error         interface{}     `json:"error,omitempty"`
	CompletedAt   int64           `json:"completedAt,omitempty"`
}

// DeadLetterTask is a sent task promoted after exhausting retries or
// passing its deadline.
type DeadLetterTask struct {
	SentTask
	FailureReason string `json:"failureReason"`
	FailedAt      int64  `json:"failedAt"`
}

var (
	// ErrTaskNotFound is returned when a referenced task_id names nothing
	// live in any table.
	ErrTaskNotFound = fmt.Errorf("task not found")
	// ErrInvalidSubmission is returned for validation failures on submit.
	ErrInvalidSubmission = fmt.Errorf("invalid task submission")
)

// Config bundles the retry/attempt tunables from internal/config.
type Config struct {
	MaxAttempts int
	RetryBaseMs int
	RetryCapMs  int
}

// Engine owns the three task tables and the retry reaper.
type Engine struct {
	mu         sync.RWMutex
	sent       map[string]*SentTask
	received   map[string]*ReceivedTask
	deadLetter map[string]*DeadLetterTask

	id      *identity.Identity
	peers   PeerSender
	bus     *bus.EventBus
	metrics *metrics.Collector
	log     *logger.ContextualLogger
	cfg     Config
}

// New builds an Engine. peers is usually an internal/session.Manager.
func New(
	id *identity.Identity,
	peers PeerSender,
	eventBus *bus.EventBus,
	collector *metrics.Collector,
	log *logger.ContextualLogger,
	cfg Config,
) *Engine {
	return &Engine{
		sent:       make(map[string]*SentTask),
		received:   make(map[string]*ReceivedTask),
		deadLetter: make(map[string]*DeadLetterTask),
		id:         id,
		peers:      peers,
		bus:        eventBus,
		metrics:    collector,
		log:        log,
		cfg:        cfg,
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// backoff implements delay = min(base * 2^attempt, cap).
func (e *Engine) backoff(attempt int) int64 {
	delay := int64(e.cfg.RetryBaseMs)
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= int64(e.cfg.RetryCapMs) {
			return int64(e.cfg.RetryCapMs)
		}
	}
	return delay
}

// SubmitRequest is the validated input to Submit.
type SubmitRequest struct {
	Description string
	Context     []byte
	TaskType    string
	Priority    string
	Target      string
	Deadline    *int64
	ContextID   string
	A2ASource   bool
}

// Validate applies spec.md §4.5 step 1's input rules, defaulting
// task_type and priority where absent.
func (r *SubmitRequest) Validate() error {
	if r.Description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidSubmission)
	}
	if len(r.Description) > maxDescriptionBytes {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidSubmission, maxDescriptionBytes)
	}
	if len(r.Context) > maxContextBytes {
		return fmt.Errorf("%w: context exceeds %d bytes", ErrInvalidSubmission, maxContextBytes)
	}
	if r.TaskType == "" {
		r.TaskType = "general"
	}
	if !wire.TaskTypes[r.TaskType] {
		return fmt.Errorf("%w: unknown task_type %q", ErrInvalidSubmission, r.TaskType)
	}
	if r.Priority == "" {
		r.Priority = "medium"
	}
	if !wire.Priorities[r.Priority] {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidSubmission, r.Priority)
	}
	return nil
}

// Submit implements the sender-side submission semantics of spec.md
// §4.5. It returns the recorded task and whether it was delivered now
// (false means queued_for_retry).
func (e *Engine) Submit(req SubmitRequest) (*SentTask, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	taskID := uuid.NewString()
	contextID := req.ContextID
	if contextID == "" {
		contextID = taskID
	}

	task := &SentTask{
		TaskID:    taskID,
		Target:    req.Target,
		TaskType:  req.TaskType,
		Payload:   wire.TaskPayload{Description: req.Description, Context: req.Context, Priority: req.Priority},
		CreatedAt: nowMs(),
		Deadline:  req.Deadline,
		ContextID: contextID,
		A2ASource: req.A2ASource,
	}

	frame := wire.TaskRequestFrame{
		Type: "task_request", TaskID: taskID, TaskType: req.TaskType,
		Payload: task.Payload, Deadline: req.Deadline, Sender: e.id.ShortID(),
	}
	env, err := envelope.Sign(e.id, frame)
	if err != nil {
		return nil, false, fmt.Errorf("ktp: sign task_request: %w", err)
	}

	delivered := false

	if req.Target != "" && req.Target != "*" {
		if pubHex, ok := e.peers.ResolveTarget(req.Target); ok {
			if err := e.peers.SendToPeer(pubHex, env); err == nil {
				task.Status = "pending"
				delivered = true
			}
		}
		if !delivered {
			task.Status = "queued_for_retry"
			task.AttemptCount = 1
			task.NextRetryTime = nowMs() + e.backoff(1)
		}
	} else {
		task.Target = "*"
		e.peers.SendBroadcast(env)
		task.Status = "pending"
		delivered = true
	}

	e.mu.Lock()
	e.sent[taskID] = task
	e.mu.Unlock()

	e.bus.PublishAsync(bus.EventTaskCreated, map[string]interface{}{"taskId": taskID, "status": task.Status})
	return task, delivered, nil
}

// HandleTaskRequest satisfies internal/session.Dispatcher: it installs a
// received-task entry for an inbound task_request.
func (e *Engine) HandleTaskRequest(fromFullKey, fromShortID string, frame wire.TaskRequestFrame) {
	e.mu.Lock()
	e.received[frame.TaskID] = &ReceivedTask{
		TaskID: frame.TaskID, From: fromFullKey, FromShortID: fromShortID,
		Status: "pending", Payload: frame.Payload, TaskType: frame.TaskType,
		CreatedAt: nowMs(), Deadline: frame.Deadline,
	}
	e.mu.Unlock()

	e.bus.PublishAsync(bus.EventTaskCreated, map[string]interface{}{"taskId": frame.TaskID, "from": fromShortID})
}

// HandleTaskResponse satisfies internal/session.Dispatcher: it applies an
// inbound task_response to the matching sent-task entry, if still live.
func (e *Engine) HandleTaskResponse(frame wire.TaskResponseFrame) {
	e.mu.Lock()
	task, ok := e.sent[frame.TaskID]
	if ok {
		task.Status = frame.Status
		task.Responder = frame.Responder
		task.CompletedAt = nowMs()
		if len(frame.Result) > 0 {
			task.Result = frame.Result
		}
		if len(frame.Error) > 0 {
			task.Error = frame.Error
		}
	}
	e.mu.Unlock()

	if !ok {
		return
	}
	e.bus.PublishAsync(bus.EventTaskStatusUpdate, map[string]interface{}{"taskId": frame.TaskID, "status": frame.Status})
	if isTerminal(frame.Status) {
		e.metrics.IncTaskSent(frame.Status)
	}
}

// RespondInput is the local agent's response to a received task.
type RespondInput struct {
	TaskID string
	Status string
	Result interface{}
	Error  interface{}
}

var receiverStates = map[string]bool{
	"accepted": true, "rejected": true, "in_progress": true, "completed": true, "failed": true,
}

// Respond implements the receiver-side response semantics of spec.md
// §4.5: it updates the local received-task entry and emits a signed
// task_response to the original requester, best-effort.
func (e *Engine) Respond(in RespondInput) error {
	if !receiverStates[in.Status] {
		return fmt.Errorf("%w: unknown receiver status %q", ErrInvalidSubmission, in.Status)
	}

	e.mu.Lock()
	task, ok := e.received[in.TaskID]
	if !ok {
		e.mu.Unlock()
		return ErrTaskNotFound
	}
	task.Status = in.Status
	task.Result = in.Result
	task.Error = in.Error
	if isTerminal(in.Status) {
		task.CompletedAt = nowMs()
	}
	from := task.From
	e.mu.Unlock()

	if isTerminal(in.Status) {
		e.metrics.IncTaskReceived(in.Status)
	}

	frame := wire.TaskResponseFrame{
		Type: "task_response", TaskID: in.TaskID, Status: in.Status,
		Result: mustRaw(in.Result), Error: mustRaw(in.Error), Responder: e.id.ShortID(),
	}
	env, err := envelope.Sign(e.id, frame)
	if err != nil {
		return fmt.Errorf("ktp: sign task_response: %w", err)
	}

	// Response delivery is not retried; if the peer is gone the requester
	// will reissue before its deadline (spec.md §4.5).
	_ = e.peers.SendToPeer(from, env)
	return nil
}

func isTerminal(status string) bool {
	return status == "completed" || status == "failed" || status == "rejected"
}

func mustRaw(v interface{}) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// GetSent returns a sent-task entry by id.
func (e *Engine) GetSent(taskID string) (*SentTask, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.sent[taskID]
	return t, ok
}

// GetReceived returns a received-task entry by id.
func (e *Engine) GetReceived(taskID string) (*ReceivedTask, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.received[taskID]
	return t, ok
}

// GetDeadLetter returns a dead-letter entry by id.
func (e *Engine) GetDeadLetter(taskID string) (*DeadLetterTask, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.deadLetter[taskID]
	return t, ok
}

// ListSent returns every sent-task entry, newest first.
func (e *Engine) ListSent() []*SentTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*SentTask, 0, len(e.sent))
	for _, t := range e.sent {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// ListReceived returns every received-task entry, newest first.
func (e *Engine) ListReceived() []*ReceivedTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ReceivedTask, 0, len(e.received))
	for _, t := range e.received {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// ListQueued returns sent tasks currently awaiting retry.
func (e *Engine) ListQueued() []*SentTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*SentTask, 0)
	for _, t := range e.sent {
		if t.Status == "queued_for_retry" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryTime < out[j].NextRetryTime })
	return out
}

// ListFailed returns the dead-letter table, newest first.
func (e *Engine) ListFailed() []*DeadLetterTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*DeadLetterTask, 0, len(e.deadLetter))
	for _, t := range e.deadLetter {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt > out[j].FailedAt })
	return out
}

// Retry manually promotes a dead-lettered task back to queued_for_retry.
func (e *Engine) Retry(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dl, ok := e.deadLetter[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task := dl.SentTask
	task.Status = "queued_for_retry"
	task.AttemptCount = 0
	task.NextRetryTime = nowMs()
	e.sent[taskID] = &task
	delete(e.deadLetter, taskID)
	return nil
}

// Search returns the entries of manifests (keyed by peer short id, built by
// the caller so this package need not import internal/session) whose skills
// or role contain query, case-insensitively. Kept here since it reads no
// task-table state; see internal/api for the actual wiring through
// session.Manager.
func Search(manifests map[string]wire.Manifest, query string) map[string]wire.Manifest {
	query = strings.ToLower(query)
	out := make(map[string]wire.Manifest)
	for shortID, m := range manifests {
		if strings.Contains(strings.ToLower(m.Role), query) {
			out[shortID] = m
			continue
		}
		for _, skill := range m.Skills {
			if strings.Contains(strings.ToLower(skill), query) {
				out[shortID] = m
				break
			}
		}
	}
	return out
}

// RunRetryReaper implements spec.md §4.5's retry reaper, running one pass
// per tick (cmd/bridge passes 5s) until ctx is done.
func (e *Engine) RunRetryReaper(ctx retryContext, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.retryTick()
		}
	}
}

// retryContext narrows context.Context to Done(), avoiding an import
// cycle concern with higher layers that only ever pass context.Context.
type retryContext interface {
	Done() <-chan struct{}
}

func (e *Engine) retryTick() {
	now := nowMs()

	e.mu.Lock()
	var toDeadLetter []string
	var toRetry []string
	for id, t := range e.sent {
		if isTerminal(t.Status) {
			continue
		}
		if t.Deadline != nil && *t.Deadline < now {
			toDeadLetter = append(toDeadLetter, id)
			continue
		}
		if t.Status == "queued_for_retry" && t.NextRetryTime <= now {
			toRetry = append(toRetry, id)
		}
	}
	e.mu.Unlock()

	for _, id := range toDeadLetter {
		e.deadLetterTask(id, "Deadline exceeded")
	}
	for _, id := range toRetry {
		e.attemptRetry(id)
	}
}

func (e *Engine) attemptRetry(taskID string) {
	e.mu.Lock()
	task, ok := e.sent[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}

	pubHex, found := e.peers.ResolveTarget(task.Target)
	if !found {
		if task.AttemptCount >= e.cfg.MaxAttempts {
			e.mu.Unlock()
			e.deadLetterTask(taskID, fmt.Sprintf("Peer offline after %d attempts", task.AttemptCount))
			return
		}
		task.AttemptCount++
		task.NextRetryTime = nowMs() + e.backoff(task.AttemptCount)
		e.mu.Unlock()
		return
	}

	frame := wire.TaskRequestFrame{
		Type: "task_request", TaskID: task.TaskID, TaskType: task.TaskType,
		Payload: task.Payload, Deadline: task.Deadline, Sender: e.id.ShortID(),
	}
	e.mu.Unlock()

	env, err := envelope.Sign(e.id, frame)
	if err != nil {
		e.log.Warnf("retry reaper: failed to sign task_request for %s: %v", taskID, err)
		return
	}
	if err := e.peers.SendToPeer(pubHex, env); err != nil {
		return
	}

	e.mu.Lock()
	if task, ok := e.sent[taskID]; ok {
		task.Status = "pending"
		task.LastAttemptAt = nowMs()
	}
	e.mu.Unlock()

	e.metrics.IncRetryIssued()
}

func (e *Engine) deadLetterTask(taskID, reason string) {
	e.mu.Lock()
	task, ok := e.sent[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.sent, taskID)
	dl := &DeadLetterTask{SentTask: *task, FailureReason: reason, FailedAt: nowMs()}
	dl.Status = "failed"
	e.deadLetter[taskID] = dl
	e.mu.Unlock()

	e.metrics.IncTaskDeadLettered()
	e.bus.PublishAsync(bus.EventTaskDeadLettered, map[string]interface{}{"taskId": taskID, "reason": reason})
	e.log.Warnf("task %s dead-lettered: %s", taskID, reason)
}
