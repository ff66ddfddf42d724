// Package logger builds the node's structured logger and a hook that
// surfaces warn-and-above entries onto the event bus for diagnostic
// consumption, so the control plane needs no second logging path.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kizuna-net/bridge/internal/bus"
)

// LogConfig mirrors internal/config's logging section, kept separate so
// this package has no dependency on config.
type LogConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// New builds a logrus.Logger per cfg.
func New(cfg LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if cfg.OutputPath != "" {
		if f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			log.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	return log
}

// EventHook forwards warn-and-above log entries onto the event bus as
// EventLogEntry events, so a control-plane diagnostics feed can observe
// them without a second emission path from callers.
type EventHook struct {
	eventBus *bus.EventBus
	nodeName string
}

// NewEventHook builds a hook publishing onto eventBus, tagged with nodeName.
func NewEventHook(eventBus *bus.EventBus, nodeName string) *EventHook {
	return &EventHook{eventBus: eventBus, nodeName: nodeName}
}

// Levels reports the levels this hook cares about.
func (h *EventHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
	}
}

// Fire publishes entry onto the event bus.
func (h *EventHook) Fire(entry *logrus.Entry) error {
	if h.eventBus == nil {
		return nil
	}

	fields := make(map[string]interface{}, len(entry.Data)+3)
	for k, v := range entry.Data {
		fields[k] = v
	}
	fields["level"] = entry.Level.String()
	fields["message"] = entry.Message
	fields["source"] = h.nodeName

	h.eventBus.PublishAsync(bus.EventLogEntry, fields)
	return nil
}

// ContextualLogger wraps a logger with peer/task context carried across a
// chain of related log statements, matching the teacher's workflow-scoped
// logger but keyed on this domain's peer and task identifiers.
type ContextualLogger struct {
	*logrus.Logger
	peerShortID string
	taskID      string
}

// NewContextualLogger wraps logger with the given default context.
func NewContextualLogger(log *logrus.Logger, peerShortID, taskID string) *ContextualLogger {
	return &ContextualLogger{Logger: log, peerShortID: peerShortID, taskID: taskID}
}

// WithPeer returns a copy scoped to peerShortID.
func (l *ContextualLogger) WithPeer(peerShortID string) *ContextualLogger {
	return &ContextualLogger{Logger: l.Logger, peerShortID: peerShortID, taskID: l.taskID}
}

// WithTask returns a copy scoped to taskID.
func (l *ContextualLogger) WithTask(taskID string) *ContextualLogger {
	return &ContextualLogger{Logger: l.Logger, peerShortID: l.peerShortID, taskID: taskID}
}

func (l *ContextualLogger) fields() logrus.Fields {
	f := logrus.Fields{}
	if l.peerShortID != "" {
		f["peer"] = l.peerShortID
	}
	if l.taskID != "" {
		f["taskId"] = l.taskID
	}
	return f
}

func (l *ContextualLogger) Info(args ...interface{})  { l.WithFields(l.fields()).Info(args...) }
func (l *ContextualLogger) Warn(args ...interface{})  { l.WithFields(l.fields()).Warn(args...) }
func (l *ContextualLogger) Error(args ...interface{}) { l.WithFields(l.fields()).Error(args...) }
func (l *ContextualLogger) Debug(args ...interface{}) { l.WithFields(l.fields()).Debug(args...) }

func (l *ContextualLogger) Infof(format string, args ...interface{}) {
	l.WithFields(l.fields()).Infof(format, args...)
}
func (l *ContextualLogger) Warnf(format string, args ...interface{}) {
	l.WithFields(l.fields()).Warnf(format, args...)
}
func (l *ContextualLogger) Errorf(format string, args ...interface{}) {
	l.WithFields(l.fields()).Errorf(format, args...)
}
func (l *ContextualLogger) Debugf(format string, args ...interface{}) {
	l.WithFields(l.fields()).Debugf(format, args...)
}
