package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/stevedore/pkg/engine"
)

// Event is something that happened during an operation, delivered to
// subscribers such as the console renderer.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	OperationID string                 `json:"operation_id,omitempty"`
	PluginID    string                 `json:"plugin_id,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeOperationStarted   = "operation.started"
	EventTypeOperationSucceeded = "operation.succeeded"
	EventTypeOperationFailed    = "operation.failed"
	EventTypeOperationCompleted = "operation.completed"
	EventTypeStepProgress       = "step.progress"
	EventTypeLogLine            = "log.line"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeError              = "error"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevels = []string{EventLevelInfo, EventLevelWarning, EventLevelError}

type (
	EventSubscriber func(event Event)
	EventFilter     func(event Event) bool
)

var (
	errPublisherClosed = errors.New("event publisher closed")
	errBufferFull      = errors.New("event buffer full, event dropped")
)

// EventPublisher fans events out to subscribers, either inline or from a
// background goroutine when EnableAsync is set. It is also an
// engine.ProgressSink: lines and step progress become events.
type EventPublisher struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers []subscription
	filters     []EventFilter

	queue     chan Event
	closing   chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

var _ engine.ProgressSink = (*EventPublisher)(nil)

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	if ep.config.FlushInterval <= 0 {
		ep.config.FlushInterval = time.Second
	}

	ep.closing = make(chan struct{})
	ep.drained = make(chan struct{})
	if cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		go ep.run()
	} else {
		close(ep.drained)
	}
	return ep, nil
}

// Subscribe registers fn for the events that pass filter. A nil filter
// matches everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops every event that fails filter before any subscriber sees
// it.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// Publish stamps event with an ID and time when missing and delivers it.
// In async mode a full buffer drops the event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !ep.admit(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.closing:
		return errPublisherClosed
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func (ep *EventPublisher) admit(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, keep := range ep.filters {
		if !keep(event) {
			return false
		}
	}
	return true
}

// deliver calls matching subscribers in subscription order.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subscribers {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// run delivers queued events in batches of MaxBatchSize, flushing at least
// every FlushInterval. After Shutdown it drains the queue and exits.
func (ep *EventPublisher) run() {
	defer close(ep.drained)

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	var batch []Event
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			if batch = append(batch, e); len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.closing:
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Shutdown stops accepting events and waits until queued ones have been
// delivered or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.closeOnce.Do(func() { close(ep.closing) })
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) emit(e Event, data ...any) error {
	if len(data) > 0 {
		e.Data = make(map[string]interface{}, len(data)/2)
		for i := 0; i+1 < len(data); i += 2 {
			e.Data[data[i].(string)] = data[i+1]
		}
	}
	if e.Level == "" {
		e.Level = EventLevelInfo
	}
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishOperationStarted(operationID, pluginID, operation, operator string) error {
	return ep.emit(Event{
		Type: EventTypeOperationStarted, Source: "orchestrator",
		OperationID: operationID, PluginID: pluginID,
		Message: fmt.Sprintf("%s of %s started", operation, pluginID),
	}, "operation", operation, "operator", operator)
}

func (ep *EventPublisher) PublishOperationSucceeded(operationID, pluginID, version string) error {
	return ep.emit(Event{
		Type: EventTypeOperationSucceeded, Source: "orchestrator",
		OperationID: operationID, PluginID: pluginID,
		Message: fmt.Sprintf("%s %s succeeded", pluginID, version),
	}, "version", version)
}

func (ep *EventPublisher) PublishOperationFailed(operationID, pluginID, reason string) error {
	return ep.emit(Event{
		Type: EventTypeOperationFailed, Source: "orchestrator", Level: EventLevelError,
		OperationID: operationID, PluginID: pluginID,
		Message: fmt.Sprintf("%s failed: %s", pluginID, reason),
	}, "reason", reason)
}

// PublishOperationCompleted is the last event of every operation, whatever
// its outcome.
func (ep *EventPublisher) PublishOperationCompleted(operationID, pluginID, status string, duration time.Duration) error {
	return ep.emit(Event{
		Type: EventTypeOperationCompleted, Source: "orchestrator",
		OperationID: operationID, PluginID: pluginID,
		Message: fmt.Sprintf("%s finished %s", pluginID, status),
	}, "status", status, "duration", duration.Seconds())
}

func (ep *EventPublisher) PublishStepProgress(operationID, pluginID string, index, total int, stepName string) error {
	return ep.emit(Event{
		Type: EventTypeStepProgress, Source: "workflow",
		OperationID: operationID, PluginID: pluginID,
		Message: fmt.Sprintf("step %d/%d: %s", index, total, stepName),
	}, "index", index, "total", total, "step", stepName)
}

func (ep *EventPublisher) PublishLogLine(operationID, pluginID, line string) error {
	return ep.emit(Event{
		Type: EventTypeLogLine, Source: "workflow",
		OperationID: operationID, PluginID: pluginID,
		Message: line,
	})
}

// PublishPolicyViolation reports a violation. Warning and info severities
// become warning-level events; anything else is an error.
func (ep *EventPublisher) PublishPolicyViolation(pluginID, policyName, severity, reason string) error {
	level := EventLevelError
	if severity == "warning" || severity == "info" {
		level = EventLevelWarning
	}
	return ep.emit(Event{
		Type: EventTypePolicyViolation, Source: "policy", Level: level,
		PluginID: pluginID,
		Message:  fmt.Sprintf("%s: policy %s: %s", pluginID, policyName, reason),
	}, "policy", policyName, "severity", severity, "reason", reason)
}

func (ep *EventPublisher) Line(line string) {
	_ = ep.PublishLogLine("", "", line)
}

func (ep *EventPublisher) Progress(index, total int, stepName string) {
	_ = ep.PublishStepProgress("", "", index, total, stepName)
}

// ForOperation returns a sink whose events carry operationID and pluginID.
// Step progress is also added as an event to the span active in ctx.
func (ep *EventPublisher) ForOperation(ctx context.Context, operationID, pluginID string) engine.ProgressSink {
	return &operationSink{
		ep:          ep,
		span:        trace.SpanFromContext(ctx),
		operationID: operationID,
		pluginID:    pluginID,
	}
}

type operationSink struct {
	ep          *EventPublisher
	span        trace.Span
	operationID string
	pluginID    string
}

func (s *operationSink) Line(line string) {
	_ = s.ep.PublishLogLine(s.operationID, s.pluginID, line)
}

func (s *operationSink) Progress(index, total int, stepName string) {
	_ = s.ep.PublishStepProgress(s.operationID, s.pluginID, index, total, stepName)
	if s.span.IsRecording() {
		s.span.AddEvent(EventTypeStepProgress, trace.WithAttributes(
			AttrStepName.String(stepName),
			attribute.Int("step.index", index),
			attribute.Int("step.total", total),
		))
	}
}

// FilterByLevel keeps events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := max(slices.Index(eventLevels, minLevel), 0)
	return func(e Event) bool { return slices.Index(eventLevels, e.Level) >= floor }
}

func FilterByType(types ...string) EventFilter {
	return func(e Event) bool { return slices.Contains(types, e.Type) }
}

func FilterByOperationID(operationID string) EventFilter {
	return func(e Event) bool { return e.OperationID == operationID }
}

func FilterByPluginID(pluginID string) EventFilter {
	return func(e Event) bool { return e.PluginID == pluginID }
}
