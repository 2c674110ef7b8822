// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (decision loop, emulator
// provider, telemetry) to subscribers (MQTT publisher, metrics recorder,
// status API). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the decision loop.
	SourceLoop = "loop"
	// SourceEmulator identifies events from the snapshot provider.
	SourceEmulator = "emulator"
	// SourceTelemetry identifies events from the MQTT telemetry bridge.
	SourceTelemetry = "telemetry"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnCompleted signals one full decision loop iteration finished.
	// Data: seq, tag, action, tokens, valid.
	KindTurnCompleted = "turn_completed"
	// KindStateChanged signals the debounced game state changed.
	// Data: seq, from, to.
	KindStateChanged = "state_changed"
	// KindModelRetry signals a transient model failure being retried.
	// Data: seq, attempt, delay_ms, error.
	KindModelRetry = "model_retry"
	// KindValidationFailed signals an unparseable or invalid model response.
	// Data: seq, consecutive, error.
	KindValidationFailed = "validation_failed"
	// KindContextDegraded signals the compiler had to drop history beyond
	// the scheduled compaction to fit the token ceiling.
	// Data: seq, dropped_turns, dropped_summaries, tokens.
	KindContextDegraded = "context_degraded"
	// KindCheckpointWritten signals a durable checkpoint was stored.
	// Data: seq, trigger, bytes.
	KindCheckpointWritten = "checkpoint_written"
	// KindFault signals the loop entered the Faulted state.
	// Data: seq, error.
	KindFault = "fault"
	// KindStopRequested signals an external stop command was received.
	// Data: origin.
	KindStopRequested = "stop_requested"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Emit is a convenience wrapper that stamps the current time and
// publishes. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
