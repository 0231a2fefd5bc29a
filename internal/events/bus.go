// Package events provides an in-process publish/subscribe bus for position
// lifecycle and circuit-breaker notifications. No package in this repository
// subscribes to it. Grounded
// on the teacher's internal/events.EventBus; the vocabulary is narrowed to
// the events SPEC_FULL.md §3.1 names and the per-user WebSocket broadcast
// scaffolding is dropped since the admin API has no per-user sessions.
package events

import (
	"sync"
	"time"
)

// EventType identifies a position lifecycle or circuit-breaker event.
type EventType string

const (
	EventPositionOpened   EventType = "POSITION_OPENED"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventPartialTPClosed  EventType = "PARTIAL_TP_CLOSED"
	EventStopLossMoved    EventType = "STOP_LOSS_MOVED"
	EventCircuitTripped   EventType = "CIRCUIT_TRIPPED"
	EventCircuitRecovered EventType = "CIRCUIT_RECOVERED"
)

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	AgentID   int64                  `json:"agent_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events.
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all matching subscribers. Handlers run in their
// own goroutine so a slow subscriber never stalls the agent cycle that
// published the event.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishPositionOpened publishes a POSITION_OPENED event.
func (eb *EventBus) PublishPositionOpened(agentID int64, symbol, side string, entryPrice, quantity float64) {
	eb.Publish(Event{
		Type: EventPositionOpened, AgentID: agentID, Symbol: symbol,
		Data: map[string]interface{}{"side": side, "entry_price": entryPrice, "quantity": quantity},
	})
}

// PublishPositionClosed publishes a POSITION_CLOSED event.
func (eb *EventBus) PublishPositionClosed(agentID int64, symbol, reason string, pnlEUR, pnlPercent float64) {
	eb.Publish(Event{
		Type: EventPositionClosed, AgentID: agentID, Symbol: symbol,
		Data: map[string]interface{}{"reason": reason, "pnl_eur": pnlEUR, "pnl_percent": pnlPercent},
	})
}

// PublishPartialTPClosed publishes a PARTIAL_TP_CLOSED event, fired when
// TP1 closes half the position and moves the stop to breakeven.
func (eb *EventBus) PublishPartialTPClosed(agentID int64, symbol string, closedQuantity, partialPnL float64) {
	eb.Publish(Event{
		Type: EventPartialTPClosed, AgentID: agentID, Symbol: symbol,
		Data: map[string]interface{}{"closed_quantity": closedQuantity, "partial_pnl": partialPnL},
	})
}

// PublishStopLossMoved publishes a STOP_LOSS_MOVED event, fired on both the
// one-shot breakeven move and every subsequent trailing ratchet.
func (eb *EventBus) PublishStopLossMoved(agentID int64, symbol string, newStopLoss float64, isBreakeven bool) {
	eb.Publish(Event{
		Type: EventStopLossMoved, AgentID: agentID, Symbol: symbol,
		Data: map[string]interface{}{"new_stop_loss": newStopLoss, "is_breakeven": isBreakeven},
	})
}

// PublishCircuitTripped publishes a CIRCUIT_TRIPPED event.
func (eb *EventBus) PublishCircuitTripped(reason string) {
	eb.Publish(Event{Type: EventCircuitTripped, Data: map[string]interface{}{"reason": reason}})
}

// PublishCircuitRecovered publishes a CIRCUIT_RECOVERED event.
func (eb *EventBus) PublishCircuitRecovered() {
	eb.Publish(Event{Type: EventCircuitRecovered, Data: map[string]interface{}{}})
}
