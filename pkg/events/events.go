package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drover-io/drover/pkg/metrics"
)

// EventType represents the type of UI notification
type EventType string

const (
	EventNodeStatusUpdate   EventType = "node.status"
	EventOperationProgress  EventType = "operation.progress"
	EventOperationCompleted EventType = "operation.completed"
	EventOperationLogEntry  EventType = "operation.log"
	EventMasterGoingDown    EventType = "master.going_down"
	EventMasterReconnected  EventType = "master.reconnected"
	EventManifestUpdated    EventType = "environment.manifest_updated"
	EventHealthIssueFound   EventType = "health.issue_found"
	EventAuditEntryAdded    EventType = "audit.entry_added"
)

// Event represents one UI notification
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Notifier manages event subscriptions and distribution. Publishing never
// blocks a workflow: a subscriber that cannot keep up has events dropped.
type Notifier struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewNotifier creates a new event notifier
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the notifier's event distribution loop
func (n *Notifier) Start() {
	go n.run()
}

// Stop stops the notifier
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
}

// Subscribe creates a new subscription and returns a channel
func (n *Notifier) Subscribe() Subscriber {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	n.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (n *Notifier) Unsubscribe(sub Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subscribers[sub]; !ok {
		return
	}
	delete(n.subscribers, sub)
	close(sub)
}

// Publish builds an event and hands it to the distribution loop
func (n *Notifier) Publish(eventType EventType, payload any) {
	n.PublishEvent(&Event{
		Type:    eventType,
		Payload: payload,
	})
}

// PublishEvent publishes a pre-built event to all subscribers
func (n *Notifier) PublishEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	metrics.RecordUIEvent(string(event.Type))

	select {
	case n.eventCh <- event:
	case <-n.stopCh:
	}
}

func (n *Notifier) run() {
	for {
		select {
		case event := <-n.eventCh:
			n.broadcast(event)
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) broadcast(event *Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for sub := range n.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (n *Notifier) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscribers)
}
