package events

import (
	"sync"
	"time"
)

// EventType names an orchestration event.
type EventType string

const (
	EventTaskSubmitted        EventType = "task.submitted"
	EventTaskAssigned         EventType = "task.assigned"
	EventTaskCompleted        EventType = "task.completed"
	EventTaskFailed           EventType = "task.failed"
	EventTaskRequeued         EventType = "task.requeued"
	EventWorkerRegistered     EventType = "worker.registered"
	EventWorkerOffline        EventType = "worker.offline"
	EventSlaveRegistered      EventType = "slave.registered"
	EventSlaveRemoved         EventType = "slave.removed"
	EventSlaveUnhealthy       EventType = "slave.unhealthy"
	EventSlaveVersionMismatch EventType = "slave.version_mismatch"
	EventSlaveRecovered       EventType = "slave.recovered"
)

// Event is a single occurrence with free-form metadata. Slave events carry
// slave_id and host; version events add slave_commit and master_commit.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans events out to subscribers. Delivery is best effort: a
// subscriber that stops draining loses events rather than stalling the
// publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates an idle broker; call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop shuts the broker down; safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for broadcast, stamping the time if unset.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Full buffer drops the event for that subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
