// Package events implements a lifecycle notification bus for container
// state transitions. No other package in this module publishes to it or
// subscribes to it, and the router has no events() RPC method.
package events

import (
	"sync"
	"time"
)

// Type is the closed set of container lifecycle events this bus carries.
type Type string

const (
	ContainerCreated   Type = "container.created"
	ContainerStarted   Type = "container.started"
	ContainerStopped   Type = "container.stopped"
	ContainerDied      Type = "container.died"
	ContainerPaused    Type = "container.paused"
	ContainerResumed   Type = "container.resumed"
	ContainerDestroyed Type = "container.destroyed"
)

// Event is one published notification.
type Event struct {
	Type      Type
	Container string
	Timestamp time.Time
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out published events to every current subscriber,
// non-blocking on a full subscriber buffer so one slow watch() client
// never stalls delivery to the others.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish broadcasts event to every subscriber, filling in Timestamp if
// unset.
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
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
