package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/deedsign/internal/signatures"
)

const (
	ProgressEventSignature = "signature-progress"
	progressEventHeartbeat = "heartbeat"
	progressSource         = "deedsign-api"
)

// ProgressMessage reports signing progress for one property.
type ProgressMessage struct {
	PropertyID string                    `json:"property_id"`
	EventType  string                    `json:"event_type"`
	Status     signatures.PropertyStatus `json:"status"`
	Timestamp  time.Time                 `json:"timestamp"`
}

// ProgressDispatcher fans progress messages out to subscribers of a property.
type ProgressDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*progressSubscriber
	nextID      int64
	bufferSize  int
}

type progressSubscriber struct {
	id     int64
	stream chan ProgressMessage
}

func NewProgressDispatcher() *ProgressDispatcher {
	return &ProgressDispatcher{
		subscribers: make(map[string]map[int64]*progressSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for propertyID that is released when ctx ends
// or the returned cleanup runs.
func (d *ProgressDispatcher) Subscribe(ctx context.Context, propertyID string) (<-chan ProgressMessage, func()) {
	if propertyID == "" {
		ch := make(chan ProgressMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &progressSubscriber{
		id:     d.nextSequence(),
		stream: make(chan ProgressMessage, d.bufferSize),
	}
	d.registerSubscriber(propertyID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(propertyID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every current subscriber without blocking. Slow
// subscribers miss messages rather than stall the signer.
func (d *ProgressDispatcher) Publish(message ProgressMessage) {
	if message.PropertyID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.PropertyID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*progressSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the live subscriptions for propertyID.
func (d *ProgressDispatcher) SubscriberCount(propertyID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[propertyID])
}

func (d *ProgressDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *ProgressDispatcher) registerSubscriber(propertyID string, subscriber *progressSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[propertyID]; !ok {
		d.subscribers[propertyID] = make(map[int64]*progressSubscriber)
	}
	d.subscribers[propertyID][subscriber.id] = subscriber
}

func (d *ProgressDispatcher) unregisterSubscriber(propertyID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[propertyID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, propertyID)
		}
	}
	d.mu.Unlock()
}
