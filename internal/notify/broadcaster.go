// Package notify delivers seat and reservation transitions to observers:
// in-process subscribers, Redis pub/sub peers and a RabbitMQ exchange.
// Delivery is best effort and at most once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarkoPoloResearchLab/seathold/pkg/seating"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 64

var (
	ErrInvalidBroadcaster = errors.New("invalid broadcaster")
	ErrBroadcasterClosed  = errors.New("broadcaster closed")
)

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(size int) BroadcasterOption {
	return func(broadcaster *Broadcaster) {
		broadcaster.buffer = size
	}
}

// WithDropHandler is called for every change a full subscriber misses.
func WithDropHandler(handler func(seating.SeatChange)) BroadcasterOption {
	return func(broadcaster *Broadcaster) {
		broadcaster.onDrop = handler
	}
}

// Broadcaster fans seat changes out to in-process subscribers. A subscriber whose
// buffer is full misses the change; publishers never block.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan seating.SeatChange
	nextID      uint64
	buffer      int
	closed      bool
	onDrop      func(seating.SeatChange)
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(options ...BroadcasterOption) (*Broadcaster, error) {
	broadcaster := &Broadcaster{
		subscribers: make(map[uint64]chan seating.SeatChange),
		buffer:      DefaultSubscriberBuffer,
	}
	for _, option := range options {
		if option != nil {
			option(broadcaster)
		}
	}
	if broadcaster.buffer <= 0 {
		return nil, fmt.Errorf("%w: subscriber buffer must be positive", ErrInvalidBroadcaster)
	}
	return broadcaster, nil
}

// Subscription is one subscriber's view of the change stream.
type Subscription struct {
	id          uint64
	changes     chan seating.SeatChange
	broadcaster *Broadcaster
	closeOnce   sync.Once
}

// Changes returns the subscriber's channel. It is closed by Close or when the
// broadcaster shuts down.
func (subscription *Subscription) Changes() <-chan seating.SeatChange {
	return subscription.changes
}

// Close unsubscribes. It is safe to call more than once.
func (subscription *Subscription) Close() {
	subscription.closeOnce.Do(func() {
		subscription.broadcaster.remove(subscription.id)
	})
}

// Subscribe registers a new subscriber.
func (broadcaster *Broadcaster) Subscribe() (*Subscription, error) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.closed {
		return nil, ErrBroadcasterClosed
	}
	broadcaster.nextID++
	changes := make(chan seating.SeatChange, broadcaster.buffer)
	broadcaster.subscribers[broadcaster.nextID] = changes
	return &Subscription{id: broadcaster.nextID, changes: changes, broadcaster: broadcaster}, nil
}

// Publish implements seating.Notifier.
func (broadcaster *Broadcaster) Publish(_ context.Context, changes []seating.SeatChange) error {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()
	if broadcaster.closed {
		return ErrBroadcasterClosed
	}
	for _, change := range changes {
		for _, subscriber := range broadcaster.subscribers {
			select {
			case subscriber <- change:
			default:
				if broadcaster.onDrop != nil {
					broadcaster.onDrop(change)
				}
			}
		}
	}
	return nil
}

// SubscriberCount reports the number of live subscribers.
func (broadcaster *Broadcaster) SubscriberCount() int {
	broadcaster.mu.RLock()
	defer broadcaster.mu.RUnlock()
	return len(broadcaster.subscribers)
}

// Close disconnects every subscriber and rejects further publishes.
func (broadcaster *Broadcaster) Close() {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	if broadcaster.closed {
		return
	}
	broadcaster.closed = true
	for id, subscriber := range broadcaster.subscribers {
		close(subscriber)
		delete(broadcaster.subscribers, id)
	}
}

func (broadcaster *Broadcaster) remove(id uint64) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	subscriber, ok := broadcaster.subscribers[id]
	if !ok {
		return
	}
	close(subscriber)
	delete(broadcaster.subscribers, id)
}

// Fanout publishes to every notifier and joins their errors.
type Fanout []seating.Notifier

// Publish implements seating.Notifier.
func (fanout Fanout) Publish(ctx context.Context, changes []seating.SeatChange) error {
	var errs []error
	for _, notifier := range fanout {
		if notifier == nil {
			continue
		}
		if err := notifier.Publish(ctx, changes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
