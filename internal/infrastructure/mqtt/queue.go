package mqtt

import (
	"context"
	"sync"
)

// OutboundMessage is one queued publish.
//
// The full tuple is the message identity: two messages are duplicates only
// when topic, payload, QoS and retain flag all match.
type OutboundMessage struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

// PublishQueue is the ordered, deduplicating buffer between producers and
// the broker session.
//
// Enqueue never blocks and silently refuses a message identical to one
// that is queued but not yet dequeued; once a message has been dequeued an
// identical one may be queued again. Dequeue suspends until an item is
// available, handing out messages in the order they were first enqueued.
//
// Nothing is cleared on session failure: messages produced during an
// outage wait here and are delivered by the next session.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type PublishQueue struct {
	mu      sync.Mutex
	items   []OutboundMessage
	pending map[OutboundMessage]struct{}

	// wake is a one-slot signal for blocked consumers; consumers always
	// re-check the queue after waking.
	wake chan struct{}

	// inFlight counts dequeued-but-not-acked messages for Wait.
	inFlight int

	// settled is closed when inFlight drops; Wait listens on it.
	settled chan struct{}
}

// NewPublishQueue creates an empty queue.
func NewPublishQueue() *PublishQueue {
	return &PublishQueue{
		pending: make(map[OutboundMessage]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the queue without blocking.
//
// Returns false when an identical message is already waiting; the queue is
// left unchanged in that case.
func (q *PublishQueue) Enqueue(msg OutboundMessage) bool {
	q.mu.Lock()
	if _, dup := q.pending[msg]; dup {
		q.mu.Unlock()
		return false
	}
	q.pending[msg] = struct{}{}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Dequeue removes and returns the oldest queued message, suspending until
// one is available or ctx ends.
//
// The caller must call Ack once it has finished with the message, whether
// or not delivery succeeded.
func (q *PublishQueue) Dequeue(ctx context.Context) (OutboundMessage, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			delete(q.pending, msg)
			q.inFlight++
			more := len(q.items) > 0
			q.mu.Unlock()

			if more {
				// Pass the wake token on so another waiter can take
				// the next item.
				select {
				case q.wake <- struct{}{}:
				default:
				}
			}
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return OutboundMessage{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Ack marks the most recently dequeued message as fully consumed.
// Used by Wait to decide when the queue has drained; it has no effect on
// delivery or retry.
func (q *PublishQueue) Ack() {
	q.mu.Lock()
	if q.inFlight > 0 {
		q.inFlight--
	}
	if q.settled != nil {
		close(q.settled)
		q.settled = nil
	}
	q.mu.Unlock()
}

// Wait blocks until the queue is empty and every dequeued message has been
// acked, or until ctx ends. Call during shutdown after producers stop.
func (q *PublishQueue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 && q.inFlight == 0 {
			q.mu.Unlock()
			return nil
		}
		if q.settled == nil {
			q.settled = make(chan struct{})
		}
		settled := q.settled
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settled:
		}
	}
}

// Len reports the number of messages waiting to be dequeued.
func (q *PublishQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
