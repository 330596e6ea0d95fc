// Package reqqueue is the bounded FIFO between the broker's front-end and
// its dispatcher pool, mirroring server/__init__.py's use of a bounded
// multiprocessing-safe queue: the front-end's single reader does a
// nonblocking put and reports a queue-full error back to the client
// immediately rather than stalling the socket loop.
package reqqueue

import (
	"context"
	"errors"

	"github.com/synacktraa/cillow/internal/wire"
)

// ErrFull is returned by TryPut when the queue has no free capacity. The
// text is the wire protocol's literal error message, not paraphrased.
var ErrFull = errors.New("Server request queue is full. Try again later.")

// Item is one request awaiting dispatch, paired with the means to
// deliver frames back to its originating connection.
type Item struct {
	ClientID string
	Request  wire.Request
	// Respond delivers one tagged frame to the client that sent Request.
	// frame is nil for a request_done with an empty body; a
	// request_exception, and a request_done that returns a value, carry
	// a frame.
	Respond func(tag wire.Tag, frame *wire.ResponseFrame)
}

// Queue is a bounded channel of Items.
type Queue struct {
	items chan Item
}

// New returns a Queue with the given capacity.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{items: make(chan Item, capacity)}
}

// Capacity returns the queue's configured capacity.
func (q *Queue) Capacity() int { return cap(q.items) }

// TryPut enqueues item without blocking, returning ErrFull if the queue
// has no free slot.
func (q *Queue) TryPut(item Item) error {
	select {
	case q.items <- item:
		return nil
	default:
		return ErrFull
	}
}

// Get blocks until an item is available or ctx is done.
func (q *Queue) Get(ctx context.Context) (Item, error) {
	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}
