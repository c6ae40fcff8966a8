package transport

import "time"

// QueuedMessage is an outbound payload waiting for the WebSocket to come up.
type QueuedMessage struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
	RetryCount int
}

// outboundQueue is a bounded FIFO. When full the oldest entry is evicted so
// the most recent messages survive an outage.
type outboundQueue struct {
	items    []QueuedMessage
	capacity int
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &outboundQueue{capacity: capacity}
}

// push appends msg and returns the evicted entry, if any.
func (q *outboundQueue) push(msg QueuedMessage) (QueuedMessage, bool) {
	var evicted QueuedMessage
	dropped := false
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, msg)
	return evicted, dropped
}

// prepend puts msgs in front of the queue and returns the entries evicted to
// stay within capacity, oldest first.
func (q *outboundQueue) prepend(msgs []QueuedMessage) []QueuedMessage {
	if len(msgs) == 0 {
		return nil
	}
	items := make([]QueuedMessage, 0, len(msgs)+len(q.items))
	items = append(items, msgs...)
	items = append(items, q.items...)
	var evicted []QueuedMessage
	if over := len(items) - q.capacity; over > 0 {
		evicted = items[:over:over]
		items = items[over:]
	}
	q.items = items
	return evicted
}

// drain empties the queue and returns what it held.
func (q *outboundQueue) drain() []QueuedMessage {
	out := q.items
	q.items = nil
	return out
}

func (q *outboundQueue) peek() (QueuedMessage, bool) {
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	return q.items[0], true
}

func (q *outboundQueue) pop() {
	if len(q.items) == 0 {
		return
	}
	q.items[0] = QueuedMessage{}
	q.items = q.items[1:]
}

// bumpRetry increments the head's retry count and returns the new value.
func (q *outboundQueue) bumpRetry() int {
	if len(q.items) == 0 {
		return 0
	}
	q.items[0].RetryCount++
	return q.items[0].RetryCount
}

func (q *outboundQueue) len() int { return len(q.items) }

func (q *outboundQueue) snapshot() []QueuedMessage {
	out := make([]QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}
