package transport

import "testing"

func TestOutboundQueueFIFO(t *testing.T) {
	q := newOutboundQueue(10)

	q.push(QueuedMessage{ID: "a"})
	q.push(QueuedMessage{ID: "b"})

	head, ok := q.peek()
	if !ok || head.ID != "a" {
		t.Fatalf("Expected head a, got %+v", head)
	}
	q.pop()
	head, _ = q.peek()
	if head.ID != "b" {
		t.Errorf("Expected head b, got %s", head.ID)
	}
	q.pop()
	if q.len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.len())
	}
	q.pop()
}

func TestOutboundQueueDropOldest(t *testing.T) {
	q := newOutboundQueue(2)

	q.push(QueuedMessage{ID: "a"})
	q.push(QueuedMessage{ID: "b"})
	evicted, dropped := q.push(QueuedMessage{ID: "c"})

	if !dropped || evicted.ID != "a" {
		t.Fatalf("Expected a to be evicted, got %+v dropped=%v", evicted, dropped)
	}
	snap := q.snapshot()
	if len(snap) != 2 || snap[0].ID != "b" || snap[1].ID != "c" {
		t.Errorf("Unexpected queue contents %+v", snap)
	}
}

func TestOutboundQueueRetry(t *testing.T) {
	q := newOutboundQueue(0)
	if q.capacity != 1000 {
		t.Errorf("Expected default capacity 1000, got %d", q.capacity)
	}

	if n := q.bumpRetry(); n != 0 {
		t.Errorf("bumpRetry on empty queue should be 0, got %d", n)
	}
	q.push(QueuedMessage{ID: "a"})
	q.bumpRetry()
	if n := q.bumpRetry(); n != 2 {
		t.Errorf("Expected retry count 2, got %d", n)
	}
}

func TestOutboundQueuePrependKeepsOrder(t *testing.T) {
	q := newOutboundQueue(3)
	q.push(QueuedMessage{ID: "c"})
	q.push(QueuedMessage{ID: "d"})

	evicted := q.prepend([]QueuedMessage{{ID: "a"}, {ID: "b"}})

	if len(evicted) != 1 || evicted[0].ID != "a" {
		t.Fatalf("Expected a to be evicted, got %+v", evicted)
	}
	snap := q.snapshot()
	if len(snap) != 3 || snap[0].ID != "b" || snap[1].ID != "c" || snap[2].ID != "d" {
		t.Errorf("Unexpected queue contents %+v", snap)
	}

	drained := q.drain()
	if len(drained) != 3 || q.len() != 0 {
		t.Errorf("Expected drain to empty the queue, got %d left and %d drained", q.len(), len(drained))
	}
}
