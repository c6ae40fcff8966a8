package transport

import (
	"fmt"
	"sync"
)

// Stream-id ranges per category. A peer can tell a stream's purpose from its
// id alone, and each category's concurrency is bounded independently.
const (
	ControlStreamID = 0

	ChatStreamMin = 1
	ChatStreamMax = 99

	FileStreamMin = 100
	FileStreamMax = 199

	BotStreamMin = 200
	BotStreamMax = 299
)

type streamRange struct {
	min, max int
}

func (r streamRange) size() int { return r.max - r.min + 1 }

func (r streamRange) contains(id int) bool { return id >= r.min && id <= r.max }

var categoryRanges = map[Category]streamRange{
	CategoryControl:      {ControlStreamID, ControlStreamID},
	CategoryChatMessage:  {ChatStreamMin, ChatStreamMax},
	CategoryFileTransfer: {FileStreamMin, FileStreamMax},
	CategoryBotCommand:   {BotStreamMin, BotStreamMax},
}

// StreamAllocation describes one id of the stream-id space.
type StreamAllocation struct {
	StreamID  int
	Category  Category
	Allocated bool
}

// StreamAllocator partitions the stream-id space into per-category ranges.
type StreamAllocator struct {
	mu        sync.Mutex
	allocated map[int]Category
	last      map[Category]int
}

// NewStreamAllocator returns an allocator with every id free.
func NewStreamAllocator() *StreamAllocator {
	last := make(map[Category]int, len(categoryRanges))
	for c, r := range categoryRanges {
		last[c] = r.min
	}
	return &StreamAllocator{
		allocated: make(map[int]Category),
		last:      last,
	}
}

// Allocate returns the first free id of the category, scanning round-robin
// from the last id issued for it.
func (a *StreamAllocator) Allocate(category Category) (int, error) {
	r, ok := categoryRanges[category]
	if !ok {
		return -1, fmt.Errorf("%w: %d", ErrUnknownCategory, category)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.last[category] - r.min
	for i := 0; i < r.size(); i++ {
		id := r.min + (start+i)%r.size()
		if _, taken := a.allocated[id]; taken {
			continue
		}
		a.allocated[id] = category
		a.last[category] = id
		return id, nil
	}
	return -1, fmt.Errorf("%w: %s", ErrNoAvailableStreams, category)
}

// Release frees id for reuse.
func (a *StreamAllocator) Release(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocated[id]; !ok {
		return fmt.Errorf("%w: %d", ErrInvalidStreamID, id)
	}
	delete(a.allocated, id)
	return nil
}

// ReleaseAll frees every id; used on transport teardown.
func (a *StreamAllocator) ReleaseAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.allocated)
	a.allocated = make(map[int]Category)
	return n
}

// StreamType classifies id by range membership and reports whether it is
// currently allocated.
func (a *StreamAllocator) StreamType(id int) (Category, bool) {
	a.mu.Lock()
	_, allocated := a.allocated[id]
	a.mu.Unlock()

	for c, r := range categoryRanges {
		if r.contains(id) {
			return c, allocated
		}
	}
	return Category(-1), false
}

// IsAllocated reports whether id is currently in use.
func (a *StreamAllocator) IsAllocated(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.allocated[id]
	return ok
}

// Allocation returns the allocation record for id.
func (a *StreamAllocator) Allocation(id int) StreamAllocation {
	c, allocated := a.StreamType(id)
	return StreamAllocation{StreamID: id, Category: c, Allocated: allocated}
}

// InUse counts the allocated ids of a category.
func (a *StreamAllocator) InUse(category Category) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, c := range a.allocated {
		if c == category {
			n++
		}
	}
	return n
}
