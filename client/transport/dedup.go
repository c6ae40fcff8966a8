package transport

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zeebo/blake3"
)

// idFields are checked in order; the first present one names the message.
var idFields = []string{
	"id",
	"messageId",
	"message_id",
	"msgId",
	"data.id",
	"data.messageId",
	"data.message_id",
}

// MessageID extracts the application-level id of a JSON payload.
func MessageID(payload []byte) (string, bool) {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return "", false
	}
	for _, field := range idFields {
		r := gjson.GetBytes(payload, field)
		if !r.Exists() {
			continue
		}
		if r.Type != gjson.String && r.Type != gjson.Number {
			continue
		}
		if id := r.String(); id != "" {
			return id, true
		}
	}
	return "", false
}

// ContentKey derives a dedup key from the payload bytes.
func ContentKey(payload []byte) string {
	sum := blake3.Sum256(payload)
	return "blake3:" + hex.EncodeToString(sum[:16])
}

type seenEntry struct {
	id string
	at time.Time
}

// DedupWindow remembers recently seen ids for a bounded time and count.
type DedupWindow struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	seen     map[string]time.Time
	order    []seenEntry
	now      func() time.Time
}

// NewDedupWindow creates a window keeping at most capacity ids for ttl.
func NewDedupWindow(ttl time.Duration, capacity int) *DedupWindow {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DedupWindow{
		ttl:      ttl,
		capacity: capacity,
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Seen records id and reports whether it was already inside the window.
func (d *DedupWindow) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return true
	}

	d.seen[id] = now
	d.order = append(d.order, seenEntry{id: id, at: now})
	for len(d.seen) > d.capacity && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		if at, ok := d.seen[oldest.id]; ok && at.Equal(oldest.at) {
			delete(d.seen, oldest.id)
		}
	}
	// re-seen ids leave stale entries behind
	if len(d.order) > 2*d.capacity {
		d.compactLocked()
	}
	return false
}

// compactLocked drops order entries that no longer match the seen map.
func (d *DedupWindow) compactLocked() {
	kept := make([]seenEntry, 0, len(d.seen))
	for _, e := range d.order {
		if at, ok := d.seen[e.id]; ok && at.Equal(e.at) {
			kept = append(kept, e)
		}
	}
	d.order = kept
}

// Prune drops expired ids and returns how many were removed.
func (d *DedupWindow) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	kept := d.order[:0]
	removed := 0
	for _, e := range d.order {
		at, ok := d.seen[e.id]
		if !ok || !at.Equal(e.at) {
			continue
		}
		if now.Sub(at) >= d.ttl {
			delete(d.seen, e.id)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	d.order = kept
	return removed
}

// Len returns the number of ids currently remembered.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Reset forgets everything.
func (d *DedupWindow) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
	d.order = nil
}
