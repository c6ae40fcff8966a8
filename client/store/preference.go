package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantarax/realtime/client/transport"
	"github.com/quantarax/realtime/internal/observability"
)

// DefaultPreferenceKey is the key the preference record is stored under.
const DefaultPreferenceKey = "transport_preference"

// CachedPreference records which transport last worked and why.
type CachedPreference struct {
	Type      transport.Type
	Timestamp time.Time
	Reason    string
}

type preferenceRecord struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Reason    string `json:"reason"`
}

// PreferenceCache is a TTL-bounded, durable record of the working transport.
type PreferenceCache struct {
	kv  KV
	key string
	ttl time.Duration
	log *observability.Logger
	now func() time.Time
}

// NewPreferenceCache wraps kv. An empty key uses DefaultPreferenceKey.
func NewPreferenceCache(kv KV, key string, ttl time.Duration, log *observability.Logger) *PreferenceCache {
	if key == "" {
		key = DefaultPreferenceKey
	}
	if log == nil {
		log = observability.Nop()
	}
	return &PreferenceCache{
		kv:  kv,
		key: key,
		ttl: ttl,
		log: log.WithComponent("preference_cache"),
		now: time.Now,
	}
}

// Get returns the cached preference while it is younger than the TTL.
// Expired or unreadable entries are purged.
func (c *PreferenceCache) Get() (CachedPreference, bool) {
	data, ok, err := c.kv.Get(c.key)
	if err != nil {
		c.log.Error(err, "read transport preference")
		return CachedPreference{}, false
	}
	if !ok {
		return CachedPreference{}, false
	}

	var rec preferenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		c.log.Warn("purging unreadable transport preference")
		c.purge()
		return CachedPreference{}, false
	}

	pref := CachedPreference{
		Type:      transport.ParseType(rec.Type),
		Timestamp: time.UnixMilli(rec.Timestamp),
		Reason:    rec.Reason,
	}
	if pref.Type == transport.TypeUnknown {
		c.log.Warn("purging transport preference with unknown type " + rec.Type)
		c.purge()
		return CachedPreference{}, false
	}
	if c.now().Sub(pref.Timestamp) >= c.ttl {
		c.purge()
		return CachedPreference{}, false
	}
	return pref, true
}

// Set persists {typ, now, reason}.
func (c *PreferenceCache) Set(typ transport.Type, reason string) error {
	if typ == transport.TypeUnknown {
		return fmt.Errorf("cannot cache transport type %s", typ)
	}
	data, err := json.Marshal(preferenceRecord{
		Type:      typ.String(),
		Timestamp: c.now().UnixMilli(),
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	if err := c.kv.Put(c.key, data); err != nil {
		return fmt.Errorf("failed to persist transport preference: %w", err)
	}
	return nil
}

// Clear removes the record.
func (c *PreferenceCache) Clear() error {
	if err := c.kv.Delete(c.key); err != nil {
		return fmt.Errorf("failed to clear transport preference: %w", err)
	}
	return nil
}

// TTL returns the validity window.
func (c *PreferenceCache) TTL() time.Duration { return c.ttl }

func (c *PreferenceCache) purge() {
	if err := c.kv.Delete(c.key); err != nil {
		c.log.Error(err, "purge transport preference")
	}
}
