// Package cache is the response-cache boundary: read selections on objects
// declaring @cache are served from it, and mutations invalidate by tag.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Cache stores serialized response payloads under derived keys.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string)
	Invalidate(ctx context.Context, tags ...string)
}

// Key derives the cache key for one request: a digest over the query text,
// the canonical variables encoding, and the resolved role. An object-level
// @cache(key:) overrides the query-text component.
func Key(query string, variables map[string]interface{}, role string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	if len(variables) > 0 {
		// encoding/json sorts map keys, so the encoding is canonical
		b, err := json.Marshal(variables)
		if err == nil {
			h.Write(b)
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(role))
	return hex.EncodeToString(h.Sum(nil))
}

// None is the disabled cache.
type None struct{}

func (None) Get(context.Context, string) ([]byte, bool)                   { return nil, false }
func (None) Put(context.Context, string, []byte, time.Duration, []string) {}
func (None) Invalidate(context.Context, ...string)                        {}
