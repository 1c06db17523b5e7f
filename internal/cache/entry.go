// Package cache stores serialized report results with per-entry expiry and
// an integrity hash over the payload.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown and expired keys
	ErrNotFound = errors.New("cache: entry not found")
	// ErrCorrupt is returned when the stored hash does not match the payload
	ErrCorrupt = errors.New("cache: payload integrity mismatch")
	// ErrEmptyFilter guards Invalidate against deleting everything by accident
	ErrEmptyFilter = errors.New("cache: filter selects nothing")
)

// Origin tells interactive writes apart from bulk preload writes
type Origin string

const (
	OriginInteractive Origin = "interactive"
	OriginPreload     Origin = "preload"
)

// Scope is the optional (agency, time window) pair of an entry
type Scope struct {
	AgencyID   string `json:"agency_id,omitempty"`
	TimeWindow string `json:"time_window,omitempty"`
}

// Entry is a single cached result
type Entry struct {
	Key       string     `json:"key"`
	Category  string     `json:"category"`
	Scope     Scope      `json:"scope"`
	Payload   []byte     `json:"-"`
	Hash      string     `json:"hash"`
	Encoding  Encoding   `json:"encoding"`
	Size      int64      `json:"size"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Origin    Origin     `json:"origin"`
}

// Expired reports whether the entry has a deadline at or before now
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// PutRequest describes one write. A TTL of zero or less never expires.
type PutRequest struct {
	Key      string
	Category string
	Scope    Scope
	Payload  []byte
	TTL      time.Duration
	Origin   Origin
}

// Filter selects entries for bulk invalidation. Empty fields match anything.
type Filter struct {
	Category   string `json:"category,omitempty"`
	AgencyID   string `json:"agency_id,omitempty"`
	TimeWindow string `json:"time_window,omitempty"`
}

// IsZero reports whether no field is set
func (f Filter) IsZero() bool {
	return f.Category == "" && f.AgencyID == "" && f.TimeWindow == ""
}

// Stats aggregates entry counts
type Stats struct {
	Total       int64            `json:"total"`
	Preloaded   int64            `json:"preloaded"`
	Expired     int64            `json:"expired"`
	Bytes       int64            `json:"bytes"`
	StoredBytes int64            `json:"stored_bytes"`
	ByCategory  map[string]int64 `json:"by_category"`
}

// Hash returns the hex sha256 of payload
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
