package models

import "time"

// CacheEntry is one cached response row.
type CacheEntry struct {
	Key          string     `json:"key"`
	Response     []byte     `json:"response"`
	Model        string     `json:"model"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	HitCount     int64      `json:"hit_count"`
	LastAccessed time.Time  `json:"last_accessed"`
}

// CacheStats is a read-only snapshot of store counters and contents.
type CacheStats struct {
	Hits      int64            `json:"hits"`
	Misses    int64            `json:"misses"`
	HitRate   float64          `json:"hit_rate"`
	Entries   int64            `json:"entries"`
	SizeBytes int64            `json:"size_bytes"`
	ByModel   map[string]int64 `json:"by_model"`
	Location  string           `json:"location"`
}
