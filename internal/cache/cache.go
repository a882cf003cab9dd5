// Package cache provides the TTL-bounded LRU answer cache keyed by the
// full retrieval configuration of a query.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults per the answer-cache policy.
const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 10000
)

// Key identifies a cached answer. Two requests share an entry only if
// every retrieval-relevant knob matches.
type Key struct {
	Query   string
	Mode    string
	TopK    int
	ModelID string
	Alpha   float64
	Filters map[string]string
}

// Hash canonicalizes the key: the query is normalized (lowercased,
// whitespace collapsed) and filters are serialized in sorted order.
func (k Key) Hash() string {
	var sb strings.Builder
	sb.WriteString(normalizeQuery(k.Query))
	fmt.Fprintf(&sb, "\x00%s\x00%d\x00%s\x00%.4f", k.Mode, k.TopK, k.ModelID, k.Alpha)

	if len(k.Filters) > 0 {
		keys := make([]string, 0, len(k.Filters))
		for fk := range k.Filters {
			keys = append(keys, fk)
		}
		sort.Strings(keys)
		for _, fk := range keys {
			fmt.Fprintf(&sb, "\x00%s=%s", fk, k.Filters[fk])
		}
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Answers is a TTL-bounded LRU cache of complete answers. Entries are
// immutable once written; callers must only store fully synthesized
// answers.
type Answers[T any] struct {
	lru *expirable.LRU[string, T]
}

// NewAnswers creates the cache; non-positive size or TTL use defaults.
func NewAnswers[T any](maxEntries int, ttl time.Duration) *Answers[T] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Answers[T]{lru: expirable.NewLRU[string, T](maxEntries, nil, ttl)}
}

// Get returns the cached answer for the key, if present and fresh.
func (a *Answers[T]) Get(key Key) (T, bool) {
	return a.lru.Get(key.Hash())
}

// Add stores a complete answer.
func (a *Answers[T]) Add(key Key, value T) {
	a.lru.Add(key.Hash(), value)
}

// Len returns the number of live entries.
func (a *Answers[T]) Len() int {
	return a.lru.Len()
}

// Purge drops all entries.
func (a *Answers[T]) Purge() {
	a.lru.Purge()
}
