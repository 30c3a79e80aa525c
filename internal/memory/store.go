// Package memory defines the knowledge store consulted by phases and its
// in-process (chromem-go) and remote (Qdrant) implementations.
//
// Both backends honour the same contract:
//   - Add is idempotent on Item.Key; re-adding a key replaces the item.
//   - Query orders by descending similarity, breaking ties by ascending
//     key, so identical state and query vector yield identical results.
//   - Filter is an equality match on metadata.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors for memory operations.
var (
	// ErrInvalidConfig indicates a store could not be built from its config.
	ErrInvalidConfig = errors.New("invalid memory configuration")

	// ErrInvalidItem indicates an item missing its key, content or vector.
	ErrInvalidItem = errors.New("invalid memory item")

	// ErrDimensionMismatch indicates a vector of the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrTransient marks backend failures that exhausted their retries
	// (unavailable, deadline exceeded, throttled).
	ErrTransient = errors.New("transient memory backend error")
)

// Well-known metadata keys written by phases.
const (
	MetaNamespace = "namespace"
	MetaTask      = "task"
	MetaPhase     = "phase"
	MetaJobID     = "job_id"
)

// Item is a stored knowledge unit. Items are never mutated in place.
type Item struct {
	Key      string            `json:"key"`
	Content  string            `json:"content"`
	Vector   []float32         `json:"-"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Match is an Item returned by Query with its similarity score.
type Match struct {
	Item
	Score float32 `json:"score"`
}

// Filter restricts a query to items whose metadata equals every entry.
type Filter map[string]string

// Matches reports whether metadata satisfies f.
func (f Filter) Matches(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Store is the capability set every memory backend provides.
type Store interface {
	// Add stores item, replacing any existing item with the same key.
	Add(ctx context.Context, item Item) error

	// Query returns up to k items most similar to vector that satisfy filter.
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error)

	// Delete removes the item stored under key. Unknown keys are not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

func validateItem(item Item, dim int) error {
	if item.Key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidItem)
	}
	if item.Content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidItem)
	}
	if len(item.Vector) == 0 {
		return fmt.Errorf("%w: vector is required", ErrInvalidItem)
	}
	if dim > 0 && len(item.Vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(item.Vector), dim)
	}
	return nil
}

func validateQuery(vector []float32, k, dim int) error {
	if k < 0 {
		return fmt.Errorf("k cannot be negative, got %d", k)
	}
	if len(vector) == 0 {
		return fmt.Errorf("query vector is required")
	}
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dim)
	}
	return nil
}

// rank orders matches by score desc then key asc and keeps the first k.
func rank(matches []Match, k int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Key < matches[j].Key
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
