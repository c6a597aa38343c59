// Package store provides durable document persistence with bounded retry
// and an offline fallback queue.
package store

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the durable store cannot be reached. Transient;
	// the adapter retries and then falls back to offline mode if permitted.
	ErrUnavailable = errors.New("state store unavailable")

	// ErrNotFound means the document does not exist.
	ErrNotFound = errors.New("document not found")
)

// Collection names, matching the persisted document shapes.
const (
	CollectionSystemState  = "system_state"
	CollectionTradingLogs  = "trading_logs"
	CollectionCorrelation  = "correlation_data"
	CollectionSystemHealth = "system_health"
)

// Document is one persisted document's fields.
type Document = map[string]any

// RevisionField is stamped on every write; merge keeps the most recent
// value per document rather than clobbering concurrent writes.
const RevisionField = "_rev"

// DocumentStore is the abstract durable store capability. Implementations
// map their transport failures to ErrUnavailable.
type DocumentStore interface {
	Get(ctx context.Context, collection, key string) (Document, error)
	Set(ctx context.Context, collection, key string, doc Document, merge bool) error
	Ping(ctx context.Context) error
	Close() error
}

// NullStore is a DocumentStore that is never reachable. Configured when no
// durable backend is set, so the adapter runs purely on the offline queue.
type NullStore struct{}

// Get implements DocumentStore.
func (NullStore) Get(context.Context, string, string) (Document, error) {
	return nil, ErrUnavailable
}

// Set implements DocumentStore.
func (NullStore) Set(context.Context, string, string, Document, bool) error {
	return ErrUnavailable
}

// Ping implements DocumentStore.
func (NullStore) Ping(context.Context) error { return ErrUnavailable }

// Close implements DocumentStore.
func (NullStore) Close() error { return nil }
