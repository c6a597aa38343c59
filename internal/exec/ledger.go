package exec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/acth/cross-asset-engine/internal/market"
)

// ErrNotFound marks a lookup for an idempotency key the ledger has never
// seen. A database failure is anything else.
var ErrNotFound = errors.New("submission not found")

// Status is a submission's lifecycle state in the dedup ledger.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAccepted        Status = "ACCEPTED"
	StatusRejected        Status = "REJECTED"
	StatusTimedOutUnknown Status = "TIMED_OUT_UNKNOWN"
	StatusFilled          Status = "FILLED"
)

// Ledger is the local dedup ledger keyed by idempotency key. A repeated
// submission with a recorded key is a no-op, which makes retrying after an
// unknown outcome safe.
type Ledger struct {
	db *sql.DB
}

// LedgerEntry is one recorded submission.
type LedgerEntry struct {
	IdempotencyKey string
	PairKey        string
	Symbol         string
	Venue          string
	Side           market.Side
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Status         Status
	Reason         string
	VenueOrderID   string
	CreatedAt      int64
	UpdatedAt      int64
}

// OpenLedger creates or opens the ledger database.
func OpenLedger(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run ledger migrations: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	query := `CREATE TABLE IF NOT EXISTS submissions (
		idempotency_key TEXT PRIMARY KEY,
		pair_key TEXT NOT NULL,
		symbol TEXT NOT NULL,
		venue TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		venue_order_id TEXT NOT NULL,
		created_unix_millis INTEGER NOT NULL,
		updated_unix_millis INTEGER NOT NULL
	)`
	if _, err := l.db.Exec(query); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

// Record inserts a pending submission. Returns the existing entry and
// duplicate=true when the key was already recorded.
func (l *Ledger) Record(ctx context.Context, order market.ApprovedOrder) (*LedgerEntry, bool, error) {
	existing, err := l.Get(ctx, order.IdempotencyKey)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UnixMilli()
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO submissions
			(idempotency_key, pair_key, symbol, venue, side, quantity, price, status, reason, venue_order_id, created_unix_millis, updated_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		order.IdempotencyKey, order.Pair.Key(), order.Symbol, order.Venue, string(order.Side),
		order.Quantity.String(), order.Price.String(), string(StatusPending), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert submission: %w", err)
	}
	entry, err := l.Get(ctx, order.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

// Get returns the entry for an idempotency key, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, key string) (*LedgerEntry, error) {
	var e LedgerEntry
	var side, qty, price, status string
	err := l.db.QueryRowContext(ctx,
		`SELECT idempotency_key, pair_key, symbol, venue, side, quantity, price, status, reason, venue_order_id, created_unix_millis, updated_unix_millis
		 FROM submissions WHERE idempotency_key = ?`, key,
	).Scan(&e.IdempotencyKey, &e.PairKey, &e.Symbol, &e.Venue, &side, &qty, &price,
		&status, &e.Reason, &e.VenueOrderID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	e.Side = market.Side(side)
	e.Status = Status(status)
	if e.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("corrupt quantity for %s: %w", key, err)
	}
	if e.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("corrupt price for %s: %w", key, err)
	}
	return &e, nil
}

// UpdateStatus transitions a submission to a new status.
func (l *Ledger) UpdateStatus(ctx context.Context, key string, status Status, reason, venueOrderID string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, reason = ?, venue_order_id = ?, updated_unix_millis = ?
		 WHERE idempotency_key = ?`,
		string(status), reason, venueOrderID, time.Now().UnixMilli(), key,
	)
	if err != nil {
		return fmt.Errorf("failed to update submission %s: %w", key, err)
	}
	return nil
}

// Unresolved lists submissions persisted as timed-out-unknown, for manual
// reconciliation.
func (l *Ledger) Unresolved(ctx context.Context, limit int) ([]LedgerEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT idempotency_key, pair_key, symbol, venue, side, quantity, price, status, reason, venue_order_id, created_unix_millis, updated_unix_millis
		 FROM submissions WHERE status = ? ORDER BY created_unix_millis ASC LIMIT ?`,
		string(StatusTimedOutUnknown), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved submissions: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var side, qty, price, status string
		if err := rows.Scan(&e.IdempotencyKey, &e.PairKey, &e.Symbol, &e.Venue, &side, &qty, &price,
			&status, &e.Reason, &e.VenueOrderID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		e.Side = market.Side(side)
		e.Status = Status(status)
		if e.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("corrupt quantity: %w", err)
		}
		if e.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("corrupt price: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the ledger database.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}
