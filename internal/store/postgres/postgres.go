// Package postgres implements the document store on PostgreSQL via gorm.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/acth/cross-asset-engine/internal/store"
)

type documentRow struct {
	Collection string `gorm:"primaryKey;size:128"`
	Key        string `gorm:"primaryKey;size:256"`
	Payload    string
	Revision   int64
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "documents" }

// Store is a gorm-backed DocumentStore.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates the documents table.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w: %v", store.ErrUnavailable, err)
	}
	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("migrate documents table: %w: %v", store.ErrUnavailable, err)
	}
	return &Store{db: db}, nil
}

// Get implements store.DocumentStore.
func (s *Store) Get(ctx context.Context, collection, key string) (store.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ? AND key = ?", collection, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w: %v", collection, key, store.ErrUnavailable, err)
	}

	var doc store.Document
	if err := json.Unmarshal([]byte(row.Payload), &doc); err != nil {
		return nil, fmt.Errorf("corrupt payload for %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

// Set implements store.DocumentStore. With merge, fields are unioned and
// the incoming value wins only when its revision is not older than the
// stored one, so a replayed stale write cannot clobber a newer document.
func (s *Store) Set(ctx context.Context, collection, key string, doc store.Document, merge bool) error {
	incomingRev := revisionOf(doc)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row documentRow
		err := tx.Where("collection = ? AND key = ?", collection, key).First(&row).Error
		exists := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		final := doc
		if merge && exists {
			var existing store.Document
			if jsonErr := json.Unmarshal([]byte(row.Payload), &existing); jsonErr == nil {
				if incomingRev >= row.Revision {
					for k, v := range doc {
						existing[k] = v
					}
				}
				final = existing
			}
		}

		payload, jsonErr := json.Marshal(final)
		if jsonErr != nil {
			return jsonErr
		}

		rev := incomingRev
		if exists && row.Revision > rev {
			rev = row.Revision
		}
		out := documentRow{
			Collection: collection,
			Key:        key,
			Payload:    string(payload),
			Revision:   rev,
			UpdatedAt:  time.Now(),
		}
		if exists {
			return tx.Model(&documentRow{}).
				Where("collection = ? AND key = ?", collection, key).
				Updates(map[string]any{
					"payload":    out.Payload,
					"revision":   out.Revision,
					"updated_at": out.UpdatedAt,
				}).Error
		}
		return tx.Create(&out).Error
	})
	if err != nil {
		return fmt.Errorf("set %s/%s: %w: %v", collection, key, store.ErrUnavailable, err)
	}
	return nil
}

// Ping implements store.DocumentStore.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.db.WithContext(ctx).DB()
	if err != nil {
		return fmt.Errorf("ping: %w: %v", store.ErrUnavailable, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %v", store.ErrUnavailable, err)
	}
	return nil
}

// Close implements store.DocumentStore.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func revisionOf(doc store.Document) int64 {
	switch v := doc[store.RevisionField].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}
