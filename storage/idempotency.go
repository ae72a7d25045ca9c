package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// IdempotentResponse is a cached HTTP response for a previously executed
// idempotency key.
type IdempotentResponse struct {
	Key       string
	RequestID string
	Method    string
	Path      string
	Status    int
	Response  string
	CreatedAt time.Time
}

// IdempotentResponseFor returns the cached response for the key, if any.
func (s *Store) IdempotentResponseFor(ctx context.Context, key string) (*IdempotentResponse, error) {
	var row idempotencyKeyRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query idempotency key: %w", err)
	}
	return &IdempotentResponse{
		Key:       row.Key,
		RequestID: row.RequestID,
		Method:    row.Method,
		Path:      row.Path,
		Status:    row.Status,
		Response:  row.Response,
		CreatedAt: row.CreatedAt,
	}, nil
}

// SaveIdempotentResponse caches the response for replay. Losing a race to
// another writer is harmless; the first response wins.
func (s *Store) SaveIdempotentResponse(ctx context.Context, rec *IdempotentResponse) error {
	row := &idempotencyKeyRow{
		Key:       rec.Key,
		RequestID: rec.RequestID,
		Method:    rec.Method,
		Path:      rec.Path,
		Status:    rec.Status,
		Response:  rec.Response,
		CreatedAt: rec.CreatedAt,
	}
	err := s.db.WithContext(ctx).Create(row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}
