package idempotency

import (
	"context"
	"time"

	"driverelay/internal/storage"
)

// Store adapts a persistent storage.Store so dedup state survives restarts.
// The store itself is owned (and closed) by the caller.
type Store struct {
	st storage.Store
}

func NewStore(st storage.Store) *Store { return &Store{st: st} }

func (s *Store) Get(ctx context.Context, key string, now time.Time) (time.Time, bool, error) {
	until, ok, err := s.st.GetDedup(ctx, key)
	if err != nil || !ok || !until.After(now) {
		return time.Time{}, false, err
	}
	return until, true, nil
}

func (s *Store) Put(ctx context.Context, key string, until time.Time) error {
	return s.st.PutDedup(ctx, key, until)
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, until, now time.Time) (bool, error) {
	return s.st.ReserveDedup(ctx, key, until, now)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.st.DeleteDedup(ctx, key)
}

func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	return s.st.PruneDedup(ctx, now)
}

func (s *Store) Close() error { return nil }
