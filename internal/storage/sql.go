package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	logx "driverelay/pkg/logx"
)

// sqlStore implements Store over database/sql. Queries are written with
// "?" placeholders and rebound for drivers that use "$n".
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	dollar   bool
	auditAt  func(time.Time) any
	opCount  atomic.Uint64
	pruneGap uint64
}

func (s *sqlStore) bind(q string) string {
	if !s.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.db.ExecContext(ctx, s.bind(q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, request_id, tenant, subscription_id, resource, item_id, file_name, size, outcome, reason, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.auditAt(e.At), nullStr(e.RequestID), e.Tenant, e.SubscriptionID, e.Resource,
		nullStr(e.ItemID), nullStr(e.FileName), e.Size, e.Outcome, nullStr(e.Reason), nullStr(e.Error), e.TookMS,
	)
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT expires_at FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO dedup(key, expires_at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at`,
		key, until.UnixMilli(),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqlStore) ReserveDedup(ctx context.Context, key string, until, now time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("storage: empty dedup key")
	}
	res, err := s.exec(ctx,
		`INSERT INTO dedup(key, expires_at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		 WHERE dedup.expires_at <= ?`,
		key, until.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	s.maybePrune()
	return n > 0, nil
}

func (s *sqlStore) DeleteDedup(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE key = ?`, key)
	return err
}

func (s *sqlStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.exec(ctx, `DELETE FROM dedup WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// maybePrune keeps the table bounded even when no sweeper runs.
func (s *sqlStore) maybePrune() {
	if s.pruneGap == 0 || s.opCount.Add(1)%s.pruneGap != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := s.PruneDedup(ctx, time.Now()); err != nil {
		s.log.Debug("dedup prune failed", logx.Err(err))
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
