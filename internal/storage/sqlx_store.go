package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/model"
)

// windowQueries maps a rate-limit key kind to the ledger rows it counts.
var windowQueries = map[string]string{
	model.RateKindPhone: `SELECT COUNT(*) FROM deliverable_codes WHERE phone = $1 AND created_at >= $2`,
	model.RateKindIP:    `SELECT COUNT(*) FROM deliverable_codes WHERE ip_hash = $1 AND created_at >= $2`,
	model.RateKindRoom:  `SELECT COUNT(*) FROM requests WHERE tenant_id = $1 AND room_number = $2 AND created_at >= $3`,
	model.RateKindStay:  `SELECT COUNT(*) FROM requests WHERE stay_id = $1 AND created_at >= $2`,
}

type sqlxStore struct {
	db *sqlx.DB
}

// SQLXStore serves heartbeats and the rate-limit window counter.
type SQLXStore interface {
	HeartbeatStore
	WindowCounter
	HealthCheckStorage
}

func NewSQLXStore(db *sqlx.DB) SQLXStore {
	return &sqlxStore{db: db}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) RecordHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	const query = `
		INSERT INTO sweep_heartbeats (name, last_run, status, details)
		VALUES (:name, :last_run, :status, :details)
		ON CONFLICT (name) DO UPDATE
		SET last_run = EXCLUDED.last_run, status = EXCLUDED.status, details = EXCLUDED.details
	`
	if _, err := s.db.NamedExecContext(ctx, query, hb); err != nil {
		return appErr.NewDurable("record heartbeat", err)
	}
	return nil
}

func (s *sqlxStore) GetHeartbeat(ctx context.Context, name string) (*model.Heartbeat, error) {
	var hb model.Heartbeat
	err := s.db.GetContext(ctx, &hb, `SELECT name, last_run, status, details FROM sweep_heartbeats WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.NewNotFound("heartbeat %s", name)
		}
		return nil, appErr.NewDurable("get heartbeat", err)
	}
	return &hb, nil
}

func (s *sqlxStore) ListHeartbeats(ctx context.Context) ([]model.Heartbeat, error) {
	var hbs []model.Heartbeat
	if err := s.db.SelectContext(ctx, &hbs, `SELECT name, last_run, status, details FROM sweep_heartbeats ORDER BY name`); err != nil {
		return nil, appErr.NewDurable("list heartbeats", err)
	}
	return hbs, nil
}

func (s *sqlxStore) CountSince(ctx context.Context, key string, since time.Time) (int, error) {
	kind, args, err := model.ParseRateKey(key)
	if err != nil {
		return 0, err
	}
	query, ok := windowQueries[kind]
	if !ok {
		return 0, fmt.Errorf("no window query for %q", kind)
	}
	params := make([]any, 0, len(args)+1)
	for _, a := range args {
		params = append(params, a)
	}
	params = append(params, since)

	var n int
	if err := s.db.GetContext(ctx, &n, query, params...); err != nil {
		return 0, appErr.NewDurable("count window", err)
	}
	return n, nil
}

// LockKey takes a session advisory lock on a dedicated connection. A
// connection whose unlock fails is discarded so the lock dies with it.
func (s *sqlxStore) LockKey(ctx context.Context, key string) (func(), error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, appErr.NewDurable("lock rate key", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		_ = conn.Close()
		return nil, appErr.NewDurable("lock rate key", err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}
