package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	appErr "github.com/samims/concierge/internal/errors"
	"github.com/samims/concierge/internal/model"
)

const uniqueViolation = "23505"

// PostgresLedger is the durable ledger: requests, their activity log,
// escalation events and deliverable codes. Every claim step is one
// transaction.
type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: pool}
}

func (s *PostgresLedger) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const requestColumns = `id, tenant_id, department_id, room_number, stay_id, status, after_hours,
	resolution_reason, created_at, updated_at, acknowledged_at, responded_at, response_due_at,
	reminder_claimed_at, reminder_sent_at`

func scanRequest(row pgx.Row) (*model.Request, error) {
	var r model.Request
	err := row.Scan(
		&r.ID, &r.TenantID, &r.DepartmentID, &r.RoomNumber, &r.StayID, &r.Status, &r.AfterHours,
		&r.Reason, &r.CreatedAt, &r.UpdatedAt, &r.AcknowledgedAt, &r.RespondedAt, &r.ResponseDueAt,
		&r.ReminderClaimedAt, &r.ReminderSentAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]model.Request, error) {
	defer rows.Close()
	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

func (s *PostgresLedger) CreateRequest(ctx context.Context, req *model.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Status == "" {
		req.Status = model.StatusCreated
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}
	const query = `
		INSERT INTO requests (id, tenant_id, department_id, room_number, stay_id, status, after_hours,
			resolution_reason, created_at, updated_at, response_due_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.Exec(ctx, query, req.ID, req.TenantID, req.DepartmentID, req.RoomNumber, req.StayID,
		req.Status, req.AfterHours, req.Reason, req.CreatedAt, req.UpdatedAt, req.ResponseDueAt)
	if err != nil {
		if isUniqueViolation(err) {
			return appErr.NewConflict("request %s", req.ID)
		}
		return appErr.NewDurable("create request", err)
	}
	return nil
}

func (s *PostgresLedger) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	r, err := scanRequest(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("request %s", id)
		}
		return nil, appErr.NewDurable("get request", err)
	}
	return r, nil
}

func (s *PostgresLedger) MutateRequest(ctx context.Context, id string, fn MutateFunc) (*model.Request, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, appErr.NewDurable("begin mutate", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1 FOR UPDATE`
	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("request %s", id)
		}
		return nil, appErr.NewDurable("lock request", err)
	}

	act, err := fn(req)
	if err != nil {
		return nil, err
	}
	if act == nil {
		return req, nil
	}

	const update = `
		UPDATE requests
		SET status = $2, resolution_reason = $3, updated_at = $4, acknowledged_at = $5, responded_at = $6
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, update, req.ID, req.Status, req.Reason, req.UpdatedAt, req.AcknowledgedAt, req.RespondedAt); err != nil {
		return nil, appErr.NewDurable("update request", err)
	}

	if act.ID == "" {
		act.ID = uuid.NewString()
	}
	const insertActivity = `
		INSERT INTO request_activities (id, request_id, tenant_id, action, from_status, to_status, actor_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	details := model.SanitizeDetails(act.Details)
	if details == nil {
		details = map[string]string{}
	}
	if _, err := tx.Exec(ctx, insertActivity, act.ID, req.ID, req.TenantID, act.Action, act.FromStatus,
		act.ToStatus, act.ActorID, details, act.CreatedAt); err != nil {
		return nil, appErr.NewDurable("insert activity", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, appErr.NewDurable("commit mutate", err)
	}
	return req, nil
}

func (s *PostgresLedger) ListPendingRequests(ctx context.Context, tenantID string, createdBefore time.Time) ([]model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests
		WHERE tenant_id = $1 AND status = $2 AND created_at <= $3
		ORDER BY created_at, id`
	rows, err := s.db.Query(ctx, query, tenantID, model.StatusCreated, createdBefore)
	if err != nil {
		return nil, appErr.NewDurable("list pending requests", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, appErr.NewDurable("list pending requests", err)
	}
	return out, nil
}

func (s *PostgresLedger) ListOverdueRequests(ctx context.Context, createdBefore time.Time, limit int) ([]model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT $3`
	rows, err := s.db.Query(ctx, query, model.StatusCreated, createdBefore, limit)
	if err != nil {
		return nil, appErr.NewDurable("list overdue requests", err)
	}
	out, err := collectRequests(rows)
	if err != nil {
		return nil, appErr.NewDurable("list overdue requests", err)
	}
	return out, nil
}

func (s *PostgresLedger) ListActivity(ctx context.Context, requestID string) ([]model.Activity, error) {
	const query = `
		SELECT id, request_id, tenant_id, action, from_status, to_status, actor_id, details, created_at
		FROM request_activities
		WHERE request_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, appErr.NewDurable("list activity", err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		if err := rows.Scan(&a.ID, &a.RequestID, &a.TenantID, &a.Action, &a.FromStatus, &a.ToStatus,
			&a.ActorID, &a.Details, &a.CreatedAt); err != nil {
			return nil, appErr.NewDurable("scan activity", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.NewDurable("list activity", err)
	}
	return out, nil
}

func (s *PostgresLedger) ClaimReminders(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.Reminder, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, appErr.NewDurable("begin claim reminders", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selectQuery = `
		SELECT id, tenant_id, department_id, room_number
		FROM requests
		WHERE status = $1
		  AND response_due_at <= $2
		  AND reminder_sent_at IS NULL
		  AND (reminder_claimed_at IS NULL OR reminder_claimed_at < $3)
		ORDER BY response_due_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, selectQuery, model.StatusCreated, now, staleBefore, limit)
	if err != nil {
		return nil, appErr.NewDurable("claim reminders", err)
	}
	var out []model.Reminder
	var ids []string
	for rows.Next() {
		r := model.Reminder{ClaimedAt: now}
		if err := rows.Scan(&r.RequestID, &r.TenantID, &r.DepartmentID, &r.RoomNumber); err != nil {
			rows.Close()
			return nil, appErr.NewDurable("scan reminder", err)
		}
		out = append(out, r)
		ids = append(ids, r.RequestID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, appErr.NewDurable("claim reminders", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE requests SET reminder_claimed_at = $1 WHERE id = ANY($2)`, now, ids); err != nil {
		return nil, appErr.NewDurable("mark reminders claimed", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, appErr.NewDurable("commit claim reminders", err)
	}
	return out, nil
}

func (s *PostgresLedger) CommitReminder(ctx context.Context, r model.Reminder, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return appErr.NewDurable("begin commit reminder", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		UPDATE requests SET reminder_sent_at = $2, reminder_claimed_at = NULL
		WHERE id = $1 AND reminder_sent_at IS NULL
	`
	tag, err := tx.Exec(ctx, query, r.RequestID, now)
	if err != nil {
		return appErr.NewDurable("commit reminder", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", r.RequestID, appErr.ErrAlreadyClaimed)
	}
	if err := insertSweepActivity(ctx, tx, r.RequestID, model.ActionReminded, nil, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return appErr.NewDurable("commit reminder", err)
	}
	return nil
}

func (s *PostgresLedger) ReleaseReminder(ctx context.Context, r model.Reminder) error {
	const query = `
		UPDATE requests SET reminder_claimed_at = NULL
		WHERE id = $1 AND reminder_sent_at IS NULL AND reminder_claimed_at = $2
	`
	if _, err := s.db.Exec(ctx, query, r.RequestID, r.ClaimedAt); err != nil {
		return appErr.NewDurable("release reminder", err)
	}
	return nil
}

func (s *PostgresLedger) AdmitEscalation(ctx context.Context, requestID string, tier int, now time.Time) error {
	const query = `
		INSERT INTO escalation_events (request_id, tier, created_at)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.Exec(ctx, query, requestID, tier, now); err != nil {
		if isUniqueViolation(err) {
			return appErr.NewConflict("escalation %s tier %d", requestID, tier)
		}
		return appErr.NewDurable("admit escalation", err)
	}
	return nil
}

func (s *PostgresLedger) ClaimEscalations(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.EscalationEvent, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, appErr.NewDurable("begin claim escalations", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const selectQuery = `
		SELECT e.id, e.request_id, e.tier, e.created_at, r.tenant_id, r.department_id, r.room_number
		FROM escalation_events e
		JOIN requests r ON r.id = e.request_id
		WHERE e.delivered_at IS NULL
		  AND (e.claimed_at IS NULL OR e.claimed_at < $1)
		ORDER BY e.id
		LIMIT $2
		FOR UPDATE OF e SKIP LOCKED
	`
	rows, err := tx.Query(ctx, selectQuery, staleBefore, limit)
	if err != nil {
		return nil, appErr.NewDurable("claim escalations", err)
	}
	var out []model.EscalationEvent
	var ids []int64
	for rows.Next() {
		var ev model.EscalationEvent
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Tier, &ev.CreatedAt, &ev.TenantID, &ev.DepartmentID, &ev.RoomNumber); err != nil {
			rows.Close()
			return nil, appErr.NewDurable("scan escalation", err)
		}
		claimedAt := now
		ev.ClaimedAt = &claimedAt
		out = append(out, ev)
		ids = append(ids, ev.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, appErr.NewDurable("claim escalations", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE escalation_events SET claimed_at = $1 WHERE id = ANY($2)`, now, ids); err != nil {
		return nil, appErr.NewDurable("mark escalations claimed", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, appErr.NewDurable("commit claim escalations", err)
	}
	return out, nil
}

func (s *PostgresLedger) CommitEscalation(ctx context.Context, ev model.EscalationEvent, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return appErr.NewDurable("begin commit escalation", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		UPDATE escalation_events SET delivered_at = $2, claimed_at = NULL
		WHERE id = $1 AND delivered_at IS NULL
	`
	tag, err := tx.Exec(ctx, query, ev.ID, now)
	if err != nil {
		return appErr.NewDurable("commit escalation", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation %s: %w", ev.ClaimKey(), appErr.ErrAlreadyClaimed)
	}
	details := map[string]string{"tier": strconv.Itoa(ev.Tier)}
	if err := insertSweepActivity(ctx, tx, ev.RequestID, model.ActionEscalated, details, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return appErr.NewDurable("commit escalation", err)
	}
	return nil
}

// insertSweepActivity records a delivery that leaves the request's status
// unchanged.
func insertSweepActivity(ctx context.Context, tx pgx.Tx, requestID, action string, details map[string]string, now time.Time) error {
	const query = `
		INSERT INTO request_activities (id, request_id, tenant_id, action, from_status, to_status, actor_id, details, created_at)
		SELECT $1::text, id, tenant_id, $2::text, status, status, '', $3::jsonb, $4::timestamptz
		FROM requests WHERE id = $5
	`
	details = model.SanitizeDetails(details)
	if details == nil {
		details = map[string]string{}
	}
	if _, err := tx.Exec(ctx, query, uuid.NewString(), action, details, now, requestID); err != nil {
		return appErr.NewDurable("insert activity", err)
	}
	return nil
}

func (s *PostgresLedger) ReleaseEscalation(ctx context.Context, ev model.EscalationEvent) error {
	const query = `
		UPDATE escalation_events SET claimed_at = NULL
		WHERE id = $1 AND delivered_at IS NULL AND claimed_at = $2
	`
	if _, err := s.db.Exec(ctx, query, ev.ID, ev.ClaimedAt); err != nil {
		return appErr.NewDurable("release escalation", err)
	}
	return nil
}

func (s *PostgresLedger) ListEscalations(ctx context.Context, requestID string) ([]model.EscalationEvent, error) {
	const query = `
		SELECT e.id, e.request_id, e.tier, e.claimed_at, e.delivered_at, e.created_at,
			r.tenant_id, r.department_id, r.room_number
		FROM escalation_events e
		JOIN requests r ON r.id = e.request_id
		WHERE e.request_id = $1
		ORDER BY e.tier
	`
	rows, err := s.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, appErr.NewDurable("list escalations", err)
	}
	defer rows.Close()

	var out []model.EscalationEvent
	for rows.Next() {
		var ev model.EscalationEvent
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.Tier, &ev.ClaimedAt, &ev.DeliveredAt, &ev.CreatedAt,
			&ev.TenantID, &ev.DepartmentID, &ev.RoomNumber); err != nil {
			return nil, appErr.NewDurable("scan escalation", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.NewDurable("list escalations", err)
	}
	return out, nil
}

const codeColumns = `id, phone, tenant_id, code_hash, channel, primary_message_id, primary_confirmed,
	fallback_claimed_at, fallback_delivered, ip_hash, attempts, consumed, created_at, expires_at`

func scanCode(row pgx.Row) (*model.DeliverableCode, error) {
	var c model.DeliverableCode
	err := row.Scan(&c.ID, &c.Phone, &c.TenantID, &c.CodeHash, &c.Channel, &c.PrimaryMessageID,
		&c.PrimaryConfirmed, &c.FallbackClaimedAt, &c.FallbackDelivered, &c.IPHash, &c.Attempts,
		&c.Consumed, &c.CreatedAt, &c.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresLedger) CreateCode(ctx context.Context, c *model.DeliverableCode) error {
	const query = `
		INSERT INTO deliverable_codes (phone, tenant_id, code_hash, channel, ip_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query, c.Phone, c.TenantID, c.CodeHash, c.Channel, c.IPHash, c.CreatedAt, c.ExpiresAt).Scan(&c.ID)
	if err != nil {
		return appErr.NewDurable("create code", err)
	}
	return nil
}

func (s *PostgresLedger) SetPrimaryMessageID(ctx context.Context, id int64, messageID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE deliverable_codes SET primary_message_id = $2 WHERE id = $1`, id, messageID)
	if err != nil {
		return appErr.NewDurable("set primary message id", err)
	}
	if tag.RowsAffected() == 0 {
		return appErr.NewNotFound("code %d", id)
	}
	return nil
}

func (s *PostgresLedger) ConfirmPrimary(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	const query = `
		UPDATE deliverable_codes SET primary_confirmed = TRUE
		WHERE primary_message_id = $1 AND primary_confirmed = FALSE
	`
	tag, err := s.db.Exec(ctx, query, messageID)
	if err != nil {
		return false, appErr.NewDurable("confirm primary", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresLedger) ClaimFallback(ctx context.Context, q FallbackQuery) ([]model.DeliverableCode, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, appErr.NewDurable("begin claim fallback", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + codeColumns + ` FROM deliverable_codes
		WHERE primary_confirmed = FALSE
		  AND fallback_delivered = FALSE
		  AND consumed = FALSE
		  AND expires_at > $1
		  AND (fallback_claimed_at IS NULL OR fallback_claimed_at < $2)`
	args := []any{q.Now, q.StaleBefore}
	switch {
	case q.MessageID != "":
		query += ` AND primary_message_id = $3`
		args = append(args, q.MessageID)
	case q.CodeID != 0:
		query += ` AND id = $3`
		args = append(args, q.CodeID)
	default:
		query += ` AND created_at < $3`
		args = append(args, q.CreatedBefore)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}
	query += ` ORDER BY id LIMIT $4 FOR UPDATE SKIP LOCKED`
	args = append(args, limit)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.NewDurable("claim fallback", err)
	}
	var out []model.DeliverableCode
	var ids []int64
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			rows.Close()
			return nil, appErr.NewDurable("scan code", err)
		}
		claimedAt := q.Now
		c.FallbackClaimedAt = &claimedAt
		out = append(out, *c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, appErr.NewDurable("claim fallback", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE deliverable_codes SET fallback_claimed_at = $1 WHERE id = ANY($2)`, q.Now, ids); err != nil {
		return nil, appErr.NewDurable("mark fallback claimed", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, appErr.NewDurable("commit claim fallback", err)
	}
	return out, nil
}

func (s *PostgresLedger) CommitFallback(ctx context.Context, c model.DeliverableCode, _ time.Time, requirePrimaryUnconfirmed bool) error {
	query := `
		UPDATE deliverable_codes
		SET code_hash = $2, channel = $3, fallback_delivered = TRUE, fallback_claimed_at = NULL
		WHERE id = $1 AND fallback_delivered = FALSE AND consumed = FALSE`
	if requirePrimaryUnconfirmed {
		query += ` AND primary_confirmed = FALSE`
	}
	tag, err := s.db.Exec(ctx, query, c.ID, c.CodeHash, model.ChannelSMS)
	if err != nil {
		return appErr.NewDurable("commit fallback", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("code %d: %w", c.ID, appErr.ErrAlreadyClaimed)
	}
	return nil
}

func (s *PostgresLedger) ReleaseFallback(ctx context.Context, c model.DeliverableCode) error {
	const query = `
		UPDATE deliverable_codes SET fallback_claimed_at = NULL
		WHERE id = $1 AND fallback_delivered = FALSE AND fallback_claimed_at = $2
	`
	if _, err := s.db.Exec(ctx, query, c.ID, c.FallbackClaimedAt); err != nil {
		return appErr.NewDurable("release fallback", err)
	}
	return nil
}

func (s *PostgresLedger) ConsumeCode(ctx context.Context, id int64) (bool, error) {
	const query = `
		UPDATE deliverable_codes SET consumed = TRUE
		WHERE id = $1 AND fallback_delivered = FALSE AND fallback_claimed_at IS NULL
	`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return false, appErr.NewDurable("consume code", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deliverable_codes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, appErr.NewDurable("consume code", err)
	}
	if !exists {
		return false, appErr.NewNotFound("code %d", id)
	}
	return false, nil
}

func (s *PostgresLedger) VerifyCode(ctx context.Context, phone, tenantID string, now time.Time, maxAttempts int, match func(hash string) bool) (*model.DeliverableCode, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, appErr.NewDurable("begin verify", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + codeColumns + ` FROM deliverable_codes
		WHERE phone = $1 AND consumed = FALSE AND expires_at > $2 AND attempts < $3
		  AND ($4 = '' OR tenant_id = $4)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`
	c, err := scanCode(tx.QueryRow(ctx, query, phone, now, maxAttempts, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no live code: %w", appErr.ErrInvalidCode)
		}
		return nil, appErr.NewDurable("lock code", err)
	}

	if !match(c.CodeHash) {
		var attempts int
		err := tx.QueryRow(ctx, `UPDATE deliverable_codes SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, c.ID).Scan(&attempts)
		if err != nil {
			return nil, appErr.NewDurable("count attempt", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, appErr.NewDurable("commit attempt", err)
		}
		if attempts >= maxAttempts {
			return nil, appErr.ErrTooManyAttempts
		}
		return nil, appErr.ErrInvalidCode
	}

	if _, err := tx.Exec(ctx, `UPDATE deliverable_codes SET consumed = TRUE WHERE id = $1`, c.ID); err != nil {
		return nil, appErr.NewDurable("consume code", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, appErr.NewDurable("commit verify", err)
	}
	c.Consumed = true
	return c, nil
}

func (s *PostgresLedger) PurgeCodes(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM deliverable_codes WHERE created_at < $1`, createdBefore)
	if err != nil {
		return 0, appErr.NewDurable("purge codes", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresLedger) ListEscalationTenants(ctx context.Context) ([]model.Tenant, error) {
	const query = `
		SELECT id, name, active, escalation_enabled, escalation_tier_minutes
		FROM tenants
		WHERE active = TRUE AND escalation_enabled = TRUE
		ORDER BY id
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, appErr.NewDurable("list tenants", err)
	}
	defer rows.Close()

	var out []model.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, appErr.NewDurable("scan tenant", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.NewDurable("list tenants", err)
	}
	return out, nil
}

func (s *PostgresLedger) GetTenant(ctx context.Context, id string) (*model.Tenant, error) {
	const query = `
		SELECT id, name, active, escalation_enabled, escalation_tier_minutes
		FROM tenants WHERE id = $1
	`
	t, err := scanTenant(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, appErr.NewNotFound("tenant %s", id)
		}
		return nil, appErr.NewDurable("get tenant", err)
	}
	return t, nil
}

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var t model.Tenant
	var tiers []int32
	if err := row.Scan(&t.ID, &t.Name, &t.Active, &t.EscalationEnabled, &tiers); err != nil {
		return nil, err
	}
	for _, m := range tiers {
		t.TierMinutes = append(t.TierMinutes, int(m))
	}
	return &t, nil
}
