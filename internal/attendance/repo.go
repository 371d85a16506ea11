package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"messmeal/internal/queue"
)

// AuditEntry is one row of the selection audit ledger.
type AuditEntry struct {
	queue.SelectionEvent
	CreatedAt time.Time `json:"created_at"`
}

// AuditRepository persists selection events in Postgres.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a repo.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// InsertEvent records evt. Redelivered events with a known id are ignored, so
// inserted is false for duplicates.
func (r *AuditRepository) InsertEvent(ctx context.Context, evt queue.SelectionEvent) (inserted bool, err error) {
	if evt.UserID == "" || evt.Date == "" || evt.Slot == "" {
		return false, errors.New("audit event requires user, date and slot")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO selection_audit (id, date, slot, user_id, user_name, selected, outcome, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.Date, evt.Slot, evt.UserID, evt.UserName, evt.Selected, evt.Outcome, evt.OccurredAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEvents returns audit rows, newest first, optionally filtered by date and user.
func (r *AuditRepository) ListEvents(ctx context.Context, date, userID string, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query, args := listQuery(date, userID, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Date, &e.Slot, &e.UserID, &e.UserName, &e.Selected, &e.Outcome, &e.OccurredAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func listQuery(date, userID string, limit, offset int) (string, []any) {
	query := `SELECT id, date, slot, user_id, user_name, selected, outcome, occurred_at, created_at FROM selection_audit`
	args := []any{}
	clauses := []string{}
	if date != "" {
		clauses = append(clauses, "date = $"+strconv.Itoa(len(args)+1))
		args = append(args, date)
	}
	if userID != "" {
		clauses = append(clauses, "user_id = $"+strconv.Itoa(len(args)+1))
		args = append(args, userID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)
	return query, args
}
