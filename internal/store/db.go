package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"messmeal/internal/model"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS daily_meals (
	date       TEXT PRIMARY KEY,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT '',
	is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_login TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS selection_audit (
	id          TEXT PRIMARY KEY,
	date        TEXT NOT NULL,
	slot        TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	user_name   TEXT NOT NULL DEFAULT '',
	selected    BOOLEAN NOT NULL,
	outcome     TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_selection_audit_date ON selection_audit(date, occurred_at);
`

// Migrate creates the tables used by the Postgres backend and the audit ledger.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.Client.ExecContext(ctx, schema)
	return err
}

var _ Store = (*Postgres)(nil)

// Postgres stores each date document as JSONB and runs serializable transactions.
type Postgres struct {
	db          *DB
	maxAttempts int
}

// NewPostgres builds a store on an open connection. Call DB.Migrate first.
func NewPostgres(db *DB, maxAttempts int) *Postgres {
	return &Postgres{db: db, maxAttempts: maxAttempts}
}

// isSerializationFailure reports whether err is a conflict the caller may retry.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

func scanDay(raw []byte) (*model.DailyAttendance, error) {
	var d model.DailyAttendance
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode daily attendance: %w", err)
	}
	if d.Meals == nil {
		d.Meals = map[model.Slot]*model.MealEntry{}
	}
	return &d, nil
}

func (p *Postgres) GetDay(ctx context.Context, date string) (*model.DailyAttendance, error) {
	var raw []byte
	err := p.db.Client.QueryRowContext(ctx, `SELECT doc FROM daily_meals WHERE date = $1`, date).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scanDay(raw)
}

func (p *Postgres) QueryDays(ctx context.Context, dates []string) ([]model.DailyAttendance, error) {
	out := []model.DailyAttendance{}
	if len(dates) == 0 {
		return out, nil
	}
	rows, err := p.db.Client.QueryContext(ctx, `SELECT doc FROM daily_meals WHERE date = ANY($1) ORDER BY date`, dates)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := scanDay(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type pgTxn struct {
	tx     *sql.Tx
	writes *staged
}

func (t *pgTxn) Get(ctx context.Context, date string) (*model.DailyAttendance, error) {
	var raw []byte
	err := t.tx.QueryRowContext(ctx, `SELECT doc FROM daily_meals WHERE date = $1 FOR UPDATE`, date).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return scanDay(raw)
}

func (t *pgTxn) Set(date string, doc *model.DailyAttendance) {
	t.writes.set(date, doc)
}

func (p *Postgres) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error {
	return retry(ctx, "postgres", p.maxAttempts, func() error {
		err := p.attempt(ctx, fn)
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	})
}

func (p *Postgres) attempt(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error {
	tx, err := p.db.Client.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	pt := &pgTxn{tx: tx, writes: newStaged()}
	if err := fn(ctx, pt); err != nil {
		return err
	}
	if len(pt.writes.order) > 0 {
		var now time.Time
		if err := tx.QueryRowContext(ctx, `SELECT NOW()`).Scan(&now); err != nil {
			return err
		}
		for _, date := range pt.writes.order {
			doc := pt.writes.docs[date]
			doc.StampPending(now.UTC())
			b, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("encode daily attendance: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO daily_meals (date, doc, updated_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (date) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
			`, date, b, now); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (p *Postgres) GetProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	row := p.db.Client.QueryRowContext(ctx, `
		SELECT id, name, email, is_admin, created_at, last_login
		FROM users WHERE id = $1
	`, id)
	var u model.UserProfile
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.IsAdmin, &u.CreatedAt, &u.LastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) UpsertProfile(ctx context.Context, u model.UserProfile) (model.UserProfile, error) {
	row := p.db.Client.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, is_admin)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
			email = COALESCE(NULLIF(EXCLUDED.email, ''), users.email),
			is_admin = users.is_admin OR EXCLUDED.is_admin,
			last_login = NOW()
		RETURNING id, name, email, is_admin, created_at, last_login
	`, u.ID, u.Name, u.Email, u.IsAdmin)
	var out model.UserProfile
	if err := row.Scan(&out.ID, &out.Name, &out.Email, &out.IsAdmin, &out.CreatedAt, &out.LastLogin); err != nil {
		return model.UserProfile{}, err
	}
	return out, nil
}

func (p *Postgres) ListProfiles(ctx context.Context) ([]model.UserProfile, error) {
	rows, err := p.db.Client.QueryContext(ctx, `
		SELECT id, name, email, is_admin, created_at, last_login
		FROM users
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.UserProfile
	for rows.Next() {
		var u model.UserProfile
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.IsAdmin, &u.CreatedAt, &u.LastLogin); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Client.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
