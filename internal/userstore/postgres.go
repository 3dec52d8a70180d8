package userstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the persistent implementation, selected whenever
// DATABASE_URL is set and DB_TYPE is not "memory".
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and pings it; it does not check
// the schema (the relay does not run migrations itself — it assumes the
// users table from the external subscription/persistence layer is already
// present).
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (p *PostgresStore) Close() { p.pool.Close() }

const selectUserByCredential = `
SELECT credential, email, subscription_status, requests_this_month, requests_today, last_request_date
FROM users WHERE credential = $1`

func (p *PostgresStore) FindByCredential(ctx context.Context, credential string) (*User, error) {
	row := p.pool.QueryRow(ctx, selectUserByCredential, credential)
	var u User
	var lastReq *time.Time
	if err := row.Scan(&u.Credential, &u.Email, &u.SubscriptionStatus, &u.RequestsThisMonth, &u.RequestsToday, &lastReq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastReq != nil {
		u.LastRequestDate = *lastReq
	}
	return &u, nil
}

func (p *PostgresStore) Create(ctx context.Context, email string) (*User, error) {
	credential, err := newPostgresCredential()
	if err != nil {
		return nil, err
	}

	const insert = `
	INSERT INTO users (credential, email, subscription_status, requests_this_month, requests_today)
	VALUES ($1, $2, 'free', 0, 0)
	ON CONFLICT (email) DO NOTHING`

	tag, err := p.pool.Exec(ctx, insert, credential, email)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyExists
	}

	return &User{Credential: credential, Email: email, SubscriptionStatus: StatusFree}, nil
}

func (p *PostgresStore) IncrementUsage(ctx context.Context, credential string) (int, int, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	const upsert = `
	UPDATE users SET
		requests_today = CASE WHEN last_request_date IS DISTINCT FROM $2 THEN 1 ELSE requests_today + 1 END,
		requests_this_month = requests_this_month + 1,
		last_request_date = $2
	WHERE credential = $1
	RETURNING requests_today, requests_this_month`

	row := p.pool.QueryRow(ctx, upsert, credential, today)
	var reqToday, reqMonth int
	if err := row.Scan(&reqToday, &reqMonth); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, err
	}
	return reqToday, reqMonth, nil
}

func (p *PostgresStore) ResetAll(ctx context.Context) error {
	const resetAll = `UPDATE users SET requests_this_month = 0, requests_today = 0, last_request_date = NULL`
	_, err := p.pool.Exec(ctx, resetAll)
	if err != nil {
		return p.resetPerRecord(ctx)
	}
	return nil
}

// resetPerRecord is the fallback path when the bulk UPDATE fails: walk
// every credential and reset one row at a time, continuing past
// individual failures.
func (p *PostgresStore) resetPerRecord(ctx context.Context) error {
	rows, err := p.pool.Query(ctx, `SELECT credential FROM users`)
	if err != nil {
		return err
	}
	var credentials []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err == nil {
			credentials = append(credentials, c)
		}
	}
	rows.Close()

	const resetOne = `UPDATE users SET requests_this_month = 0, requests_today = 0, last_request_date = NULL WHERE credential = $1`
	for _, c := range credentials {
		_, _ = p.pool.Exec(ctx, resetOne, c)
	}
	return nil
}

func newPostgresCredential() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
