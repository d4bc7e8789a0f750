package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresStore = "postgres"

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS api_key (
	id      TEXT PRIMARY KEY,
	secret  TEXT NOT NULL UNIQUE,
	type    TEXT NOT NULL DEFAULT 'LLM',
	expires TIMESTAMPTZ,
	comment TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS event_oneoff (
	id         BIGSERIAL PRIMARY KEY,
	created    TIMESTAMPTZ NOT NULL,
	api_key_id TEXT NOT NULL,
	product    TEXT NOT NULL,
	quantity   BIGINT NOT NULL CHECK (quantity >= 0),
	request_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS event_oneoff_api_key_id_idx ON event_oneoff (api_key_id);
CREATE INDEX IF NOT EXISTS event_oneoff_request_id_idx ON event_oneoff (request_id);
`

const pgAccountColumns = `id, secret, type, expires, comment,
	CASE WHEN expires IS NOT NULL AND expires <= now() THEN 'expired' ELSE 'active' END AS status`

type PostgresStore struct {
	db    DB
	close func()
}

func OpenPostgres(ctx context.Context, uri string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, storageErr(postgresStore, "connect", err)
	}

	s := NewPostgresStore(pool)
	s.close = pool.Close
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return storageErr(postgresStore, "migrate", err)
}

func (s *PostgresStore) FindAccountBySecretHash(ctx context.Context, hash string) (*Account, error) {
	query := `
		SELECT ` + pgAccountColumns + `
		FROM api_key
		WHERE secret = $1 AND type = $2
		  AND (expires IS NULL OR expires > now())
		LIMIT 1
	`

	acc, err := scanAccount(s.db.QueryRow(ctx, query, hash, KindLLM))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, storageErr(postgresStore, "find account", err)
	}
	return acc, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, secretHash string, expiresAt *time.Time, comment string) (string, error) {
	query := `
		INSERT INTO api_key (id, secret, type, expires, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id string
	err := s.db.QueryRow(ctx, query,
		uuid.NewString(), secretHash, KindLLM, normalizeTimePtr(expiresAt), comment,
	).Scan(&id)
	if err != nil {
		return "", storageErr(postgresStore, "create account", err)
	}
	return id, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, hashPrefix string, includeExpired bool) ([]Account, error) {
	query := `
		SELECT ` + pgAccountColumns + `
		FROM api_key
		WHERE substr(secret, 1, length($1::text)) = $1::text
	`
	if !includeExpired {
		query += ` AND (expires IS NULL OR expires > now())`
	}
	query += ` ORDER BY secret`

	rows, err := s.db.Query(ctx, query, hashPrefix)
	if err != nil {
		return nil, storageErr(postgresStore, "list accounts", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, storageErr(postgresStore, "scan account", err)
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(postgresStore, "list accounts", err)
	}
	return accounts, nil
}

func (s *PostgresStore) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) error {
	if upd.empty() {
		return ErrNothingToUpdate
	}

	var sets []string
	var args []any
	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	switch {
	case upd.ClearExpiry:
		add("expires", nil)
	case upd.ExpiresAt != nil:
		add("expires", normalizeTime(*upd.ExpiresAt))
	}
	if upd.Comment != nil {
		add("comment", *upd.Comment)
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE api_key SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return storageErr(postgresStore, "update account", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev Event) error {
	query := `
		INSERT INTO event_oneoff (created, api_key_id, product, quantity, request_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(ctx, query,
		normalizeTime(ev.CreatedAt), ev.AccountID, ev.Product, ev.Quantity, ev.RequestID,
	)
	return storageErr(postgresStore, "record event", err)
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AccountID != "" {
		add("api_key_id = $%d", filter.AccountID)
	}
	if filter.RequestID != "" {
		add("request_id = $%d", filter.RequestID)
	}
	if !filter.Since.IsZero() {
		add("created >= $%d", normalizeTime(filter.Since))
	}

	query := `SELECT created, api_key_id, product, quantity, request_id FROM event_oneoff`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(postgresStore, "list events", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.CreatedAt, &e.AccountID, &e.Product, &e.Quantity, &e.RequestID); err != nil {
			return nil, storageErr(postgresStore, "scan event", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(postgresStore, "list events", err)
	}
	return events, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	return storageErr(postgresStore, "ping", s.db.QueryRow(ctx, `SELECT 1`).Scan(&one))
}

func (s *PostgresStore) Close(context.Context) error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var status string
	if err := row.Scan(&a.ID, &a.SecretHash, &a.Kind, &a.ExpiresAt, &a.Comment, &status); err != nil {
		return nil, err
	}
	if a.ExpiresAt != nil {
		t := a.ExpiresAt.UTC()
		a.ExpiresAt = &t
	}
	a.Status = Status(status)
	return &a, nil
}
