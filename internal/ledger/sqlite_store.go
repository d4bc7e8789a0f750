package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const sqliteStore = "sqlite"

type apiKeyRow struct {
	ID      string     `gorm:"primaryKey"`
	Secret  string     `gorm:"uniqueIndex;not null"`
	Type    string     `gorm:"not null;default:LLM"`
	Expires *time.Time
	Comment string `gorm:"not null;default:''"`
	Status  string `gorm:"->;-:migration"`
}

func (apiKeyRow) TableName() string { return "api_key" }

func (r apiKeyRow) account() Account {
	acc := Account{
		ID:         r.ID,
		SecretHash: r.Secret,
		Kind:       r.Type,
		Comment:    r.Comment,
		Status:     Status(r.Status),
	}
	if r.Expires != nil {
		t := r.Expires.UTC()
		acc.ExpiresAt = &t
	}
	return acc
}

type eventRow struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Created   time.Time `gorm:"not null;index"`
	APIKeyID  string    `gorm:"column:api_key_id;not null;index"`
	Product   string    `gorm:"not null"`
	Quantity  int64     `gorm:"not null"`
	RequestID string    `gorm:"not null;index"`
}

func (eventRow) TableName() string { return "event_oneoff" }

// statusExpr derives an account's status from its expiry at query time.
const statusExpr = `CASE WHEN expires IS NOT NULL AND expires <= @now THEN 'expired' ELSE 'active' END`

const accountsQuery = `SELECT id, secret, type, expires, comment, ` + statusExpr + ` AS status FROM api_key`

// SQLiteStore is the embedded relational ledger. The pool is capped at one
// connection, so statements run strictly one after another.
type SQLiteStore struct {
	db  *gorm.DB
	now func() time.Time
}

func OpenSQLite(path string, log logrus.FieldLogger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite ledger: empty database path")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, storageErr(sqliteStore, "open", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageErr(sqliteStore, "open", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, storageErr(sqliteStore, "set WAL mode", err)
	}

	if err := db.AutoMigrate(&apiKeyRow{}, &eventRow{}); err != nil {
		return nil, storageErr(sqliteStore, "auto-migrate", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) FindAccountBySecretHash(ctx context.Context, hash string) (*Account, error) {
	var rows []apiKeyRow
	err := s.db.WithContext(ctx).Raw(
		accountsQuery+` WHERE secret = @hash AND type = @kind AND `+statusExpr+` = 'active' LIMIT 1`,
		map[string]any{"now": normalizeTime(s.now()), "hash": hash, "kind": KindLLM},
	).Scan(&rows).Error
	if err != nil {
		return nil, storageErr(sqliteStore, "find account", err)
	}
	if len(rows) == 0 {
		return nil, ErrAccountNotFound
	}

	acc := rows[0].account()
	return &acc, nil
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, secretHash string, expiresAt *time.Time, comment string) (string, error) {
	row := apiKeyRow{
		ID:      uuid.NewString(),
		Secret:  secretHash,
		Type:    KindLLM,
		Expires: normalizeTimePtr(expiresAt),
		Comment: comment,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", storageErr(sqliteStore, "create account", err)
	}
	return row.ID, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, hashPrefix string, includeExpired bool) ([]Account, error) {
	query := accountsQuery + ` WHERE substr(secret, 1, length(@prefix)) = @prefix`
	if !includeExpired {
		query += ` AND ` + statusExpr + ` = 'active'`
	}
	query += ` ORDER BY secret`

	var rows []apiKeyRow
	err := s.db.WithContext(ctx).Raw(query, map[string]any{
		"now":    normalizeTime(s.now()),
		"prefix": hashPrefix,
	}).Scan(&rows).Error
	if err != nil {
		return nil, storageErr(sqliteStore, "list accounts", err)
	}

	accounts := make([]Account, 0, len(rows))
	for _, r := range rows {
		accounts = append(accounts, r.account())
	}
	return accounts, nil
}

func (s *SQLiteStore) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) error {
	if upd.empty() {
		return ErrNothingToUpdate
	}

	fields := map[string]any{}
	switch {
	case upd.ClearExpiry:
		fields["expires"] = nil
	case upd.ExpiresAt != nil:
		fields["expires"] = normalizeTime(*upd.ExpiresAt)
	}
	if upd.Comment != nil {
		fields["comment"] = *upd.Comment
	}

	res := s.db.WithContext(ctx).Model(&apiKeyRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return storageErr(sqliteStore, "update account", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, ev Event) error {
	row := eventRow{
		Created:   normalizeTime(ev.CreatedAt),
		APIKeyID:  ev.AccountID,
		Product:   ev.Product,
		Quantity:  ev.Quantity,
		RequestID: ev.RequestID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storageErr(sqliteStore, "record event", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	q := s.db.WithContext(ctx).Model(&eventRow{})
	if filter.AccountID != "" {
		q = q.Where("api_key_id = ?", filter.AccountID)
	}
	if filter.RequestID != "" {
		q = q.Where("request_id = ?", filter.RequestID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created >= ?", normalizeTime(filter.Since))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []eventRow
	if err := q.Order("created, id").Find(&rows).Error; err != nil {
		return nil, storageErr(sqliteStore, "list events", err)
	}

	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, Event{
			CreatedAt: r.Created.UTC(),
			AccountID: r.APIKeyID,
			Product:   r.Product,
			Quantity:  r.Quantity,
			RequestID: r.RequestID,
		})
	}
	return events, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return storageErr(sqliteStore, "ping", err)
	}
	return storageErr(sqliteStore, "ping", sqlDB.PingContext(ctx))
}

func (s *SQLiteStore) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
