// Package sqlstore persists checkouts, orders, settlement tokens, settlements
// and mandates through gorm. Each aggregate is stored as a JSON document next
// to the scalar columns that queries and conditional writes filter on.
//
// Idempotency relies on unique indexes: an order is unique per checkout and a
// settlement per dedupe key, so concurrent inserts collapse to one row.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/settlement"
)

type checkoutRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	TenantID  string `gorm:"index;size:128;not null"`
	Status    string `gorm:"index;size:32;not null"`
	Document  datatypes.JSON
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (checkoutRow) TableName() string { return "ucp_checkouts" }

type orderRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	TenantID   string `gorm:"index;size:128;not null"`
	CheckoutID string `gorm:"uniqueIndex;size:64;not null"`
	Status     string `gorm:"size:32;not null"`
	Document   datatypes.JSON
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (orderRow) TableName() string { return "ucp_orders" }

type tokenRow struct {
	Token     string `gorm:"primaryKey;size:128"`
	TenantID  string `gorm:"index;size:128;not null"`
	Used      bool   `gorm:"index;not null;default:false"`
	UsedAt    *time.Time
	ExpiresAt time.Time `gorm:"index"`
	Document  datatypes.JSON
	CreatedAt time.Time
}

func (tokenRow) TableName() string { return "ucp_settlement_tokens" }

type settlementRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	TenantID       string `gorm:"index;size:128;not null"`
	DedupeKey      string `gorm:"uniqueIndex;size:320;not null"`
	Token          string `gorm:"index;size:128"`
	IdempotencyKey string `gorm:"size:255"`
	Status         string `gorm:"index;size:32;not null"`
	Document       datatypes.JSON
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time `gorm:"index"`
}

func (settlementRow) TableName() string { return "ucp_settlements" }

type mandateRow struct {
	ID       string `gorm:"primaryKey;size:64"`
	TenantID string `gorm:"index;size:128;not null"`
	Version  int64  `gorm:"not null;default:0"`
	Document datatypes.JSON
}

func (mandateRow) TableName() string { return "ucp_mandates" }

// Store implements every store interface of the engine on one database.
type Store struct {
	db *gorm.DB
}

var (
	_ checkout.Store          = (*Store)(nil)
	_ order.Store             = (*Store)(nil)
	_ settlement.TokenStore   = (*Store)(nil)
	_ settlement.Store        = (*Store)(nil)
	_ settlement.MandateStore = (*Store)(nil)
)

// New migrates the schema on db and returns a store over it.
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	err := db.WithContext(ctx).AutoMigrate(
		&checkoutRow{},
		&orderRow{},
		&tokenRow{},
		&settlementRow{},
		&mandateRow{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens a SQLite database at dsn. SQLite serialises writers, so
// the pool is limited to one connection.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func encode(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return datatypes.JSON(b), nil
}

func decode(doc datatypes.JSON, v any) error {
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func utc(t time.Time) time.Time { return t.UTC() }
