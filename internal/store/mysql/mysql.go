// Package mysql is the server-backed store built on gorm and its MySQL driver.
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/store"
)

type serviceRow struct {
	Seq         uint              `gorm:"primaryKey;autoIncrement"`
	ID          string            `gorm:"uniqueIndex;size:36"`
	ServiceName string            `gorm:"uniqueIndex;size:191"`
	BaseURL     string            `gorm:"size:2048"`
	Paths       []model.RouteSpec `gorm:"serializer:json;type:json"`
	APIKey      string            `gorm:"size:512"`
	CreatedAt   time.Time
}

func (serviceRow) TableName() string { return "services" }

type walletRow struct {
	Address    string `gorm:"primaryKey;size:191"`
	LastAuthAt time.Time
	AuthCount  int64
}

func (walletRow) TableName() string { return "wallets" }

// Store persists descriptors and wallets in MySQL.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("mysql open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)

	if err := db.WithContext(ctx).AutoMigrate(&serviceRow{}, &walletRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("mysql migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, d model.ServiceDescriptor) (string, error) {
	row := serviceRow{
		ID:          uuid.NewString(),
		ServiceName: d.ServiceName,
		BaseURL:     d.BaseURL,
		Paths:       d.Paths,
		APIKey:      d.APIKey,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", store.ErrDuplicate
		}
		return "", fmt.Errorf("insert service: %w", err)
	}
	return row.ID, nil
}

func (s *Store) FindOne(ctx context.Context, q store.Query) (model.ServiceDescriptor, error) {
	var row serviceRow
	tx := s.db.WithContext(ctx).Order("seq")
	if q.ServiceName != "" {
		// BINARY keeps the comparison case-sensitive under the default collation
		tx = tx.Where("BINARY service_name = ?", q.ServiceName)
	}
	err := tx.First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ServiceDescriptor{}, store.ErrNotFound
	}
	if err != nil {
		return model.ServiceDescriptor{}, fmt.Errorf("find service: %w", err)
	}
	return row.descriptor(), nil
}

func (s *Store) FindAll(ctx context.Context) ([]model.ServiceDescriptor, error) {
	var rows []serviceRow
	if err := s.db.WithContext(ctx).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	out := make([]model.ServiceDescriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.descriptor())
	}
	return out, nil
}

func (s *Store) RecordAuth(ctx context.Context, address string, at time.Time) error {
	row := walletRow{Address: address, LastAuthAt: at.UTC(), AuthCount: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_auth_at": at.UTC(),
			"auth_count":   gorm.Expr("auth_count + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record wallet: %w", err)
	}
	return nil
}

func (s *Store) LookupWallet(ctx context.Context, address string) (model.Wallet, error) {
	var row walletRow
	err := s.db.WithContext(ctx).Where("address = ?", address).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Wallet{}, store.ErrNotFound
	}
	if err != nil {
		return model.Wallet{}, fmt.Errorf("lookup wallet: %w", err)
	}
	return model.Wallet{Address: row.Address, LastAuthAt: row.LastAuthAt.UTC(), AuthCount: row.AuthCount}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r serviceRow) descriptor() model.ServiceDescriptor {
	return model.ServiceDescriptor{
		ID:          r.ID,
		ServiceName: r.ServiceName,
		BaseURL:     r.BaseURL,
		Paths:       r.Paths,
		APIKey:      r.APIKey,
	}
}
