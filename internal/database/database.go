package database

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"bitfinex-margin-balancer/internal/models"
)

// Store persists the append-only audit records (margin adjustments,
// liquidations, account snapshots) and serves the read-back queries used for
// reporting. Rows are never updated or deleted once written.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new database connection and performs auto-migration.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-open gorm connection. Used by tests with an
// in-memory sqlite database.
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// AutoMigrate creates the audit tables based on the current models.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.MarginAdjustment{},
		&models.Liquidation{},
		&models.AccountSnapshot{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// SaveMarginAdjustment appends one margin adjustment audit record.
func (s *Store) SaveMarginAdjustment(adj *models.MarginAdjustment) error {
	if err := s.db.Create(adj).Error; err != nil {
		return fmt.Errorf("failed to save margin adjustment for %s: %w", adj.Symbol, err)
	}
	return nil
}

// SaveLiquidation appends one liquidation audit record.
func (s *Store) SaveLiquidation(liq *models.Liquidation) error {
	if err := s.db.Create(liq).Error; err != nil {
		return fmt.Errorf("failed to save liquidation for %s: %w", liq.Symbol, err)
	}
	return nil
}

// SaveAccountSnapshot appends one account snapshot.
func (s *Store) SaveAccountSnapshot(snap *models.AccountSnapshot) error {
	if err := s.db.Create(snap).Error; err != nil {
		return fmt.Errorf("failed to save account snapshot: %w", err)
	}
	return nil
}

// GetMarginAdjustments returns the most recent adjustments, newest first.
// An empty symbol returns adjustments for all symbols.
func (s *Store) GetMarginAdjustments(limit int, symbol string) ([]models.MarginAdjustment, error) {
	var adjustments []models.MarginAdjustment
	query := s.db.Order("timestamp DESC").Limit(limit)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if err := query.Find(&adjustments).Error; err != nil {
		return nil, fmt.Errorf("failed to query margin adjustments: %w", err)
	}
	return adjustments, nil
}

// GetLiquidations returns the most recent liquidations, newest first.
func (s *Store) GetLiquidations(limit int) ([]models.Liquidation, error) {
	var liquidations []models.Liquidation
	if err := s.db.Order("timestamp DESC").Limit(limit).Find(&liquidations).Error; err != nil {
		return nil, fmt.Errorf("failed to query liquidations: %w", err)
	}
	return liquidations, nil
}

// GetAccountSnapshots returns snapshots taken at or after since, oldest first.
func (s *Store) GetAccountSnapshots(since time.Time, limit int) ([]models.AccountSnapshot, error) {
	var snapshots []models.AccountSnapshot
	err := s.db.Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query account snapshots: %w", err)
	}
	return snapshots, nil
}
