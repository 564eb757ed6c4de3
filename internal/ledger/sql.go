package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// credentialRow is the table layout.
type credentialRow struct {
	ID        string `gorm:"primaryKey"`
	IssuerID  string `gorm:"index;not null"`
	HolderID  string `gorm:"index"`
	Revoked   bool   `gorm:"not null;default:false"`
	IssuedAt  time.Time
	UpdatedAt time.Time
}

func (credentialRow) TableName() string { return "credentials" }

// SQL is a ledger mirror kept in a relational database.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) a SQLite ledger and runs migrations.
func OpenSQLite(dsn string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return NewSQL(db)
}

// NewSQL wraps an open database and migrates the credentials table.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&credentialRow{}); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	if !db.Migrator().HasTable(&credentialRow{}) {
		return nil, errors.New("ledger: credentials table was not created")
	}
	return &SQL{db: db}, nil
}

// Put inserts or replaces a credential record.
func (s *SQL) Put(ctx context.Context, c Credential) error {
	if c.ID == "" || c.IssuerID == "" {
		return fmt.Errorf("ledger: credential id and issuer are required")
	}
	row := credentialRow{
		ID:       c.ID,
		IssuerID: c.IssuerID,
		HolderID: c.HolderID,
		Revoked:  c.Revoked,
		IssuedAt: c.IssuedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Revoke marks a credential revoked.
func (s *SQL) Revoke(ctx context.Context, credentialID string) error {
	res := s.db.WithContext(ctx).Model(&credentialRow{}).
		Where("id = ?", credentialID).
		Update("revoked", true)
	if res.Error != nil {
		return fmt.Errorf("revoke credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Lookup implements Ledger.
func (s *SQL) Lookup(ctx context.Context, credentialID string) (*Credential, error) {
	var row credentialRow
	err := s.db.WithContext(ctx).Where("id = ?", credentialID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, credentialID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	return &Credential{
		ID:       row.ID,
		IssuerID: row.IssuerID,
		HolderID: row.HolderID,
		Revoked:  row.Revoked,
		IssuedAt: row.IssuedAt.UTC(),
	}, nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
