package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ChannelRecord is one opened channel. Digest is unique so the same signed
// terms cannot open two channels.
type ChannelRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	SessionID    string `gorm:"size:64;index"`
	Digest       string `gorm:"size:64;uniqueIndex"`
	Protocol     string `gorm:"size:64"`
	Participants string
	Asset        string `gorm:"size:16"`
	Stake        int64
	Nonce        string `gorm:"size:16"`
	CreatedAt    time.Time
}

func (ChannelRecord) TableName() string { return "ledger_channels" }

// Open connects to Postgres. gorm's own logger is silenced; the service logs.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return db, nil
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&ChannelRecord{})
}

func (s *Store) Create(ctx context.Context, rec *ChannelRecord) error {
	err := s.db.WithContext(ctx).Create(rec).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: digest %s", ErrReplay, rec.Digest)
	}
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
