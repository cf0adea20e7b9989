package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Open connects to the configured database. driver is "postgres" or "sqlite".
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: NewGormLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Repository reads and writes session records.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Migrate(ctx context.Context) error {
	err := r.db.WithContext(ctx).AutoMigrate(
		&SessionRecord{},
		&ParticipantRecord{},
		&ChatMessageRecord{},
		&DiceRollRecord{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

var sessionColumns = []string{
	"status", "map_id", "locked", "allow_list", "in_combat", "round",
	"initiative", "turn_index", "last_seq", "last_activity_at",
}

// UpsertSession inserts the session or refreshes its mutable columns. An
// archived row is never un-archived.
func (r *Repository) UpsertSession(ctx context.Context, rec SessionRecord) error {
	rec.Participants = nil
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(sessionColumns),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Repository) UpsertParticipant(ctx context.Context, rec ParticipantRecord) error {
	rec.ID = 0
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "role", "connected", "ready", "character_id", "last_seen_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert participant %s/%s: %w", rec.SessionID, rec.UserID, err)
	}
	return nil
}

// AppendChat is idempotent on the message id so retried writes do not duplicate.
func (r *Repository) AppendChat(ctx context.Context, rec ChatMessageRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("append chat %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Repository) AppendDiceRoll(ctx context.Context, rec DiceRollRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("append dice roll %s: %w", rec.ID, err)
	}
	return nil
}

// ArchiveSession stamps the session archived and marks every participant
// disconnected. Archiving twice is a no-op.
func (r *Repository) ArchiveSession(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&SessionRecord{}).
			Where("id = ? AND archived_at IS NULL", id).
			Update("archived_at", at).Error; err != nil {
			return fmt.Errorf("archive session %s: %w", id, err)
		}
		if err := tx.Model(&ParticipantRecord{}).
			Where("session_id = ?", id).
			Updates(map[string]any{"connected": false, "ready": false}).Error; err != nil {
			return fmt.Errorf("disconnect participants of %s: %w", id, err)
		}
		return nil
	})
}

func (r *Repository) FindSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := r.db.WithContext(ctx).Preload("Participants").First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find session %s: %w", id, err)
	}
	return &rec, nil
}

// LoadActiveSessions returns every session that is neither archived nor
// completed, with participants.
func (r *Repository) LoadActiveSessions(ctx context.Context) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := r.db.WithContext(ctx).
		Preload("Participants").
		Where("archived_at IS NULL AND status <> ?", "completed").
		Order("created_at").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	return recs, nil
}

// MaxEventSeq returns the highest seq stored on a chat message or dice roll of
// the session, or 0 when it has none.
func (r *Repository) MaxEventSeq(ctx context.Context, sessionID string) (uint64, error) {
	var chat, dice uint64
	db := r.db.WithContext(ctx)
	if err := db.Model(&ChatMessageRecord{}).Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(seq), 0)").Scan(&chat).Error; err != nil {
		return 0, fmt.Errorf("max chat seq %s: %w", sessionID, err)
	}
	if err := db.Model(&DiceRollRecord{}).Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(seq), 0)").Scan(&dice).Error; err != nil {
		return 0, fmt.Errorf("max dice seq %s: %w", sessionID, err)
	}
	return max(chat, dice), nil
}

// ChatHistory returns up to limit messages with seq greater than afterSeq.
func (r *Repository) ChatHistory(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]ChatMessageRecord, error) {
	var recs []ChatMessageRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND seq > ?", sessionID, afterSeq).
		Order("seq").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("chat history %s: %w", sessionID, err)
	}
	return recs, nil
}
