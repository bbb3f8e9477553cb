package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// checkpointRecord is the GORM row shape. The state snapshot is stored as
// a JSON blob: checkpoints are opaque resume tokens, not queryable data.
type checkpointRecord struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"index;size:64"`
	State     []byte `gorm:"type:blob"`
	CreatedAt time.Time
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// GormCheckpointStore persists checkpoints in an embedded SQLite database
// via GORM. Survives process restarts without external infrastructure.
type GormCheckpointStore struct {
	db *gorm.DB
}

// NewGormCheckpointStore opens (or creates) the SQLite database at path
// and migrates the checkpoint table. Use ":memory:" for tests.
func NewGormCheckpointStore(path string) (*GormCheckpointStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	return NewGormCheckpointStoreFromDB(db)
}

// NewGormCheckpointStoreFromDB wraps an existing GORM handle.
func NewGormCheckpointStoreFromDB(db *gorm.DB) (*GormCheckpointStore, error) {
	if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}
	return &GormCheckpointStore{db: db}, nil
}

func (s *GormCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("checkpoint must have an ID")
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	rec := checkpointRecord{
		ID:        cp.ID,
		SessionID: cp.SessionID,
		State:     state,
		CreatedAt: cp.CreatedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

func (s *GormCheckpointStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var rec checkpointRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("checkpoint not found: %s: %w", id, err)
	}
	return recordToCheckpoint(&rec)
}

func (s *GormCheckpointStore) LoadBySession(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, fmt.Errorf("no checkpoint for session: %s: %w", sessionID, err)
	}
	return recordToCheckpoint(&rec)
}

func (s *GormCheckpointStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&checkpointRecord{}, "id = ?", id).Error
}

func recordToCheckpoint(rec *checkpointRecord) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		CreatedAt: rec.CreatedAt,
	}
	if err := json.Unmarshal(rec.State, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return cp, nil
}

var _ CheckpointStore = (*GormCheckpointStore)(nil)
