package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/pkg/database"
)

// SnapshotStore is the append-only ledger of per-(game, source)
// observations. Rows are never updated or deleted here; retention is an
// external concern.
type SnapshotStore struct {
	db *database.DB
}

func NewSnapshotStore(db *database.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Append records one observation. The payload must be JSON-serializable.
func (s *SnapshotStore) Append(ctx context.Context, gameID, source string, capturedAt time.Time, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot payload: %w", err)
	}

	snapshot := models.Snapshot{
		GameID:     gameID,
		Source:     source,
		CapturedAt: capturedAt.UTC(),
		Payload:    datatypes.JSON(data),
	}

	if err := s.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return fmt.Errorf("failed to append snapshot: %w", err)
	}
	return nil
}

// LatestBefore returns the newest snapshot for (gameID, source) with
// captured_at <= t, or nil when none exists.
func (s *SnapshotStore) LatestBefore(ctx context.Context, gameID, source string, t time.Time) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.db.WithContext(ctx).
		Where("game_id = ? AND source = ? AND captured_at <= ?", gameID, source, t.UTC()).
		Order("captured_at DESC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snapshot, nil
}

// EarliestBefore returns the oldest snapshot for (gameID, source) with
// captured_at <= t. The feature builder uses it for opening lines.
func (s *SnapshotStore) EarliestBefore(ctx context.Context, gameID, source string, t time.Time) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := s.db.WithContext(ctx).
		Where("game_id = ? AND source = ? AND captured_at <= ?", gameID, source, t.UTC()).
		Order("captured_at ASC").
		First(&snapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snapshot, nil
}

// History returns up to limit snapshots for (gameID, source), newest first.
func (s *SnapshotStore) History(ctx context.Context, gameID, source string, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var snapshots []models.Snapshot
	err := s.db.WithContext(ctx).
		Where("game_id = ? AND source = ?", gameID, source).
		Order("captured_at DESC").
		Limit(limit).
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot history: %w", err)
	}
	return snapshots, nil
}
