package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const generationColumns = `id, user_id, subscription_id, text, text_length, audio_url, storage_key,
	duration, status, type, voice_id, speaker_id, language, source_language, target_language,
	bytes_written, error, metadata, created_at, updated_at, completed_at`

type repo struct{}

func Provide() generationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, generation *generationdomain.Generation) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO generations (`+generationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		generation.ID,
		generation.UserID,
		generation.SubscriptionID,
		generation.Text,
		generation.TextLength,
		generation.AudioURL,
		generation.StorageKey,
		generation.Duration,
		generation.Status,
		generation.Type,
		generation.VoiceID,
		generation.SpeakerID,
		generation.Language,
		generation.SourceLanguage,
		generation.TargetLanguage,
		generation.BytesWritten,
		generation.Error,
		generation.Metadata,
		generation.CreatedAt,
		generation.UpdatedAt,
		generation.CompletedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Generation, error) {
	var generation generationdomain.Generation
	err := db.WithContext(ctx).Raw(
		`SELECT `+generationColumns+` FROM generations WHERE id = ?`,
		id,
	).Scan(&generation).Error
	if err != nil {
		return nil, err
	}
	if generation.ID == 0 {
		return nil, nil
	}
	return &generation, nil
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID, limit, offset int) ([]generationdomain.Generation, int64, error) {
	var total int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM generations WHERE user_id = ?`,
		userID,
	).Scan(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []generationdomain.Generation
	err := db.WithContext(ctx).Raw(
		`SELECT `+generationColumns+` FROM generations
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID,
		limit,
		offset,
	).Scan(&items).Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repo) MarkTerminal(ctx context.Context, db *gorm.DB, id snowflake.ID, term generationdomain.Termination) (bool, error) {
	var errText *string
	if term.Error != "" {
		errText = &term.Error
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE generations
		 SET status = ?, bytes_written = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		term.Status,
		term.BytesWritten,
		errText,
		term.At,
		term.At,
		id,
		generationdomain.StatusProcessing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdateMetadata(ctx context.Context, db *gorm.DB, id snowflake.ID, metadata datatypes.JSONMap, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE generations SET metadata = ?, updated_at = ? WHERE id = ?`,
		metadata,
		at,
		id,
	).Error
}

func (r *repo) FailStale(ctx context.Context, db *gorm.DB, before time.Time, reason string, now time.Time, limit int) (int64, error) {
	var ids []snowflake.ID
	if err := db.WithContext(ctx).Raw(
		`SELECT id FROM generations
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		generationdomain.StatusProcessing,
		before,
		limit,
	).Scan(&ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE generations
		 SET status = ?, error = ?, completed_at = ?, updated_at = ?
		 WHERE id IN ? AND status = ?`,
		generationdomain.StatusFailed,
		reason,
		now,
		now,
		ids,
		generationdomain.StatusProcessing,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
