package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	voiceclonedomain "github.com/smallbiznis/voxa/internal/voiceclone/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() voiceclonedomain.Repository {
	return &repo{}
}

func (r *repo) FindActiveByVoiceID(ctx context.Context, db *gorm.DB, voiceID string) (*voiceclonedomain.VoiceClone, error) {
	var clone voiceclonedomain.VoiceClone
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, voice_id, name, active, created_at
		 FROM voice_clones
		 WHERE voice_id = ? AND active = true
		 ORDER BY created_at DESC
		 LIMIT 1`,
		voiceID,
	).Scan(&clone).Error
	if err != nil {
		return nil, err
	}
	if clone.ID == 0 {
		return nil, nil
	}
	return &clone, nil
}

func (r *repo) ListActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]voiceclonedomain.VoiceClone, error) {
	var clones []voiceclonedomain.VoiceClone
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, voice_id, name, active, created_at
		 FROM voice_clones
		 WHERE user_id = ? AND active = true
		 ORDER BY created_at DESC`,
		userID,
	).Scan(&clones).Error
	if err != nil {
		return nil, err
	}
	return clones, nil
}
