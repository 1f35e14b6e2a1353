// Package domain describes voice clones known to the synthesis service.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// VoiceClone maps a caller-supplied voice handle to a speaker registered with
// the synthesis service.
type VoiceClone struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID    snowflake.ID `gorm:"not null;index" json:"user_id"`
	VoiceID   string       `gorm:"type:text;not null;index" json:"voice_id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Active    bool         `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (VoiceClone) TableName() string { return "voice_clones" }

type Repository interface {
	FindActiveByVoiceID(ctx context.Context, db *gorm.DB, voiceID string) (*VoiceClone, error)
	ListActiveByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]VoiceClone, error)
}
