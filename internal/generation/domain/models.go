// Package domain contains generation records and the request model accepted
// by the generation pipeline.
package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	// StatusCompletedUnsaved marks audio that reached the caller but could not
	// be written to durable storage.
	StatusCompletedUnsaved Status = "completed_unsaved"
	StatusFailed           Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompletedUnsaved || s == StatusFailed
}

type Type string

const (
	TypeTTS          Type = "tts"
	TypeTranslateTTS Type = "translate-tts"
)

const (
	// StoredTextLimit bounds the text kept on a record.
	StoredTextLimit = 500
	// CharsPerSecond drives the duration estimate.
	CharsPerSecond = 15
	AudioExtension = ".wav"
	AudioURLPrefix = "/api/audio/"
)

// Generation is the durable record of one synthesis request.
type Generation struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID         snowflake.ID      `gorm:"not null;index" json:"user_id"`
	SubscriptionID snowflake.ID      `gorm:"not null;index" json:"subscription_id"`
	Text           string            `gorm:"type:text;not null" json:"text"`
	TextLength     int64             `gorm:"not null" json:"text_length"`
	AudioURL       string            `gorm:"type:text;not null" json:"audio_url"`
	StorageKey     string            `gorm:"type:text;not null" json:"-"`
	Duration       float64           `gorm:"not null" json:"duration"`
	Status         Status            `gorm:"type:text;not null;index" json:"status"`
	Type           Type              `gorm:"type:text;not null" json:"type"`
	VoiceID        string            `gorm:"type:text;not null" json:"voice_id"`
	SpeakerID      string            `gorm:"type:text" json:"speaker_id"`
	Language       *string           `gorm:"type:text" json:"language,omitempty"`
	SourceLanguage *string           `gorm:"type:text" json:"source_language,omitempty"`
	TargetLanguage *string           `gorm:"type:text" json:"target_language,omitempty"`
	BytesWritten   int64             `gorm:"not null;default:0" json:"bytes_written"`
	Error          *string           `gorm:"type:text" json:"error,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// Metadata keys recorded on every generation.
const (
	MetaSpeakerSource    = "speaker_source"
	MetaSpeakerID        = "speaker_id"
	MetaRequestedVoice   = "requested_voice"
	MetaUpstreamEndpoint = "upstream_endpoint"
	MetaClientBytes      = "client_bytes"
)

// TableName sets the database table name.
func (Generation) TableName() string { return "generations" }

// StorageKeyFor derives the blob key for a generation.
func StorageKeyFor(id snowflake.ID) string {
	return fmt.Sprintf("%s%s", id.String(), AudioExtension)
}

// AudioURLFor derives the public audio path for a generation.
func AudioURLFor(id snowflake.ID) string {
	return AudioURLPrefix + StorageKeyFor(id)
}

// EstimateDuration returns the estimated audio length in seconds, at least one.
func EstimateDuration(length int64) float64 {
	return math.Max(1, float64(length)/CharsPerSecond)
}

// TruncateText keeps at most StoredTextLimit runes.
func TruncateText(text string) string {
	runes := []rune(text)
	if len(runes) <= StoredTextLimit {
		return text
	}
	return string(runes[:StoredTextLimit])
}

// Termination carries the terminal state written once per record.
type Termination struct {
	Status       Status
	BytesWritten int64
	Error        string
	At           time.Time
}
