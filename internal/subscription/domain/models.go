// Package domain contains persistence models for prepaid credit subscriptions.
package domain

import (
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)

// Subscription is a prepaid character-credit balance with a validity window.
// One credit pays for one input character.
type Subscription struct {
	ID               snowflake.ID       `gorm:"primaryKey" json:"id"`
	UserID           snowflake.ID       `gorm:"not null;index" json:"user_id"`
	PlanID           *string            `gorm:"type:text" json:"plan_id,omitempty"`
	Status           SubscriptionStatus `gorm:"type:text;not null" json:"status"`
	CreditsPurchased int64              `gorm:"not null" json:"credits_purchased"`
	CreditsUsed      int64              `gorm:"not null;default:0" json:"credits_used"`
	StartAt          time.Time          `gorm:"not null" json:"start_at"`
	ExpiresAt        time.Time          `gorm:"not null;index" json:"expires_at"`
	EndAt            *time.Time         `json:"end_at,omitempty"`
	PurchasedAt      time.Time          `gorm:"not null" json:"purchased_at"`
	CreatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Remaining returns the unspent credits. It never goes below zero.
func (s Subscription) Remaining() int64 {
	if s.CreditsUsed >= s.CreditsPurchased {
		return 0
	}
	return s.CreditsPurchased - s.CreditsUsed
}

// IsLapsed reports whether the validity window has closed at now.
func (s Subscription) IsLapsed(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Summary is the caller-facing view of a subscription.
type Summary struct {
	Subscription
	CreditsRemaining  int64   `json:"credits_remaining"`
	CreditsPercentage float64 `json:"credits_percentage"`
	DaysRemaining     int     `json:"days_remaining"`
	IsExpired         bool    `json:"is_expired"`
}

// Summarize derives the remaining credit and time figures at now.
func Summarize(s Subscription, now time.Time) Summary {
	summary := Summary{
		Subscription:     s,
		CreditsRemaining: s.Remaining(),
		IsExpired:        s.Status == SubscriptionStatusExpired || s.IsLapsed(now),
	}
	if s.CreditsPurchased > 0 {
		pct := float64(summary.CreditsRemaining) / float64(s.CreditsPurchased) * 100
		summary.CreditsPercentage = math.Round(pct*100) / 100
	}
	if !summary.IsExpired {
		summary.DaysRemaining = int(math.Ceil(s.ExpiresAt.Sub(now).Hours() / 24))
	}
	return summary
}
