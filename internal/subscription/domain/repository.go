package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindLatestActiveByUserID(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Subscription, int64, error)
	UserExists(ctx context.Context, db *gorm.DB, userID snowflake.ID) (bool, error)

	// ReserveCredits adds amount to credits_used only if the subscription is
	// active and the balance covers it. It reports whether a row changed.
	ReserveCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)
	// ReleaseCredits subtracts amount from credits_used. It never drives the
	// counter below zero.
	ReleaseCredits(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)

	Expire(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ExpireDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error)
}

type ListFilter struct {
	UserID *snowflake.ID
	Status SubscriptionStatus
	Limit  int
	Offset int
}
