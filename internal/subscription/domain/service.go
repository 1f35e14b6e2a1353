package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/pkg/db/pagination"
)

type CreateSubscriptionRequest struct {
	UserID       string  `json:"userId"`
	PlanID       *string `json:"planId,omitempty"`
	Credits      int64   `json:"credits"`
	DurationDays int     `json:"durationDays"`
}

type ListSubscriptionRequest struct {
	UserID string
	Status string
	pagination.Pagination
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Summary `json:"subscriptions"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	Expire(ctx context.Context, id string) (*Subscription, error)
	Get(ctx context.Context, id snowflake.ID) (*Subscription, error)
	// GetCurrent returns the newest active subscription for the user, flipping
	// it to expired first when its window has closed.
	GetCurrent(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	Summary(ctx context.Context, userID snowflake.ID) (*Summary, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
	ReserveCredits(ctx context.Context, id snowflake.ID, amount int64) (bool, error)
	ReleaseCredits(ctx context.Context, id snowflake.ID, amount int64) (bool, error)
	ExpireDue(ctx context.Context, limit int) (int64, error)
}

var (
	ErrInvalidUser              = errors.New("invalid_user")
	ErrInvalidSubscription      = errors.New("invalid_subscription")
	ErrInvalidCredits           = errors.New("invalid_credits")
	ErrInvalidDuration          = errors.New("invalid_duration")
	ErrInvalidAmount            = errors.New("invalid_amount")
	ErrInvalidStatus            = errors.New("invalid_status")
	ErrUserNotFound             = errors.New("user_not_found")
	ErrSubscriptionNotFound     = errors.New("subscription_not_found")
	ErrActiveSubscriptionExists = errors.New("active_subscription_exists")
)
