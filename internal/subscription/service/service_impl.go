package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/internal/clock"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"github.com/smallbiznis/voxa/pkg/db"
	"github.com/smallbiznis/voxa/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Create opens an active subscription for a user. A user holds at most one
// active subscription at a time.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	userID, err := parseID(req.UserID, subscriptiondomain.ErrInvalidUser)
	if err != nil {
		return nil, err
	}
	if req.Credits <= 0 {
		return nil, subscriptiondomain.ErrInvalidCredits
	}
	if req.DurationDays <= 0 {
		return nil, subscriptiondomain.ErrInvalidDuration
	}
	planID := trimOptional(req.PlanID)

	now := s.clock.Now()
	subscription := &subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		UserID:           userID,
		PlanID:           planID,
		Status:           subscriptiondomain.SubscriptionStatusActive,
		CreditsPurchased: req.Credits,
		CreditsUsed:      0,
		StartAt:          now,
		ExpiresAt:        now.AddDate(0, 0, req.DurationDays),
		PurchasedAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.repo.UserExists(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !exists {
			return subscriptiondomain.ErrUserNotFound
		}

		current, err := s.repo.FindLatestActiveByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if current != nil {
			if !current.IsLapsed(now) {
				return subscriptiondomain.ErrActiveSubscriptionExists
			}
			if _, err := s.repo.Expire(ctx, tx, current.ID, now); err != nil {
				return err
			}
		}

		return s.repo.Insert(ctx, tx, subscription)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, subscriptiondomain.ErrActiveSubscriptionExists
		}
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("user_id", userID.String()),
		zap.Int64("credits", subscription.CreditsPurchased),
		zap.Time("expires_at", subscription.ExpiresAt),
	)
	return subscription, nil
}

func (s *Service) Expire(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	subscriptionID, err := parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	changed, err := s.repo.Expire(ctx, s.db, subscriptionID, now)
	if err != nil {
		return nil, err
	}

	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if changed {
		s.log.Info("subscription expired",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("reason", "manual"),
		)
	}
	return subscription, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

// GetCurrent returns nil without error when the user has no active
// subscription. A lapsed subscription is expired on read and returned with
// its new status so callers can tell "expired" from "none".
func (s *Service) GetCurrent(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if userID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	subscription, err := s.repo.FindLatestActiveByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, nil
	}

	now := s.clock.Now()
	if subscription.IsLapsed(now) {
		if _, err := s.repo.Expire(ctx, s.db, subscription.ID, now); err != nil {
			return nil, err
		}
		subscription.Status = subscriptiondomain.SubscriptionStatusExpired
		subscription.EndAt = &now
		subscription.UpdatedAt = now
		s.log.Info("subscription expired",
			zap.String("subscription_id", subscription.ID.String()),
			zap.String("reason", "lapsed"),
		)
	}
	return subscription, nil
}

func (s *Service) Summary(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Summary, error) {
	subscription, err := s.GetCurrent(ctx, userID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, nil
	}
	summary := subscriptiondomain.Summarize(*subscription, s.clock.Now())
	return &summary, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	page := req.Pagination.Normalize()
	filter := subscriptiondomain.ListFilter{Limit: page.Limit, Offset: page.Offset}

	if strings.TrimSpace(req.UserID) != "" {
		userID, err := parseID(req.UserID, subscriptiondomain.ErrInvalidUser)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, err
		}
		filter.UserID = &userID
	}
	switch status := subscriptiondomain.SubscriptionStatus(strings.ToLower(strings.TrimSpace(req.Status))); status {
	case "":
	case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusExpired:
		filter.Status = status
	default:
		return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidStatus
	}

	// Lapsed rows are flipped before listing so the page reflects real status.
	now := s.clock.Now()
	if _, err := s.repo.ExpireDue(ctx, s.db, now, pagination.MaxLimit*10); err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	items, total, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	summaries := make([]subscriptiondomain.Summary, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, subscriptiondomain.Summarize(item, now))
	}
	return subscriptiondomain.ListSubscriptionResponse{
		PageInfo:      pagination.BuildPageInfo(page, len(summaries), total),
		Subscriptions: summaries,
	}, nil
}

func (s *Service) ReserveCredits(ctx context.Context, id snowflake.ID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, subscriptiondomain.ErrInvalidAmount
	}
	return s.repo.ReserveCredits(ctx, s.db, id, amount, s.clock.Now())
}

func (s *Service) ReleaseCredits(ctx context.Context, id snowflake.ID, amount int64) (bool, error) {
	if amount <= 0 {
		return false, subscriptiondomain.ErrInvalidAmount
	}
	return s.repo.ReleaseCredits(ctx, s.db, id, amount, s.clock.Now())
}

func (s *Service) ExpireDue(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = pagination.MaxLimit
	}
	return s.repo.ExpireDue(ctx, s.db, s.clock.Now(), limit)
}

func parseID(value string, invalidErr error) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, invalidErr
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || parsed <= 0 {
		return 0, invalidErr
	}
	return snowflake.ID(parsed), nil
}

func trimOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

