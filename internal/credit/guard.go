// Package credit gates generation requests on a user's prepaid balance.
package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Reason string

const (
	ReasonNoSubscription      Reason = "NO_SUBSCRIPTION"
	ReasonExpired             Reason = "EXPIRED"
	ReasonInsufficientCredits Reason = "INSUFFICIENT_CREDITS"
)

// Denial explains why a request may not spend credits.
type Denial struct {
	Reason    Reason
	Required  int64
	Remaining int64
	Shortfall int64
}

func (d *Denial) Error() string {
	switch d.Reason {
	case ReasonNoSubscription:
		return "no active subscription"
	case ReasonExpired:
		return "subscription has expired"
	case ReasonInsufficientCredits:
		return fmt.Sprintf("insufficient credits: required %d, remaining %d", d.Required, d.Remaining)
	default:
		return string(d.Reason)
	}
}

// AsDenial unwraps a Denial from err.
func AsDenial(err error) (*Denial, bool) {
	var denial *Denial
	if errors.As(err, &denial) {
		return denial, true
	}
	return nil, false
}

var (
	ErrInvalidAmount    = errors.New("invalid_credit_amount")
	ErrAlreadyCommitted = errors.New("reservation_committed")
)

// Authorization is a positive balance check. It holds no credits.
type Authorization struct {
	SubscriptionID      snowflake.ID
	UserID              snowflake.ID
	Purchased           int64
	UsedAtAuthorization int64
	Amount              int64
}

// Remaining is the balance left once Amount is spent.
func (a Authorization) Remaining() int64 {
	return a.Purchased - a.UsedAtAuthorization - a.Amount
}

type Params struct {
	fx.In

	Log           *zap.Logger
	Subscriptions subscriptiondomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

type Guard struct {
	log           *zap.Logger
	subscriptions subscriptiondomain.Service
	metrics       *metrics.Metrics
}

func NewGuard(p Params) *Guard {
	return &Guard{
		log:           p.Log.Named("credit.guard"),
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}
}

// Authorize checks that the user's current subscription can pay for amount
// credits. A lapsed subscription is expired as a side effect.
func (g *Guard) Authorize(ctx context.Context, userID snowflake.ID, amount int64) (Authorization, error) {
	if amount <= 0 {
		return Authorization{}, ErrInvalidAmount
	}

	subscription, err := g.subscriptions.GetCurrent(ctx, userID)
	if err != nil {
		return Authorization{}, err
	}
	if subscription == nil {
		return Authorization{}, g.deny(ctx, &Denial{Reason: ReasonNoSubscription, Required: amount})
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		return Authorization{}, g.deny(ctx, &Denial{Reason: ReasonExpired, Required: amount})
	}

	if denial := insufficient(*subscription, amount); denial != nil {
		return Authorization{}, g.deny(ctx, denial)
	}

	return Authorization{
		SubscriptionID:      subscription.ID,
		UserID:              subscription.UserID,
		Purchased:           subscription.CreditsPurchased,
		UsedAtAuthorization: subscription.CreditsUsed,
		Amount:              amount,
	}, nil
}

// Reserve deducts the authorized amount. The deduction is a single
// conditional update, so concurrent reservations never overspend.
func (g *Guard) Reserve(ctx context.Context, auth Authorization) (*Reservation, error) {
	if auth.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ok, err := g.subscriptions.ReserveCredits(ctx, auth.SubscriptionID, auth.Amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race or the subscription changed since Authorize. GetCurrent
		// records a lapse it finds.
		current, err := g.subscriptions.GetCurrent(ctx, auth.UserID)
		if err != nil {
			return nil, err
		}
		if current == nil || current.ID != auth.SubscriptionID ||
			current.Status != subscriptiondomain.SubscriptionStatusActive {
			return nil, g.deny(ctx, &Denial{Reason: ReasonExpired, Required: auth.Amount})
		}
		denial := insufficient(*current, auth.Amount)
		if denial == nil {
			remaining := current.Remaining()
			denial = &Denial{
				Reason:    ReasonInsufficientCredits,
				Required:  auth.Amount,
				Remaining: remaining,
				Shortfall: max(0, auth.Amount-remaining),
			}
		}
		return nil, g.deny(ctx, denial)
	}

	g.metrics.RecordCreditsReserved(ctx, auth.Amount)
	return &Reservation{guard: g, auth: auth}, nil
}

func (g *Guard) release(ctx context.Context, auth Authorization) error {
	ok, err := g.subscriptions.ReleaseCredits(ctx, auth.SubscriptionID, auth.Amount)
	if err != nil {
		return err
	}
	if !ok {
		g.log.Error("credit release did not apply",
			zap.String("subscription_id", auth.SubscriptionID.String()),
			zap.Int64("amount", auth.Amount),
		)
		return nil
	}
	g.metrics.RecordCreditsReleased(ctx, auth.Amount)
	return nil
}

func (g *Guard) deny(ctx context.Context, denial *Denial) error {
	g.metrics.RecordCreditDenied(ctx, string(denial.Reason))
	return denial
}

func insufficient(subscription subscriptiondomain.Subscription, amount int64) *Denial {
	remaining := subscription.Remaining()
	if remaining >= amount {
		return nil
	}
	return &Denial{
		Reason:    ReasonInsufficientCredits,
		Required:  amount,
		Remaining: remaining,
		Shortfall: amount - remaining,
	}
}

// Reservation holds deducted credits until they are committed or released.
type Reservation struct {
	guard *Guard
	auth  Authorization

	mu        sync.Mutex
	committed bool
	released  bool
}

func (r *Reservation) Authorization() Authorization { return r.auth }

// Commit makes the deduction final. Later Release calls are refused.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.released {
		r.committed = true
	}
}

// Release returns the reserved credits. Only the first call has an effect.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.committed {
		return ErrAlreadyCommitted
	}
	if r.released {
		return nil
	}
	if err := r.guard.release(ctx, r.auth); err != nil {
		return err
	}
	r.released = true
	return nil
}
