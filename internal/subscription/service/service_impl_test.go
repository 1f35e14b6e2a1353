package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/voxa/internal/clock"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"github.com/smallbiznis/voxa/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&subscriptiondomain.Subscription{}))
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY, email TEXT, role TEXT)`).Error)
	return db
}

func newTestService(t *testing.T, db *gorm.DB, clk clock.Clock) *Service {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParam{
		DB:    db,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	}).(*Service)
}

func seedUser(t *testing.T, db *gorm.DB, id int64) {
	t.Helper()
	require.NoError(t, db.Exec(`INSERT INTO users (id, email, role) VALUES (?, ?, 'user')`, id, fmt.Sprintf("u%d@example.com", id)).Error)
}

func TestCreateRejectsSecondActiveSubscription(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)
	seedUser(t, db, 10)
	ctx := context.Background()

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "10", Credits: 1000, DurationDays: 30})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(0), sub.CreditsUsed)
	assert.Equal(t, clk.Now().AddDate(0, 0, 30), sub.ExpiresAt)

	_, err = svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "10", Credits: 500, DurationDays: 30})
	require.ErrorIs(t, err, subscriptiondomain.ErrActiveSubscriptionExists)
}

func TestCreateReplacesLapsedSubscription(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)
	seedUser(t, db, 11)
	ctx := context.Background()

	first, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "11", Credits: 100, DurationDays: 1})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	second, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "11", Credits: 200, DurationDays: 30})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, old.Status)
	require.NotNil(t, old.EndAt)
}

func TestCreateValidation(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(time.Now()))
	ctx := context.Background()

	_, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "abc", Credits: 1, DurationDays: 1})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidUser)
	_, err = svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "12", Credits: 0, DurationDays: 1})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidCredits)
	_, err = svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "12", Credits: 1, DurationDays: 0})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidDuration)
	_, err = svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "12", Credits: 1, DurationDays: 1})
	assert.ErrorIs(t, err, subscriptiondomain.ErrUserNotFound)
}

func TestGetCurrentExpiresLapsedSubscription(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)
	seedUser(t, db, 20)
	ctx := context.Background()

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "20", Credits: 100, DurationDays: 1})
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	current, err := svc.GetCurrent(ctx, sub.UserID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, current.Status)

	stored, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusExpired, stored.Status)
	require.NotNil(t, stored.EndAt)

	current, err = svc.GetCurrent(ctx, sub.UserID)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestSummary(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)
	seedUser(t, db, 21)
	ctx := context.Background()

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "21", Credits: 1000, DurationDays: 10})
	require.NoError(t, err)
	ok, err := svc.ReserveCredits(ctx, sub.ID, 250)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Advance(36 * time.Hour)
	summary, err := svc.Summary(ctx, sub.UserID)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, int64(750), summary.CreditsRemaining)
	assert.Equal(t, 75.0, summary.CreditsPercentage)
	assert.Equal(t, 9, summary.DaysRemaining)
	assert.False(t, summary.IsExpired)
}

func TestReserveAndReleaseAccounting(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	seedUser(t, db, 30)
	ctx := context.Background()

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "30", Credits: 1000, DurationDays: 30})
	require.NoError(t, err)

	ok, err := svc.ReserveCredits(ctx, sub.ID, 300)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.ReserveCredits(ctx, sub.ID, 700)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ReserveCredits(ctx, sub.ID, 1)
	require.NoError(t, err)
	assert.False(t, ok, "balance is exhausted")

	ok, err = svc.ReleaseCredits(ctx, sub.ID, 300)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), stored.CreditsUsed)

	ok, err = svc.ReleaseCredits(ctx, sub.ID, 5000)
	require.NoError(t, err)
	assert.False(t, ok, "release never drives the counter negative")

	_, err = svc.ReserveCredits(ctx, sub.ID, 0)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidAmount)
}

func TestReserveRefusesExpiredSubscription(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	seedUser(t, db, 31)
	ctx := context.Background()

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "31", Credits: 1000, DurationDays: 30})
	require.NoError(t, err)
	_, err = svc.Expire(ctx, sub.ID.String())
	require.NoError(t, err)

	ok, err := svc.ReserveCredits(ctx, sub.ID, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveRefusesLapsedSubscription(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)
	seedUser(t, db, 32)
	ctx := context.Background()

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "32", Credits: 1000, DurationDays: 30})
	require.NoError(t, err)

	// Still marked active, but past its expiry.
	clk.Advance(31 * 24 * time.Hour)
	ok, err := svc.ReserveCredits(ctx, sub.ID, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, stored.Status)
	assert.Equal(t, int64(0), stored.CreditsUsed)
}

func TestConcurrentReserveNeverOverspends(t *testing.T) {
	db := setupTestDB(t)
	svc := newTestService(t, db, clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	seedUser(t, db, 40)
	ctx := context.Background()

	sub, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{UserID: "40", Credits: 100, DurationDays: 30})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.ReserveCredits(ctx, sub.ID, 30)
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	stored, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, accepted)
	assert.Equal(t, int64(90), stored.CreditsUsed)
}

func TestListAndExpireDue(t *testing.T) {
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService(t, db, clk)
	ctx := context.Background()
	for i := int64(50); i < 53; i++ {
		seedUser(t, db, i)
		_, err := svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
			UserID:       fmt.Sprint(i),
			Credits:      100,
			DurationDays: int(i - 49),
		})
		require.NoError(t, err)
	}

	clk.Advance(36 * time.Hour)
	n, err := svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clk.Advance(24 * time.Hour)
	resp, err := svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{Status: "expired"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), resp.Total)
	for _, item := range resp.Subscriptions {
		assert.True(t, item.IsExpired)
		assert.Equal(t, 0, item.DaysRemaining)
	}

	resp, err = svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{UserID: "52"})
	require.NoError(t, err)
	require.Len(t, resp.Subscriptions, 1)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, resp.Subscriptions[0].Status)

	_, err = svc.List(ctx, subscriptiondomain.ListSubscriptionRequest{Status: "paused"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)
}
