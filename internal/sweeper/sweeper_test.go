package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/voxa/internal/clock"
	"github.com/smallbiznis/voxa/internal/config"
	generationdomain "github.com/smallbiznis/voxa/internal/generation/domain"
	subscriptiondomain "github.com/smallbiznis/voxa/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSubscriptions struct {
	subscriptiondomain.Service
	calls atomic.Int32
	limit atomic.Int32
	fn    func(ctx context.Context) (int64, error)
}

func (f *fakeSubscriptions) ExpireDue(ctx context.Context, limit int) (int64, error) {
	f.calls.Add(1)
	f.limit.Store(int32(limit))
	if f.fn != nil {
		return f.fn(ctx)
	}
	return 0, nil
}

type fakeGenerations struct {
	generationdomain.Service
	calls atomic.Int32
	fn    func(ctx context.Context) (int64, error)
}

func (f *fakeGenerations) FailStale(ctx context.Context, limit int) (int64, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx)
	}
	return 0, nil
}

func newTestSweeper(t *testing.T, cfg config.SweeperConfig, subs *fakeSubscriptions, gens *fakeGenerations) *Sweeper {
	t.Helper()
	return New(Params{
		Config:        config.Config{Sweeper: cfg},
		Log:           zaptest.NewLogger(t),
		Clock:         clock.New(),
		Subscriptions: subs,
		Generations:   gens,
	})
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	subs := &fakeSubscriptions{fn: func(context.Context) (int64, error) { return 3, nil }}
	gens := &fakeGenerations{}
	s := newTestSweeper(t, config.SweeperConfig{BatchSize: 25}, subs, gens)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, int32(1), subs.calls.Load())
	assert.Equal(t, int32(25), subs.limit.Load())
	assert.Equal(t, int32(1), gens.calls.Load())
}

func TestRunOnceWrapsJobErrors(t *testing.T) {
	boom := errors.New("boom")
	subs := &fakeSubscriptions{fn: func(context.Context) (int64, error) { return 0, boom }}
	gens := &fakeGenerations{}
	s := newTestSweeper(t, config.SweeperConfig{}, subs, gens)

	err := s.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), JobExpireSubscriptions)
	assert.Equal(t, int32(1), gens.calls.Load(), "one failing job does not stop the next")
}

func TestTimeoutIsSoft(t *testing.T) {
	subs := &fakeSubscriptions{}
	gens := &fakeGenerations{fn: func(ctx context.Context) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	s := newTestSweeper(t, config.SweeperConfig{RunTimeout: 20 * time.Millisecond}, subs, gens)

	assert.NoError(t, s.RunOnce(context.Background()))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := newTestSweeper(t, config.SweeperConfig{ExpirySchedule: "not a schedule", StaleSchedule: "@every 1m"}, &fakeSubscriptions{}, &fakeGenerations{})
	assert.Error(t, s.Start())
}

func TestStartRunsScheduledJobs(t *testing.T) {
	subs := &fakeSubscriptions{}
	gens := &fakeGenerations{}
	s := newTestSweeper(t, config.SweeperConfig{ExpirySchedule: "@every 1s", StaleSchedule: "@every 1s"}, subs, gens)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		return subs.calls.Load() > 0 && gens.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}
