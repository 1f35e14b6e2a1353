package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/voxa/internal/clock"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	"github.com/smallbiznis/voxa/internal/identity/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&identitydomain.User{}, &identitydomain.APIKey{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:    conn,
		Log:   zaptest.NewLogger(t),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, clk
}

func TestIssueAndVerifyKey(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, identitydomain.CreateUserRequest{Email: " Ada@Example.com ", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, identitydomain.RoleUser, user.Role)

	secret, err := svc.IssueKey(ctx, identitydomain.IssueKeyRequest{UserID: user.ID.String()})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(secret.APIKey, apiKeyPrefix))

	identity, err := svc.Verify(ctx, secret.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, identity.UserID)
	assert.Equal(t, secret.KeyID, identity.KeyID)
	assert.False(t, identity.IsAdmin())

	_, err = svc.Verify(ctx, secret.APIKey+"x")
	assert.ErrorIs(t, err, identitydomain.ErrUnauthenticated)
	_, err = svc.Verify(ctx, "   ")
	assert.ErrorIs(t, err, identitydomain.ErrUnauthenticated)
}

func TestRevokedAndExpiredKeysAreRejected(t *testing.T) {
	svc, clk := setupService(t)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, identitydomain.CreateUserRequest{Email: "admin@example.com", Role: identitydomain.RoleAdmin})
	require.NoError(t, err)

	revoked, err := svc.IssueKey(ctx, identitydomain.IssueKeyRequest{UserID: user.ID.String(), Name: "ci"})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeKey(ctx, revoked.KeyID))
	_, err = svc.Verify(ctx, revoked.APIKey)
	assert.ErrorIs(t, err, identitydomain.ErrUnauthenticated)

	expiry := clk.Now().Add(time.Hour)
	shortLived, err := svc.IssueKey(ctx, identitydomain.IssueKeyRequest{UserID: user.ID.String(), ExpiresAt: &expiry})
	require.NoError(t, err)
	identity, err := svc.Verify(ctx, shortLived.APIKey)
	require.NoError(t, err)
	assert.True(t, identity.IsAdmin())

	clk.Advance(2 * time.Hour)
	_, err = svc.Verify(ctx, shortLived.APIKey)
	assert.ErrorIs(t, err, identitydomain.ErrUnauthenticated)

	keys, err := svc.ListKeys(ctx, user.ID.String())
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	assert.ErrorIs(t, svc.RevokeKey(ctx, "key_missing"), identitydomain.ErrKeyNotFound)
}

func TestCreateUserValidation(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, identitydomain.CreateUserRequest{Email: "not-an-email"})
	assert.ErrorIs(t, err, identitydomain.ErrInvalidEmail)
	_, err = svc.CreateUser(ctx, identitydomain.CreateUserRequest{Email: "a@example.com", Role: "root"})
	assert.ErrorIs(t, err, identitydomain.ErrInvalidRole)

	_, err = svc.CreateUser(ctx, identitydomain.CreateUserRequest{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, identitydomain.CreateUserRequest{Email: "A@example.com"})
	assert.ErrorIs(t, err, identitydomain.ErrUserExists)

	_, err = svc.IssueKey(ctx, identitydomain.IssueKeyRequest{UserID: "42"})
	assert.ErrorIs(t, err, identitydomain.ErrUserNotFound)
}
