package seed

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupSeedDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&identitydomain.User{}, &identitydomain.APIKey{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return db, node
}

func TestEnsureAdminSkipsWithoutEmail(t *testing.T) {
	db, node := setupSeedDB(t)
	require.NoError(t, EnsureAdmin(context.Background(), db, node, nil, Bootstrap{}))

	var count int64
	require.NoError(t, db.Model(&identitydomain.User{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEnsureAdminIsIdempotent(t *testing.T) {
	db, node := setupSeedDB(t)
	ctx := context.Background()
	b := Bootstrap{Email: "Ops@Example.com", Name: "Ops", APIKey: "vx_live_bootstrap_secret"}

	require.NoError(t, EnsureAdmin(ctx, db, node, zaptest.NewLogger(t), b))
	require.NoError(t, EnsureAdmin(ctx, db, node, zaptest.NewLogger(t), b))

	var users []identitydomain.User
	require.NoError(t, db.Find(&users).Error)
	require.Len(t, users, 1)
	assert.Equal(t, "ops@example.com", users[0].Email)
	assert.Equal(t, identitydomain.RoleAdmin, users[0].Role)

	var keys []identitydomain.APIKey
	require.NoError(t, db.Find(&keys).Error)
	require.Len(t, keys, 1)
	assert.Equal(t, identitydomain.HashAPIKey("vx_live_bootstrap_secret"), keys[0].KeyHash)
	assert.Equal(t, users[0].ID, keys[0].UserID)
}

func TestEnsureAdminRotatesKeyAndPromotes(t *testing.T) {
	db, node := setupSeedDB(t)
	ctx := context.Background()
	require.NoError(t, db.Create(&identitydomain.User{ID: 5, Email: "ops@example.com", Role: identitydomain.RoleUser}).Error)

	require.NoError(t, EnsureAdmin(ctx, db, node, nil, Bootstrap{Email: "ops@example.com", APIKey: "first"}))
	require.NoError(t, EnsureAdmin(ctx, db, node, nil, Bootstrap{Email: "ops@example.com", APIKey: "second"}))

	var user identitydomain.User
	require.NoError(t, db.First(&user, 5).Error)
	assert.Equal(t, identitydomain.RoleAdmin, user.Role)

	var keys []identitydomain.APIKey
	require.NoError(t, db.Find(&keys).Error)
	require.Len(t, keys, 1)
	assert.Equal(t, identitydomain.HashAPIKey("second"), keys[0].KeyHash)
}
