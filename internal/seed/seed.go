package seed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const bootstrapKeyID = "key_BOOTSTRAP"

// Bootstrap describes the first admin. An empty Email disables seeding.
type Bootstrap struct {
	Email  string
	Name   string
	APIKey string
}

// EnsureAdmin creates the bootstrap admin and registers the configured API
// key for it. Both steps are idempotent; an existing user with the same email
// is promoted to admin.
func EnsureAdmin(ctx context.Context, db *gorm.DB, node *snowflake.Node, log *zap.Logger, b Bootstrap) error {
	email := strings.ToLower(strings.TrimSpace(b.Email))
	if email == "" {
		return nil
	}
	if db == nil {
		return errors.New("seed database handle is required")
	}
	if node == nil {
		return errors.New("seed id generator is required")
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, created, err := ensureAdminUserTx(ctx, tx, node, email, b.Name)
		if err != nil {
			return err
		}
		if created && log != nil {
			log.Info("bootstrap admin created", zap.String("user_id", user.ID.String()), zap.String("email", email))
		}

		plain := strings.TrimSpace(b.APIKey)
		if plain == "" {
			return nil
		}
		return ensureAPIKeyTx(ctx, tx, node, user.ID, plain)
	})
}

func ensureAdminUserTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, email, name string) (identitydomain.User, bool, error) {
	var user identitydomain.User
	err := tx.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == nil {
		if user.Role != identitydomain.RoleAdmin {
			err = tx.WithContext(ctx).Model(&user).Updates(map[string]any{
				"role":       identitydomain.RoleAdmin,
				"updated_at": time.Now().UTC(),
			}).Error
		}
		return user, false, err
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return user, false, err
	}

	now := time.Now().UTC()
	user = identitydomain.User{
		ID:        node.Generate(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		Role:      identitydomain.RoleAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
		return user, false, err
	}
	return user, true, nil
}

func ensureAPIKeyTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, userID snowflake.ID, plain string) error {
	hash := identitydomain.HashAPIKey(plain)

	var existing identitydomain.APIKey
	err := tx.WithContext(ctx).Where("key_hash = ?", hash).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	// A rotated bootstrap key replaces the previous one.
	if err := tx.WithContext(ctx).
		Where("key_id = ?", bootstrapKeyID).
		Delete(&identitydomain.APIKey{}).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	return tx.WithContext(ctx).Create(&identitydomain.APIKey{
		ID:        node.Generate(),
		UserID:    userID,
		KeyID:     bootstrapKeyID,
		Name:      "bootstrap",
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}
