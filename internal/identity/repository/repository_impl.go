package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() identitydomain.Repository {
	return &repo{}
}

func (r *repo) InsertUser(ctx context.Context, db *gorm.DB, user *identitydomain.User) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO users (id, email, name, role, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Email,
		user.Name,
		user.Role,
		user.CreatedAt,
		user.UpdatedAt,
	).Error
}

func (r *repo) FindUserByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*identitydomain.User, error) {
	var user identitydomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, name, role, created_at, updated_at FROM users WHERE id = ?`,
		id,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) FindUserByEmail(ctx context.Context, db *gorm.DB, email string) (*identitydomain.User, error) {
	var user identitydomain.User
	err := db.WithContext(ctx).Raw(
		`SELECT id, email, name, role, created_at, updated_at FROM users WHERE email = ?`,
		email,
	).Scan(&user).Error
	if err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, nil
	}
	return &user, nil
}

func (r *repo) InsertKey(ctx context.Context, db *gorm.DB, key *identitydomain.APIKey) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO api_keys (id, user_id, key_id, name, key_hash, is_active, created_at, updated_at, last_used_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID,
		key.UserID,
		key.KeyID,
		key.Name,
		key.KeyHash,
		key.IsActive,
		key.CreatedAt,
		key.UpdatedAt,
		key.LastUsedAt,
		key.ExpiresAt,
	).Error
}

func (r *repo) FindKeyByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*identitydomain.APIKey, error) {
	var key identitydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, key_id, name, key_hash, is_active, created_at, updated_at, last_used_at, expires_at
		 FROM api_keys WHERE key_id = ?`,
		keyID,
	).Scan(&key).Error
	if err != nil {
		return nil, err
	}
	if key.ID == 0 {
		return nil, nil
	}
	return &key, nil
}

func (r *repo) ListKeysByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]identitydomain.APIKey, error) {
	var keys []identitydomain.APIKey
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, key_id, name, key_hash, is_active, created_at, updated_at, last_used_at, expires_at
		 FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	).Scan(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *repo) DeactivateKey(ctx context.Context, db *gorm.DB, keyID string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE api_keys
		 SET is_active = false, updated_at = ?, expires_at = COALESCE(expires_at, ?)
		 WHERE key_id = ? AND is_active = true`,
		now,
		now,
		keyID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindByKeyHash(ctx context.Context, db *gorm.DB, hash string, now time.Time) (*identitydomain.KeyOwner, error) {
	var owner identitydomain.KeyOwner
	err := db.WithContext(ctx).Raw(
		`SELECT k.id AS key_pk, k.key_id, k.key_hash, u.id AS user_id, u.email, u.role
		 FROM api_keys k
		 JOIN users u ON u.id = k.user_id
		 WHERE k.key_hash = ?
		   AND k.is_active = true
		   AND (k.expires_at IS NULL OR k.expires_at > ?)
		 LIMIT 1`,
		hash,
		now,
	).Scan(&owner).Error
	if err != nil {
		return nil, err
	}
	if owner.KeyPK == 0 {
		return nil, nil
	}
	return &owner, nil
}

func (r *repo) TouchKey(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		now,
		id,
	).Error
}
