package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertUser(ctx context.Context, db *gorm.DB, user *User) error
	FindUserByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	FindUserByEmail(ctx context.Context, db *gorm.DB, email string) (*User, error)

	InsertKey(ctx context.Context, db *gorm.DB, key *APIKey) error
	FindKeyByKeyID(ctx context.Context, db *gorm.DB, keyID string) (*APIKey, error)
	ListKeysByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]APIKey, error)
	DeactivateKey(ctx context.Context, db *gorm.DB, keyID string, now time.Time) (bool, error)

	// FindByKeyHash resolves a usable key and its owner in one read.
	FindByKeyHash(ctx context.Context, db *gorm.DB, hash string, now time.Time) (*KeyOwner, error)
	TouchKey(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}

type KeyOwner struct {
	KeyPK   snowflake.ID `gorm:"column:key_pk"`
	KeyID   string       `gorm:"column:key_id"`
	KeyHash string       `gorm:"column:key_hash"`
	UserID  snowflake.ID `gorm:"column:user_id"`
	Email   string       `gorm:"column:email"`
	Role    Role         `gorm:"column:role"`
}
