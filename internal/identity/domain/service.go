package domain

import (
	"context"
	"errors"
	"time"
)

// Verifier authenticates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type Service interface {
	Verifier
	CreateUser(ctx context.Context, req CreateUserRequest) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	IssueKey(ctx context.Context, req IssueKeyRequest) (*SecretResponse, error)
	ListKeys(ctx context.Context, userID string) ([]KeyResponse, error)
	RevokeKey(ctx context.Context, keyID string) error
}

type CreateUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  Role   `json:"role"`
}

type IssueKeyRequest struct {
	UserID    string     `json:"-"`
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type KeyResponse struct {
	KeyID      string     `json:"key_id"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type SecretResponse struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidUser     = errors.New("invalid_user")
	ErrInvalidEmail    = errors.New("invalid_email")
	ErrInvalidRole     = errors.New("invalid_role")
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidKeyID    = errors.New("invalid_key_id")
	ErrInvalidExpiry   = errors.New("invalid_expiry")
	ErrUserNotFound    = errors.New("user_not_found")
	ErrUserExists      = errors.New("user_exists")
	ErrKeyNotFound     = errors.New("key_not_found")
)
