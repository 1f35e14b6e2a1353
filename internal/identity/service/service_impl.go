package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/voxa/internal/clock"
	identitydomain "github.com/smallbiznis/voxa/internal/identity/domain"
	"github.com/smallbiznis/voxa/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	apiKeyPrefix      = "vx_live_"
	apiKeySecretBytes = 32
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  identitydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  identitydomain.Repository
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) identitydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("identity.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
	}
}

// Verify resolves a raw bearer token to the identity that owns it.
func (s *Service) Verify(ctx context.Context, token string) (identitydomain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identitydomain.Identity{}, identitydomain.ErrUnauthenticated
	}

	hash := identitydomain.HashAPIKey(token)
	now := s.clock.Now()
	owner, err := s.repo.FindByKeyHash(ctx, s.db, hash, now)
	if err != nil {
		return identitydomain.Identity{}, err
	}
	if owner == nil || subtle.ConstantTimeCompare([]byte(owner.KeyHash), []byte(hash)) != 1 {
		return identitydomain.Identity{}, identitydomain.ErrUnauthenticated
	}

	if err := s.repo.TouchKey(ctx, s.db, owner.KeyPK, now); err != nil {
		s.log.Warn("failed to record api key use", zap.String("key_id", owner.KeyID), zap.Error(err))
	}

	return identitydomain.Identity{
		UserID: owner.UserID,
		Email:  owner.Email,
		Role:   owner.Role,
		KeyID:  owner.KeyID,
	}, nil
}

func (s *Service) CreateUser(ctx context.Context, req identitydomain.CreateUserRequest) (*identitydomain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, identitydomain.ErrInvalidEmail
	}
	role := req.Role
	switch role {
	case "":
		role = identitydomain.RoleUser
	case identitydomain.RoleUser, identitydomain.RoleAdmin:
	default:
		return nil, identitydomain.ErrInvalidRole
	}

	existing, err := s.repo.FindUserByEmail(ctx, s.db, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, identitydomain.ErrUserExists
	}

	now := s.clock.Now()
	user := &identitydomain.User{
		ID:        s.genID.Generate(),
		Email:     email,
		Name:      strings.TrimSpace(req.Name),
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertUser(ctx, s.db, user); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, identitydomain.ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (*identitydomain.User, error) {
	userID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.FindUserByID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, identitydomain.ErrUserNotFound
	}
	return user, nil
}

// IssueKey creates a new key for a user. The plain key is returned once and
// only its hash is stored.
func (s *Service) IssueKey(ctx context.Context, req identitydomain.IssueKeyRequest) (*identitydomain.SecretResponse, error) {
	user, err := s.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "default"
	}

	now := s.clock.Now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, identitydomain.ErrInvalidExpiry
	}

	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &identitydomain.APIKey{
		ID:        id,
		UserID:    user.ID,
		KeyID:     keyID,
		Name:      name,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.repo.InsertKey(ctx, s.db, key); err != nil {
		return nil, err
	}

	s.log.Info("api key issued", zap.String("key_id", keyID), zap.String("user_id", user.ID.String()))
	return &identitydomain.SecretResponse{KeyID: keyID, APIKey: plain}, nil
}

func (s *Service) ListKeys(ctx context.Context, userID string) ([]identitydomain.KeyResponse, error) {
	id, err := parseID(userID)
	if err != nil {
		return nil, err
	}
	keys, err := s.repo.ListKeysByUser(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	resp := make([]identitydomain.KeyResponse, 0, len(keys))
	for i := range keys {
		resp = append(resp, toKeyResponse(&keys[i]))
	}
	return resp, nil
}

func (s *Service) RevokeKey(ctx context.Context, keyID string) error {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return identitydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindKeyByKeyID(ctx, s.db, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return identitydomain.ErrKeyNotFound
	}

	if _, err := s.repo.DeactivateKey(ctx, s.db, trimmed, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("api key revoked", zap.String("key_id", trimmed))
	return nil
}

func toKeyResponse(key *identitydomain.APIKey) identitydomain.KeyResponse {
	return identitydomain.KeyResponse{
		KeyID:      key.KeyID,
		Name:       key.Name,
		IsActive:   key.IsActive,
		CreatedAt:  key.CreatedAt,
		LastUsedAt: key.LastUsedAt,
		ExpiresAt:  key.ExpiresAt,
	}
}

func generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	secretPart := hex.EncodeToString(secret)
	trimmed := strings.TrimPrefix(keyID, "key_")
	plain := fmt.Sprintf("%s%s_%s", apiKeyPrefix, trimmed, secretPart)
	return plain, identitydomain.HashAPIKey(plain), nil
}

func newKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func parseID(value string) (snowflake.ID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || parsed <= 0 {
		return 0, identitydomain.ErrInvalidUser
	}
	return snowflake.ID(parsed), nil
}
