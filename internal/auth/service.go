// internal/auth/service.go
// Service layer contains all business logic for authentication.

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/eugeniagram/eugeniagram/internal/common/utils"
	"github.com/eugeniagram/eugeniagram/internal/store/notify"
)

// Common errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailAlreadyExists = errors.New("email already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTooManyAttempts    = errors.New("too many attempts")
)

const (
	tokenTypeAccess = "access"
	issuer          = "eugeniagram"
	maxFailedLogins = 5
	failedLoginTTL  = 15 * time.Minute
)

type Service interface {
	Signup(ctx context.Context, req *SignupRequest) (*AuthResponse, error)
	Signin(ctx context.Context, req *SigninRequest) (*AuthResponse, error)
	ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error)
	Logout(ctx context.Context, token string) error
	UpdatePassword(ctx context.Context, userID, password string) error
	InitiatePasswordReset(ctx context.Context, email string) error
	VerifyRecovery(ctx context.Context, token string) (*AuthResponse, error)
	GetUserByID(ctx context.Context, userID string) (*User, error)
}

// Config holds service configuration
type Config struct {
	JWTSecret           string
	AccessTokenExpiry   time.Duration
	RecoveryTokenExpiry time.Duration
	BCryptCost          int
}

type service struct {
	repo   Repository
	redis  *redis.Client
	mailer notify.Sender
	config *Config
	log    *slog.Logger
}

func NewService(repo Repository, redis *redis.Client, mailer notify.Sender, config *Config, log *slog.Logger) Service {
	return &service{
		repo:   repo,
		redis:  redis,
		mailer: mailer,
		config: config,
		log:    log,
	}
}

func (s *service) Signup(ctx context.Context, req *SignupRequest) (*AuthResponse, error) {
	email := normalizeEmail(req.Email)

	if _, err := s.repo.GetUserByEmail(ctx, email); err == nil {
		return nil, ErrEmailAlreadyExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.config.BCryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{Email: email, PasswordHash: string(hash)}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.log.Info("account created", "user_id", user.ID)
	return s.createAuthSession(user)
}

func (s *service) Signin(ctx context.Context, req *SigninRequest) (*AuthResponse, error) {
	email := normalizeEmail(req.Email)

	if s.failedAttempts(ctx, email) >= maxFailedLogins {
		return nil, ErrTooManyAttempts
	}

	user, err := s.repo.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		s.recordFailedAttempt(ctx, email)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		s.recordFailedAttempt(ctx, email)
		return nil, ErrInvalidCredentials
	}

	s.clearFailedAttempts(ctx, email)
	return s.createAuthSession(user)
}

func (s *service) ValidateToken(ctx context.Context, token string) (*utils.JWTClaims, error) {
	claims, err := utils.ValidateJWT(token, s.config.JWTSecret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != tokenTypeAccess {
		return nil, ErrInvalidToken
	}

	revoked, err := s.redis.Exists(ctx, revokedKey(claims.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check token revocation: %w", err)
	}
	if revoked > 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Logout revokes the token for the rest of its lifetime
func (s *service) Logout(ctx context.Context, token string) error {
	claims, err := utils.ValidateJWT(token, s.config.JWTSecret)
	if err != nil {
		return ErrInvalidToken
	}
	ttl := time.Until(time.Unix(claims.ExpiresAt, 0))
	if ttl <= 0 {
		return nil
	}
	return s.redis.Set(ctx, revokedKey(claims.ID), claims.UserID, ttl).Err()
}

func (s *service) UpdatePassword(ctx context.Context, userID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BCryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return s.repo.UpdatePassword(ctx, userID, string(hash))
}

// InitiatePasswordReset emails a one time recovery token. Unknown emails succeed silently.
func (s *service) InitiatePasswordReset(ctx context.Context, email string) error {
	user, err := s.repo.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up account: %w", err)
	}

	token := generateSecureToken()
	if err := s.redis.Set(ctx, recoveryKey(token), user.ID, s.config.RecoveryTokenExpiry).Err(); err != nil {
		return fmt.Errorf("failed to store recovery token: %w", err)
	}

	if err := s.mailer.Send(ctx, notify.RecoveryEmail(user.Email, token, s.config.RecoveryTokenExpiry.String())); err != nil {
		return fmt.Errorf("failed to send recovery email: %w", err)
	}
	return nil
}

// VerifyRecovery trades a recovery token for a session. Tokens are single use.
func (s *service) VerifyRecovery(ctx context.Context, token string) (*AuthResponse, error) {
	userID, err := s.redis.GetDel(ctx, recoveryKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recovery token: %w", err)
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.createAuthSession(user)
}

func (s *service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// Helper functions

func (s *service) createAuthSession(user *User) (*AuthResponse, error) {
	claims := &utils.JWTClaims{
		ID:     uuid.NewString(),
		UserID: user.ID,
		Email:  user.Email,
		Type:   tokenTypeAccess,
		Issuer: issuer,
	}
	accessToken, err := utils.GenerateJWT(claims, s.config.JWTSecret, s.config.AccessTokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	return &AuthResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresAt:   time.Unix(claims.ExpiresAt, 0).UTC(),
		User:        user.Public(),
	}, nil
}

func (s *service) failedAttempts(ctx context.Context, identifier string) int {
	n, err := s.redis.Get(ctx, failedKey(identifier)).Int()
	if err != nil {
		return 0
	}
	return n
}

func (s *service) recordFailedAttempt(ctx context.Context, identifier string) {
	key := failedKey(identifier)
	s.redis.Incr(ctx, key)
	s.redis.Expire(ctx, key, failedLoginTTL)
}

func (s *service) clearFailedAttempts(ctx context.Context, identifier string) {
	s.redis.Del(ctx, failedKey(identifier))
}

func generateSecureToken() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func revokedKey(jti string) string { return fmt.Sprintf("auth:revoked:%s", jti) }
func recoveryKey(token string) string { return fmt.Sprintf("auth:recovery:%s", token) }
func failedKey(identifier string) string { return fmt.Sprintf("auth:failed:%s", identifier) }
