// internal/auth/models.go
// Account and session models for the /auth/v1 surface

package auth

import (
	"time"

	"github.com/eugeniagram/eugeniagram/internal/store"
)

// User is a row of auth_users
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Public strips the account down to what clients see
func (u *User) Public() store.User {
	return store.User{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type SigninRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UpdateUserRequest struct {
	Password string `json:"password" validate:"required,min=6,max=72"`
}

type RecoverRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type VerifyRequest struct {
	Type  string `json:"type" validate:"required,oneof=recovery"`
	Token string `json:"token" validate:"required"`
}

// AuthResponse is the session handed to clients
type AuthResponse = store.Session
