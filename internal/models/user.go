package models

import "time"

// User is an account able to own conversations.
type User struct {
	ID                  int64     `json:"id"`
	Email               string    `json:"email"`
	Name                string    `json:"name"`
	Role                string    `json:"role"`
	IsActive            bool      `json:"is_active"`
	PasswordHash        string    `json:"-"`
	ActivationCode      string    `json:"-"`
	ActivationExpiresAt time.Time `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
}

// DefaultUserRole is assigned at registration.
const DefaultUserRole = "user"
