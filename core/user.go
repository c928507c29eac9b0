package core

import (
	"context"
)

// User is the denormalized profile the core passes through events.
// Identity issuance and credentials live with the external identity
// provider; this core only resolves users by the provider-issued authID.
type User struct {
	ID        UserID `json:"id"`
	AuthID    string `json:"authID"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Profile   string `json:"profile"`
}

type UserStore interface {
	// CreateUser persists a user record. Used by seeding and tests; the
	// identity provider owns user creation in production.
	CreateUser(ctx context.Context, user User) error

	// GetUserByAuthID resolves the identity-provider subject to a user.
	// Returns nil when unknown.
	GetUserByAuthID(ctx context.Context, authID string) (*User, error)

	// GetUserByID returns the user, or nil when unknown.
	GetUserByID(ctx context.Context, userID UserID) (*User, error)

	GetUsersByIDs(ctx context.Context, userIDs ...UserID) ([]User, error)

	// SearchUsers matches the query case-insensitively against first name,
	// last name, and email.
	SearchUsers(ctx context.Context, query string) ([]User, error)
}
