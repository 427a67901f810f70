package models

import "time"

// User is the caller identity resolved from a bearer token.
type User struct {
	ID string `json:"id"`
	// ExpiresAt is the token expiry when the verifier knows it.
	ExpiresAt time.Time `json:"-"`
}
