// Package entity defines the domain entities for the auth feature.
package entity

import "time"

// User is a registered account. Trades, alerts and chat turns reference
// the owning user by ID; the email is only an authentication credential.
type User struct {
	ID uint `gorm:"primaryKey"`

	// Email is unique and stored normalized (lowercased, trimmed).
	Email string `gorm:"uniqueIndex;size:255;not null"`

	// Password holds the bcrypt hash, never the plaintext.
	Password string `gorm:"size:255;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
