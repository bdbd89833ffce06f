// Package entity defines the domain models for the alerts feature.
package entity

// Direction is the side a price must cross from.
type Direction string

const (
	// DirectionAbove fires when the price crosses up through the target.
	DirectionAbove Direction = "above"
	// DirectionBelow fires when the price crosses down through the target.
	DirectionBelow Direction = "below"
)

// PriceAlert is a one-shot crossing alert owned by a session. Once
// triggered it stays inert until explicitly re-armed.
type PriceAlert struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      uint      `json:"user_id"`
	Symbol      string    `json:"symbol"`
	TargetPrice float64   `json:"target_price"`
	Direction   Direction `json:"direction"`
	Active      bool      `json:"active"`
	CreatedAt   int64     `json:"created_at"`
	TriggeredAt *int64    `json:"triggered_at,omitempty"`
}
