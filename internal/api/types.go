// Package api defines the request and response types shared by the HTTP
// and websocket transports.
package api

// SignupRequest is the request body for the /signup endpoint.
type SignupRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest is the request body for the /login endpoint.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse carries a signed JWT back to the client.
type TokenResponse struct {
	Token string `json:"token"`
}

// MessageResponse is a generic success payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is a generic error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
