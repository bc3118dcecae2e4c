package authapi

import (
	"time"

	"bazaar/cmd/internal/auth/session"
)

type loginRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password string  `json:"password"`
}

type adminLoginRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
}

type userResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

type sessionResponse struct {
	User      userResponse `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
}

type meResponse struct {
	User      userResponse `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func toUserResponse(id session.Identity) userResponse {
	return userResponse{
		ID:          id.SubjectID,
		Role:        id.Role.String(),
		Username:    id.Username,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Avatar:      id.Avatar,
	}
}
