package models

import "time"

type User struct {
	ID        int       `json:"id" example:"1"`                   // User ID
	Email     string    `json:"email" example:"user@example.com"` // User email
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}
