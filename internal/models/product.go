package models

import (
	"time"
)

// Product represents a catalog product with its current price and on-hand stock
type Product struct {
	ID          int       `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Price       float64   `json:"price" db:"price"`
	Quantity    int       `json:"quantity" db:"quantity"`
	CategoryID  *int      `json:"category_id,omitempty" db:"category_id"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
