package models

import (
	"time"
)

// Transaction is a recorded sale. Items are created together with the header
// in one atomic boundary and never modified afterwards.
type Transaction struct {
	ID          int               `json:"id" db:"id"`
	Reference   string            `json:"reference" db:"reference"`
	UserID      *int              `json:"user_id,omitempty" db:"user_id"`
	TotalAmount float64           `json:"total_amount" db:"total_amount"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	Items       []TransactionItem `json:"items"`
}

// TransactionItem is one sold line. UnitPrice is a snapshot of the product
// price at sale time; Subtotal is always unit_price * quantity.
type TransactionItem struct {
	ID            int     `json:"id" db:"id"`
	TransactionID int     `json:"-" db:"transaction_id"`
	ProductID     *int    `json:"product_id" db:"product_id"`
	Quantity      int     `json:"quantity" db:"quantity"`
	UnitPrice     float64 `json:"unit_price" db:"unit_price"`
	Subtotal      float64 `json:"subtotal" db:"subtotal"`
}
