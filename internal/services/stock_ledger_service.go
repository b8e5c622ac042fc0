package services

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownProduct is returned when a requested product id does not exist.
type ErrUnknownProduct struct {
	ProductID int
}

func (e *ErrUnknownProduct) Error() string {
	return fmt.Sprintf("invalid product %d", e.ProductID)
}

// ErrInsufficientStock is returned when a requested quantity exceeds the
// available quantity at reservation time.
type ErrInsufficientStock struct {
	ProductID int
	Name      string
	Requested int
	Available int
}

func (e *ErrInsufficientStock) Error() string {
	return fmt.Sprintf("insufficient stock for %s", e.Name)
}

// LineItemRequest is one (product, quantity) line in a sale request.
type LineItemRequest struct {
	ProductID int `json:"product_id" validate:"required,gt=0"`
	Quantity  int `json:"quantity" validate:"required,gt=0"`
}

// PricedItem is a validated, priced line ready for persistence.
type PricedItem struct {
	ProductID int
	Name      string
	Quantity  int
	UnitPrice float64
	Subtotal  float64
}

type lockedProduct struct {
	ID       int
	Name     string
	Price    float64
	Quantity int
}

// StockLedgerService owns reservation against the product ledger. The whole
// reservation runs inside a caller-supplied *sql.Tx so stock decrements and
// the sale record commit or roll back together.
type StockLedgerService struct {
	db *sql.DB
}

func NewStockLedgerService(db *sql.DB) *StockLedgerService {
	return &StockLedgerService{db: db}
}

// ReserveTx validates and prices the requested items, decrementing stock in
// place. Product rows are locked with FOR UPDATE in ascending id order so
// concurrent reservations for the same products serialize without deadlock.
// Items are then processed in request order: each line sees the quantity
// remaining after earlier lines in the same call. On any failure the caller
// must roll back the transaction; no decrement survives.
func (s *StockLedgerService) ReserveTx(tx *sql.Tx, items []LineItemRequest) (float64, []PricedItem, error) {
	if len(items) == 0 {
		return 0, nil, errors.New("no items to reserve")
	}

	locked := make(map[int]*lockedProduct, len(items))
	ids := make([]int, 0, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return 0, nil, fmt.Errorf("quantity must be positive for product %d", item.ProductID)
		}
		if _, seen := locked[item.ProductID]; !seen {
			locked[item.ProductID] = nil
			ids = append(ids, item.ProductID)
		}
	}
	sort.Ints(ids)

	for _, id := range ids {
		p, err := s.lockProduct(tx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				return 0, nil, &ErrUnknownProduct{ProductID: id}
			}
			return 0, nil, err
		}
		locked[id] = p
	}

	var total float64
	priced := make([]PricedItem, 0, len(items))
	for _, item := range items {
		p := locked[item.ProductID]
		if p.Quantity < item.Quantity {
			return 0, nil, &ErrInsufficientStock{
				ProductID: p.ID,
				Name:      p.Name,
				Requested: item.Quantity,
				Available: p.Quantity,
			}
		}
		subtotal := p.Price * float64(item.Quantity)
		p.Quantity -= item.Quantity
		total += subtotal
		priced = append(priced, PricedItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
			Subtotal:  subtotal,
		})
	}

	for _, id := range ids {
		if err := s.updateQuantity(tx, id, locked[id].Quantity); err != nil {
			return 0, nil, err
		}
	}

	return total, priced, nil
}

func (s *StockLedgerService) lockProduct(tx *sql.Tx, productID int) (*lockedProduct, error) {
	var p lockedProduct
	err := tx.QueryRow(`
		SELECT id, name, price, quantity
		FROM products
		WHERE id = $1
		FOR UPDATE`, productID).Scan(&p.ID, &p.Name, &p.Price, &p.Quantity)

	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *StockLedgerService) updateQuantity(tx *sql.Tx, productID, newQuantity int) error {
	result, err := tx.Exec(`
		UPDATE products
		SET quantity = $1
		WHERE id = $2`,
		newQuantity, productID)

	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("stock update failed for product %d", productID)
	}

	return nil
}
