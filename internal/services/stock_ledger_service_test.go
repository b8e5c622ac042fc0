package services

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func expectProductLock(mock sqlmock.Sqlmock, id int, name string, price float64, quantity int) {
	mock.ExpectQuery("SELECT id, name, price, quantity FROM products WHERE id = \\$1 FOR UPDATE").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "quantity"}).
			AddRow(id, name, price, quantity))
}

func TestStockLedgerService_ReserveTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewStockLedgerService(db)

	t.Run("successful multi-item reservation", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		// Locks are taken in ascending product-id order regardless of
		// request order
		expectProductLock(mock, 1, "Widget", 2.50, 10)
		expectProductLock(mock, 4, "Gadget", 10.00, 3)

		mock.ExpectExec("UPDATE products SET quantity = \\$1 WHERE id = \\$2").
			WithArgs(8, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE products SET quantity = \\$1 WHERE id = \\$2").
			WithArgs(2, 4).
			WillReturnResult(sqlmock.NewResult(0, 1))

		total, priced, err := service.ReserveTx(tx, []LineItemRequest{
			{ProductID: 4, Quantity: 1},
			{ProductID: 1, Quantity: 2},
		})
		assert.NoError(t, err)
		assert.Equal(t, 15.00, total)

		// Result preserves request order
		assert.Len(t, priced, 2)
		assert.Equal(t, 4, priced[0].ProductID)
		assert.Equal(t, 10.00, priced[0].UnitPrice)
		assert.Equal(t, 10.00, priced[0].Subtotal)
		assert.Equal(t, 1, priced[1].ProductID)
		assert.Equal(t, 2.50, priced[1].UnitPrice)
		assert.Equal(t, 5.00, priced[1].Subtotal)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reserving the entire stock leaves zero", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectProductLock(mock, 7, "Last Batch", 1.00, 5)
		mock.ExpectExec("UPDATE products SET quantity = \\$1 WHERE id = \\$2").
			WithArgs(0, 7).
			WillReturnResult(sqlmock.NewResult(0, 1))

		total, priced, err := service.ReserveTx(tx, []LineItemRequest{{ProductID: 7, Quantity: 5}})
		assert.NoError(t, err)
		assert.Equal(t, 5.00, total)
		assert.Equal(t, 5, priced[0].Quantity)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("requesting one more than available fails", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectProductLock(mock, 7, "Last Batch", 1.00, 5)

		_, _, err := service.ReserveTx(tx, []LineItemRequest{{ProductID: 7, Quantity: 6}})
		assert.Error(t, err)

		var insufficient *ErrInsufficientStock
		assert.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 7, insufficient.ProductID)
		assert.Equal(t, 6, insufficient.Requested)
		assert.Equal(t, 5, insufficient.Available)
		assert.Contains(t, err.Error(), "Last Batch")

		// No UPDATE was issued: nothing to roll back beyond the tx itself
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown product aborts before any decrement", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectProductLock(mock, 1, "Widget", 2.50, 10)
		mock.ExpectQuery("SELECT id, name, price, quantity FROM products WHERE id = \\$1 FOR UPDATE").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "quantity"}))

		_, _, err := service.ReserveTx(tx, []LineItemRequest{
			{ProductID: 1, Quantity: 2},
			{ProductID: 99, Quantity: 1},
		})
		assert.Error(t, err)

		var unknown *ErrUnknownProduct
		assert.ErrorAs(t, err, &unknown)
		assert.Equal(t, 99, unknown.ProductID)

		// Product 1 was never decremented
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeated product sees earlier in-call decrements", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectProductLock(mock, 3, "Bundle", 4.00, 5)

		_, _, err := service.ReserveTx(tx, []LineItemRequest{
			{ProductID: 3, Quantity: 3},
			{ProductID: 3, Quantity: 3},
		})
		assert.Error(t, err)

		var insufficient *ErrInsufficientStock
		assert.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 2, insufficient.Available)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeated product within stock decrements once", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectProductLock(mock, 3, "Bundle", 4.00, 5)
		mock.ExpectExec("UPDATE products SET quantity = \\$1 WHERE id = \\$2").
			WithArgs(1, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		total, priced, err := service.ReserveTx(tx, []LineItemRequest{
			{ProductID: 3, Quantity: 3},
			{ProductID: 3, Quantity: 1},
		})
		assert.NoError(t, err)
		assert.Equal(t, 16.00, total)
		assert.Len(t, priced, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty item list rejected", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		_, _, err := service.ReserveTx(tx, nil)
		assert.Error(t, err)
	})

	t.Run("non-positive quantity rejected", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		_, _, err := service.ReserveTx(tx, []LineItemRequest{{ProductID: 1, Quantity: 0}})
		assert.Error(t, err)
	})
}

// Two reservations against the same product serialize on the row lock: the
// second caller observes the stock left behind by the first commit. Modeled
// here as back-to-back transactions over the same ledger state.
func TestStockLedgerService_ContendedReservations(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewStockLedgerService(db)

	// First caller: 3 of 5 available, succeeds
	mock.ExpectBegin()
	tx1, _ := db.Begin()
	expectProductLock(mock, 12, "Hot Item", 9.99, 5)
	mock.ExpectExec("UPDATE products SET quantity = \\$1 WHERE id = \\$2").
		WithArgs(2, 12).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, priced, err := service.ReserveTx(tx1, []LineItemRequest{{ProductID: 12, Quantity: 3}})
	assert.NoError(t, err)
	assert.Equal(t, 3, priced[0].Quantity)
	assert.NoError(t, tx1.Commit())

	// Second caller: lock releases with quantity 2, request for 3 fails
	mock.ExpectBegin()
	tx2, _ := db.Begin()
	expectProductLock(mock, 12, "Hot Item", 9.99, 2)
	mock.ExpectRollback()

	_, _, err = service.ReserveTx(tx2, []LineItemRequest{{ProductID: 12, Quantity: 3}})
	var insufficient *ErrInsufficientStock
	assert.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 2, insufficient.Available)
	assert.NoError(t, tx2.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}
