package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/stockpilot/backend/internal/models"
)

const analyticsCacheKey = "analytics:summary"

type TransactionService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *StockLedgerService
	validator *ValidationHelper
}

// CreateTransactionRequest is the sale request payload
type CreateTransactionRequest struct {
	Items []LineItemRequest `json:"items" validate:"required,min=1,dive"`
}

// TopProduct is one entry of the analytics top-products list
type TopProduct struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// AnalyticsSummary aggregates all persisted sales
type AnalyticsSummary struct {
	TotalSales        float64      `json:"total_sales"`
	TotalTransactions int          `json:"total_transactions"`
	TopProducts       []TopProduct `json:"top_products"`
}

func NewTransactionService(db *sql.DB, redisClient *redis.Client) *TransactionService {
	return &TransactionService{
		db:        db,
		redis:     redisClient,
		ledger:    NewStockLedgerService(db),
		validator: NewValidationHelper(),
	}
}

// CreateTransaction records a sale
// @Summary Record a sale
// @Description Validate stock, decrement inventory and persist the sale atomically
// @Tags transactions
// @Accept json
// @Produce json
// @Param transaction body CreateTransactionRequest true "Requested line items"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /transactions [post]
func (ts *TransactionService) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := ts.resolveUser(w, r)
	if !ok {
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateTransactionRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	dbTx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[TRANSACTION] Failed to begin transaction: %v", err)
		SendErrorResponse(w, "Failed to process sale", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	total, priced, err := ts.ledger.ReserveTx(dbTx, req.Items)
	if err != nil {
		var unknown *ErrUnknownProduct
		var insufficient *ErrInsufficientStock
		if errors.As(err, &unknown) || errors.As(err, &insufficient) {
			log.Printf("[TRANSACTION] Reservation rejected for user %d: %v", userID, err)
			SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
			return
		}
		log.Printf("[TRANSACTION] Reservation failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to process sale", http.StatusInternalServerError, nil)
		return
	}

	record, err := ts.persistTransactionTx(dbTx, userID, total, priced)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to store sale for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to store sale", http.StatusInternalServerError, nil)
		return
	}

	if err := dbTx.Commit(); err != nil {
		log.Printf("[TRANSACTION] Failed to commit sale for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to process sale", http.StatusInternalServerError, nil)
		return
	}

	ts.invalidateAnalyticsCache(r.Context())
	log.Printf("[TRANSACTION] Sale %s recorded for user %d, total %.2f", record.Reference, userID, record.TotalAmount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}

// ListTransactions lists recorded sales, newest first
// @Summary List sales
// @Tags transactions
// @Produce json
// @Param skip query int false "Offset"
// @Param limit query int false "Page size (default 50)"
// @Success 200 {array} models.Transaction
// @Failure 500 {object} ErrorResponse
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	if _, ok := ts.resolveUser(w, r); !ok {
		return
	}

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}

	rows, err := ts.db.Query(`
		SELECT id, reference, user_id, total_amount, created_at
		FROM transactions
		ORDER BY created_at DESC
		OFFSET $1 LIMIT $2`, skip, limit)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to list sales: %v", err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	txIDs := []int{}
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(&tx.ID, &tx.Reference, &tx.UserID, &tx.TotalAmount, &tx.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		tx.Items = []models.TransactionItem{}
		transactions = append(transactions, tx)
		txIDs = append(txIDs, tx.ID)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	if err := ts.attachItems(transactions, txIDs); err != nil {
		log.Printf("[TRANSACTION] Failed to fetch sale items: %v", err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

// GetTransaction retrieves a single sale with its items
// @Summary Get sale by ID
// @Tags transactions
// @Produce json
// @Param txID path int true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txID} [get]
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if _, ok := ts.resolveUser(w, r); !ok {
		return
	}

	txID, err := strconv.Atoi(chi.URLParam(r, "txID"))
	if err != nil {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	var tx models.Transaction
	err = ts.db.QueryRow(`
		SELECT id, reference, user_id, total_amount, created_at
		FROM transactions
		WHERE id = $1`, txID).Scan(&tx.ID, &tx.Reference, &tx.UserID, &tx.TotalAmount, &tx.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[TRANSACTION] Failed to fetch sale %d: %v", txID, err)
			SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	tx.Items = []models.TransactionItem{}
	wrapped := []models.Transaction{tx}
	if err := ts.attachItems(wrapped, []int{tx.ID}); err != nil {
		log.Printf("[TRANSACTION] Failed to fetch items for sale %d: %v", txID, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wrapped[0])
}

// GetAnalyticsSummary reports aggregate sales statistics
// @Summary Sales analytics summary
// @Description Total sales, transaction count and top 5 products by quantity sold
// @Tags transactions
// @Produce json
// @Success 200 {object} AnalyticsSummary
// @Failure 500 {object} ErrorResponse
// @Router /transactions/analytics/summary [get]
func (ts *TransactionService) GetAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := ts.resolveUser(w, r); !ok {
		return
	}

	if cached := ts.cachedAnalytics(r.Context()); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	summary, err := ts.summarize(r.Context())
	if err != nil {
		log.Printf("[ANALYTICS] Summary failed: %v", err)
		SendErrorResponse(w, "Failed to compute summary", http.StatusInternalServerError, nil)
		return
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		SendErrorResponse(w, "Failed to compute summary", http.StatusInternalServerError, nil)
		return
	}

	ts.cacheAnalytics(r.Context(), payload)

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// summarize reads all three aggregates inside one repeatable-read snapshot
// so the totals and the top-product list cannot skew against each other.
func (ts *TransactionService) summarize(ctx context.Context) (*AnalyticsSummary, error) {
	tx, err := ts.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	summary := &AnalyticsSummary{TopProducts: []TopProduct{}}

	if err := tx.QueryRow(`SELECT COALESCE(SUM(total_amount), 0) FROM transactions`).Scan(&summary.TotalSales); err != nil {
		return nil, err
	}

	if err := tx.QueryRow(`SELECT COUNT(id) FROM transactions`).Scan(&summary.TotalTransactions); err != nil {
		return nil, err
	}

	// Ties broken by ascending product id so the ranking is deterministic
	rows, err := tx.Query(`
		SELECT p.name, SUM(ti.quantity) AS qty
		FROM transaction_items ti
		JOIN products p ON p.id = ti.product_id
		GROUP BY p.id, p.name
		ORDER BY qty DESC, p.id ASC
		LIMIT 5`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry TopProduct
		if err := rows.Scan(&entry.Name, &entry.Quantity); err != nil {
			return nil, err
		}
		summary.TopProducts = append(summary.TopProducts, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summary, tx.Commit()
}

func (ts *TransactionService) persistTransactionTx(dbTx *sql.Tx, userID int, total float64, priced []PricedItem) (*models.Transaction, error) {
	record := &models.Transaction{
		Reference:   uuid.New().String(),
		UserID:      &userID,
		TotalAmount: total,
		Items:       make([]models.TransactionItem, 0, len(priced)),
	}

	err := dbTx.QueryRow(`
		INSERT INTO transactions (reference, user_id, total_amount)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		record.Reference, userID, total).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, line := range priced {
		item := models.TransactionItem{
			TransactionID: record.ID,
			ProductID:     intPtr(line.ProductID),
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Subtotal:      line.Subtotal,
		}
		err := dbTx.QueryRow(`
			INSERT INTO transaction_items (transaction_id, product_id, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			record.ID, line.ProductID, line.Quantity, line.UnitPrice, line.Subtotal).Scan(&item.ID)
		if err != nil {
			return nil, err
		}
		record.Items = append(record.Items, item)
	}

	return record, nil
}

func (ts *TransactionService) attachItems(transactions []models.Transaction, txIDs []int) error {
	if len(txIDs) == 0 {
		return nil
	}

	byID := make(map[int]*models.Transaction, len(transactions))
	for i := range transactions {
		byID[transactions[i].ID] = &transactions[i]
	}

	rows, err := ts.db.Query(`
		SELECT id, transaction_id, product_id, quantity, unit_price, subtotal
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY id ASC`, intArray(txIDs))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.TransactionItem
		if err := rows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return err
		}
		if tx, ok := byID[item.TransactionID]; ok {
			tx.Items = append(tx.Items, item)
		}
	}
	return rows.Err()
}

// resolveUser resolves the authenticated caller to an active user row before
// any core logic runs. Writes the error response itself when resolution fails.
func (ts *TransactionService) resolveUser(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return 0, false
	}

	userID, err := strconv.Atoi(raw)
	if err != nil {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return 0, false
	}

	var isActive bool
	err = ts.db.QueryRow(`SELECT is_active FROM users WHERE id = $1`, userID).Scan(&isActive)
	if err != nil || !isActive {
		log.Printf("[TRANSACTION] Rejected unresolvable or inactive user %d", userID)
		SendErrorResponse(w, "User not found or inactive", http.StatusUnauthorized, nil)
		return 0, false
	}

	return userID, true
}

func (ts *TransactionService) cachedAnalytics(ctx context.Context) []byte {
	if ts.redis == nil {
		return nil
	}
	payload, err := ts.redis.Get(ctx, analyticsCacheKey).Bytes()
	if err != nil {
		return nil
	}
	return payload
}

func (ts *TransactionService) cacheAnalytics(ctx context.Context, payload []byte) {
	if ts.redis == nil {
		return
	}
	viper.SetDefault("analytics.cache_ttl", 30*time.Second)
	ttl := viper.GetDuration("analytics.cache_ttl")
	if err := ts.redis.Set(ctx, analyticsCacheKey, payload, ttl).Err(); err != nil {
		log.Printf("[ANALYTICS] Failed to cache summary: %v", err)
	}
}

func (ts *TransactionService) invalidateAnalyticsCache(ctx context.Context) {
	if ts.redis == nil {
		return
	}
	if err := ts.redis.Del(ctx, analyticsCacheKey).Err(); err != nil {
		log.Printf("[ANALYTICS] Failed to invalidate summary cache: %v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func intPtr(v int) *int {
	return &v
}

func intArray(ids []int) interface{} {
	arr := make([]int64, len(ids))
	for i, id := range ids {
		arr[i] = int64(id)
	}
	return pq.Array(arr)
}
