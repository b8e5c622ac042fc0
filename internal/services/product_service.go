package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/stockpilot/backend/internal/models"
)

type ProductService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// CreateProductRequest represents the product creation payload
type CreateProductRequest struct {
	Name        string  `json:"name" validate:"required,min=1,max=200"`
	Description string  `json:"description" validate:"max=2000"`
	Price       float64 `json:"price" validate:"gte=0"`
	Quantity    int     `json:"quantity" validate:"gte=0"`
	CategoryID  *int    `json:"category_id" validate:"omitempty,gt=0"`
}

// ProductUpdate is a sparse patch: nil fields are left untouched. Explicit
// pointer fields instead of reflection so every mutable attribute is typed.
type ProductUpdate struct {
	Name        *string  `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string  `json:"description" validate:"omitempty,max=2000"`
	Price       *float64 `json:"price" validate:"omitempty,gte=0"`
	Quantity    *int     `json:"quantity" validate:"omitempty,gte=0"`
	CategoryID  *int     `json:"category_id" validate:"omitempty,gt=0"`
}

func NewProductService(db *sql.DB) *ProductService {
	return &ProductService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// ListProducts lists catalog products with optional filters
// @Summary List products
// @Tags products
// @Produce json
// @Param q query string false "Search in name and description"
// @Param category_id query int false "Filter by category"
// @Param min_price query number false "Minimum price"
// @Param max_price query number false "Maximum price"
// @Param in_stock_only query bool false "Only products with quantity > 0"
// @Param skip query int false "Offset"
// @Param limit query int false "Page size (default 50)"
// @Success 200 {array} models.Product
// @Failure 500 {object} ErrorResponse
// @Router /products [get]
func (ps *ProductService) ListProducts(w http.ResponseWriter, r *http.Request) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", argIndex, argIndex))
		args = append(args, "%"+q+"%")
		argIndex++
	}

	if categoryID := r.URL.Query().Get("category_id"); categoryID != "" {
		if id, err := strconv.Atoi(categoryID); err == nil {
			conditions = append(conditions, fmt.Sprintf("category_id = $%d", argIndex))
			args = append(args, id)
			argIndex++
		}
	}

	if minPrice := r.URL.Query().Get("min_price"); minPrice != "" {
		if v, err := strconv.ParseFloat(minPrice, 64); err == nil {
			conditions = append(conditions, fmt.Sprintf("price >= $%d", argIndex))
			args = append(args, v)
			argIndex++
		}
	}

	if maxPrice := r.URL.Query().Get("max_price"); maxPrice != "" {
		if v, err := strconv.ParseFloat(maxPrice, 64); err == nil {
			conditions = append(conditions, fmt.Sprintf("price <= $%d", argIndex))
			args = append(args, v)
			argIndex++
		}
	}

	if r.URL.Query().Get("in_stock_only") == "true" {
		conditions = append(conditions, "quantity > 0")
	}

	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if skip < 0 {
		skip = 0
	}

	query := `SELECT id, name, COALESCE(description, ''), price, quantity, category_id, created_at FROM products`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id ASC OFFSET $%d LIMIT $%d", argIndex, argIndex+1)
	args = append(args, skip, limit)

	rows, err := ps.db.Query(query, args...)
	if err != nil {
		log.Printf("[PRODUCT] Failed to list products: %v", err)
		SendErrorResponse(w, "Failed to fetch products", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Quantity, &p.CategoryID, &p.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch products", http.StatusInternalServerError, nil)
			return
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch products", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(products)
}

// GetProduct retrieves a single product
// @Summary Get product by ID
// @Tags products
// @Produce json
// @Param productID path int true "Product ID"
// @Success 200 {object} models.Product
// @Failure 404 {object} ErrorResponse
// @Router /products/{productID} [get]
func (ps *ProductService) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.Atoi(chi.URLParam(r, "productID"))
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	p, err := ps.fetchProduct(productID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[PRODUCT] Failed to fetch product %d: %v", productID, err)
			SendErrorResponse(w, "Failed to fetch product", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// CreateProduct creates a catalog product
// @Summary Create product
// @Tags products
// @Accept json
// @Produce json
// @Param product body CreateProductRequest true "Product data"
// @Success 201 {object} models.Product
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /products [post]
func (ps *ProductService) CreateProduct(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CreateProductRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.CategoryID != nil {
		var exists bool
		if err := ps.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM categories WHERE id = $1)`, *req.CategoryID).Scan(&exists); err != nil || !exists {
			SendErrorResponse(w, "Invalid category", http.StatusBadRequest, nil)
			return
		}
	}

	var p models.Product
	err := ps.db.QueryRow(`
		INSERT INTO products (name, description, price, quantity, category_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, COALESCE(description, ''), price, quantity, category_id, created_at`,
		req.Name, req.Description, req.Price, req.Quantity, req.CategoryID).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Quantity, &p.CategoryID, &p.CreatedAt)
	if err != nil {
		log.Printf("[PRODUCT] Product creation failed for %s: %v", req.Name, err)
		SendErrorResponse(w, "Product name already exists", http.StatusConflict, nil)
		return
	}

	log.Printf("[PRODUCT] Product created - ID: %d, Name: %s", p.ID, p.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(p)
}

// UpdateProduct applies a sparse patch to a product
// @Summary Update product
// @Tags products
// @Accept json
// @Produce json
// @Param productID path int true "Product ID"
// @Param product body ProductUpdate true "Fields to update"
// @Success 200 {object} models.Product
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /products/{productID} [put]
func (ps *ProductService) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.Atoi(chi.URLParam(r, "productID"))
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var patch ProductUpdate
	if err := dec.Decode(&patch); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ps.validator.ValidateStruct(&patch); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	setClauses, args := buildProductPatch(&patch)
	if len(setClauses) == 0 {
		// Nothing to change; return the current row
		p, err := ps.fetchProduct(productID)
		if err != nil {
			SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
		return
	}

	if patch.CategoryID != nil {
		var exists bool
		if err := ps.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM categories WHERE id = $1)`, *patch.CategoryID).Scan(&exists); err != nil || !exists {
			SendErrorResponse(w, "Invalid category", http.StatusBadRequest, nil)
			return
		}
	}

	args = append(args, productID)
	query := fmt.Sprintf(`
		UPDATE products SET %s WHERE id = $%d
		RETURNING id, name, COALESCE(description, ''), price, quantity, category_id, created_at`,
		strings.Join(setClauses, ", "), len(args))

	var p models.Product
	err = ps.db.QueryRow(query, args...).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Quantity, &p.CategoryID, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[PRODUCT] Failed to update product %d: %v", productID, err)
			SendErrorResponse(w, "Failed to update product", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// DeleteProduct deletes a product; historical sale items keep their snapshot
// @Summary Delete product
// @Tags products
// @Produce json
// @Param productID path int true "Product ID"
// @Success 200 {object} map[string]bool
// @Failure 404 {object} ErrorResponse
// @Router /products/{productID} [delete]
func (ps *ProductService) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.Atoi(chi.URLParam(r, "productID"))
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	result, err := ps.db.Exec(`DELETE FROM products WHERE id = $1`, productID)
	if err != nil {
		log.Printf("[PRODUCT] Failed to delete product %d: %v", productID, err)
		SendErrorResponse(w, "Failed to delete product", http.StatusInternalServerError, nil)
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[PRODUCT] Product %d deleted", productID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// AdjustQuantity applies a signed stock delta outside of sale processing
// @Summary Adjust product stock
// @Description Apply a positive or negative delta to on-hand quantity
// @Tags products
// @Produce json
// @Param productID path int true "Product ID"
// @Param delta query int true "Signed quantity delta"
// @Success 200 {object} models.Product
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /products/{productID}/adjust_quantity [patch]
func (ps *ProductService) AdjustQuantity(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.Atoi(chi.URLParam(r, "productID"))
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	deltaStr := r.URL.Query().Get("delta")
	if deltaStr == "" {
		SendErrorResponse(w, "delta is required", http.StatusBadRequest, nil)
		return
	}
	delta, err := strconv.Atoi(deltaStr)
	if err != nil {
		SendErrorResponse(w, "Invalid delta", http.StatusBadRequest, nil)
		return
	}

	// Guarded in one statement so concurrent adjustments and reservations
	// cannot race the quantity below zero.
	var p models.Product
	err = ps.db.QueryRow(`
		UPDATE products
		SET quantity = quantity + $1
		WHERE id = $2 AND quantity + $1 >= 0
		RETURNING id, name, COALESCE(description, ''), price, quantity, category_id, created_at`,
		delta, productID).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Quantity, &p.CategoryID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		// Distinguish a missing product from a rejected negative result
		if _, ferr := ps.fetchProduct(productID); ferr == sql.ErrNoRows {
			SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Quantity cannot be negative", http.StatusBadRequest, nil)
		}
		return
	}
	if err != nil {
		log.Printf("[PRODUCT] Failed to adjust quantity for product %d: %v", productID, err)
		SendErrorResponse(w, "Failed to adjust quantity", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PRODUCT] Quantity adjusted for product %d by %+d to %d", productID, delta, p.Quantity)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// GetLabel renders a QR shelf label for a product
// @Summary Product QR label
// @Description PNG QR code encoding the product id and name
// @Tags products
// @Produce png
// @Param productID path int true "Product ID"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /products/{productID}/label [get]
func (ps *ProductService) GetLabel(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.Atoi(chi.URLParam(r, "productID"))
	if err != nil {
		SendErrorResponse(w, "Invalid product id", http.StatusBadRequest, nil)
		return
	}

	p, err := ps.fetchProduct(productID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Product not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch product", http.StatusInternalServerError, nil)
		}
		return
	}

	payload := fmt.Sprintf("stockpilot:product:%d:%s", p.ID, p.Name)
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		log.Printf("[PRODUCT] Failed to render label for product %d: %v", productID, err)
		SendErrorResponse(w, "Failed to render label", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(png)
}

func (ps *ProductService) fetchProduct(productID int) (*models.Product, error) {
	var p models.Product
	err := ps.db.QueryRow(`
		SELECT id, name, COALESCE(description, ''), price, quantity, category_id, created_at
		FROM products
		WHERE id = $1`, productID).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Quantity, &p.CategoryID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// buildProductPatch turns the non-nil patch fields into SET clauses
func buildProductPatch(patch *ProductUpdate) ([]string, []interface{}) {
	var setClauses []string
	var args []interface{}
	argIndex := 1

	add := func(column string, value interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argIndex))
		args = append(args, value)
		argIndex++
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Price != nil {
		add("price", *patch.Price)
	}
	if patch.Quantity != nil {
		add("quantity", *patch.Quantity)
	}
	if patch.CategoryID != nil {
		add("category_id", *patch.CategoryID)
	}

	return setClauses, args
}
