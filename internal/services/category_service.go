package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/stockpilot/backend/internal/models"
)

type CategoryService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// CategoryRequest is the category create/update payload
type CategoryRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=120"`
	Description string `json:"description" validate:"max=2000"`
}

func NewCategoryService(db *sql.DB) *CategoryService {
	return &CategoryService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// ListCategories lists all categories
// @Summary List categories
// @Tags categories
// @Produce json
// @Success 200 {array} models.Category
// @Failure 500 {object} ErrorResponse
// @Router /categories [get]
func (cs *CategoryService) ListCategories(w http.ResponseWriter, r *http.Request) {
	rows, err := cs.db.Query(`SELECT id, name, COALESCE(description, '') FROM categories ORDER BY id ASC`)
	if err != nil {
		log.Printf("[CATEGORY] Failed to list categories: %v", err)
		SendErrorResponse(w, "Failed to fetch categories", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	categories := []models.Category{}
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			SendErrorResponse(w, "Failed to fetch categories", http.StatusInternalServerError, nil)
			return
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch categories", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(categories)
}

// GetCategory retrieves a single category
// @Summary Get category by ID
// @Tags categories
// @Produce json
// @Param categoryID path int true "Category ID"
// @Success 200 {object} models.Category
// @Failure 404 {object} ErrorResponse
// @Router /categories/{categoryID} [get]
func (cs *CategoryService) GetCategory(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.Atoi(chi.URLParam(r, "categoryID"))
	if err != nil {
		SendErrorResponse(w, "Invalid category id", http.StatusBadRequest, nil)
		return
	}

	var c models.Category
	err = cs.db.QueryRow(`SELECT id, name, COALESCE(description, '') FROM categories WHERE id = $1`, categoryID).
		Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Category not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch category", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// CreateCategory creates a category
// @Summary Create category
// @Tags categories
// @Accept json
// @Produce json
// @Param category body CategoryRequest true "Category data"
// @Success 201 {object} models.Category
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /categories [post]
func (cs *CategoryService) CreateCategory(w http.ResponseWriter, r *http.Request) {
	req, ok := cs.decodeCategory(w, r)
	if !ok {
		return
	}

	var c models.Category
	err := cs.db.QueryRow(`
		INSERT INTO categories (name, description)
		VALUES ($1, $2)
		RETURNING id, name, COALESCE(description, '')`,
		req.Name, req.Description).Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		log.Printf("[CATEGORY] Category creation failed for %s: %v", req.Name, err)
		SendErrorResponse(w, "Category name already exists", http.StatusConflict, nil)
		return
	}

	log.Printf("[CATEGORY] Category created - ID: %d, Name: %s", c.ID, c.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(c)
}

// UpdateCategory updates a category
// @Summary Update category
// @Tags categories
// @Accept json
// @Produce json
// @Param categoryID path int true "Category ID"
// @Param category body CategoryRequest true "Category data"
// @Success 200 {object} models.Category
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /categories/{categoryID} [put]
func (cs *CategoryService) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.Atoi(chi.URLParam(r, "categoryID"))
	if err != nil {
		SendErrorResponse(w, "Invalid category id", http.StatusBadRequest, nil)
		return
	}

	req, ok := cs.decodeCategory(w, r)
	if !ok {
		return
	}

	var c models.Category
	err = cs.db.QueryRow(`
		UPDATE categories SET name = $1, description = $2
		WHERE id = $3
		RETURNING id, name, COALESCE(description, '')`,
		req.Name, req.Description, categoryID).Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Category not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[CATEGORY] Failed to update category %d: %v", categoryID, err)
			SendErrorResponse(w, "Failed to update category", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// DeleteCategory deletes a category; products keep running with a NULL category
// @Summary Delete category
// @Tags categories
// @Produce json
// @Param categoryID path int true "Category ID"
// @Success 200 {object} map[string]bool
// @Failure 404 {object} ErrorResponse
// @Router /categories/{categoryID} [delete]
func (cs *CategoryService) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.Atoi(chi.URLParam(r, "categoryID"))
	if err != nil {
		SendErrorResponse(w, "Invalid category id", http.StatusBadRequest, nil)
		return
	}

	result, err := cs.db.Exec(`DELETE FROM categories WHERE id = $1`, categoryID)
	if err != nil {
		log.Printf("[CATEGORY] Failed to delete category %d: %v", categoryID, err)
		SendErrorResponse(w, "Failed to delete category", http.StatusInternalServerError, nil)
		return
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		SendErrorResponse(w, "Category not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[CATEGORY] Category %d deleted", categoryID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (cs *CategoryService) decodeCategory(w http.ResponseWriter, r *http.Request) (*CategoryRequest, bool) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req CategoryRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return nil, false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return nil, false
	}

	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return nil, false
	}

	return &req, true
}
