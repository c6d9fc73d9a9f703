package controllers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/events"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/search"
	"github.com/agridoctor/agridoctor/utils"
)

// CategoryController manages disease categories.
type CategoryController struct {
	db     *gorm.DB
	events events.Publisher
	index  search.Index
}

// NewCategoryController creates a CategoryController. index may be nil.
func NewCategoryController(db *gorm.DB, pub events.Publisher, index search.Index) *CategoryController {
	return &CategoryController{db: db, events: pub, index: index}
}

type categoryRequest struct {
	Name        string `json:"name" binding:"max=100"`
	Description string `json:"description" binding:"max=2000"`
}

// List returns all categories sorted by name.
func (c *CategoryController) List(ctx *gin.Context) {
	key := utils.CacheCategories + "all"
	if utils.ServeCached(ctx, key) {
		return
	}
	var categories []models.Category
	if err := c.db.Order("name ASC").Find(&categories).Error; err != nil {
		serverError(ctx, 50010, "failed to list categories", err)
		return
	}
	utils.StoreResponse(key, categories, 0)
	utils.Success(ctx, categories)
}

// Get returns one category.
func (c *CategoryController) Get(ctx *gin.Context) {
	id, ok := parseID(ctx, "id", 40410, "category")
	if !ok {
		return
	}
	var category models.Category
	if err := c.db.First(&category, id).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40410, "category not found")
			return
		}
		serverError(ctx, 50011, "failed to get category", err)
		return
	}
	utils.Success(ctx, category)
}

// nameTaken reports whether another category already uses name, ignoring case.
func (c *CategoryController) nameTaken(name string, exceptID uint) (bool, error) {
	var count int64
	q := c.db.Model(&models.Category{}).Where("LOWER(name) = ?", strings.ToLower(name))
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	err := q.Count(&count).Error
	return count > 0, err
}

// Create adds a category with a unique name.
func (c *CategoryController) Create(ctx *gin.Context) {
	var req categoryRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40010, utils.BindingErrors(err))
		return
	}
	name := utils.PlainText(req.Name)
	var errs utils.FieldErrors
	errs.Required("name", name)
	if !errs.Empty() {
		utils.ValidationFailed(ctx, 40010, errs)
		return
	}

	taken, err := c.nameTaken(name, 0)
	if err != nil {
		serverError(ctx, 50012, "failed to create category", err)
		return
	}
	if taken {
		utils.Error(ctx, http.StatusBadRequest, 40011, "category with this name already exists")
		return
	}

	category := models.Category{Name: name, Description: utils.PlainText(req.Description)}
	if err := c.db.Create(&category).Error; err != nil {
		serverError(ctx, 50012, "failed to create category", err)
		return
	}
	c.changed(events.CategoryCreated, category)
	utils.Created(ctx, category)
}

// Update renames or re-describes a category. Absent fields keep their value.
func (c *CategoryController) Update(ctx *gin.Context) {
	id, ok := parseID(ctx, "id", 40410, "category")
	if !ok {
		return
	}
	var req struct {
		Name        *string `json:"name" binding:"omitempty,max=100"`
		Description *string `json:"description" binding:"omitempty,max=2000"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40010, utils.BindingErrors(err))
		return
	}

	var category models.Category
	if err := c.db.First(&category, id).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40410, "category not found")
			return
		}
		serverError(ctx, 50013, "failed to update category", err)
		return
	}

	if req.Name != nil {
		name := utils.PlainText(*req.Name)
		if name == "" {
			utils.ValidationFailed(ctx, 40010, []utils.FieldError{{Field: "name", Message: "name is required"}})
			return
		}
		taken, err := c.nameTaken(name, category.ID)
		if err != nil {
			serverError(ctx, 50013, "failed to update category", err)
			return
		}
		if taken {
			utils.Error(ctx, http.StatusBadRequest, 40012, "another category with this name already exists")
			return
		}
		category.Name = name
	}
	if req.Description != nil {
		category.Description = utils.PlainText(*req.Description)
	}

	if err := c.db.Save(&category).Error; err != nil {
		serverError(ctx, 50013, "failed to update category", err)
		return
	}
	c.changed(events.CategoryUpdated, category)
	if req.Name != nil {
		c.reindexDependents(category.ID)
	}
	utils.Success(ctx, category)
}

// Delete removes a category that no disease references.
func (c *CategoryController) Delete(ctx *gin.Context) {
	id, ok := parseID(ctx, "id", 40410, "category")
	if !ok {
		return
	}
	var category models.Category
	if err := c.db.First(&category, id).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40410, "category not found")
			return
		}
		serverError(ctx, 50014, "failed to delete category", err)
		return
	}

	var dependents int64
	err := c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Disease{}).Where("category_id = ?", id).Count(&dependents).Error; err != nil {
			return err
		}
		if dependents > 0 {
			return nil
		}
		return tx.Delete(&category).Error
	})
	if err != nil {
		serverError(ctx, 50014, "failed to delete category", err)
		return
	}
	if dependents > 0 {
		utils.ErrorWithData(ctx, http.StatusBadRequest, 40013,
			fmt.Sprintf("cannot delete category: it is assigned to %d diseases", dependents),
			gin.H{"dependents": dependents})
		return
	}
	c.changed(events.CategoryDeleted, category)
	utils.Success(ctx, gin.H{"message": "category removed"})
}

func (c *CategoryController) changed(eventType string, category models.Category) {
	utils.InvalidateByPrefix(utils.CacheCategories, utils.CacheDiseaseList, utils.CacheDiseaseDetail)
	events.Emit(c.events, eventType, category.ID, category)
}

// reindexDependents refreshes the indexed category name of every disease in the category.
func (c *CategoryController) reindexDependents(categoryID uint) {
	if c.index == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := ReindexDiseases(ctx, c.db, c.index, categoryID); err != nil {
			utils.Logger.Warn("category reindex failed", zap.Uint("category_id", categoryID), zap.Error(err))
		}
	}()
}
