package controllers

import (
	"context"

	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/search"
)

const reindexBatch = 200

// ReindexDiseases writes every disease, or only those in categoryID when it is
// non-zero, to index. It stops at the first failure and returns how many were written.
func ReindexDiseases(ctx context.Context, db *gorm.DB, index search.Index, categoryID uint) (int, error) {
	q := db.WithContext(ctx).Preload("Category").Order("id")
	if categoryID != 0 {
		q = q.Where("category_id = ?", categoryID)
	}
	written := 0
	var batch []models.Disease
	res := q.FindInBatches(&batch, reindexBatch, func(tx *gorm.DB, _ int) error {
		for _, d := range batch {
			if err := index.IndexDisease(ctx, d); err != nil {
				return err
			}
			written++
		}
		return nil
	})
	return written, res.Error
}
