package controllers

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/events"
	"github.com/agridoctor/agridoctor/middleware"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/search"
	"github.com/agridoctor/agridoctor/storage"
	"github.com/agridoctor/agridoctor/utils"
)

const searchLimit = 50

// DiseaseController manages disease records and their images.
type DiseaseController struct {
	db          *gorm.DB
	attachments *storage.Attachments
	events      events.Publisher
	index       search.Index
}

// NewDiseaseController creates a DiseaseController. index may be nil, in which case
// search runs against the database only.
func NewDiseaseController(db *gorm.DB, attachments *storage.Attachments, pub events.Publisher, index search.Index) *DiseaseController {
	return &DiseaseController{db: db, attachments: attachments, events: pub, index: index}
}

type creatorRef struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// diseaseView replaces the full creator record with its id and name.
type diseaseView struct {
	models.Disease
	CreatedBy *creatorRef `json:"created_by,omitempty"`
}

func viewOf(d models.Disease) diseaseView {
	v := diseaseView{Disease: d}
	if d.CreatedBy != nil {
		v.CreatedBy = &creatorRef{ID: d.CreatedBy.ID, Name: d.CreatedBy.Name}
	}
	v.Disease.CreatedBy = nil
	return v
}

// List returns diseases newest first, optionally filtered by category_id.
func (d *DiseaseController) List(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx)
	q := d.db.Model(&models.Disease{})
	if raw := strings.TrimSpace(ctx.Query("category_id")); raw != "" {
		categoryID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || categoryID == 0 {
			utils.ValidationFailed(ctx, 40020, []utils.FieldError{{Field: "category_id", Message: "category_id must be a valid id"}})
			return
		}
		q = q.Where("category_id = ?", categoryID)
	}

	q = q.Session(&gorm.Session{})

	key := utils.CacheDiseaseList + ctx.Request.URL.RawQuery
	if utils.ServeCached(ctx, key) {
		return
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		serverError(ctx, 50020, "failed to list diseases", err)
		return
	}
	var diseases []models.Disease
	err := q.Preload("Category").Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * pageSize).Limit(pageSize).Find(&diseases).Error
	if err != nil {
		serverError(ctx, 50020, "failed to list diseases", err)
		return
	}
	payload := paginated(diseases, page, pageSize, total)
	utils.StoreResponse(key, payload, 0)
	utils.Success(ctx, payload)
}

// Get returns one disease with its category and creator name.
func (d *DiseaseController) Get(ctx *gin.Context) {
	id, ok := parseID(ctx, "id", 40420, "disease")
	if !ok {
		return
	}
	key := utils.CacheDiseaseDetail + strconv.FormatUint(uint64(id), 10)
	if utils.ServeCached(ctx, key) {
		return
	}
	disease, err := d.load(d.db, id)
	if err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40420, "disease not found")
			return
		}
		serverError(ctx, 50021, "failed to get disease", err)
		return
	}
	view := viewOf(disease)
	utils.StoreResponse(key, view, 0)
	utils.Success(ctx, view)
}

func (d *DiseaseController) load(db *gorm.DB, id uint) (models.Disease, error) {
	var disease models.Disease
	err := db.Preload("Category").
		Preload("CreatedBy", func(tx *gorm.DB) *gorm.DB { return tx.Select("id", "name") }).
		First(&disease, id).Error
	return disease, err
}

// Search matches name, symptoms, description or category name without regard to case.
func (d *DiseaseController) Search(ctx *gin.Context) {
	query := strings.TrimSpace(ctx.Query("query"))
	if query == "" {
		utils.ValidationFailed(ctx, 40025, []utils.FieldError{{Field: "query", Message: "search query is required"}})
		return
	}

	if d.index != nil {
		ids, err := d.index.SearchDiseases(ctx.Request.Context(), query, searchLimit)
		if err == nil {
			diseases, err := d.byIDs(ids)
			if err != nil {
				serverError(ctx, 50022, "failed to search diseases", err)
				return
			}
			utils.Success(ctx, diseases)
			return
		}
		utils.Logger.Warn("search index unavailable, falling back to database", zap.Error(err))
	}

	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	categoryIDs := d.db.Model(&models.Category{}).Select("id").Where("LOWER(name) LIKE ? ESCAPE '!'", pattern)
	var diseases []models.Disease
	err := d.db.Preload("Category").
		Where("LOWER(name) LIKE ? ESCAPE '!' OR LOWER(symptoms) LIKE ? ESCAPE '!' OR LOWER(description) LIKE ? ESCAPE '!' OR category_id IN (?)",
			pattern, pattern, pattern, categoryIDs).
		Order("name ASC").Limit(searchLimit).Find(&diseases).Error
	if err != nil {
		serverError(ctx, 50022, "failed to search diseases", err)
		return
	}
	utils.Success(ctx, diseases)
}

// byIDs loads diseases keeping the order of ids.
func (d *DiseaseController) byIDs(ids []uint) ([]models.Disease, error) {
	diseases := []models.Disease{}
	if len(ids) == 0 {
		return diseases, nil
	}
	if err := d.db.Preload("Category").Where("id IN ?", ids).Find(&diseases).Error; err != nil {
		return nil, err
	}
	rank := make(map[uint]int, len(ids))
	for i, id := range ids {
		rank[id] = i
	}
	sort.SliceStable(diseases, func(i, j int) bool { return rank[diseases[i].ID] < rank[diseases[j].ID] })
	return diseases, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

func uploadedImages(ctx *gin.Context) ([]*multipart.FileHeader, error) {
	form, err := ctx.MultipartForm()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, err
	}
	return form.File["images"], nil
}

// categoryField parses the category id form field. present is false when the field is absent or blank.
func categoryField(ctx *gin.Context, errs *utils.FieldErrors) (id uint, present bool) {
	raw, _ := formValue(ctx, "category_id", "categoryId")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		errs.Add("category_id", "category_id must be a valid id")
		return 0, true
	}
	return uint(n), true
}

func imageErrors(errs *utils.FieldErrors, err error) {
	if errors.Is(err, storage.ErrUnsupportedImage) || errors.Is(err, storage.ErrImageTooLarge) {
		errs.Add("images", err.Error())
		return
	}
	errs.Add("images", "invalid image upload")
}

func imageCountMessage(n int) string {
	return fmt.Sprintf("a disease needs between %d and %d images, got %d", models.MinDiseaseImages, models.MaxDiseaseImages, n)
}

func (d *DiseaseController) categoryExists(id uint) (bool, error) {
	var count int64
	err := d.db.Model(&models.Category{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

func (d *DiseaseController) nameTaken(name string, exceptID uint) (bool, error) {
	var count int64
	q := d.db.Model(&models.Disease{}).Where("name = ?", name)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	err := q.Count(&count).Error
	return count > 0, err
}

// Create validates the record and its images, stores the images, then writes the
// record. Images are discarded again if the record cannot be written.
func (d *DiseaseController) Create(ctx *gin.Context) {
	files, err := uploadedImages(ctx)
	if err != nil {
		utils.ValidationFailed(ctx, 40020, []utils.FieldError{{Field: "body", Message: "invalid multipart payload"}})
		return
	}

	field := func(name string) string {
		v, _ := formValue(ctx, name)
		return strings.TrimSpace(v)
	}
	disease := models.Disease{
		Name:        utils.PlainText(field("name")),
		Description: utils.Sanitize(field("description")),
		Symptoms:    utils.Sanitize(field("symptoms")),
		Causes:      utils.Sanitize(field("causes")),
		Prevention:  utils.Sanitize(field("prevention")),
		Treatment:   utils.Sanitize(field("treatment")),
	}

	var errs utils.FieldErrors
	errs.Required("name", disease.Name)
	errs.Required("description", disease.Description)
	errs.Required("symptoms", disease.Symptoms)
	errs.Required("prevention", disease.Prevention)
	errs.Required("treatment", disease.Treatment)
	categoryID, present := categoryField(ctx, &errs)
	if !present {
		errs.Add("category_id", "category_id is required")
	}
	if n := len(files); n < models.MinDiseaseImages || n > models.MaxDiseaseImages {
		errs.Add("images", imageCountMessage(n))
	} else if err := d.attachments.Validate(files); err != nil {
		imageErrors(&errs, err)
	}
	if !errs.Empty() {
		utils.ValidationFailed(ctx, 40020, errs)
		return
	}

	exists, err := d.categoryExists(categoryID)
	if err != nil {
		serverError(ctx, 50023, "failed to create disease", err)
		return
	}
	if !exists {
		utils.Error(ctx, http.StatusBadRequest, 40022, "category not found")
		return
	}
	taken, err := d.nameTaken(disease.Name, 0)
	if err != nil {
		serverError(ctx, 50023, "failed to create disease", err)
		return
	}
	if taken {
		utils.Error(ctx, http.StatusBadRequest, 40023, "disease with this name already exists")
		return
	}

	paths, err := d.attachments.Stage(ctx.Request.Context(), files)
	if err != nil {
		serverError(ctx, 50024, "failed to store images", err)
		return
	}
	disease.CategoryID = categoryID
	disease.Images = paths
	if p := middleware.PrincipalFrom(ctx); p != nil {
		uid := p.UserID
		disease.CreatedByID = &uid
	}

	err = d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&disease).Error; err != nil {
			return err
		}
		return d.attachments.Attach(tx, disease.ID, paths)
	})
	if err != nil {
		d.attachments.Discard(context.WithoutCancel(ctx.Request.Context()), paths)
		serverError(ctx, 50023, "failed to create disease", err)
		return
	}

	created, err := d.load(d.db, disease.ID)
	if err != nil {
		serverError(ctx, 50023, "failed to load created disease", err)
		return
	}
	d.changed(events.DiseaseCreated, created, false)
	utils.Created(ctx, viewOf(created))
}

// Update applies the given fields and reconciles images: the kept images are the
// stored paths listed in existing_images, followed by the new uploads.
func (d *DiseaseController) Update(ctx *gin.Context) {
	id, ok := parseID(ctx, "id", 40420, "disease")
	if !ok {
		return
	}
	files, err := uploadedImages(ctx)
	if err != nil {
		utils.ValidationFailed(ctx, 40020, []utils.FieldError{{Field: "body", Message: "invalid multipart payload"}})
		return
	}

	var disease models.Disease
	if err := d.db.First(&disease, id).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40420, "disease not found")
			return
		}
		serverError(ctx, 50025, "failed to update disease", err)
		return
	}

	updates := map[string]interface{}{}
	text := func(name string, clean func(string) string) {
		if v, ok := formValue(ctx, name); ok {
			if v = clean(strings.TrimSpace(v)); v != "" {
				updates[name] = v
			}
		}
	}
	text("name", utils.PlainText)
	text("description", utils.Sanitize)
	text("symptoms", utils.Sanitize)
	text("causes", utils.Sanitize)
	text("prevention", utils.Sanitize)
	text("treatment", utils.Sanitize)

	var errs utils.FieldErrors
	categoryID, categoryGiven := categoryField(ctx, &errs)

	keepList, _ := formArray(ctx, "existing_images", "existingImages")
	kept := keptImages(disease.Images, keepList)
	removed := utils.Difference([]string(disease.Images), kept)
	if n := len(kept) + len(files); n < models.MinDiseaseImages || n > models.MaxDiseaseImages {
		errs.Add("images", imageCountMessage(n))
	} else if err := d.attachments.Validate(files); err != nil {
		imageErrors(&errs, err)
	}
	if !errs.Empty() {
		utils.ValidationFailed(ctx, 40020, errs)
		return
	}

	if categoryGiven {
		exists, err := d.categoryExists(categoryID)
		if err != nil {
			serverError(ctx, 50025, "failed to update disease", err)
			return
		}
		if !exists {
			utils.Error(ctx, http.StatusBadRequest, 40022, "category not found")
			return
		}
		updates["category_id"] = categoryID
	}
	if name, ok := updates["name"].(string); ok && name != disease.Name {
		taken, err := d.nameTaken(name, disease.ID)
		if err != nil {
			serverError(ctx, 50025, "failed to update disease", err)
			return
		}
		if taken {
			utils.Error(ctx, http.StatusBadRequest, 40023, "disease with this name already exists")
			return
		}
	}

	added, err := d.attachments.Stage(ctx.Request.Context(), files)
	if err != nil {
		serverError(ctx, 50024, "failed to store images", err)
		return
	}
	images := append(append([]string{}, kept...), added...)

	err = d.db.Transaction(func(tx *gorm.DB) error {
		fields := make(map[string]interface{}, len(updates)+1)
		for k, v := range updates {
			fields[k] = v
		}
		fields["images"] = datatypes.JSONSlice[string](images)
		if err := tx.Model(&disease).Updates(fields).Error; err != nil {
			return err
		}
		if err := d.attachments.Attach(tx, disease.ID, added); err != nil {
			return err
		}
		return d.attachments.Retire(tx, disease.ID, removed)
	})
	if err != nil {
		d.attachments.Discard(context.WithoutCancel(ctx.Request.Context()), added)
		serverError(ctx, 50025, "failed to update disease", err)
		return
	}
	d.attachments.Purge(context.WithoutCancel(ctx.Request.Context()), removed)

	updated, err := d.load(d.db, disease.ID)
	if err != nil {
		serverError(ctx, 50025, "failed to load updated disease", err)
		return
	}
	d.changed(events.DiseaseUpdated, updated, false)
	utils.Success(ctx, viewOf(updated))
}

// keptImages returns the stored paths named in keep, in stored order, without duplicates.
func keptImages(stored, keep []string) []string {
	want := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		want[strings.TrimSpace(k)] = struct{}{}
	}
	var kept []string
	for _, p := range utils.Unique(stored) {
		if _, ok := want[p]; ok {
			kept = append(kept, p)
		}
	}
	return kept
}

// Delete removes the record and then its images. Image removal failures are
// logged and left to the reconciler.
func (d *DiseaseController) Delete(ctx *gin.Context) {
	id, ok := parseID(ctx, "id", 40420, "disease")
	if !ok {
		return
	}
	var disease models.Disease
	if err := d.db.First(&disease, id).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40420, "disease not found")
			return
		}
		serverError(ctx, 50026, "failed to delete disease", err)
		return
	}

	images := []string(disease.Images)
	err := d.db.Transaction(func(tx *gorm.DB) error {
		if err := d.attachments.Retire(tx, disease.ID, images); err != nil {
			return err
		}
		return tx.Delete(&disease).Error
	})
	if err != nil {
		serverError(ctx, 50026, "failed to delete disease", err)
		return
	}
	d.attachments.Purge(context.WithoutCancel(ctx.Request.Context()), images)

	d.changed(events.DiseaseDeleted, disease, true)
	utils.Success(ctx, gin.H{"message": "disease removed"})
}

// changed runs the post-commit side effects of a disease mutation.
func (d *DiseaseController) changed(eventType string, disease models.Disease, deleted bool) {
	utils.InvalidateByPrefix(utils.CacheDiseaseList, utils.CacheDiseaseDetail)
	events.Emit(d.events, eventType, disease.ID, gin.H{"name": disease.Name, "category_id": disease.CategoryID})
	if d.index == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err error
		if deleted {
			err = d.index.DeleteDisease(ctx, disease.ID)
		} else {
			err = d.index.IndexDisease(ctx, disease)
		}
		if err != nil {
			utils.Logger.Warn("search index update failed", zap.Uint("disease_id", disease.ID), zap.Error(err))
		}
	}()
}
