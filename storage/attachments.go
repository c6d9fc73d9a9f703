package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

const (
	maxPurgeAttempts = 10
	reconcileBatch   = 100
)

// Options bound what Stage accepts and how long staged files may wait for a commit.
type Options struct {
	MaxBytes   int64
	StagingTTL time.Duration
}

// Attachments ties stored images to disease rows through the uploaded_files ledger.
//
// Files are written before the database transaction that references them and
// removed only after the transaction that releases them commits. Every file
// has a ledger row from the moment it is written, so a crash at any point
// leaves a row the reconciler can finish.
type Attachments struct {
	db    *gorm.DB
	store ImageStore
	opts  Options
	now   func() time.Time
}

func NewAttachments(db *gorm.DB, store ImageStore, opts Options) *Attachments {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 5 << 20
	}
	if opts.StagingTTL <= 0 {
		opts.StagingTTL = time.Hour
	}
	return &Attachments{db: db, store: store, opts: opts, now: time.Now}
}

// Store exposes the underlying image store.
func (a *Attachments) Store() ImageStore { return a.store }

// Validate checks extension and size of each upload without writing anything.
func (a *Attachments) Validate(files []*multipart.FileHeader) error {
	for _, fh := range files {
		if !models.IsImagePath(fh.Filename) {
			return fmt.Errorf("%s: %w", fh.Filename, ErrUnsupportedImage)
		}
		if fh.Size > a.opts.MaxBytes {
			return fmt.Errorf("%s: %w", fh.Filename, ErrImageTooLarge)
		}
	}
	return nil
}

// Stage writes the uploads and returns their public paths. On error nothing stays behind.
func (a *Attachments) Stage(ctx context.Context, files []*multipart.FileHeader) ([]string, error) {
	if err := a.Validate(files); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(files))
	for _, fh := range files {
		p, err := a.stageOne(ctx, fh)
		if err != nil {
			a.Discard(context.WithoutCancel(ctx), paths)
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (a *Attachments) stageOne(ctx context.Context, fh *multipart.FileHeader) (string, error) {
	key := NewKey(fh.Filename)
	row := models.UploadedFile{
		Key:      key,
		Path:     a.store.PublicPath(key),
		Backend:  a.store.Name(),
		State:    models.UploadStaged,
		ExpireAt: a.now().Add(a.opts.StagingTTL),
	}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("record upload: %w", err)
	}

	f, err := fh.Open()
	if err != nil {
		a.db.Delete(&row)
		return "", err
	}
	defer f.Close()

	if err := a.store.Put(ctx, key, f, fh.Size, contentType(fh)); err != nil {
		// the row stays staged so the reconciler removes any partial object
		a.db.Model(&row).Updates(map[string]interface{}{"expire_at": a.now(), "last_error": truncate(err.Error())})
		return "", fmt.Errorf("store %s: %w", fh.Filename, err)
	}
	return row.Path, nil
}

func contentType(fh *multipart.FileHeader) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename))); ct != "" {
		return ct
	}
	return fh.Header.Get("Content-Type")
}

// Discard removes staged files whose record never committed.
func (a *Attachments) Discard(ctx context.Context, paths []string) {
	for _, p := range paths {
		key, ok := a.store.KeyOf(p)
		if !ok {
			continue
		}
		if err := a.store.Remove(ctx, key); err != nil {
			utils.Logger.Warn("discard staged image failed", zap.String("key", key), zap.Error(err))
			a.db.Model(&models.UploadedFile{}).Where("storage_key = ? AND state = ?", key, models.UploadStaged).
				Updates(map[string]interface{}{"expire_at": a.now(), "last_error": truncate(err.Error())})
			continue
		}
		a.db.Where("storage_key = ? AND state = ?", key, models.UploadStaged).Delete(&models.UploadedFile{})
	}
}

// Attach marks staged paths as referenced by diseaseID. It must run inside the
// transaction that writes the disease.
func (a *Attachments) Attach(tx *gorm.DB, diseaseID uint, paths []string) error {
	keys := a.keys(paths)
	if len(keys) == 0 {
		return nil
	}
	res := tx.Model(&models.UploadedFile{}).
		Where("storage_key IN ? AND state IN ?", keys, []models.UploadState{models.UploadStaged, models.UploadAttached}).
		Updates(map[string]interface{}{"state": models.UploadAttached, "disease_id": diseaseID, "last_error": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != int64(len(keys)) {
		return ErrStagingExpired
	}
	return nil
}

// Retire marks paths for deletion inside the transaction that stops referencing them.
// Call Purge after the commit.
func (a *Attachments) Retire(tx *gorm.DB, diseaseID uint, paths []string) error {
	now := a.now()
	for _, p := range paths {
		key, ok := a.store.KeyOf(p)
		if !ok {
			utils.Logger.Warn("retired image is not managed by this store", zap.String("path", p))
			continue
		}
		id := diseaseID
		row := models.UploadedFile{
			Key:       key,
			Path:      p,
			Backend:   a.store.Name(),
			DiseaseID: &id,
			State:     models.UploadPendingDelete,
			ExpireAt:  now,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "storage_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"state":     models.UploadPendingDelete,
				"expire_at": now,
				"attempts":  0,
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// Purge removes retired files after their transaction committed. Failures stay
// in the ledger for the reconciler and are not returned to the request.
func (a *Attachments) Purge(ctx context.Context, paths []string) {
	for _, key := range a.keys(paths) {
		a.remove(ctx, models.UploadedFile{Key: key, State: models.UploadPendingDelete})
	}
}

// remove deletes the object and then its ledger row, recording failures on the row.
func (a *Attachments) remove(ctx context.Context, row models.UploadedFile) bool {
	if err := a.store.Remove(ctx, row.Key); err != nil {
		utils.Logger.Warn("image removal failed", zap.String("key", row.Key), zap.Error(err))
		a.db.Model(&models.UploadedFile{}).Where("storage_key = ? AND state = ?", row.Key, row.State).
			Updates(map[string]interface{}{
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": truncate(err.Error()),
			})
		return false
	}
	a.db.Where("storage_key = ? AND state = ?", row.Key, row.State).Delete(&models.UploadedFile{})
	return true
}

func (a *Attachments) keys(paths []string) []string {
	keys := make([]string, 0, len(paths))
	for _, p := range utils.Unique(paths) {
		if key, ok := a.store.KeyOf(p); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// ReconcileReport summarizes one reconciler pass.
type ReconcileReport struct {
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Reconcile removes staged files that expired without being attached and
// retries pending deletions that have not exhausted their attempts. One call
// handles at most one batch; ReconcileAll drains every candidate.
func (a *Attachments) Reconcile(ctx context.Context, now time.Time) (ReconcileReport, error) {
	report, _, _, err := a.reconcilePage(ctx, now, 0)
	return report, err
}

// ReconcileAll repeats Reconcile in id order until a batch comes back short.
// Rows that fail again are not revisited within the same call.
func (a *Attachments) ReconcileAll(ctx context.Context, now time.Time) (ReconcileReport, error) {
	var total ReconcileReport
	var afterID uint
	for {
		report, lastID, n, err := a.reconcilePage(ctx, now, afterID)
		total.Removed += report.Removed
		total.Failed += report.Failed
		if err != nil {
			return total, err
		}
		if n < reconcileBatch {
			return total, nil
		}
		afterID = lastID
	}
}

func (a *Attachments) reconcilePage(ctx context.Context, now time.Time, afterID uint) (ReconcileReport, uint, int, error) {
	var report ReconcileReport
	var rows []models.UploadedFile
	err := a.db.WithContext(ctx).
		Where("id > ?", afterID).
		Where("(state = ? AND expire_at < ?) OR (state = ? AND attempts < ?)",
			models.UploadStaged, now, models.UploadPendingDelete, maxPurgeAttempts).
		Order("id").Limit(reconcileBatch).Find(&rows).Error
	if err != nil {
		return report, afterID, 0, err
	}

	lastID := afterID
	for _, row := range rows {
		if ctx.Err() != nil {
			return report, lastID, len(rows), ctx.Err()
		}
		lastID = row.ID
		if row.State == models.UploadStaged {
			// claim first so a late Attach of this key fails instead of pointing at a removed file
			res := a.db.WithContext(ctx).Model(&models.UploadedFile{}).
				Where("id = ? AND state = ?", row.ID, models.UploadStaged).
				Update("state", models.UploadPendingDelete)
			if res.Error != nil {
				return report, lastID, len(rows), res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			row.State = models.UploadPendingDelete
		}
		if a.remove(ctx, row) {
			report.Removed++
		} else {
			report.Failed++
		}
	}
	return report, lastID, len(rows), nil
}

// StartReconciler runs ReconcileAll every interval until ctx is done. The returned
// channel closes when the loop has exited.
func (a *Attachments) StartReconciler(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report, err := a.ReconcileAll(ctx, a.now())
				if err != nil && !errors.Is(err, context.Canceled) {
					utils.Logger.Warn("upload reconcile failed", zap.Error(err))
					continue
				}
				if report.Removed > 0 || report.Failed > 0 {
					utils.Logger.Info("upload reconcile", zap.Int("removed", report.Removed), zap.Int("failed", report.Failed))
				}
			}
		}
	}()
	return done
}

func truncate(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
