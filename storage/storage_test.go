package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.InitDatabase(config.AppConfig{
		DBDriver:    "sqlite",
		DatabaseURI: filepath.Join(t.TempDir(), "storage.db"),
		LogLevel:    "silent",
	}, log.New(io.Discard, "", 0), models.All()...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// fileHeaders builds multipart headers the way gin hands them to controllers.
func fileHeaders(t *testing.T, names ...string) []*multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, name := range names {
		part, err := w.CreateFormFile("images", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("\x89PNG\r\n\x1a\n" + name))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	return req.MultipartForm.File["images"]
}

func newTestAttachments(t *testing.T, store ImageStore) (*Attachments, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewAttachments(db, store, Options{MaxBytes: 1 << 20, StagingTTL: time.Hour}), db
}

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "uploads"), "/uploads/")
	require.NoError(t, err)
	return s
}

func filesIn(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	key := NewKey("Leaf.PNG")
	assert.Equal(t, ".png", filepath.Ext(key))

	require.NoError(t, s.Put(ctx, key, bytes.NewBufferString("img"), 3, "image/png"))
	assert.Error(t, s.Put(ctx, key, bytes.NewBufferString("img"), 3, "image/png"), "keys are never overwritten")

	p := s.PublicPath(key)
	assert.Equal(t, "/uploads/"+key, p)
	got, ok := s.KeyOf(p)
	require.True(t, ok)
	assert.Equal(t, key, got)

	require.NoError(t, s.Remove(ctx, key))
	require.NoError(t, s.Remove(ctx, key), "removing a missing key succeeds")
	assert.Empty(t, filesIn(t, s.Dir()))
}

func TestLocalStoreRejectsForeignPaths(t *testing.T) {
	s := newLocal(t)
	for _, p := range []string{"/uploads/../config.yaml", "/other/abc.png", "/uploads/sub/dir.png", "https://cdn.example.com/x.png"} {
		_, ok := s.KeyOf(p)
		assert.False(t, ok, p)
	}
	assert.Error(t, s.Put(context.Background(), "../escape.png", bytes.NewBuffer(nil), 0, ""))
}

func TestMinIOStorePaths(t *testing.T) {
	m := &MinIOStore{bucket: "agridoctor", publicBase: "https://cdn.example.com/media"}
	key := NewKey("x.jpg")
	p := m.PublicPath(key)
	assert.Equal(t, "https://cdn.example.com/media/agridoctor/"+key, p)
	got, ok := m.KeyOf(p)
	require.True(t, ok)
	assert.Equal(t, key, got)
	_, ok = m.KeyOf("/uploads/" + key)
	assert.False(t, ok)
}

func TestStageAndAttach(t *testing.T) {
	store := newLocal(t)
	a, db := newTestAttachments(t, store)
	ctx := context.Background()

	paths, err := a.Stage(ctx, fileHeaders(t, "a.jpg", "b.png"))
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Len(t, filesIn(t, store.Dir()), 2)

	var staged int64
	db.Model(&models.UploadedFile{}).Where("state = ?", models.UploadStaged).Count(&staged)
	assert.EqualValues(t, 2, staged)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return a.Attach(tx, 7, paths)
	}))
	var rows []models.UploadedFile
	require.NoError(t, db.Find(&rows).Error)
	for _, r := range rows {
		assert.Equal(t, models.UploadAttached, r.State)
		require.NotNil(t, r.DiseaseID)
		assert.EqualValues(t, 7, *r.DiseaseID)
	}
}

func TestStageRejectsBadUploadsWithoutWriting(t *testing.T) {
	store := newLocal(t)
	a, db := newTestAttachments(t, store)

	_, err := a.Stage(context.Background(), fileHeaders(t, "a.jpg", "notes.txt"))
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	a.opts.MaxBytes = 4
	_, err = a.Stage(context.Background(), fileHeaders(t, "big.gif"))
	assert.ErrorIs(t, err, ErrImageTooLarge)

	assert.Empty(t, filesIn(t, store.Dir()))
	var n int64
	db.Model(&models.UploadedFile{}).Count(&n)
	assert.Zero(t, n)
}

func TestDiscardRemovesStagedFiles(t *testing.T) {
	store := newLocal(t)
	a, db := newTestAttachments(t, store)

	paths, err := a.Stage(context.Background(), fileHeaders(t, "a.jpeg"))
	require.NoError(t, err)
	a.Discard(context.Background(), paths)

	assert.Empty(t, filesIn(t, store.Dir()))
	var n int64
	db.Model(&models.UploadedFile{}).Count(&n)
	assert.Zero(t, n)
}

func TestRetireThenPurge(t *testing.T) {
	store := newLocal(t)
	a, db := newTestAttachments(t, store)
	ctx := context.Background()

	paths, err := a.Stage(ctx, fileHeaders(t, "keep.png", "drop.png"))
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error { return a.Attach(tx, 1, paths) }))

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error { return a.Retire(tx, 1, paths[1:]) }))
	a.Purge(ctx, paths[1:])

	keepKey, _ := store.KeyOf(paths[0])
	assert.Equal(t, []string{keepKey}, filesIn(t, store.Dir()))
	var rows []models.UploadedFile
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, keepKey, rows[0].Key)
}

type flakyStore struct {
	*LocalStore
	failures int
}

func (f *flakyStore) Remove(ctx context.Context, key string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("storage unavailable")
	}
	return f.LocalStore.Remove(ctx, key)
}

func TestFailedPurgeIsRetriedByReconcile(t *testing.T) {
	store := &flakyStore{LocalStore: newLocal(t)}
	a, db := newTestAttachments(t, store)
	ctx := context.Background()

	paths, err := a.Stage(ctx, fileHeaders(t, "a.png"))
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error { return a.Attach(tx, 3, paths) }))
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error { return a.Retire(tx, 3, paths) }))

	store.failures = 1
	a.Purge(ctx, paths)
	var row models.UploadedFile
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, models.UploadPendingDelete, row.State)
	assert.Equal(t, 1, row.Attempts)
	assert.Contains(t, row.LastError, "storage unavailable")

	report, err := a.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Removed: 1}, report)
	assert.Empty(t, filesIn(t, store.Dir()))
}

func TestReconcileReclaimsExpiredStaging(t *testing.T) {
	store := newLocal(t)
	a, db := newTestAttachments(t, store)
	ctx := context.Background()

	paths, err := a.Stage(ctx, fileHeaders(t, "orphan.gif"))
	require.NoError(t, err)

	report, err := a.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Removed, "fresh uploads are left alone")

	report, err = a.Reconcile(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Empty(t, filesIn(t, store.Dir()))

	err = db.Transaction(func(tx *gorm.DB) error { return a.Attach(tx, 1, paths) })
	assert.ErrorIs(t, err, ErrStagingExpired)
}

func TestStartReconcilerStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	store := newLocal(t)
	a, _ := newTestAttachments(t, store)
	_, err := a.Stage(context.Background(), fileHeaders(t, "late.png"))
	require.NoError(t, err)
	a.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := a.StartReconciler(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(store.Dir())
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestReconcileAllDrainsEveryBatch(t *testing.T) {
	store := newLocal(t)
	a, db := newTestAttachments(t, store)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	rows := make([]models.UploadedFile, 0, 150)
	for i := 0; i < 150; i++ {
		key := NewKey("orphan.png")
		rows = append(rows, models.UploadedFile{
			Key: key, Path: store.PublicPath(key), Backend: "local",
			State: models.UploadStaged, ExpireAt: past,
		})
	}
	require.NoError(t, db.CreateInBatches(&rows, 50).Error)

	report, err := a.Reconcile(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, reconcileBatch, report.Removed, "a single pass is bounded")

	report, err = a.ReconcileAll(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Removed: 50}, report)

	var left int64
	require.NoError(t, db.Model(&models.UploadedFile{}).Count(&left).Error)
	assert.Zero(t, left)
}

func TestReconcileAllSkipsRowsThatKeepFailing(t *testing.T) {
	store := &flakyStore{LocalStore: newLocal(t), failures: 1 << 30}
	a, db := newTestAttachments(t, store)

	past := time.Now().Add(-time.Hour)
	rows := make([]models.UploadedFile, 0, reconcileBatch+5)
	for i := 0; i < reconcileBatch+5; i++ {
		key := NewKey("stuck.png")
		rows = append(rows, models.UploadedFile{
			Key: key, Path: store.PublicPath(key), Backend: "local",
			State: models.UploadStaged, ExpireAt: past,
		})
	}
	require.NoError(t, db.CreateInBatches(&rows, 50).Error)

	report, err := a.ReconcileAll(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Failed: reconcileBatch + 5}, report)
}
