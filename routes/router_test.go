package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/controllers"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/storage"
	"github.com/agridoctor/agridoctor/utils"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testEnv struct {
	t       *testing.T
	db      *gorm.DB
	router  *gin.Engine
	uploads string
	admin   *models.User
	token   string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	return newEnvWith(t, Deps{})
}

// newEnvWith builds the test API around deps. Attachments are always replaced
// by a local store in a temporary directory.
func newEnvWith(t *testing.T, deps Deps) *testEnv {
	t.Helper()
	dir := t.TempDir()
	config.Use(config.AppConfig{
		JWTSecret:          "routes-test-secret",
		TokenTTLHours:      1,
		GinMode:            "test",
		GinPath:            filepath.Join(dir, "logs", "gin.log"),
		LogLevel:           "error",
		UploadURLPrefix:    "/uploads",
		RateLimitPerMinute: 100000,
		AllowedOrigins:     []string{"*"},
		SiteName:           "AgriDoctor",
		ContactEmail:       "help@example.com",
	})

	db, err := config.InitDatabase(config.AppConfig{
		DBDriver:    "sqlite",
		DatabaseURI: filepath.Join(dir, "api.db"),
		LogLevel:    "silent",
	}, log.New(io.Discard, "", 0), models.All()...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	uploads := filepath.Join(dir, "uploads")
	store, err := storage.NewLocalStore(uploads, "/uploads")
	require.NoError(t, err)
	deps.Attachments = storage.NewAttachments(db, store, storage.Options{MaxBytes: 1 << 20, StagingTTL: time.Hour})

	admin, err := controllers.CreateUser(db, "Admin", "admin@example.com", "secret1", models.RoleAdmin)
	require.NoError(t, err)

	env := &testEnv{
		t:       t,
		db:      db,
		router:  SetupRouter(db, deps),
		uploads: uploads,
		admin:   admin,
	}
	env.token = env.tokenFor(admin)
	return env
}

func (e *testEnv) tokenFor(u *models.User) string {
	e.t.Helper()
	token, err := utils.GenerateToken(u.ID, u.Name, string(u.Role), time.Hour)
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) user(name string, role models.Role) (*models.User, string) {
	e.t.Helper()
	u, err := controllers.CreateUser(e.db, name, strings.ToLower(name)+"@example.com", "secret1", role)
	require.NoError(e.t, err)
	return u, e.tokenFor(u)
}

func (e *testEnv) do(req *http.Request, token string) (*httptest.ResponseRecorder, envelope) {
	e.t.Helper()
	if token != "" {
		req.Header.Set("x-auth-token", token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(e.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func (e *testEnv) json(method, path string, payload interface{}, token string) (*httptest.ResponseRecorder, envelope) {
	e.t.Helper()
	var body io.Reader = http.NoBody
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(e.t, err)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, token)
}

func (e *testEnv) form(method, path string, fields map[string][]string, images []string, token string) (*httptest.ResponseRecorder, envelope) {
	e.t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for name, values := range fields {
		for _, v := range values {
			require.NoError(e.t, w.WriteField(name, v))
		}
	}
	for _, name := range images {
		part, err := w.CreateFormFile("images", name)
		require.NoError(e.t, err)
		_, err = part.Write([]byte("\x89PNG\r\n\x1a\n" + name))
		require.NoError(e.t, err)
	}
	require.NoError(e.t, w.Close())
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return e.do(req, token)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func (e *testEnv) uploadedFiles() []string {
	e.t.Helper()
	entries, err := os.ReadDir(e.uploads)
	require.NoError(e.t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func (e *testEnv) category(name string) uint {
	e.t.Helper()
	w, resp := e.json(http.MethodPost, "/api/categories", gin.H{"name": name}, e.token)
	require.Equal(e.t, http.StatusCreated, w.Code, resp.Message)
	return decode[models.Category](e.t, resp.Data).ID
}

type diseaseOut struct {
	ID         uint     `json:"id"`
	Name       string   `json:"name"`
	CategoryID uint     `json:"category_id"`
	Images     []string `json:"images"`
	CreatedBy  *struct {
		ID   uint   `json:"id"`
		Name string `json:"name"`
	} `json:"created_by"`
}

func diseaseFields(name string, categoryID uint) map[string][]string {
	return map[string][]string{
		"name":        {name},
		"description": {"Common in humid paddies."},
		"symptoms":    {"Diamond shaped lesions on leaves"},
		"causes":      {"Magnaporthe oryzae"},
		"prevention":  {"Resistant varieties"},
		"treatment":   {"Tricyclazole spray"},
		"category_id": {fmt.Sprint(categoryID)},
	}
}

func (e *testEnv) disease(name string, categoryID uint, images ...string) diseaseOut {
	e.t.Helper()
	w, resp := e.form(http.MethodPost, "/api/diseases", diseaseFields(name, categoryID), images, e.token)
	require.Equal(e.t, http.StatusCreated, w.Code, resp.Message)
	return decode[diseaseOut](e.t, resp.Data)
}

func TestHealthAndUnknownRoute(t *testing.T) {
	env := newEnv(t)

	w, _ := env.json(http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp := env.json(http.MethodGet, "/api/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40400, resp.Code)
}

func TestCategoryNamesAreUniqueIgnoringCase(t *testing.T) {
	env := newEnv(t)
	env.category("Blight")

	w, resp := env.json(http.MethodPost, "/api/categories", gin.H{"name": "blight"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40011, resp.Code)

	w, resp = env.json(http.MethodPost, "/api/categories", gin.H{"name": "   "}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40010, resp.Code)

	w, resp = env.json(http.MethodGet, "/api/categories", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Category](t, resp.Data), 1)
}

func TestCategoryRenameCollision(t *testing.T) {
	env := newEnv(t)
	env.category("Fungal")
	id := env.category("Bacterial")

	w, resp := env.json(http.MethodPut, fmt.Sprintf("/api/categories/%d", id), gin.H{"name": "FUNGAL"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40012, resp.Code)

	w, resp = env.json(http.MethodPut, fmt.Sprintf("/api/categories/%d", id), gin.H{"description": "Caused by bacteria"}, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[models.Category](t, resp.Data)
	assert.Equal(t, "Bacterial", got.Name)
	assert.Equal(t, "Caused by bacteria", got.Description)
}

func TestDeletingReferencedCategoryReportsDependents(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")
	env.disease("Rice Blast", cat, "a.png")
	env.disease("Brown Spot", cat, "b.jpg")

	w, resp := env.json(http.MethodDelete, fmt.Sprintf("/api/categories/%d", cat), nil, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40013, resp.Code)
	assert.Contains(t, resp.Message, "2 diseases")
	assert.Equal(t, 2, decode[struct {
		Dependents int `json:"dependents"`
	}](t, resp.Data).Dependents)

	empty := env.category("Viral")
	w, _ = env.json(http.MethodDelete, fmt.Sprintf("/api/categories/%d", empty), nil, env.token)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = env.json(http.MethodGet, fmt.Sprintf("/api/categories/%d", empty), nil, env.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = env.json(http.MethodGet, fmt.Sprintf("/api/categories/%d", cat), nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesCheckRole(t *testing.T) {
	env := newEnv(t)
	_, farmer := env.user("Farmer", models.RoleFarmer)

	w, resp := env.json(http.MethodPost, "/api/categories", gin.H{"name": "Fungal"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40101, resp.Code)

	w, resp = env.json(http.MethodPost, "/api/categories", gin.H{"name": "Fungal"}, farmer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 40301, resp.Code)

	w, _ = env.json(http.MethodGet, "/api/users", nil, farmer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = env.json(http.MethodPost, "/api/categories", gin.H{"name": "Fungal"}, "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDiseaseImageCountBounds(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")

	for _, images := range [][]string{nil, {"1.png", "2.png", "3.png", "4.png", "5.png", "6.png"}} {
		w, resp := env.form(http.MethodPost, "/api/diseases", diseaseFields("Rice Blast", cat), images, env.token)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, 40020, resp.Code)
		assert.Contains(t, string(resp.Data), "images")
	}
	assert.Empty(t, env.uploadedFiles())

	w, resp := env.form(http.MethodPost, "/api/diseases", diseaseFields("Rice Blast", cat), []string{"notes.txt"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40020, resp.Code)
	assert.Empty(t, env.uploadedFiles())

	created := env.disease("Rice Blast", cat, "1.png", "2.png", "3.png", "4.png", "5.png")
	assert.Len(t, created.Images, 5)
	assert.Len(t, env.uploadedFiles(), 5)
	require.NotNil(t, created.CreatedBy)
	assert.Equal(t, "Admin", created.CreatedBy.Name)
}

func TestDiseaseWithUnknownCategoryWritesNoFiles(t *testing.T) {
	env := newEnv(t)

	w, resp := env.form(http.MethodPost, "/api/diseases", diseaseFields("Rice Blast", 999), []string{"a.png", "b.png"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40022, resp.Code)
	assert.Empty(t, env.uploadedFiles())

	var rows int64
	require.NoError(t, env.db.Model(&models.UploadedFile{}).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestDiseaseNamesAreUnique(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")
	env.disease("Rice Blast", cat, "a.png")

	w, resp := env.form(http.MethodPost, "/api/diseases", diseaseFields("Rice Blast", cat), []string{"b.png"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40023, resp.Code)
	assert.Len(t, env.uploadedFiles(), 1)
}

func TestDiseaseUpdateRemovesOnlyDroppedImages(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")
	created := env.disease("Rice Blast", cat, "a.png", "b.png", "c.png")
	require.Len(t, created.Images, 3)
	keep := created.Images[:2]
	dropped := created.Images[2]

	w, resp := env.form(http.MethodPut, fmt.Sprintf("/api/diseases/%d", created.ID),
		map[string][]string{"existing_images": keep, "treatment": {"Burn stubble"}}, []string{"d.gif"}, env.token)
	require.Equal(t, http.StatusOK, w.Code, resp.Message)

	updated := decode[diseaseOut](t, resp.Data)
	require.Len(t, updated.Images, 3)
	assert.Equal(t, keep, updated.Images[:2])
	assert.NotContains(t, updated.Images, dropped)

	files := env.uploadedFiles()
	assert.Len(t, files, 3)
	assert.NotContains(t, files, filepath.Base(dropped))
	for _, p := range updated.Images {
		assert.Contains(t, files, filepath.Base(p))
	}

	var disease models.Disease
	require.NoError(t, env.db.First(&disease, created.ID).Error)
	assert.Equal(t, "Burn stubble", disease.Treatment)
}

func TestDiseaseUpdateCannotEmptyImageSet(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")
	created := env.disease("Rice Blast", cat, "a.png", "b.png")

	w, resp := env.form(http.MethodPut, fmt.Sprintf("/api/diseases/%d", created.ID),
		map[string][]string{"name": {"Leaf Blast"}}, nil, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40020, resp.Code)
	assert.Len(t, env.uploadedFiles(), 2)

	w, _ = env.form(http.MethodPut, fmt.Sprintf("/api/diseases/%d", created.ID),
		map[string][]string{"existing_images": created.Images}, []string{"c.png", "d.png", "e.png", "f.png"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, env.uploadedFiles(), 2)
}

func TestDiseaseDeleteRemovesImages(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")
	created := env.disease("Rice Blast", cat, "a.png", "b.png")

	w, _ := env.json(http.MethodDelete, fmt.Sprintf("/api/diseases/%d", created.ID), nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env.uploadedFiles())

	w, resp := env.json(http.MethodGet, fmt.Sprintf("/api/diseases/%d", created.ID), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40420, resp.Code)
}

func TestUploadedImagesAreServed(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")
	created := env.disease("Rice Blast", cat, "a.png")

	req := httptest.NewRequest(http.MethodGet, created.Images[0], nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "a.png")
}

func TestDiseaseListAndSearch(t *testing.T) {
	env := newEnv(t)
	fungal := env.category("Fungal")
	bacterial := env.category("Bacterial")
	env.disease("Rice Blast", fungal, "a.png")
	fields := diseaseFields("Bacterial Leaf Streak", bacterial)
	fields["symptoms"] = []string{"Narrow water-soaked streaks"}
	w, _ := env.form(http.MethodPost, "/api/diseases", fields, []string{"b.png"}, env.token)
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := env.json(http.MethodGet, fmt.Sprintf("/api/diseases?category_id=%d", fungal), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Items      []diseaseOut `json:"items"`
		Pagination struct {
			Total int64 `json:"total"`
		} `json:"pagination"`
	}](t, resp.Data)
	assert.EqualValues(t, 1, page.Pagination.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Rice Blast", page.Items[0].Name)

	tests := []struct {
		query string
		want  []string
	}{
		{"BLAST", []string{"Rice Blast"}},
		{"streaks", []string{"Bacterial Leaf Streak"}},
		{"fungal", []string{"Rice Blast"}},
		{"100%", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w, resp := env.json(http.MethodGet, "/api/diseases/search?query="+strings.ReplaceAll(tt.query, "%", "%25"), nil, "")
			require.Equal(t, http.StatusOK, w.Code)
			var names []string
			for _, d := range decode[[]diseaseOut](t, resp.Data) {
				names = append(names, d.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}

	w, resp = env.json(http.MethodGet, "/api/diseases/search", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40025, resp.Code)
}

func TestApprovalControlsPublicVisibility(t *testing.T) {
	env := newEnv(t)
	cat := env.category("Fungal")
	d := env.disease("Rice Blast", cat, "a.png")
	_, farmer := env.user("Farmer", models.RoleFarmer)

	w, resp := env.json(http.MethodPost, "/api/reviews", gin.H{"disease_id": d.ID, "content": "Spray worked well"}, farmer)
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	review := decode[models.Message](t, resp.Data)
	assert.False(t, review.Approved)
	assert.Equal(t, "Farmer", review.Name)

	public := fmt.Sprintf("/api/reviews/public/%d", d.ID)
	w, resp = env.json(http.MethodGet, public, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]models.Message](t, resp.Data))

	w, _ = env.json(http.MethodPatch, fmt.Sprintf("/api/reviews/%d/approve", review.ID), nil, farmer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, resp = env.json(http.MethodPatch, fmt.Sprintf("/api/reviews/%d/approve", review.ID), nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Message](t, resp.Data).Approved)

	w, resp = env.json(http.MethodGet, public, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	visible := decode[[]models.Message](t, resp.Data)
	require.Len(t, visible, 1)
	assert.Equal(t, "Spray worked well", visible[0].Content)
}

func TestCommentsApproveWithPut(t *testing.T) {
	env := newEnv(t)

	w, resp := env.json(http.MethodPost, "/api/comments", gin.H{"post_id": 7, "message": "Nice write-up"}, "")
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	comment := decode[models.Message](t, resp.Data)
	assert.Equal(t, "Anonymous", comment.Name)

	w, _ = env.json(http.MethodPut, fmt.Sprintf("/api/comments/%d/approve", comment.ID), nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = env.json(http.MethodGet, "/api/comments/public?target_id=7", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Message](t, resp.Data), 1)

	w, resp = env.json(http.MethodGet, "/api/comments?approved=false", nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"total":0`)
}

func TestReviewNeedsUserAndKnownDisease(t *testing.T) {
	env := newEnv(t)
	_, farmer := env.user("Farmer", models.RoleFarmer)

	w, _ := env.json(http.MethodPost, "/api/reviews", gin.H{"disease_id": 1, "content": "Great"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := env.json(http.MethodPost, "/api/reviews", gin.H{"disease_id": 999, "content": "Great"}, farmer)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40430, resp.Code)

	var count int64
	require.NoError(t, env.db.Model(&models.Message{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestFeedbackLifecycle(t *testing.T) {
	env := newEnv(t)

	w, resp := env.json(http.MethodPost, "/api/feedback", gin.H{
		"name": "Lan", "email": "not-an-email", "subject": "Hi", "message": "Hello",
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40030, resp.Code)
	assert.Contains(t, string(resp.Data), "email")

	w, resp = env.json(http.MethodPost, "/api/feedback", gin.H{
		"name": "Lan", "email": "Lan@Example.com", "subject": "Hi", "message": "Hello", "type": "question",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	fb := decode[models.Message](t, resp.Data)
	assert.Equal(t, "question", fb.Topic)
	assert.Equal(t, "lan@example.com", fb.Email)
	assert.Equal(t, models.StatusNew, fb.Status)

	path := fmt.Sprintf("/api/feedback/%d", fb.ID)
	w, _ = env.json(http.MethodPut, path, gin.H{"status": "bogus"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = env.json(http.MethodPut, path, gin.H{"status": "closed"}, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.MessageStatus("closed"), decode[models.Message](t, resp.Data).Status)

	w, _ = env.json(http.MethodDelete, path, nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	w, resp = env.json(http.MethodGet, path, nil, env.token)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40431, resp.Code)
}

func TestRegisterLoginLogout(t *testing.T) {
	env := newEnv(t)

	w, resp := env.json(http.MethodPost, "/api/auth/register", gin.H{
		"name": "Mai", "email": "Mai@Example.com", "password": "secret1", "role": "student_lecturer",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)
	registered := decode[struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}](t, resp.Data)
	assert.NotEmpty(t, registered.Token)
	assert.Equal(t, "mai@example.com", registered.User.Email)
	assert.Equal(t, models.RoleStudentLecturer, registered.User.Role)
	assert.NotContains(t, string(resp.Data), "password")

	w, _ = env.json(http.MethodPost, "/api/auth/register", gin.H{"name": "Mai", "email": "mai@example.com", "password": "secret1"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.json(http.MethodPost, "/api/auth/register", gin.H{"name": "Eve", "email": "eve@example.com", "password": "secret1", "role": "admin"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.json(http.MethodPost, "/api/auth/register", gin.H{"name": "Eve", "email": "eve@example.com", "password": "123"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, resp = env.json(http.MethodPost, "/api/auth/login", gin.H{"email": "mai@example.com", "password": "wrong!"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40106, resp.Code)

	w, resp = env.json(http.MethodPost, "/api/auth/login", gin.H{"email": "MAI@example.com", "password": "secret1"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	token := decode[struct {
		Token string `json:"token"`
	}](t, resp.Data).Token

	w, resp = env.json(http.MethodGet, "/api/auth", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Mai", decode[models.User](t, resp.Data).Name)

	w, _ = env.json(http.MethodPost, "/api/auth/logout", nil, token)
	require.Equal(t, http.StatusOK, w.Code)

	w, resp = env.json(http.MethodGet, "/api/auth", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 40104, resp.Code)

	w, _ = env.json(http.MethodGet, "/api/auth", nil, registered.Token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLastAdminCannotBeRemoved(t *testing.T) {
	env := newEnv(t)
	self := fmt.Sprintf("/api/users/%d", env.admin.ID)

	w, resp := env.json(http.MethodDelete, self, nil, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40042, resp.Code)

	w, resp = env.json(http.MethodPut, self, gin.H{"role": "farmer"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40042, resp.Code)

	w, resp = env.json(http.MethodPost, "/api/users", gin.H{
		"name": "Second", "email": "second@example.com", "password": "secret1", "role": "admin",
	}, env.token)
	require.Equal(t, http.StatusCreated, w.Code, resp.Message)

	w, resp = env.json(http.MethodPut, self, gin.H{"role": "farmer", "name": "Former Admin"}, env.token)
	require.Equal(t, http.StatusOK, w.Code, resp.Message)
	updated := decode[models.User](t, resp.Data)
	assert.Equal(t, models.RoleFarmer, updated.Role)
	assert.Equal(t, "Former Admin", updated.Name)

	w, resp = env.json(http.MethodGet, "/api/users?role=admin", nil, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), "second@example.com")
	assert.NotContains(t, string(resp.Data), "admin@example.com")
}

func TestUserEmailUniqueOnUpdate(t *testing.T) {
	env := newEnv(t)
	farmer, _ := env.user("Farmer", models.RoleFarmer)

	w, resp := env.json(http.MethodPut, fmt.Sprintf("/api/users/%d", farmer.ID), gin.H{"email": "ADMIN@example.com"}, env.token)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 40041, resp.Code)

	w, _ = env.json(http.MethodPut, fmt.Sprintf("/api/users/%d", farmer.ID), gin.H{"password": "newsecret"}, env.token)
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = env.json(http.MethodPost, "/api/auth/login", gin.H{"email": "farmer@example.com", "password": "newsecret"}, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatsAndSiteConfig(t *testing.T) {
	env := newEnv(t)
	env.category("Fungal")

	for i := 0; i < 3; i++ {
		w, _ := env.json(http.MethodGet, "/api/categories", nil, "")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, resp := env.json(http.MethodGet, "/api/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]int64](t, resp.Data)
	assert.EqualValues(t, 1, stats["online_users"])
	assert.EqualValues(t, 3, stats["total_visits"])
	assert.EqualValues(t, 3, stats["today_visits"])
	assert.EqualValues(t, 1, stats["user_count"])
	assert.EqualValues(t, 1, stats["category_count"])

	w, resp = env.json(http.MethodGet, "/api/config/site", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(resp.Data), `"name":"AgriDoctor"`)
	assert.Contains(t, string(resp.Data), "help@example.com")
}

func TestBootstrapAdminOnlyWhenNoneExists(t *testing.T) {
	env := newEnv(t)
	cfg := config.AppConfig{BootstrapAdminEmail: "boot@example.com", BootstrapAdminPassword: "secret1"}

	require.NoError(t, controllers.EnsureBootstrapAdmin(env.db, cfg))
	var count int64
	require.NoError(t, env.db.Model(&models.User{}).Where("email = ?", "boot@example.com").Count(&count).Error)
	assert.Zero(t, count)

	require.NoError(t, env.db.Where("id = ?", env.admin.ID).Delete(&models.User{}).Error)
	require.NoError(t, controllers.EnsureBootstrapAdmin(env.db, cfg))
	var boot models.User
	require.NoError(t, env.db.Where("email = ?", "boot@example.com").First(&boot).Error)
	assert.Equal(t, models.RoleAdmin, boot.Role)
	assert.Equal(t, "Administrator", boot.Name)
}
