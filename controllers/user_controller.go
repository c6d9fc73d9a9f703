package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

var (
	// ErrEmailTaken is returned when another account already uses the address.
	ErrEmailTaken = errors.New("email already in use")
	// ErrLastAdmin guards against removing the only admin account.
	ErrLastAdmin = errors.New("cannot remove the last admin")
)

// UserController exposes admin user management.
type UserController struct {
	db *gorm.DB
}

func NewUserController(db *gorm.DB) *UserController {
	return &UserController{db: db}
}

// CreateUser stores a new account with a hashed password.
func CreateUser(db *gorm.DB, name, email, password string, role models.Role) (*models.User, error) {
	if !role.Valid() {
		return nil, errors.New("invalid role")
	}
	hash, err := utils.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Name: name, Email: models.NormalizeEmail(email), PasswordHash: hash, Role: role}
	if !utils.ValidEmail(user.Email) {
		return nil, errors.New("invalid email")
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrEmailTaken
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureBootstrapAdmin creates the configured admin when no admin exists yet.
func EnsureBootstrapAdmin(db *gorm.DB, cfg config.AppConfig) error {
	if cfg.BootstrapAdminEmail == "" || cfg.BootstrapAdminPassword == "" {
		return nil
	}
	var admins int64
	if err := db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&admins).Error; err != nil {
		return err
	}
	if admins > 0 {
		return nil
	}
	name := cfg.BootstrapAdminName
	if name == "" {
		name = "Administrator"
	}
	user, err := CreateUser(db, name, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword, models.RoleAdmin)
	if err != nil {
		return err
	}
	utils.Sugar.Infow("bootstrap admin created", "id", user.ID, "email", user.Email)
	return nil
}

func (u *UserController) load(ctx *gin.Context) (models.User, bool) {
	var user models.User
	id, ok := parseID(ctx, "id", 40401, "user")
	if !ok {
		return user, false
	}
	if err := u.db.First(&user, id).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40401, "user not found")
			return user, false
		}
		serverError(ctx, 50040, "failed to get user", err)
		return user, false
	}
	return user, true
}

// List returns users, newest first.
func (u *UserController) List(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx)
	q := u.db.Model(&models.User{})
	if role := models.Role(ctx.Query("role")); role != "" {
		q = q.Where("role = ?", role)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		serverError(ctx, 50041, "failed to list users", err)
		return
	}
	users := []models.User{}
	if err := q.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&users).Error; err != nil {
		serverError(ctx, 50041, "failed to list users", err)
		return
	}
	utils.Success(ctx, paginated(users, page, pageSize, total))
}

func (u *UserController) Get(ctx *gin.Context) {
	if user, ok := u.load(ctx); ok {
		utils.Success(ctx, user)
	}
}

// Create adds an account with any role.
func (u *UserController) Create(ctx *gin.Context) {
	var req struct {
		Name     string      `json:"name" binding:"required,max=100"`
		Email    string      `json:"email" binding:"required,email,max=255"`
		Password string      `json:"password" binding:"required,min=6,max=72"`
		Role     models.Role `json:"role"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40040, utils.BindingErrors(err))
		return
	}
	if req.Role == "" {
		req.Role = models.RoleFarmer
	}
	if !req.Role.Valid() {
		utils.ValidationFailed(ctx, 40040, []utils.FieldError{{Field: "role", Message: "role must be one of: admin, farmer, student_lecturer"}})
		return
	}
	user, err := CreateUser(u.db, utils.PlainText(req.Name), req.Email, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			utils.Error(ctx, http.StatusBadRequest, 40041, "user already exists")
			return
		}
		serverError(ctx, 50042, "failed to create user", err)
		return
	}
	utils.Created(ctx, user)
}

// Update changes name, email, role or password. Absent fields keep their value.
func (u *UserController) Update(ctx *gin.Context) {
	var req struct {
		Name     *string      `json:"name" binding:"omitempty,max=100"`
		Email    *string      `json:"email" binding:"omitempty,email,max=255"`
		Role     *models.Role `json:"role"`
		Password *string      `json:"password" binding:"omitempty,min=6,max=72"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40040, utils.BindingErrors(err))
		return
	}
	user, ok := u.load(ctx)
	if !ok {
		return
	}

	var errs utils.FieldErrors
	if req.Name != nil {
		user.Name = utils.PlainText(*req.Name)
		errs.Required("name", user.Name)
	}
	if req.Role != nil && !req.Role.Valid() {
		errs.Add("role", "role must be one of: admin, farmer, student_lecturer")
	}
	if !errs.Empty() {
		utils.ValidationFailed(ctx, 40040, errs)
		return
	}
	if req.Password != nil {
		hash, err := utils.HashPassword(*req.Password)
		if err != nil {
			utils.ValidationFailed(ctx, 40040, []utils.FieldError{{Field: "password", Message: err.Error()}})
			return
		}
		user.PasswordHash = hash
	}

	err := u.db.Transaction(func(tx *gorm.DB) error {
		if req.Email != nil {
			email := models.NormalizeEmail(*req.Email)
			var count int64
			if err := tx.Model(&models.User{}).Where("email = ? AND id <> ?", email, user.ID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrEmailTaken
			}
			user.Email = email
		}
		if req.Role != nil && *req.Role != user.Role {
			if user.Role == models.RoleAdmin {
				if err := ensureAnotherAdmin(tx, user.ID); err != nil {
					return err
				}
			}
			user.Role = *req.Role
		}
		return tx.Save(&user).Error
	})
	switch {
	case errors.Is(err, ErrEmailTaken):
		utils.Error(ctx, http.StatusBadRequest, 40041, "another user with this email already exists")
	case errors.Is(err, ErrLastAdmin):
		utils.Error(ctx, http.StatusBadRequest, 40042, "cannot demote the last admin")
	case err != nil:
		serverError(ctx, 50043, "failed to update user", err)
	default:
		utils.Success(ctx, user)
	}
}

// Delete removes an account unless it is the last admin.
func (u *UserController) Delete(ctx *gin.Context) {
	user, ok := u.load(ctx)
	if !ok {
		return
	}
	err := u.db.Transaction(func(tx *gorm.DB) error {
		if user.Role == models.RoleAdmin {
			if err := ensureAnotherAdmin(tx, user.ID); err != nil {
				return err
			}
		}
		return tx.Delete(&user).Error
	})
	switch {
	case errors.Is(err, ErrLastAdmin):
		utils.Error(ctx, http.StatusBadRequest, 40042, "cannot delete the last admin")
	case err != nil:
		serverError(ctx, 50044, "failed to delete user", err)
	default:
		utils.Success(ctx, gin.H{"message": "user removed"})
	}
}

func ensureAnotherAdmin(tx *gorm.DB, exceptID uint) error {
	var others int64
	if err := tx.Model(&models.User{}).Where("role = ? AND id <> ?", models.RoleAdmin, exceptID).Count(&others).Error; err != nil {
		return err
	}
	if others == 0 {
		return ErrLastAdmin
	}
	return nil
}
