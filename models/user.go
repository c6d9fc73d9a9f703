package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Role is the coarse permission level carried in issued tokens.
type Role string

const (
	RoleAdmin           Role = "admin"
	RoleFarmer          Role = "farmer"
	RoleStudentLecturer Role = "student_lecturer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleFarmer, RoleStudentLecturer:
		return true
	}
	return false
}

// User is an account. Passwords are stored as bcrypt hashes only.
type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:100;not null" json:"name"`
	Email        string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	Role         Role      `gorm:"size:32;index;not null;default:'farmer'" json:"role"`
	Provider     string    `gorm:"size:32" json:"provider,omitempty"`
	ProviderID   string    `gorm:"size:255;index" json:"-"`
	AvatarURL    string    `gorm:"size:512" json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NormalizeEmail lower-cases and trims an address for storage and lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// BeforeSave keeps emails normalized and roles valid.
func (u *User) BeforeSave(tx *gorm.DB) error {
	u.Email = NormalizeEmail(u.Email)
	if !u.Role.Valid() {
		u.Role = RoleFarmer
	}
	return nil
}
