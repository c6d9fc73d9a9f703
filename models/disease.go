package models

import (
	"fmt"
	"regexp"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MinDiseaseImages = 1
	MaxDiseaseImages = 5
)

var imagePathPattern = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif)$`)

// IsImagePath reports whether a file name or path carries an accepted image extension.
func IsImagePath(p string) bool {
	return imagePathPattern.MatchString(p)
}

// Disease is a catalogued rice disease with its treatment guidance and 1..5 images.
type Disease struct {
	ID          uint                        `gorm:"primaryKey" json:"id"`
	Name        string                      `gorm:"size:200;uniqueIndex;not null" json:"name"`
	Description string                      `gorm:"type:text;not null" json:"description"`
	Symptoms    string                      `gorm:"type:text;not null" json:"symptoms"`
	Causes      string                      `gorm:"type:text" json:"causes"`
	Prevention  string                      `gorm:"type:text;not null" json:"prevention"`
	Treatment   string                      `gorm:"type:text;not null" json:"treatment"`
	CategoryID  uint                        `gorm:"index;not null" json:"category_id"`
	Category    *Category                   `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
	Images      datatypes.JSONSlice[string] `json:"images"`
	CreatedByID *uint                       `gorm:"index" json:"created_by_id"`
	CreatedBy   *User                       `gorm:"foreignKey:CreatedByID" json:"created_by,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// ValidateImages checks the image count bounds and every path's extension.
func ValidateImages(paths []string) error {
	if len(paths) < MinDiseaseImages || len(paths) > MaxDiseaseImages {
		return fmt.Errorf("a disease needs between %d and %d images, got %d", MinDiseaseImages, MaxDiseaseImages, len(paths))
	}
	for _, p := range paths {
		if !IsImagePath(p) {
			return fmt.Errorf("%s is not a jpg, jpeg, png or gif image", p)
		}
	}
	return nil
}

// BeforeCreate refuses records whose image list breaks the count or extension rules.
func (d *Disease) BeforeCreate(tx *gorm.DB) error {
	return ValidateImages(d.Images)
}
