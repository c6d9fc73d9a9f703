package models

import "time"

// PageView stores aggregated view counts per day and path.
type PageView struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Date      time.Time `gorm:"index:idx_pv_date_path,unique;type:date;not null" json:"date"`
	Path      string    `gorm:"index:idx_pv_date_path,unique;size:255;not null" json:"path"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ViewDay truncates t to local midnight, the granularity of PageView.Date.
func ViewDay(t time.Time) time.Time {
	t = t.In(time.Local)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// All lists every persisted model for migrations.
func All() []interface{} {
	return []interface{}{
		&User{}, &Category{}, &Disease{}, &Message{}, &UploadedFile{}, &PageView{},
	}
}
