package controllers

import (
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

// StatsController provides site statistics such as online visitors and record counts.
type StatsController struct {
	db     *gorm.DB
	visits utils.VisitTracker
}

// NewStatsController creates a new StatsController instance.
func NewStatsController(db *gorm.DB, visits utils.VisitTracker) *StatsController {
	return &StatsController{db: db, visits: visits}
}

// GetStats returns aggregate statistics for the site.
func (s *StatsController) GetStats(ctx *gin.Context) {
	var users, diseases, categories, total, today int64

	// Counting failures degrade to 0 instead of failing the whole endpoint
	if err := s.db.Model(&models.User{}).Count(&users).Error; err != nil {
		users = 0
	}
	if err := s.db.Model(&models.Disease{}).Count(&diseases).Error; err != nil {
		diseases = 0
	}
	if err := s.db.Model(&models.Category{}).Count(&categories).Error; err != nil {
		categories = 0
	}
	if err := s.db.Model(&models.PageView{}).Select("COALESCE(SUM(count),0)").Scan(&total).Error; err != nil {
		total = 0
	}
	if err := s.db.Model(&models.PageView{}).
		Where("date = ?", models.ViewDay(time.Now())).
		Select("COALESCE(SUM(count),0)").
		Scan(&today).Error; err != nil {
		today = 0
	}

	var online int64
	if s.visits != nil {
		online = s.visits.Online(ctx.Request.Context(), time.Now())
	}

	utils.Success(ctx, gin.H{
		"online_users":   online,
		"total_visits":   total,
		"today_visits":   today,
		"user_count":     users,
		"disease_count":  diseases,
		"category_count": categories,
	})
}
