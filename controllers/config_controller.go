package controllers

import (
	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/utils"
	"github.com/gin-gonic/gin"
)

// ConfigController serves environment-driven site settings for the public pages.
type ConfigController struct{}

func NewConfigController() *ConfigController { return &ConfigController{} }

// GetSite returns site name, contact details and the current notice.
func (c *ConfigController) GetSite(ctx *gin.Context) {
	cfg := config.Get()
	utils.Success(ctx, gin.H{
		"name": cfg.SiteName,
		"contact": gin.H{
			"email":   cfg.ContactEmail,
			"phone":   cfg.ContactPhone,
			"address": cfg.ContactAddress,
		},
		"notice": gin.H{
			"title": cfg.NoticeTitle,
			"html":  cfg.NoticeHTML,
		},
	})
}
