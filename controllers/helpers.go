package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/utils"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

func parsePagination(ctx *gin.Context) (page, pageSize int) {
	page, pageSize = 1, defaultPageSize
	if v := strings.TrimSpace(ctx.Query("page")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			page = n
		}
	}
	if v := strings.TrimSpace(ctx.Query("page_size")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			pageSize = n
		}
	}
	return page, pageSize
}

func paginated(items interface{}, page, pageSize int, total int64) gin.H {
	return gin.H{
		"items": items,
		"pagination": gin.H{
			"page":        page,
			"page_size":   pageSize,
			"total":       total,
			"total_pages": int((total + int64(pageSize) - 1) / int64(pageSize)),
		},
	}
}

// parseID reads a positive numeric path parameter, answering 404 otherwise
// since a malformed id can never name an existing record.
func parseID(ctx *gin.Context, param string, code int, what string) (uint, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(ctx.Param(param)), 10, 64)
	if err != nil || n == 0 {
		utils.Error(ctx, http.StatusNotFound, code, what+" not found")
		return 0, false
	}
	return uint(n), true
}

// formValue returns the first non-empty form field among names.
func formValue(ctx *gin.Context, names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := ctx.GetPostForm(name); ok {
			return v, true
		}
	}
	return "", false
}

func formArray(ctx *gin.Context, names ...string) ([]string, bool) {
	for _, name := range names {
		if v, ok := ctx.GetPostFormArray(name); ok {
			return v, true
		}
	}
	return nil, false
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// serverError logs err and answers with a generic 500.
func serverError(ctx *gin.Context, code int, msg string, err error) {
	utils.Sugar.Errorw(msg, "code", code, "path", ctx.FullPath(), "error", err)
	utils.Error(ctx, http.StatusInternalServerError, code, msg)
}
