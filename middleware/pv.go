package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

// PageViewRecorder marks the caller as online and counts successful GETs per day and path.
// skipPrefixes lists paths that are not content, such as health checks and static uploads.
func PageViewRecorder(db *gorm.DB, visits utils.VisitTracker, skipPrefixes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		visits.Touch(c.Request.Context(), c.ClientIP(), time.Now())
		c.Next()

		if c.Request.Method != http.MethodGet {
			return
		}
		status := c.Writer.Status()
		if status < 200 || status >= 400 {
			return
		}

		path := c.Request.URL.Path
		for _, prefix := range skipPrefixes {
			if strings.HasPrefix(path, prefix) {
				return
			}
		}

		// atomic upsert; concurrent first hits of the day would otherwise collide on (date, path)
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "date"}, {Name: "path"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"count": gorm.Expr("page_views.count + 1"), "updated_at": time.Now()}),
		}).Create(&models.PageView{Date: models.ViewDay(time.Now()), Path: path, Count: 1}).Error
		if err != nil {
			utils.Sugar.Debugf("page view upsert failed path=%s err=%v", path, err)
		}
	}
}
