package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/controllers"
	"github.com/agridoctor/agridoctor/events"
	"github.com/agridoctor/agridoctor/middleware"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/search"
	"github.com/agridoctor/agridoctor/storage"
	"github.com/agridoctor/agridoctor/utils"
)

// Deps are the services shared by the controllers. Events, Index and Visits are optional.
type Deps struct {
	Attachments *storage.Attachments
	Events      events.Publisher
	Index       search.Index
	Visits      utils.VisitTracker
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(db *gorm.DB, deps Deps) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	utils.UseFieldTagNames()
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Visits == nil {
		deps.Visits = utils.NewVisitTracker(nil, utils.OnlineWindow)
	}

	r := gin.New()
	// Access log goes to its own rolling file
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		r.Use(gin.Recovery())
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "x-auth-token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.Use(middleware.PageViewRecorder(db, deps.Visits,
		"/health", "/api/stats", "/api/captcha", "/api/config", cfg.UploadURLPrefix))

	if local, ok := deps.Attachments.Store().(*storage.LocalStore); ok {
		r.Static(cfg.UploadURLPrefix, local.Dir())
	}

	r.GET("/health", func(ctx *gin.Context) {
		utils.Success(ctx, gin.H{"status": "ok"})
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute).Middleware()
	admin := []gin.HandlerFunc{middleware.Authenticate(), middleware.RequireRole(models.RoleAdmin)}

	authController := controllers.NewAuthController(db)
	userController := controllers.NewUserController(db)
	categoryController := controllers.NewCategoryController(db, deps.Events, deps.Index)
	diseaseController := controllers.NewDiseaseController(db, deps.Attachments, deps.Events, deps.Index)
	statsController := controllers.NewStatsController(db, deps.Visits)
	configController := controllers.NewConfigController()

	api := r.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.Use(limiter)
	authGroup.POST("/register", authController.Register)
	authGroup.POST("/login", authController.Login)
	authGroup.GET("", middleware.Authenticate(), authController.Me)
	authGroup.POST("/logout", middleware.Authenticate(), authController.Logout)
	authGroup.GET("/oauth/:provider/login", authController.OAuthRedirect)
	authGroup.GET("/oauth/:provider/callback", authController.OAuthCallback)

	api.GET("/captcha", limiter, authController.Captcha)
	api.GET("/stats", statsController.GetStats)
	api.GET("/config/site", configController.GetSite)

	categories := api.Group("/categories")
	categories.GET("", categoryController.List)
	categories.GET("/:id", append(admin, categoryController.Get)...)
	categories.POST("", append(admin, categoryController.Create)...)
	categories.PUT("/:id", append(admin, categoryController.Update)...)
	categories.DELETE("/:id", append(admin, categoryController.Delete)...)

	diseases := api.Group("/diseases")
	diseases.GET("", diseaseController.List)
	diseases.GET("/search", diseaseController.Search)
	diseases.GET("/:id", diseaseController.Get)
	diseases.POST("", append(admin, diseaseController.Create)...)
	diseases.PUT("/:id", append(admin, diseaseController.Update)...)
	diseases.DELETE("/:id", append(admin, diseaseController.Delete)...)

	messageRoutes := map[string]models.MessageKind{
		"/feedback": models.KindFeedback,
		"/reviews":  models.KindReview,
		"/comments": models.KindComment,
	}
	for prefix, kind := range messageRoutes {
		mc := controllers.NewMessageController(db, kind, deps.Events)
		g := api.Group(prefix)
		g.POST("", limiter, middleware.OptionalAuth(), mc.Submit)
		g.GET("/public", mc.ListPublic)
		g.GET("/public/:targetId", mc.ListPublic)
		g.GET("", append(admin, mc.List)...)
		g.GET("/:id", append(admin, mc.Get)...)
		g.PATCH("/:id/approve", append(admin, mc.Approve)...)
		g.PUT("/:id/approve", append(admin, mc.Approve)...)
		g.DELETE("/:id", append(admin, mc.Delete)...)
		if kind == models.KindFeedback {
			g.PUT("/:id", append(admin, mc.UpdateStatus)...)
		}
	}

	users := api.Group("/users")
	users.Use(admin...)
	users.GET("", userController.List)
	users.POST("", userController.Create)
	users.GET("/:id", userController.Get)
	users.PUT("/:id", userController.Update)
	users.DELETE("/:id", userController.Delete)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "route not found")
	})

	return r
}
