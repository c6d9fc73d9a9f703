package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/middleware"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

// AuthController handles registration, login and third-party sign in.
type AuthController struct {
	db *gorm.DB
}

// NewAuthController creates an AuthController.
func NewAuthController(db *gorm.DB) *AuthController {
	return &AuthController{db: db}
}

func issueToken(user models.User) (string, error) {
	return utils.GenerateToken(user.ID, user.Name, string(user.Role), utils.TokenTTL())
}

// Register creates a farmer or student_lecturer account and signs it in.
func (a *AuthController) Register(ctx *gin.Context) {
	var req struct {
		Name     string      `json:"name" binding:"required,max=100"`
		Email    string      `json:"email" binding:"required,email,max=255"`
		Password string      `json:"password" binding:"required,min=6,max=72"`
		Role     models.Role `json:"role"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40001, utils.BindingErrors(err))
		return
	}
	name := utils.PlainText(req.Name)
	if name == "" {
		utils.ValidationFailed(ctx, 40001, []utils.FieldError{{Field: "name", Message: "name is required"}})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleFarmer
	}
	if req.Role != models.RoleFarmer && req.Role != models.RoleStudentLecturer {
		utils.ValidationFailed(ctx, 40001, []utils.FieldError{{Field: "role", Message: "role must be one of: farmer, student_lecturer"}})
		return
	}

	ip := ctx.ClientIP()
	if utils.RegistrationIsBanned(ip) {
		utils.Error(ctx, http.StatusTooManyRequests, 42920, "registration from this address is temporarily blocked")
		return
	}
	if !utils.RegistrationCooldownTry(ip) {
		utils.Error(ctx, http.StatusTooManyRequests, 42910, "too many attempts, please retry shortly")
		return
	}
	if !utils.RegistrationDailyLimitCheck(ip) {
		utils.Error(ctx, http.StatusTooManyRequests, 42921, "daily registration limit reached")
		return
	}

	email := models.NormalizeEmail(req.Email)
	var count int64
	if err := a.db.Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		serverError(ctx, 50001, "failed to create user", err)
		return
	}
	if count > 0 {
		utils.RegistrationFailRecord(ip)
		utils.Error(ctx, http.StatusBadRequest, 40002, "user already exists")
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		serverError(ctx, 50002, "failed to hash password", err)
		return
	}
	user := models.User{Name: name, Email: email, PasswordHash: hash, Role: req.Role}
	if err := a.db.Create(&user).Error; err != nil {
		utils.RegistrationFailRecord(ip)
		serverError(ctx, 50001, "failed to create user", err)
		return
	}
	utils.RegistrationDailyIncrement(ip)

	token, err := issueToken(user)
	if err != nil {
		serverError(ctx, 50003, "failed to generate token", err)
		return
	}
	utils.Created(ctx, gin.H{"token": token, "user": user})
}

// Login verifies credentials and issues a token.
func (a *AuthController) Login(ctx *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40003, utils.BindingErrors(err))
		return
	}

	var user models.User
	if err := a.db.Where("email = ?", models.NormalizeEmail(req.Email)).First(&user).Error; err != nil {
		if !isNotFound(err) {
			serverError(ctx, 50004, "failed to sign in", err)
			return
		}
		utils.Error(ctx, http.StatusUnauthorized, 40106, "invalid credentials")
		return
	}
	if !utils.CheckPassword(user.PasswordHash, req.Password) {
		utils.Error(ctx, http.StatusUnauthorized, 40106, "invalid credentials")
		return
	}

	token, err := issueToken(user)
	if err != nil {
		serverError(ctx, 50003, "failed to generate token", err)
		return
	}
	utils.Success(ctx, gin.H{"token": token, "user": user})
}

// Me returns the signed-in user.
func (a *AuthController) Me(ctx *gin.Context) {
	p := middleware.PrincipalFrom(ctx)
	if p == nil {
		utils.Error(ctx, http.StatusUnauthorized, 40101, "authentication required")
		return
	}
	var user models.User
	if err := a.db.First(&user, p.UserID).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40401, "user not found")
			return
		}
		serverError(ctx, 50005, "failed to get user", err)
		return
	}
	utils.Success(ctx, user)
}

// Logout revokes the presented token until it would have expired.
func (a *AuthController) Logout(ctx *gin.Context) {
	token := ctx.GetString(middleware.ContextTokenKey)
	claims, err := utils.ParseToken(token)
	if err != nil {
		utils.Error(ctx, http.StatusUnauthorized, 40105, "invalid token")
		return
	}
	utils.BlacklistToken(token, utils.TokenExpiry(claims))
	utils.Success(ctx, gin.H{"message": "logged out"})
}

// Captcha returns a fresh captcha id and data URI image.
func (a *AuthController) Captcha(ctx *gin.Context) {
	id, b64, err := utils.GenerateCaptcha()
	if err != nil {
		serverError(ctx, 50060, "failed to generate captcha", err)
		return
	}
	utils.Success(ctx, gin.H{"id": id, "image": b64})
}

// OAuthRedirect returns the provider authorization URL.
func (a *AuthController) OAuthRedirect(ctx *gin.Context) {
	cfg, err := oauthConfig(ctx.Param("provider"))
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40004, err.Error())
		return
	}
	state := uuid.NewString()
	utils.SaveState(state, 10*time.Minute)
	utils.Success(ctx, gin.H{"authorization_url": cfg.AuthCodeURL(state, oauth2.AccessTypeOnline), "state": state})
}

// OAuthCallback exchanges the code, links or creates the account and issues a token.
func (a *AuthController) OAuthCallback(ctx *gin.Context) {
	provider := strings.ToLower(ctx.Param("provider"))
	code := ctx.Query("code")
	state := ctx.Query("state")
	if code == "" || state == "" {
		utils.Error(ctx, http.StatusBadRequest, 40005, "missing code or state")
		return
	}
	if !utils.ConsumeState(state) {
		utils.Error(ctx, http.StatusBadRequest, 40006, "invalid or expired state")
		return
	}
	cfg, err := oauthConfig(provider)
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40004, err.Error())
		return
	}

	c, cancel := context.WithTimeout(ctx.Request.Context(), 15*time.Second)
	defer cancel()
	token, err := cfg.Exchange(c, code)
	if err != nil {
		utils.Error(ctx, http.StatusBadRequest, 40007, "failed to exchange code")
		return
	}
	info, err := fetchOAuthUser(c, provider, cfg.Client(c, token))
	if err != nil {
		serverError(ctx, 50006, "failed to fetch provider profile", err)
		return
	}
	user, err := a.findOrCreateOAuthUser(provider, info)
	if err != nil {
		serverError(ctx, 50007, "failed to persist user", err)
		return
	}

	jwtToken, err := issueToken(*user)
	if err != nil {
		serverError(ctx, 50003, "failed to generate token", err)
		return
	}
	utils.Success(ctx, gin.H{"token": jwtToken, "user": user})
}

func oauthConfig(provider string) (*oauth2.Config, error) {
	cfg := config.Get()
	redirect := func(p string) string {
		return fmt.Sprintf("%s/api/auth/oauth/%s/callback", strings.TrimRight(cfg.OAuthRedirectBase, "/"), p)
	}
	switch strings.ToLower(provider) {
	case "github":
		if cfg.GitHubClientID == "" || cfg.GitHubClientSecret == "" {
			return nil, errors.New("github oauth not configured")
		}
		return &oauth2.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  redirect("github"),
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		}, nil
	case "google":
		if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
			return nil, errors.New("google oauth not configured")
		}
		return &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  redirect("google"),
			Scopes:       []string{"openid", "profile", "email"},
			Endpoint:     google.Endpoint,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

type oauthUser struct {
	ID        string
	Name      string
	Email     string
	AvatarURL string
}

var oauthEndpoints = map[string]string{
	"github":       "https://api.github.com/user",
	"github.email": "https://api.github.com/user/emails",
	"google":       "https://www.googleapis.com/oauth2/v2/userinfo",
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fetchOAuthUser(ctx context.Context, provider string, client *http.Client) (*oauthUser, error) {
	switch provider {
	case "github":
		var profile struct {
			ID        int64  `json:"id"`
			Login     string `json:"login"`
			Name      string `json:"name"`
			Email     string `json:"email"`
			AvatarURL string `json:"avatar_url"`
		}
		if err := getJSON(ctx, client, oauthEndpoints["github"], &profile); err != nil {
			return nil, err
		}
		email := profile.Email
		if email == "" {
			var emails []struct {
				Email    string `json:"email"`
				Primary  bool   `json:"primary"`
				Verified bool   `json:"verified"`
			}
			if err := getJSON(ctx, client, oauthEndpoints["github.email"], &emails); err == nil {
				for _, e := range emails {
					if e.Primary && e.Verified {
						email = e.Email
						break
					}
				}
			}
		}
		return &oauthUser{
			ID:        fmt.Sprintf("%d", profile.ID),
			Name:      firstNonBlank(profile.Name, profile.Login),
			Email:     email,
			AvatarURL: profile.AvatarURL,
		}, nil
	case "google":
		var profile struct {
			ID      string `json:"id"`
			Email   string `json:"email"`
			Name    string `json:"name"`
			Picture string `json:"picture"`
		}
		if err := getJSON(ctx, client, oauthEndpoints["google"], &profile); err != nil {
			return nil, err
		}
		return &oauthUser{ID: profile.ID, Name: profile.Name, Email: profile.Email, AvatarURL: profile.Picture}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// findOrCreateOAuthUser links by provider id first, then by email. New accounts are farmers.
func (a *AuthController) findOrCreateOAuthUser(provider string, info *oauthUser) (*models.User, error) {
	if info.ID == "" {
		return nil, errors.New("provider returned no account id")
	}
	var user models.User
	err := a.db.Where("provider = ? AND provider_id = ?", provider, info.ID).First(&user).Error
	if err == nil {
		if info.AvatarURL != "" && info.AvatarURL != user.AvatarURL {
			a.db.Model(&user).Update("avatar_url", info.AvatarURL)
		}
		return &user, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	email := models.NormalizeEmail(info.Email)
	if email == "" {
		email = fmt.Sprintf("%s-%s@oauth.local", provider, info.ID)
	}
	err = a.db.Where("email = ?", email).First(&user).Error
	switch {
	case err == nil:
		if err := a.db.Model(&user).Updates(map[string]interface{}{"provider": provider, "provider_id": info.ID}).Error; err != nil {
			return nil, err
		}
		return &user, nil
	case !isNotFound(err):
		return nil, err
	}

	user = models.User{
		Name:       firstNonBlank(utils.PlainText(info.Name), strings.SplitN(email, "@", 2)[0]),
		Email:      email,
		Role:       models.RoleFarmer,
		Provider:   provider,
		ProviderID: info.ID,
		AvatarURL:  info.AvatarURL,
	}
	if err := a.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
