package controllers

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/events"
	"github.com/agridoctor/agridoctor/middleware"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

const publicMessageLimit = 200

// MessageController serves one kind of moderated message: feedback, review or comment.
type MessageController struct {
	db     *gorm.DB
	kind   models.MessageKind
	rules  models.KindRules
	events events.Publisher
}

// NewMessageController creates a controller for kind. It panics on an unknown kind.
func NewMessageController(db *gorm.DB, kind models.MessageKind, pub events.Publisher) *MessageController {
	rules, ok := kind.Rules()
	if !ok {
		panic(fmt.Sprintf("unknown message kind %q", kind))
	}
	return &MessageController{db: db, kind: kind, rules: rules, events: pub}
}

type messageRequest struct {
	TargetID      *uint  `json:"target_id"`
	DiseaseID     *uint  `json:"disease_id"`
	PostID        *uint  `json:"post_id"`
	Name          string `json:"name" binding:"max=100"`
	Email         string `json:"email" binding:"max=255"`
	Subject       string `json:"subject" binding:"max=200"`
	Content       string `json:"content" binding:"max=10000"`
	Message       string `json:"message" binding:"max=10000"`
	Topic         string `json:"topic"`
	Type          string `json:"type"`
	CaptchaID     string `json:"captcha_id"`
	CaptchaAnswer string `json:"captcha_answer"`
}

func (r messageRequest) target() *uint {
	for _, id := range []*uint{r.TargetID, r.DiseaseID, r.PostID} {
		if id != nil && *id != 0 {
			return id
		}
	}
	return nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (m *MessageController) scoped(db *gorm.DB) *gorm.DB {
	return db.Model(&models.Message{}).Where("kind = ?", m.kind)
}

// Submit stores a new unapproved message.
func (m *MessageController) Submit(ctx *gin.Context) {
	principal := middleware.PrincipalFrom(ctx)
	if m.rules.RequireAuth {
		if v := middleware.Authorize(principal, ""); !v.Allowed {
			utils.Error(ctx, v.Status, v.Code, v.Reason)
			return
		}
	}

	var req messageRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40030, utils.BindingErrors(err))
		return
	}
	if principal == nil && config.Get().CaptchaEnabled {
		if !utils.VerifyCaptcha(strings.TrimSpace(req.CaptchaID), strings.TrimSpace(req.CaptchaAnswer)) {
			utils.Error(ctx, http.StatusBadRequest, 40031, "invalid or expired captcha")
			return
		}
	}

	msg := models.Message{
		Kind:       m.kind,
		TargetType: m.rules.Target,
		Content:    utils.Sanitize(firstNonBlank(req.Content, req.Message)),
		Name:       utils.PlainText(req.Name),
		Status:     models.StatusNew,
	}
	if principal != nil {
		uid := principal.UserID
		msg.AuthorID = &uid
		if msg.Name == "" {
			msg.Name = principal.Name
		}
	}
	if msg.Name == "" {
		msg.Name = m.rules.DefaultName
	}

	var errs utils.FieldErrors
	errs.Required("content", msg.Content)
	if m.rules.RequireContact {
		msg.Email = models.NormalizeEmail(req.Email)
		msg.Subject = utils.PlainText(req.Subject)
		msg.Topic = strings.ToLower(firstNonBlank(req.Topic, req.Type, models.FeedbackTopics[0]))
		errs.Required("name", msg.Name)
		errs.Required("subject", msg.Subject)
		if msg.Email == "" {
			errs.Add("email", "email is required")
		} else if !utils.ValidEmail(msg.Email) {
			errs.Add("email", "email must be a valid email address")
		}
		if !slices.Contains(models.FeedbackTopics, msg.Topic) {
			errs.Add("topic", "topic must be one of: "+strings.Join(models.FeedbackTopics, ", "))
		}
	}
	if m.rules.Target != models.TargetNone {
		msg.TargetID = req.target()
		if msg.TargetID == nil {
			errs.Add("target_id", "target_id is required")
		}
	}
	if !errs.Empty() {
		utils.ValidationFailed(ctx, 40030, errs)
		return
	}

	if m.rules.Target == models.TargetDisease {
		var count int64
		if err := m.db.Model(&models.Disease{}).Where("id = ?", *msg.TargetID).Count(&count).Error; err != nil {
			serverError(ctx, 50030, "failed to submit "+string(m.kind), err)
			return
		}
		if count == 0 {
			utils.Error(ctx, http.StatusNotFound, 40430, "disease not found")
			return
		}
	}

	if err := m.db.Create(&msg).Error; err != nil {
		serverError(ctx, 50030, "failed to submit "+string(m.kind), err)
		return
	}

	if m.kind == models.KindFeedback {
		utils.NotifyAdmin(
			fmt.Sprintf("[%s] new %s feedback: %s", config.Get().SiteName, msg.Topic, msg.Subject),
			fmt.Sprintf("From: %s <%s>\n\n%s", msg.Name, msg.Email, utils.PlainText(msg.Content)),
		)
	}
	events.Emit(m.events, events.MessageCreated, msg.ID, gin.H{"kind": msg.Kind, "target_id": msg.TargetID})
	utils.Created(ctx, msg)
}

// ListPublic returns approved messages, optionally for one target.
func (m *MessageController) ListPublic(ctx *gin.Context) {
	target := strings.TrimSpace(ctx.Param("targetId"))
	if target == "" {
		target = strings.TrimSpace(ctx.Query("target_id"))
	}
	q := m.scoped(m.db).Where("approved = ?", true)
	if target != "" {
		id, err := strconv.ParseUint(target, 10, 64)
		if err != nil || id == 0 {
			utils.ValidationFailed(ctx, 40032, []utils.FieldError{{Field: "target_id", Message: "target_id must be a valid id"}})
			return
		}
		q = q.Where("target_id = ?", id)
	}

	key := utils.CachePublicMessage + string(m.kind) + ":" + target
	if utils.ServeCached(ctx, key) {
		return
	}
	messages := []models.Message{}
	if err := q.Order("created_at DESC").Limit(publicMessageLimit).Find(&messages).Error; err != nil {
		serverError(ctx, 50031, "failed to list "+string(m.kind), err)
		return
	}
	for i := range messages {
		messages[i].Email = ""
	}
	utils.StoreResponse(key, messages, 10*time.Minute)
	utils.Success(ctx, messages)
}

// List returns all messages of the kind for moderation.
func (m *MessageController) List(ctx *gin.Context) {
	page, pageSize := parsePagination(ctx)
	q := m.scoped(m.db)
	if v := strings.TrimSpace(ctx.Query("approved")); v != "" {
		approved, err := strconv.ParseBool(v)
		if err != nil {
			utils.ValidationFailed(ctx, 40032, []utils.FieldError{{Field: "approved", Message: "approved must be true or false"}})
			return
		}
		q = q.Where("approved = ?", approved)
	}
	if v := strings.TrimSpace(ctx.Query("target_id")); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			utils.ValidationFailed(ctx, 40032, []utils.FieldError{{Field: "target_id", Message: "target_id must be a valid id"}})
			return
		}
		q = q.Where("target_id = ?", id)
	}
	if v := strings.TrimSpace(ctx.Query("status")); v != "" && m.rules.HasStatus {
		q = q.Where("status = ?", v)
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		serverError(ctx, 50031, "failed to list "+string(m.kind), err)
		return
	}
	messages := []models.Message{}
	if err := q.Order("created_at DESC").Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&messages).Error; err != nil {
		serverError(ctx, 50031, "failed to list "+string(m.kind), err)
		return
	}
	utils.Success(ctx, paginated(messages, page, pageSize, total))
}

func (m *MessageController) find(ctx *gin.Context) (models.Message, bool) {
	var msg models.Message
	id, ok := parseID(ctx, "id", 40431, string(m.kind))
	if !ok {
		return msg, false
	}
	if err := m.scoped(m.db).First(&msg, id).Error; err != nil {
		if isNotFound(err) {
			utils.Error(ctx, http.StatusNotFound, 40431, string(m.kind)+" not found")
			return msg, false
		}
		serverError(ctx, 50032, "failed to get "+string(m.kind), err)
		return msg, false
	}
	return msg, true
}

// Get returns one message.
func (m *MessageController) Get(ctx *gin.Context) {
	if msg, ok := m.find(ctx); ok {
		utils.Success(ctx, msg)
	}
}

// Approve makes a message publicly visible. Approving twice is harmless.
func (m *MessageController) Approve(ctx *gin.Context) {
	msg, ok := m.find(ctx)
	if !ok {
		return
	}
	if !msg.Approved {
		now := time.Now()
		if err := m.db.Model(&msg).Updates(map[string]interface{}{"approved": true, "approved_at": now}).Error; err != nil {
			serverError(ctx, 50033, "failed to approve "+string(m.kind), err)
			return
		}
		msg.Approved, msg.ApprovedAt = true, &now
		utils.InvalidateByPrefix(utils.CachePublicMessage + string(m.kind))
		events.Emit(m.events, events.MessageApproved, msg.ID, gin.H{"kind": msg.Kind, "target_id": msg.TargetID})
	}
	utils.Success(ctx, msg)
}

// UpdateStatus changes the handling status of contact feedback.
func (m *MessageController) UpdateStatus(ctx *gin.Context) {
	var req struct {
		Status models.MessageStatus `json:"status" binding:"required"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.ValidationFailed(ctx, 40030, utils.BindingErrors(err))
		return
	}
	if !req.Status.Valid() {
		utils.ValidationFailed(ctx, 40030, []utils.FieldError{{Field: "status", Message: "status must be one of: new, read, replied, closed"}})
		return
	}
	msg, ok := m.find(ctx)
	if !ok {
		return
	}
	if err := m.db.Model(&msg).Update("status", req.Status).Error; err != nil {
		serverError(ctx, 50034, "failed to update "+string(m.kind), err)
		return
	}
	msg.Status = req.Status
	utils.Success(ctx, msg)
}

// Delete removes a message.
func (m *MessageController) Delete(ctx *gin.Context) {
	msg, ok := m.find(ctx)
	if !ok {
		return
	}
	if err := m.db.Delete(&msg).Error; err != nil {
		serverError(ctx, 50035, "failed to delete "+string(m.kind), err)
		return
	}
	if msg.Approved {
		utils.InvalidateByPrefix(utils.CachePublicMessage + string(m.kind))
	}
	utils.Success(ctx, gin.H{"message": string(m.kind) + " removed"})
}
