package models

import "time"

// MessageKind discriminates the moderated message variants.
type MessageKind string

const (
	KindFeedback MessageKind = "feedback"
	KindReview   MessageKind = "review"
	KindComment  MessageKind = "comment"
)

// TargetType names what a message is attached to.
type TargetType string

const (
	TargetNone    TargetType = "none"
	TargetDisease TargetType = "disease"
	TargetPost    TargetType = "post"
)

// MessageStatus tracks admin handling of contact feedback.
type MessageStatus string

const (
	StatusNew     MessageStatus = "new"
	StatusRead    MessageStatus = "read"
	StatusReplied MessageStatus = "replied"
	StatusClosed  MessageStatus = "closed"
)

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusNew, StatusRead, StatusReplied, StatusClosed:
		return true
	}
	return false
}

// FeedbackTopics lists accepted contact feedback topics; the first is the default.
var FeedbackTopics = []string{"general", "feedback", "question", "bug_report"}

// KindRules holds the per-variant constraints of a message kind.
type KindRules struct {
	Target         TargetType
	RequireAuth    bool
	RequireContact bool
	HasStatus      bool
	DefaultName    string
}

var kindRules = map[MessageKind]KindRules{
	KindFeedback: {Target: TargetNone, RequireContact: true, HasStatus: true},
	KindReview:   {Target: TargetDisease, RequireAuth: true},
	KindComment:  {Target: TargetPost, DefaultName: "Anonymous"},
}

// Rules returns the constraints for k.
func (k MessageKind) Rules() (KindRules, bool) {
	r, ok := kindRules[k]
	return r, ok
}

// Message is user-submitted text that becomes public only once approved.
type Message struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	Kind       MessageKind   `gorm:"size:16;not null;index:idx_msg_kind_target" json:"kind"`
	TargetType TargetType    `gorm:"size:16;not null" json:"target_type"`
	TargetID   *uint         `gorm:"index:idx_msg_kind_target" json:"target_id,omitempty"`
	AuthorID   *uint         `gorm:"index" json:"author_id,omitempty"`
	Author     *User         `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
	Name       string        `gorm:"size:100" json:"name"`
	Email      string        `gorm:"size:255" json:"email,omitempty"`
	Subject    string        `gorm:"size:200" json:"subject,omitempty"`
	Content    string        `gorm:"type:text;not null" json:"content"`
	Topic      string        `gorm:"size:32" json:"topic,omitempty"`
	Status     MessageStatus `gorm:"size:16;not null;default:'new'" json:"status"`
	Approved   bool          `gorm:"not null;default:false;index" json:"approved"`
	ApprovedAt *time.Time    `json:"approved_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
