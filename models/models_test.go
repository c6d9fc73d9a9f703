package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateImages(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		ok    bool
	}{
		{"none", nil, false},
		{"one", []string{"/uploads/a.png"}, true},
		{"five mixed case", []string{"a.JPG", "b.jpeg", "c.png", "d.gif", "e.jpg"}, true},
		{"six", []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png"}, false},
		{"not an image", []string{"a.png", "notes.txt"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImages(tt.paths)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestKindRules(t *testing.T) {
	review, ok := KindReview.Rules()
	assert.True(t, ok)
	assert.True(t, review.RequireAuth)
	assert.Equal(t, TargetDisease, review.Target)

	feedback, _ := KindFeedback.Rules()
	assert.True(t, feedback.RequireContact)
	assert.True(t, feedback.HasStatus)

	_, ok = MessageKind("rumor").Rules()
	assert.False(t, ok)
}

func TestEnumsAndEmail(t *testing.T) {
	assert.True(t, RoleStudentLecturer.Valid())
	assert.False(t, Role("root").Valid())
	assert.True(t, StatusReplied.Valid())
	assert.False(t, MessageStatus("spam").Valid())
	assert.Equal(t, "lan@example.com", NormalizeEmail("  Lan@Example.COM "))

	u := User{Email: " A@B.io ", Role: "root"}
	assert.NoError(t, u.BeforeSave(nil))
	assert.Equal(t, "a@b.io", u.Email)
	assert.Equal(t, RoleFarmer, u.Role)
}

func TestViewDay(t *testing.T) {
	at := time.Date(2024, 5, 17, 23, 59, 0, 0, time.Local)
	assert.Equal(t, time.Date(2024, 5, 17, 0, 0, 0, 0, time.Local), ViewDay(at))
	assert.Len(t, All(), 6)
}
