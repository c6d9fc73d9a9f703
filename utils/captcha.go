package utils

import (
	"context"
	"sync"
	"time"

	"github.com/mojocn/base64Captcha"
)

const captchaTTL = 10 * time.Minute

var (
	captchaOnce  sync.Once
	captchaStore base64Captcha.Store
)

// activeCaptchaStore uses Redis when available so captchas survive across instances.
func activeCaptchaStore() base64Captcha.Store {
	captchaOnce.Do(func() {
		if GetRedis() != nil {
			captchaStore = redisCaptchaStore{}
			return
		}
		captchaStore = base64Captcha.NewMemoryStore(base64Captcha.GCLimitNumber, captchaTTL)
	})
	return captchaStore
}

// GenerateCaptcha creates a digit captcha and returns its id and data URI image.
func GenerateCaptcha() (string, string, error) {
	driver := base64Captcha.NewDriverDigit(40, 120, 5, 0.7, 80)
	id, b64, _, err := base64Captcha.NewCaptcha(driver, activeCaptchaStore()).Generate()
	return id, b64, err
}

// VerifyCaptcha checks the answer and consumes the captcha.
func VerifyCaptcha(id, answer string) bool {
	if id == "" || answer == "" {
		return false
	}
	return activeCaptchaStore().Verify(id, answer, true)
}

// redisCaptchaStore implements base64Captcha.Store on the shared Redis client.
type redisCaptchaStore struct{}

func (redisCaptchaStore) key(id string) string { return "captcha:" + id }

func (s redisCaptchaStore) Set(id string, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return GetRedis().Set(ctx, s.key(id), value, captchaTTL).Err()
}

func (s redisCaptchaStore) Get(id string, clear bool) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rc := GetRedis()
	if clear {
		v, err := rc.GetDel(ctx, s.key(id)).Result()
		if err != nil {
			return ""
		}
		return v
	}
	v, err := rc.Get(ctx, s.key(id)).Result()
	if err != nil {
		return ""
	}
	return v
}

func (s redisCaptchaStore) Verify(id, answer string, clear bool) bool {
	v := s.Get(id, clear)
	return v != "" && v == answer
}
