package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// ttlSet is the in-process fallback for short-lived markers when Redis is absent.
type ttlSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newTTLSet() *ttlSet { return &ttlSet{entries: map[string]time.Time{}} }

func (s *ttlSet) add(key string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = expiresAt
}

func (s *ttlSet) has(key string, consume bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.entries[key]
	if !ok {
		return false
	}
	if consume || time.Now().After(exp) {
		delete(s.entries, key)
	}
	return time.Now().Before(exp)
}

var (
	revokedTokens = newTTLSet()
	oauthStates   = newTTLSet()
)

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "jwt:blacklist:" + hex.EncodeToString(sum[:])
}

// BlacklistToken revokes a token until its natural expiry.
func BlacklistToken(token string, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	key := tokenKey(token)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rc.Set(ctx, key, "1", ttl).Err(); err == nil {
			return
		}
	}
	revokedTokens.add(key, expiresAt)
}

// IsTokenBlacklisted checks if a token was revoked before natural expiration.
func IsTokenBlacklisted(token string) bool {
	key := tokenKey(token)
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if n, err := rc.Exists(ctx, key).Result(); err == nil && n > 0 {
			return true
		}
	}
	return revokedTokens.has(key, false)
}

// SaveState stores an OAuth state token with TTL to mitigate CSRF.
func SaveState(state string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	key := "oauth:state:" + state
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rc.Set(ctx, key, "1", ttl).Err(); err == nil {
			return
		}
	}
	oauthStates.add(key, time.Now().Add(ttl))
}

// ConsumeState validates and removes a state token; each state is usable once.
func ConsumeState(state string) bool {
	if state == "" {
		return false
	}
	key := "oauth:state:" + state
	if rc := GetRedis(); rc != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if v, err := rc.GetDel(ctx, key).Result(); err == nil && v != "" {
			return true
		}
	}
	return oauthStates.has(key, true)
}
