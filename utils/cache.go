package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultCacheTTL = time.Hour

// Cache key prefixes for public read endpoints.
const (
	CacheCategories    = "cache:categories:"
	CacheDiseaseList   = "cache:diseases:list:"
	CacheDiseaseDetail = "cache:disease:detail:"
	CachePublicMessage = "cache:messages:public:"
)

// ServeCached writes a cached response for key and reports whether it did.
func ServeCached(ctx *gin.Context, key string) bool {
	rc := GetRedis()
	if rc == nil {
		return false
	}
	c, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
	defer cancel()
	b, err := rc.Get(c, key).Bytes()
	if err != nil {
		Sugar.Debugf("cache miss key=%s err=%v", key, err)
		return false
	}
	ctx.Data(http.StatusOK, "application/json; charset=utf-8", b)
	return true
}

// StoreResponse caches data wrapped in the success envelope.
func StoreResponse(key string, data interface{}, ttl time.Duration) {
	rc := GetRedis()
	if rc == nil {
		return
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	b, err := json.Marshal(CachedEnvelope(data))
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Set(ctx, key, b, ttl).Err(); err != nil {
		Sugar.Warnf("cache set failed key=%s err=%v", key, err)
	}
}

// InvalidateByPrefix deletes keys matching any of the prefixes using SCAN.
func InvalidateByPrefix(prefixes ...string) {
	rc := GetRedis()
	if rc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, prefix := range prefixes {
		var cursor uint64
		for i := 0; i < 10; i++ { // bounded rounds per prefix
			keys, next, err := rc.Scan(ctx, cursor, prefix+"*", 1000).Result()
			if err != nil {
				Sugar.Warnf("cache scan failed prefix=%s err=%v", prefix, err)
				break
			}
			if len(keys) > 0 {
				_ = rc.Del(ctx, keys...).Err()
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
}
