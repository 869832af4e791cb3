package idempotency

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Header is the request header clients set to make a call retry-safe.
const Header = "Idempotency-Key"

// ReplayedHeader is set on responses served from the store.
const ReplayedHeader = "Idempotent-Replayed"

// Options tunes the middleware.
type Options struct {
	TTL     time.Duration
	LockTTL time.Duration
}

// Middleware replays stored responses for repeated keys on mutating requests.
// Keys are scoped by account, method and route so they cannot collide
// across endpoints.
func Middleware(store Store, opts Options, log zerolog.Logger) gin.HandlerFunc {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}
	log = log.With().Str("component", "idempotency").Logger()

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(Header))
		if key == "" || !mutating(c.Request.Method) {
			c.Next()
			return
		}
		scoped := strings.Join([]string{c.Param("account_id"), c.Request.Method, c.FullPath(), key}, "|")
		ctx := c.Request.Context()

		state, resp, err := store.Reserve(ctx, scoped, opts.LockTTL)
		if err != nil {
			log.Error().Err(err).Str("key", key).Msg("idempotency store unavailable")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": true, "message": "idempotency store unavailable"})
			return
		}
		switch state {
		case Replay:
			c.Header(ReplayedHeader, "true")
			c.Data(resp.Status, resp.ContentType, resp.Body)
			c.Abort()
			return
		case InFlight:
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": true, "message": "a request with this Idempotency-Key is still in progress"})
			return
		}

		rec := &recorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= 500 {
			if err := store.Release(ctx, scoped); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("release idempotency key")
			}
			return
		}
		stored := Response{Status: status, ContentType: rec.Header().Get("Content-Type"), Body: rec.body.Bytes()}
		if err := store.Complete(ctx, scoped, stored, opts.TTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("store idempotent response")
		}
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// recorder tees the response body so it can be stored.
type recorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *recorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *recorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}
