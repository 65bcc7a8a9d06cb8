package resthttp

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ordo/internal/logger"
)

const (
	headerKey       = "X-Api-Key"
	headerTimestamp = "X-Api-Timestamp"
	headerSignature = "X-Api-Signature"

	ctxKeyAPIKey = "api_key"

	// DefaultSkew bounds how far a request timestamp may drift from the
	// server clock in either direction.
	DefaultSkew = 300 * time.Second
)

// hmacAuth verifies the request signature over
// "timestamp\nmethod\npath\nbody" and rejects stale timestamps. The body is
// restored for downstream binding.
func hmacAuth(keys *KeyRegistry, skew time.Duration) gin.HandlerFunc {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return func(c *gin.Context) {
		keyID := c.GetHeader(headerKey)
		ts := c.GetHeader(headerTimestamp)
		sig := c.GetHeader(headerSignature)
		if keyID == "" || ts == "" || sig == "" {
			abortAuth(c, "missing auth headers")
			return
		}
		unix, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			abortAuth(c, "bad timestamp")
			return
		}
		if d := time.Since(time.Unix(unix, 0)); d > skew || d < -skew {
			abortAuth(c, "timestamp outside allowed skew")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortAuth(c, "unreadable body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		payload := ts + "\n" + c.Request.Method + "\n" + c.Request.URL.Path + "\n" + string(body)
		if !keys.Verify(keyID, payload, sig) {
			logger.Warnf("auth: bad signature key=%s ip=%s path=%s", keyID, c.ClientIP(), c.Request.URL.Path)
			abortAuth(c, "invalid signature")
			return
		}
		k, _ := keys.Lookup(keyID)
		c.Set(ctxKeyAPIKey, k)
		c.Next()
	}
}

func abortAuth(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}

func callerKey(c *gin.Context) APIKey {
	if v, ok := c.Get(ctxKeyAPIKey); ok {
		if k, ok := v.(APIKey); ok {
			return k
		}
	}
	return APIKey{}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}
