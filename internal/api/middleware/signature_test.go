package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func signedRouter(secret string, strict bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HMACAuth(secret, strict))
	r.GET("/api/v1/devagent", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestHMACAuth_EmptySecretDisablesAuth(t *testing.T) {
	r := signedRouter("", false)

	req, _ := http.NewRequest("GET", "/api/v1/devagent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHMACAuth_MissingHeaders(t *testing.T) {
	r := signedRouter("s3cret", false)

	req, _ := http.NewRequest("GET", "/api/v1/devagent", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHMACAuth_LegacySignatureAccepted(t *testing.T) {
	secret := "s3cret"
	r := signedRouter(secret, false)

	ts := fmt.Sprintf("%d", time.Now().Unix())
	req, _ := http.NewRequest("GET", "/api/v1/devagent", nil)
	req.Header.Set(HeaderLegacyTimestamp, ts)
	req.Header.Set(HeaderLegacySignature, sign(secret, ts+":"+secret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHMACAuth_LegacySignatureRejected(t *testing.T) {
	r := signedRouter("s3cret", false)

	ts := fmt.Sprintf("%d", time.Now().Unix())
	req, _ := http.NewRequest("GET", "/api/v1/devagent", nil)
	req.Header.Set(HeaderLegacyTimestamp, ts)
	req.Header.Set(HeaderLegacySignature, "not-a-signature")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHMACAuth_StaleTimestampRejected(t *testing.T) {
	secret := "s3cret"
	r := signedRouter(secret, false)

	ts := fmt.Sprintf("%d", time.Now().Add(-2*MaxClockSkew).Unix())
	req, _ := http.NewRequest("GET", "/api/v1/devagent", nil)
	req.Header.Set(HeaderLegacyTimestamp, ts)
	req.Header.Set(HeaderLegacySignature, sign(secret, ts+":"+secret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHMACAuth_StrictModeBindsPathAndQuery(t *testing.T) {
	secret := "s3cret"
	r := signedRouter(secret, true)

	ts := fmt.Sprintf("%d", time.Now().Unix())
	query := "task_kind=0&action=0&payload=abc"
	payload := fmt.Sprintf("%s:%s:GET:/api/v1/devagent:%s", ts, secret, query)

	req, _ := http.NewRequest("GET", "/api/v1/devagent?"+query, nil)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, sign(secret, payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	// The same signature over a different query must fail.
	req2, _ := http.NewRequest("GET", "/api/v1/devagent?task_kind=0&action=2&task_id=x", nil)
	req2.Header.Set(HeaderTimestamp, ts)
	req2.Header.Set(HeaderSignature, sign(secret, payload))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestHMACAuth_StrictModeIgnoresLegacyHeaders(t *testing.T) {
	secret := "s3cret"
	r := signedRouter(secret, true)

	ts := fmt.Sprintf("%d", time.Now().Unix())
	req, _ := http.NewRequest("GET", "/api/v1/devagent", nil)
	req.Header.Set(HeaderLegacyTimestamp, ts)
	req.Header.Set(HeaderLegacySignature, sign(secret, ts+":"+secret))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
