package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func router(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCorrelationIDGenerated(t *testing.T) {
	w := httptest.NewRecorder()
	router(CorrelationID()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderXCorrelationID))
}

func TestCorrelationIDEchoed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXCorrelationID, "abc-123")
	w := httptest.NewRecorder()
	router(CorrelationID()).ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderXCorrelationID))
}

func TestSharedSecretDisabledWhenEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	router(SharedSecret("")).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSharedSecretRejectsBadToken(t *testing.T) {
	r := router(SharedSecret("s3cret"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "token wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Bare secret without the "token " prefix is rejected too.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "s3cret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSharedSecretAdmitsValidToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "token s3cret")
	w := httptest.NewRecorder()
	router(SharedSecret("s3cret")).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
