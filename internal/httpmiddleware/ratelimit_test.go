package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"messmeal/internal/model"
)

func TestLimiterAllowPerKey(t *testing.T) {
	l := NewLimiter(1, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestGinMiddlewareKeysBySubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(1, 1)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if sub := c.GetHeader("X-Test-Sub"); sub != "" {
			c.Set("principal", model.Principal{ID: sub})
		}
		c.Next()
	}, l.GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(sub string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if sub != "" {
			req.Header.Set("X-Test-Sub", sub)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, do("alice"))
	assert.Equal(t, http.StatusTooManyRequests, do("alice"))
	assert.Equal(t, http.StatusNoContent, do("bob"))
	assert.Equal(t, http.StatusNoContent, do(""))
	assert.Equal(t, http.StatusTooManyRequests, do(""))
}

func TestByIPIgnoresSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLimiter(1, 2)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("principal", model.Principal{ID: c.GetHeader("X-Test-Sub")})
		c.Next()
	}, l.ByIP())
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(ip, sub string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = ip + ":1234"
		req.Header.Set("X-Test-Sub", sub)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1", "alice").Code)
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1", "bob").Code)
	w := do("10.0.0.1", "carol")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2", "alice").Code)
}
