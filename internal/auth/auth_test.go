package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messmeal/internal/model"
)

const (
	testKey    = "test-key"
	testIssuer = "messmeal-test"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("user-1", "Asha", testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := ParseKind(pair.AccessToken, testKey, testIssuer, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "Asha", claims.Name)

	_, err = ParseKind(pair.RefreshToken, testKey, testIssuer, KindAccess)
	assert.Error(t, err)
	_, err = ParseKind(pair.RefreshToken, testKey, testIssuer, KindRefresh)
	assert.NoError(t, err)

	_, err = Parse(pair.AccessToken, "other-key", testIssuer)
	assert.Error(t, err)
	_, err = Parse(pair.AccessToken, testKey, "someone-else")
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("user-1", "", testIssuer, testKey, -time.Minute, time.Hour)
	require.NoError(t, err)
	_, err = Parse(pair.AccessToken, testKey, testIssuer)
	assert.Error(t, err)
}

func TestIssueRequiresSubject(t *testing.T) {
	_, err := Issue("", "", testIssuer, testKey, time.Minute, time.Hour)
	assert.Error(t, err)
}

func TestInsecureVerifier(t *testing.T) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "google-123",
		"name":  "Asha",
		"email": "asha@example.com",
	}).SignedString([]byte("whatever"))
	require.NoError(t, err)

	id, err := NewInsecureVerifier().Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "google-123", Name: "Asha", Email: "asha@example.com"}, id)

	_, err = NewInsecureVerifier().Verify(context.Background(), "garbage")
	assert.Error(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = NewInsecureVerifier().Verify(context.Background(), noSub)
	assert.Error(t, err)
}

func TestUserAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", UserAuth(testKey, testIssuer), func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"id": p.ID, "name": p.DisplayName})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	pair, err := Issue("user-1", "Asha", testIssuer, testKey, time.Minute, time.Hour)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"user-1","name":"Asha"}`, w.Body.String())
}

func TestPrincipalFromMissing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := PrincipalFrom(c)
	assert.False(t, ok)
	c.Set(principalKey, model.Principal{})
	_, ok = PrincipalFrom(c)
	assert.False(t, ok)
}
