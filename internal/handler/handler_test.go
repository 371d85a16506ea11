package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messmeal/internal/attendance"
	"messmeal/internal/auth"
	"messmeal/internal/cutoff"
	"messmeal/internal/httpmiddleware"
	"messmeal/internal/logger"
	"messmeal/internal/model"
	"messmeal/internal/queue"
	"messmeal/internal/store"
	"messmeal/internal/users"
)

type testServer struct {
	router *gin.Engine
	store  *store.Memory
	now    time.Time
}

func newTestServer(t *testing.T, opts ...func(*Handler)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	ts := &testServer{store: store.NewMemory(0), now: time.Date(2025, 1, 1, 12, 0, 0, 0, loc)}
	policy := cutoff.New(21, 0, loc, cutoff.ClockFunc(func() time.Time { return ts.now }))
	h := &Handler{
		Attendance: attendance.NewService(ts.store, policy, queue.NewInMemory(16), logger.Nop()),
		Users:      users.NewService(ts.store, []string{"warden@example.com"}),
		Verifier:   auth.NewInsecureVerifier(),
		Tokens: TokenConfig{
			Issuer:     "messmeal-test",
			SigningKey: "test-key",
			AccessTTL:  time.Minute,
			RefreshTTL: time.Hour,
		},
		Health: map[string]HealthCheck{"store": ts.store.Ping},
		Log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	ts.router = gin.New()
	h.Register(ts.router)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (ts *testServer) signIn(t *testing.T, sub, name, email string) string {
	t.Helper()
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub, "name": name, "email": email,
	}).SignedString([]byte("provider"))
	require.NoError(t, err)

	code, body := ts.do(t, http.MethodPost, "/v1/session", "", map[string]string{"id_token": idToken})
	require.Equal(t, http.StatusCreated, code, body)
	tokens := body["tokens"].(map[string]any)
	return tokens["access_token"].(string)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["store"])
}

func TestSignInAndMe(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "s1", "Asha", "asha@example.com")

	code, body := ts.do(t, http.MethodGet, "/v1/me", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["isAdmin"])
	assert.Equal(t, "Asha", body["user"].(map[string]any)["name"])

	code, _ = ts.do(t, http.MethodGet, "/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = ts.do(t, http.MethodPost, "/v1/session", "", map[string]string{"id_token": "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRefresh(t *testing.T) {
	ts := newTestServer(t)
	pair, err := auth.Issue("s1", "Asha", "messmeal-test", "test-key", time.Minute, time.Hour)
	require.NoError(t, err)

	code, body := ts.do(t, http.MethodPost, "/v1/session/refresh", "", map[string]string{"refresh_token": pair.RefreshToken})
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["tokens"].(map[string]any)["access_token"])

	code, _ = ts.do(t, http.MethodPost, "/v1/session/refresh", "", map[string]string{"refresh_token": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestToggleAndReadBack(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "s1", "Asha", "asha@example.com")

	code, body := ts.do(t, http.MethodPut, "/v1/selections/today/lunch", token, map[string]bool{"selected": true})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "added", body["outcome"])
	assert.Equal(t, "2025-01-01", body["date"])

	code, body = ts.do(t, http.MethodGet, "/v1/selections", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"breakfast": false, "lunch": true, "dinner": false}, body["selections"])

	code, body = ts.do(t, http.MethodGet, "/v1/window", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["allowed"])
}

func TestToggleErrors(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "s1", "Asha", "asha@example.com")

	code, _ := ts.do(t, http.MethodPut, "/v1/selections/today/lunch", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := ts.do(t, http.MethodPut, "/v1/selections/today/supper", token, map[string]bool{"selected": true})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, true, body["revert"])
	assert.Equal(t, false, body["selected"])

	ts.now = time.Date(2025, 1, 1, 21, 0, 0, 0, ts.now.Location())
	code, body = ts.do(t, http.MethodPut, "/v1/selections/today/dinner", token, map[string]bool{"selected": true})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, true, body["locked"])
	assert.Equal(t, true, body["revert"])

	code, body = ts.do(t, http.MethodPut, "/v1/selections/today/supper", token, map[string]bool{"selected": true})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Nil(t, body["locked"])
	assert.Equal(t, true, body["revert"])
}

func TestToggleReportsWrittenDate(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "s1", "Asha", "asha@example.com")
	ts.now = time.Date(2025, 1, 2, 0, 0, 30, 0, ts.now.Location())

	code, body := ts.do(t, http.MethodPut, "/v1/selections/today/dinner", token, map[string]bool{"selected": true})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "2025-01-02", body["date"])
	assert.Equal(t, "dinner", body["slot"])
	assert.Equal(t, true, body["selected"])

	doc, err := ts.store.GetDay(context.Background(), "2025-01-02")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Count(model.Dinner))
}

func TestSessionRoutesAreRateLimited(t *testing.T) {
	ts := newTestServer(t, func(h *Handler) {
		h.SessionLimit = httpmiddleware.NewLimiter(1, 2).ByIP()
	})
	body := map[string]string{"id_token": "nope"}

	code, _ := ts.do(t, http.MethodPost, "/v1/session", "", body)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = ts.do(t, http.MethodPost, "/v1/session/refresh", "", map[string]string{"refresh_token": "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = ts.do(t, http.MethodPost, "/v1/session", "", body)
	assert.Equal(t, http.StatusTooManyRequests, code)
	code, _ = ts.do(t, http.MethodPost, "/v1/session/refresh", "", map[string]string{"refresh_token": "nope"})
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	student := ts.signIn(t, "s1", "Asha", "asha@example.com")
	warden := ts.signIn(t, "w1", "Warden", "warden@example.com")

	code, _ := ts.do(t, http.MethodPut, "/v1/selections/today/breakfast", student, map[string]bool{"selected": true})
	require.Equal(t, http.StatusOK, code)

	code, _ = ts.do(t, http.MethodGet, "/v1/admin/summary", student, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := ts.do(t, http.MethodGet, "/v1/admin/summary?date=2025-01-01", warden, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["breakfastCount"])

	code, body = ts.do(t, http.MethodGet, "/v1/admin/weekly?date=2025-01-01", warden, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["days"], 7)

	code, body = ts.do(t, http.MethodGet, "/v1/admin/roster", warden, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["hasData"])
	assert.Len(t, body["rows"], 2)

	code, _ = ts.do(t, http.MethodGet, "/v1/admin/summary?date=bad", warden, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ts.do(t, http.MethodGet, "/v1/admin/audit", warden, nil)
	assert.Equal(t, http.StatusNotImplemented, code)
}

type failingDays struct {
	*store.Memory
}

func (f failingDays) GetDay(ctx context.Context, date string) (*model.DailyAttendance, error) {
	return nil, errors.New("connection reset")
}

func TestTransientStoreIsRetryable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mem := store.NewMemory(0)
	h := &Handler{
		Attendance: attendance.NewService(failingDays{mem}, cutoff.Default(), nil, nil),
		Users:      users.NewService(mem, nil),
		Verifier:   auth.NewInsecureVerifier(),
		Tokens:     TokenConfig{Issuer: "i", SigningKey: "k", AccessTTL: time.Minute, RefreshTTL: time.Hour},
		Log:        logger.Nop(),
	}
	r := gin.New()
	h.Register(r)
	pair, err := auth.Issue("s1", "Asha", "i", "k", time.Minute, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/selections?date=2025-01-01", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"retry":true`)
}

// failingTxns aborts every aggregate transaction as if retries ran out.
type failingTxns struct {
	*store.Memory
}

func (f failingTxns) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) error {
	return fmt.Errorf("%w after 5 attempts", store.ErrRetriesExhausted)
}

func TestToggleStoreFailureAsksForRevert(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mem := store.NewMemory(0)
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	noon := cutoff.ClockFunc(func() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, loc) })
	h := &Handler{
		Attendance: attendance.NewService(failingTxns{mem}, cutoff.New(21, 0, loc, noon), nil, nil),
		Users:      users.NewService(mem, nil),
		Verifier:   auth.NewInsecureVerifier(),
		Tokens:     TokenConfig{Issuer: "i", SigningKey: "k", AccessTTL: time.Minute, RefreshTTL: time.Hour},
		Log:        logger.Nop(),
	}
	r := gin.New()
	h.Register(r)
	pair, err := auth.Issue("s1", "Asha", "i", "k", time.Minute, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/v1/selections/today/lunch", bytes.NewBufferString(`{"selected":true}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["revert"])
	assert.Equal(t, true, body["retry"])
	assert.Equal(t, false, body["selected"])
	assert.Equal(t, attendance.ErrTransientStore.Error(), body["error"])

	doc, err := mem.GetDay(context.Background(), "2025-01-01")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
