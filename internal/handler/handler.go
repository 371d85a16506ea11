// Package handler exposes the meal selection service over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"messmeal/internal/attendance"
	"messmeal/internal/auth"
	"messmeal/internal/logger"
	"messmeal/internal/model"
	"messmeal/internal/users"
)

const sessionKey = "session"

// AuditLister reads the selection audit ledger.
type AuditLister interface {
	ListEvents(ctx context.Context, date, userID string, limit, offset int) ([]attendance.AuditEntry, error)
}

// HealthCheck reports one dependency's health.
type HealthCheck func(ctx context.Context) error

// TokenConfig signs the session tokens.
type TokenConfig struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Handler holds the HTTP dependencies. Audit may be nil when no Postgres is configured.
type Handler struct {
	Attendance *attendance.Service
	Users      *users.Service
	Verifier   auth.IdentityVerifier
	Audit      AuditLister
	Tokens     TokenConfig
	Health     map[string]HealthCheck
	Log        *logger.Logger
	// SessionLimit, when set, guards the unauthenticated sign-in and refresh routes.
	SessionLimit gin.HandlerFunc
}

// Register mounts every route on r. Middleware passed in limited runs after
// authentication on the /v1 user routes.
func (h *Handler) Register(r gin.IRouter, limited ...gin.HandlerFunc) {
	r.GET("/healthz", h.healthz)

	session := r.Group("/v1/session")
	if h.SessionLimit != nil {
		session.Use(h.SessionLimit)
	}
	session.POST("", h.signIn)
	session.POST("/refresh", h.refresh)

	v1 := r.Group("/v1", auth.UserAuth(h.Tokens.SigningKey, h.Tokens.Issuer))
	v1.Use(limited...)
	v1.Use(h.session)
	v1.GET("/me", h.me)
	v1.GET("/window", h.window)
	v1.GET("/selections", h.mySelections)
	v1.PUT("/selections/today/:slot", h.toggle)

	admin := v1.Group("/admin")
	admin.GET("/summary", h.summary)
	admin.GET("/weekly", h.weekly)
	admin.GET("/roster", h.roster)
	admin.GET("/audit", h.audit)
}

func (h *Handler) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.Health {
		ok := check(c.Request.Context()) == nil
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (h *Handler) signIn(c *gin.Context) {
	var req struct {
		IDToken string `json:"id_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := h.Verifier.Verify(c.Request.Context(), req.IDToken)
	if err != nil {
		h.Log.Warn("identity token rejected", "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid identity token"})
		return
	}
	profile, err := h.Users.SignIn(c.Request.Context(), id)
	if err != nil {
		h.Log.Error("profile upsert failed", "user_id", id.Subject, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sign-in failed", "retry": true})
		return
	}
	tokens, err := auth.Issue(profile.ID, profile.Name, h.Tokens.Issuer, h.Tokens.SigningKey, h.Tokens.AccessTTL, h.Tokens.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	h.Log.Info("user signed in", "user_id", profile.ID, "admin", profile.IsAdmin)
	c.JSON(http.StatusCreated, gin.H{"tokens": tokens, "user": profile})
}

func (h *Handler) refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, err := auth.ParseKind(req.RefreshToken, h.Tokens.SigningKey, h.Tokens.Issuer, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	tokens, err := auth.Issue(claims.Subject, claims.Name, h.Tokens.Issuer, h.Tokens.SigningKey, h.Tokens.AccessTTL, h.Tokens.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

// session loads the caller's admin flag once per request.
func (h *Handler) session(c *gin.Context) {
	p, _ := auth.PrincipalFrom(c)
	sess, err := h.Users.Session(c.Request.Context(), p)
	if err != nil {
		h.Log.Error("session lookup failed", "user_id", p.ID, "error", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session unavailable", "retry": true})
		return
	}
	c.Set(sessionKey, sess)
	c.Next()
}

func sessionFrom(c *gin.Context) *model.Session {
	v, _ := c.Get(sessionKey)
	sess, _ := v.(*model.Session)
	return sess
}

func (h *Handler) me(c *gin.Context) {
	sess := sessionFrom(c)
	profile, err := h.Users.Profile(c.Request.Context(), sess.User.ID)
	if err != nil {
		if errors.Is(err, users.ErrUnknownUser) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "profile unavailable", "retry": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile, "isAdmin": sess.IsAdmin})
}

func (h *Handler) window(c *gin.Context) {
	c.JSON(http.StatusOK, h.Attendance.Window())
}

func (h *Handler) dateParam(c *gin.Context) string {
	if d := c.Query("date"); d != "" {
		return d
	}
	return h.Attendance.Policy().Today()
}

func (h *Handler) mySelections(c *gin.Context) {
	date := h.dateParam(c)
	sel, err := h.Attendance.MySelections(c.Request.Context(), sessionFrom(c), date)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "selections": sel})
}

func (h *Handler) toggle(c *gin.Context) {
	var req struct {
		Selected *bool `json:"selected" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide {\"selected\": true|false}"})
		return
	}
	slot := model.Slot(c.Param("slot"))
	selected := *req.Selected

	res, err := h.Attendance.ToggleToday(c.Request.Context(), sessionFrom(c), slot, selected)
	if err != nil {
		h.writeError(c, err, gin.H{"revert": true, "selected": !selected})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) summary(c *gin.Context) {
	sum, err := h.Attendance.DailySummary(c.Request.Context(), sessionFrom(c), h.dateParam(c))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) weekly(c *gin.Context) {
	trend, err := h.Attendance.WeeklyTrend(c.Request.Context(), sessionFrom(c), h.dateParam(c))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": trend})
}

func (h *Handler) roster(c *gin.Context) {
	roster, err := h.Attendance.Roster(c.Request.Context(), sessionFrom(c), h.dateParam(c))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, roster)
}

func (h *Handler) audit(c *gin.Context) {
	sess := sessionFrom(c)
	if !sess.IsAdmin {
		h.writeError(c, attendance.ErrAdminRequired, nil)
		return
	}
	if h.Audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit ledger not configured"})
		return
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	events, err := h.Audit.ListEvents(c.Request.Context(), c.Query("date"), c.Query("user_id"), limit, offset)
	if err != nil {
		h.Log.Error("audit query failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit unavailable", "retry": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// writeError maps service errors onto HTTP statuses; extra is merged into the body.
func (h *Handler) writeError(c *gin.Context, err error, extra gin.H) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}
	switch {
	case errors.Is(err, attendance.ErrInvalidSelection):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrAuthenticationRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, attendance.ErrAdminRequired):
		status = http.StatusForbidden
	case errors.Is(err, attendance.ErrPolicyViolation):
		status = http.StatusConflict
		body["locked"] = true
	case errors.Is(err, attendance.ErrTransientStore):
		status = http.StatusServiceUnavailable
		body["error"] = attendance.ErrTransientStore.Error()
		body["retry"] = true
	}
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}
