package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"chatstream/internal/apperr"
	"chatstream/internal/auth"
	"chatstream/internal/metrics"
	"chatstream/internal/service/assistant"
	"chatstream/internal/service/chat"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ReadyCheck reports whether a dependency can serve requests.
type ReadyCheck func(ctx context.Context) error

// Options carries the optional collaborators of a Handler.
type Options struct {
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Log           zerolog.Logger
	SecureCookies bool
	StaticDir     string
	ReadyChecks   map[string]ReadyCheck
}

// Handler wires HTTP routes to the account, conversation and chat services.
type Handler struct {
	assistant     *assistant.Service
	auth          *auth.Service
	chat          *chat.Orchestrator
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	log           zerolog.Logger
	secureCookies bool
	staticDir     string
	readyChecks   map[string]ReadyCheck
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, orchestrator *chat.Orchestrator, opts Options) *Handler {
	useJSONFieldNames()
	return &Handler{
		assistant:     service,
		auth:          authService,
		chat:          orchestrator,
		metrics:       opts.Metrics,
		gatherer:      opts.Gatherer,
		log:           opts.Log,
		secureCookies: opts.SecureCookies,
		staticDir:     opts.StaticDir,
		readyChecks:   opts.ReadyChecks,
	}
}

// NewRouter returns a gin engine with recovery, request logging and all routes.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	router.GET("/readyz", h.readyz)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	authRoutes := router.Group("/auth")
	authRoutes.POST("/register", h.registerUser)
	authRoutes.POST("/verify-email", h.verifyEmail)
	authRoutes.POST("/login", h.loginUser)
	authRoutes.POST("/resend-code", h.resendCode)

	authMW := h.auth.Middleware()
	csrfMW := h.auth.CSRFMiddleware()

	me := authRoutes.Group("")
	me.Use(authMW, csrfMW)
	me.POST("/logout", h.logoutUser)
	me.GET("/me", h.currentUser)
	me.DELETE("/me", h.deleteUser)

	chatRoutes := router.Group("/chat")
	chatRoutes.Use(authMW, csrfMW)
	chatRoutes.POST("/conversation", h.createConversation)
	chatRoutes.GET("/conversations", h.listConversations)
	chatRoutes.GET("/conversation/:id", h.getConversation)
	chatRoutes.PATCH("/conversation/:id", h.renameConversation)
	chatRoutes.DELETE("/conversation/:id", h.deleteConversation)
	chatRoutes.POST("/stream", h.streamTurn)

	router.NoRoute(h.serveStatic)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		h.writeError(c, apperr.Unauthorized("authorization required"))
		return 0, false
	}
	return userID, true
}

func conversationIDParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.ValidationFields("invalid request", map[string]string{"id": "invalid conversation id"})
	}
	return id, nil
}

// Accounts

type registerRequest struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=6,max=72"`
	Name     string `json:"name" binding:"required,max=100"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req registerRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID})
}

type verifyEmailRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Code   string `json:"code" binding:"required"`
}

func (h *Handler) verifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.assistant.ActivateUser(c.Request.Context(), req.UserID, req.Code); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "email verified"})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) loginUser(c *gin.Context) {
	var req loginRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	token, expiresAt, err := h.auth.IssueToken(user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.auth.SetSessionCookies(c, token, expiresAt, h.secureCookies); err != nil {
		h.writeError(c, apperr.Internal("issue csrf token", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt.UTC().Format(time.RFC3339),
		"user":         user,
	})
}

type resendCodeRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (h *Handler) resendCode(c *gin.Context) {
	var req resendCodeRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.assistant.ResendActivationCode(c.Request.Context(), req.Email); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "if the account exists and is not active, a new code was sent"})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if claims, ok := auth.ClaimsFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), claims); err != nil {
			h.writeError(c, err)
			return
		}
	}
	h.auth.ClearSessionCookies(c, h.secureCookies)
	c.Status(http.StatusNoContent)
}

func (h *Handler) currentUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	user, err := h.assistant.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) deleteUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.assistant.DeleteUser(c.Request.Context(), userID); err != nil {
		h.writeError(c, err)
		return
	}
	if claims, ok := auth.ClaimsFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), claims); err != nil {
			h.log.Warn().Err(err).Int64("user_id", userID).Msg("revoke token of deleted user")
		}
	}
	h.auth.ClearSessionCookies(c, h.secureCookies)
	c.Status(http.StatusNoContent)
}

// Conversations

type conversationRequest struct {
	Title string `json:"title" binding:"max=255"`
}

func (h *Handler) createConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req conversationRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			h.writeError(c, err)
			return
		}
	}
	conv, err := h.assistant.CreateConversation(c.Request.Context(), userID, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) listConversations(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	list, err := h.assistant.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

func (h *Handler) getConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, err := conversationIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	conv, messages, err := h.assistant.GetConversationWithMessages(c.Request.Context(), userID, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"messages":     messages,
	})
}

type renameRequest struct {
	Title string `json:"title" binding:"required,max=255"`
}

func (h *Handler) renameConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, err := conversationIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	var req renameRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, err)
		return
	}
	conv, err := h.assistant.RenameConversation(c.Request.Context(), userID, id, req.Title)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	id, err := conversationIDParam(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.assistant.DeleteConversation(c.Request.Context(), userID, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Health

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	failed := make(map[string]string)
	for name, check := range h.readyChecks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.log.Warn().Interface("checks", failed).Msg("readiness check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
