// Package server exposes the remote collection store and the auth service over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/collections"
	"github.com/MarcoPoloResearchLab/registry/internal/metrics"
	"github.com/MarcoPoloResearchLab/registry/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "registry_claims"
	tokenContextKey  = "registry_token"

	revocationResultValid    = "valid"
	revocationResultRevoked  = "revoked"
	revocationResultDegraded = "degraded"
	revocationResultFailed   = "failed"
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRevocations   = errors.New("revocation store dependency required")
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingCollections   = errors.New("collection registry dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	Issue(ctx context.Context, identity auth.Identity) (string, time.Time, error)
	Validate(token string) (auth.Claims, error)
}

// AccountService verifies credentials and manages registrations.
type AccountService interface {
	Register(ctx context.Context, registration users.Registration) (users.Account, error)
	Authenticate(ctx context.Context, username, password string) (users.Account, error)
	Find(ctx context.Context, id string) (users.Account, error)
}

type Dependencies struct {
	TokenManager      TokenManager
	Revocations       auth.RevocationStore
	Accounts          AccountService
	Collections       *collections.Registry
	Realtime          *RealtimeDispatcher
	TolerateDegraded  bool
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Revocations == nil {
		return nil, errMissingRevocations
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Collections == nil {
		return nil, errMissingCollections
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		revocations:       deps.Revocations,
		accounts:          deps.Accounts,
		collections:       deps.Collections,
		realtime:          realtime,
		tolerateDegraded:  deps.TolerateDegraded,
		heartbeatInterval: heartbeat,
		now:               clock,
		logger:            logger,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/register", handler.handleRegister)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/auth/refresh", handler.handleRefresh)
	protected.POST("/auth/logout", handler.handleLogout)
	protected.GET("/auth/session", handler.handleSession)

	open := router.Group("/")
	open.Use(handler.optionalAuthorization)
	open.GET("/collections/:name", handler.handleListRecords)
	open.POST("/collections/:name", handler.handleCreateRecord)
	open.PUT("/collections/:name/:id", handler.handleUpdateRecord)
	open.DELETE("/collections/:name/:id", handler.handleDeleteRecord)
	open.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenManager
	revocations       auth.RevocationStore
	accounts          AccountService
	collections       *collections.Registry
	realtime          *RealtimeDispatcher
	tolerateDegraded  bool
	heartbeatInterval time.Duration
	now               func() time.Time
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest rejects requests without a valid, unrevoked bearer token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	h.authenticate(c, token)
}

// optionalAuthorization lets anonymous requests through but holds a supplied token to the same
// rules as authorizeRequest.
func (h *httpHandler) optionalAuthorization(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.Next()
		return
	}
	h.authenticate(c, token)
}

func (h *httpHandler) authenticate(c *gin.Context, token string) {
	claims, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	revoked, err := h.revocations.IsRevoked(c.Request.Context(), token)
	switch {
	case err != nil && h.tolerateDegraded:
		metrics.RevocationChecksTotal.WithLabelValues(revocationResultDegraded).Inc()
		h.logger.Warn("revocation check failed; admitting token",
			zap.String("operation", "auth.revocation"),
			zap.String("reason", "check_failed"),
			zap.Error(err))
	case err != nil:
		metrics.RevocationChecksTotal.WithLabelValues(revocationResultFailed).Inc()
		h.logger.Error("revocation check failed",
			zap.String("operation", "auth.revocation"),
			zap.String("reason", "check_failed"),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "auth.revocation_check_failed"})
		return
	case revoked:
		metrics.RevocationChecksTotal.WithLabelValues(revocationResultRevoked).Inc()
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token_revoked"})
		return
	default:
		metrics.RevocationChecksTotal.WithLabelValues(revocationResultValid).Inc()
	}

	c.Set(claimsContextKey, claims)
	c.Set(tokenContextKey, token)
	c.Next()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if c.Request.Method == http.MethodGet && c.FullPath() == "/events" {
		return strings.TrimSpace(c.Query("access_token"))
	}
	return ""
}

func claimsFrom(c *gin.Context) (auth.Claims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.Claims{}, false
	}
	claims, ok := value.(auth.Claims)
	return claims, ok
}

func viewerFrom(c *gin.Context) *auth.Identity {
	claims, ok := claimsFrom(c)
	if !ok {
		return nil
	}
	identity := claims.Identity()
	return &identity
}
