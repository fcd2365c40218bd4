package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultRevocationHorizon = 24 * time.Hour

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Contact  string `json:"contact"`
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	Status   string `json:"status,omitempty"`
}

type loginResponsePayload struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at"`
	User      userPayload `json:"user"`
}

type refreshResponsePayload struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func newUserPayload(account users.Account) userPayload {
	return userPayload{
		ID:       account.ID,
		Username: account.Username,
		Name:     account.Name,
		Role:     account.Role,
		Status:   account.Status,
	}
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Authenticate(c.Request.Context(), request.Username, request.Password)
	switch {
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	case errors.Is(err, users.ErrAccountPending):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_pending"})
		return
	case err != nil:
		h.writeServiceError(c, "auth.login", err)
		return
	}

	token, expiresAt, err := h.tokens.Issue(c.Request.Context(), account.Identity())
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, loginResponsePayload{
		Token:     token,
		ExpiresAt: expiresAt.Format(time.RFC3339),
		User:      newUserPayload(account),
	})
}

// handleRegister creates a pending account and the matching residents record.
func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.accounts.Register(c.Request.Context(), users.Registration{
		Username: request.Username,
		Password: request.Password,
		Name:     request.Name,
		Address:  request.Address,
		Contact:  request.Contact,
	})
	if err != nil {
		h.writeServiceError(c, "auth.register", err)
		return
	}
	h.publishChange(records.Users.String(), account.ID)
	h.provisionResident(c, account)

	c.JSON(http.StatusCreated, newUserPayload(account))
}

func (h *httpHandler) provisionResident(c *gin.Context, account users.Account) {
	name, backend, err := h.collections.Lookup(records.Residents.String())
	if err != nil {
		return
	}
	displayName := account.Name
	if displayName == "" {
		displayName = account.Username
	}
	resident := records.Record{
		"name":     displayName,
		"username": account.Username,
		"user_id":  account.ID,
	}
	if account.Address != "" {
		resident["address"] = account.Address
	}
	if account.Contact != "" {
		resident["contact"] = account.Contact
	}
	identity := account.Identity()
	created, err := backend.Create(c.Request.Context(), &identity, resident)
	if err != nil {
		h.logger.Error("failed to provision resident record",
			zap.String("operation", "auth.register"),
			zap.String("reason", "resident_provision_failed"),
			zap.String("account_id", account.ID),
			zap.Error(err))
		return
	}
	h.publishChange(name.String(), created.ID())
}

// handleRefresh exchanges the presented token for a new one and revokes the old token.
func (h *httpHandler) handleRefresh(c *gin.Context) {
	claims, _ := claimsFrom(c)
	account, err := h.accounts.Find(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresAt, err := h.tokens.Issue(c.Request.Context(), account.Identity())
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	if !h.revokePresented(c, h.expiryOf(claims)) {
		return
	}
	c.JSON(http.StatusOK, refreshResponsePayload{Token: token, ExpiresAt: expiresAt.Format(time.RFC3339)})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	claims, _ := claimsFrom(c)
	if !h.revokePresented(c, h.expiryOf(claims)) {
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSession(c *gin.Context) {
	claims, _ := claimsFrom(c)
	account, err := h.accounts.Find(c.Request.Context(), claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, newUserPayload(account))
}

func (h *httpHandler) expiryOf(claims auth.Claims) time.Time {
	if claims.ExpiresAt == nil {
		return h.now().Add(defaultRevocationHorizon)
	}
	return claims.ExpiresAt.Time
}

func (h *httpHandler) revokePresented(c *gin.Context, expiresAt time.Time) bool {
	token := c.GetString(tokenContextKey)
	if err := h.revocations.Revoke(c.Request.Context(), token, expiresAt); err != nil {
		h.logger.Error("failed to revoke token",
			zap.String("operation", "auth.revoke"),
			zap.String("reason", "revoke_failed"),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth.revoke_failed"})
		return false
	}
	return true
}
