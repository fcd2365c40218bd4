package remote

import (
	"context"
	"net/http"
	"strings"
)

// User is the identity attached to a session.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	Status   string `json:"status,omitempty"`
}

// AuthResult is the payload of a successful login.
type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Registration describes a new account request.
type Registration struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
	Address  string `json:"address,omitempty"`
	Contact  string `json:"contact,omitempty"`
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

// Login verifies credentials with the auth service.
func (c *Client) Login(ctx context.Context, username, password string) (AuthResult, error) {
	var result AuthResult
	spec := requestSpec{
		operation: "login",
		method:    http.MethodPost,
		path:      "/auth/login",
		body:      credentialsPayload{Username: strings.TrimSpace(username), Password: password},
	}
	if err := c.do(ctx, spec, &result); err != nil {
		return AuthResult{}, err
	}
	return result, nil
}

// Register creates a pending-approval account.
func (c *Client) Register(ctx context.Context, registration Registration) (User, error) {
	var user User
	spec := requestSpec{operation: "register", method: http.MethodPost, path: "/auth/register", body: registration}
	if err := c.do(ctx, spec, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh exchanges a still-valid token for a new one.
func (c *Client) Refresh(ctx context.Context, token string) (string, error) {
	var result tokenPayload
	spec := requestSpec{operation: "refresh", method: http.MethodPost, path: "/auth/refresh", bearer: token}
	if err := c.do(ctx, spec, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

// Logout asks the server to revoke the token.
func (c *Client) Logout(ctx context.Context, token string) error {
	spec := requestSpec{operation: "logout", method: http.MethodPost, path: "/auth/logout", bearer: token}
	return c.do(ctx, spec, nil)
}

// CurrentUser returns the identity behind the request's bearer token.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var user User
	spec := requestSpec{operation: "session", method: http.MethodGet, path: "/auth/session", authenticated: true}
	if err := c.do(ctx, spec, &user); err != nil {
		return User{}, err
	}
	return user, nil
}
