// Package session keeps the client's authenticated session alive: login with offline fallback,
// registration, pre-request token refresh, and logout with server-side revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/localcache"
	"github.com/MarcoPoloResearchLab/registry/internal/metrics"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/remote"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshWindow  = 2 * time.Minute
	defaultRefreshTimeout = 10 * time.Second
	refreshKey            = "refresh"
)

// Cached user record fields.
const (
	FieldUsername     = "username"
	FieldName         = "name"
	FieldRole         = "role"
	FieldStatus       = "status"
	FieldPasswordHash = "password_hash"

	RoleUser      = "user"
	StatusPending = "pending"
)

// AuthService is the remote session/auth API.
type AuthService interface {
	Login(ctx context.Context, username, password string) (remote.AuthResult, error)
	Register(ctx context.Context, registration remote.Registration) (remote.User, error)
	Refresh(ctx context.Context, token string) (string, error)
	Logout(ctx context.Context, token string) error
}

// Store persists the session between runs.
type Store interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, keys ...string) error
}

// UserDirectory reads the cached users collection.
type UserDirectory interface {
	LoadCollection(ctx context.Context, name records.Name) ([]records.Record, error)
}

// LocalWriter applies a change to a cached collection.
type LocalWriter interface {
	Mutate(ctx context.Context, name records.Name, mutate func([]records.Record) ([]records.Record, error)) ([]records.Record, error)
}

// SyncMarker schedules a collection for synchronization after a local change.
type SyncMarker interface {
	MarkMutation(name records.Name)
}

// Connectivity reports and nudges the connectivity monitor.
type Connectivity interface {
	Online() bool
	Kick()
}

// Credentials identify a user at login.
type Credentials struct {
	Username string
	Password string
}

// Account describes a registration request.
type Account struct {
	Username string
	Password string
	Name     string
	Address  string
	Contact  string
}

// Session is an authenticated session. Offline sessions were validated against the cached users
// collection and carry no server-issued token.
type Session struct {
	Token   string
	User    remote.User
	Offline bool
}

type persistedUser struct {
	remote.User
	Offline bool `json:"offline"`
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Auth          AuthService
	Store         Store
	Users         UserDirectory
	Writer        LocalWriter
	Sync          SyncMarker
	Connectivity  Connectivity
	Clock         func() time.Time
	RefreshWindow time.Duration
	OnExpired     func()
	NewID         func() (string, error)
	Logger        *zap.Logger
}

// Manager owns the current session.
type Manager struct {
	auth          AuthService
	store         Store
	users         UserDirectory
	writer        LocalWriter
	sync          SyncMarker
	online        Connectivity
	clock         func() time.Time
	refreshWindow time.Duration
	onExpired     func()
	newID         func() (string, error)
	logger        *zap.Logger

	mu       sync.RWMutex
	current  *Session
	refresh  singleflight.Group
	inFlight sync.WaitGroup
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Auth == nil {
		return nil, errMissingAuth
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Connectivity == nil {
		return nil, errMissingConnectivity
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	window := cfg.RefreshWindow
	if window <= 0 {
		window = defaultRefreshWindow
	}
	newID := cfg.NewID
	if newID == nil {
		newID = records.NewLocalID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		auth:          cfg.Auth,
		store:         cfg.Store,
		users:         cfg.Users,
		writer:        cfg.Writer,
		sync:          cfg.Sync,
		online:        cfg.Connectivity,
		clock:         clock,
		refreshWindow: window,
		onExpired:     cfg.OnExpired,
		newID:         newID,
		logger:        logger,
	}, nil
}

// Current returns the active session, if any.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Restore reloads the session persisted by a previous run.
func (m *Manager) Restore(ctx context.Context) (Session, bool, error) {
	var user persistedUser
	found, err := m.store.Get(ctx, localcache.SessionUserKey, &user)
	if err != nil || !found {
		return Session{}, false, err
	}
	var token string
	if _, err := m.store.Get(ctx, localcache.SessionTokenKey, &token); err != nil {
		return Session{}, false, err
	}
	restored := Session{Token: token, User: user.User, Offline: user.Offline}
	m.mu.Lock()
	m.current = &restored
	m.mu.Unlock()
	return restored, true, nil
}

// Login authenticates against the server when online. When offline, or when the server cannot be
// reached, it validates the credentials against the cached users collection instead.
func (m *Manager) Login(ctx context.Context, credentials Credentials) (Session, error) {
	username := strings.TrimSpace(credentials.Username)
	if username == "" {
		return Session{}, errMissingUsername
	}
	if credentials.Password == "" {
		return Session{}, errMissingPassword
	}

	if m.online.Online() {
		result, err := m.auth.Login(ctx, username, credentials.Password)
		switch {
		case err == nil:
			established := Session{Token: result.Token, User: result.User}
			if err := m.establish(ctx, established); err != nil {
				return Session{}, err
			}
			m.logger.Info("login succeeded", zap.String("username", username))
			return established, nil
		case errors.Is(err, remote.ErrUnauthorized):
			return Session{}, ErrInvalidCredentials
		case errors.Is(err, remote.ErrForbidden):
			return Session{}, ErrAccountPending
		case !remote.IsConnectivity(err):
			return Session{}, fmt.Errorf("session: login: %w", err)
		}
		m.logger.Info("remote login unreachable, using cached users", zap.Error(err))
	}
	return m.loginOffline(ctx, username, credentials.Password)
}

func (m *Manager) loginOffline(ctx context.Context, username, password string) (Session, error) {
	cached, err := m.users.LoadCollection(ctx, records.Users)
	if err != nil {
		return Session{}, fmt.Errorf("session: load cached users: %w", err)
	}
	record, found := findUser(cached, username)
	if !found {
		return Session{}, ErrInvalidCredentials
	}
	hash, _ := record[FieldPasswordHash].(string)
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}
	established := Session{User: userFromRecord(record), Offline: true}
	if err := m.establish(ctx, established); err != nil {
		return Session{}, err
	}
	m.logger.Info("offline login succeeded", zap.String("username", username))
	return established, nil
}

// Register creates an account. Online the server creates it pending approval and no session is
// started. Offline the account is appended to the cached users collection, queued for sync, and a
// local session is started.
func (m *Manager) Register(ctx context.Context, account Account) (remote.User, error) {
	account.Username = strings.TrimSpace(account.Username)
	if account.Username == "" {
		return remote.User{}, errMissingUsername
	}
	if account.Password == "" {
		return remote.User{}, errMissingPassword
	}

	if m.online.Online() {
		user, err := m.auth.Register(ctx, remote.Registration{
			Username: account.Username,
			Password: account.Password,
			Name:     account.Name,
			Address:  account.Address,
			Contact:  account.Contact,
		})
		switch {
		case err == nil:
			m.logger.Info("registration submitted", zap.String("username", account.Username))
			return user, nil
		case errors.Is(err, remote.ErrConflict):
			return remote.User{}, ErrUsernameTaken
		case !remote.IsConnectivity(err):
			return remote.User{}, fmt.Errorf("session: register: %w", err)
		}
		m.logger.Info("remote registration unreachable, registering locally", zap.Error(err))
	}
	return m.registerOffline(ctx, account)
}

func (m *Manager) registerOffline(ctx context.Context, account Account) (remote.User, error) {
	if m.writer == nil {
		return remote.User{}, fmt.Errorf("session: register offline: local writer not configured")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(account.Password), bcrypt.DefaultCost)
	if err != nil {
		return remote.User{}, fmt.Errorf("session: hash password: %w", err)
	}
	id, err := m.newID()
	if err != nil {
		return remote.User{}, fmt.Errorf("session: generate id: %w", err)
	}

	record := records.Record{
		records.FieldID:   id,
		FieldUsername:     account.Username,
		FieldRole:         RoleUser,
		FieldStatus:       StatusPending,
		FieldPasswordHash: string(hash),
	}
	if account.Name != "" {
		record[FieldName] = account.Name
	}
	if account.Address != "" {
		record["address"] = account.Address
	}
	if account.Contact != "" {
		record["contact"] = account.Contact
	}
	record.Stamp(m.clock())

	_, err = m.writer.Mutate(ctx, records.Users, func(current []records.Record) ([]records.Record, error) {
		if _, taken := findUser(current, account.Username); taken {
			return nil, ErrUsernameTaken
		}
		return append(current, record), nil
	})
	if err != nil {
		return remote.User{}, err
	}

	user := userFromRecord(record)
	if err := m.establish(ctx, Session{User: user, Offline: true}); err != nil {
		return remote.User{}, err
	}
	if m.sync != nil {
		m.sync.MarkMutation(records.Users)
	}
	m.online.Kick()
	m.logger.Info("registration stored locally", zap.String("username", account.Username))
	return user, nil
}

// Token returns the bearer token for an outgoing data request, refreshing it first when needed.
// Without a server-issued token the request goes out anonymously.
func (m *Manager) Token(ctx context.Context) (string, error) {
	current, ok := m.Current()
	if !ok || current.Token == "" {
		return "", nil
	}
	return m.EnsureFresh(ctx)
}

// EnsureFresh returns a token that will not expire within the refresh window. Concurrent callers
// share one refresh, which runs detached from any single caller's context. If the server rejects
// the refresh the session is cleared and ErrSessionExpired returned. Connectivity failures leave
// the session in place and are returned as is.
func (m *Manager) EnsureFresh(ctx context.Context) (string, error) {
	current, ok := m.Current()
	if !ok {
		return "", ErrNotAuthenticated
	}
	if current.Token == "" {
		return "", nil
	}
	if !m.needsRefresh(current.Token) {
		return current.Token, nil
	}

	refreshCtx := context.WithoutCancel(ctx)
	results := m.refresh.DoChan(refreshKey, func() (any, error) {
		boundCtx, cancel := context.WithTimeout(refreshCtx, defaultRefreshTimeout)
		defer cancel()
		return m.refreshToken(boundCtx, current.Token)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-results:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	}
}

func (m *Manager) needsRefresh(token string) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		m.logger.Debug("token expiry unreadable", zap.Error(err))
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.Time.Sub(m.clock()) <= m.refreshWindow
}

func (m *Manager) refreshToken(ctx context.Context, token string) (string, error) {
	// Another caller may have refreshed while this one waited for the group.
	if current, ok := m.Current(); ok && current.Token != token && current.Token != "" && !m.needsRefresh(current.Token) {
		return current.Token, nil
	}

	refreshed, err := m.auth.Refresh(ctx, token)
	if err != nil && recoverableRefreshError(err) {
		metrics.SessionRefreshesTotal.WithLabelValues("unavailable").Inc()
		m.logger.Info("token refresh unavailable, keeping session", zap.Error(err))
		return "", fmt.Errorf("session: refresh: %w", err)
	}
	if err != nil || refreshed == "" {
		metrics.SessionRefreshesTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("token refresh rejected, ending session", zap.Error(err))
		m.expire(ctx)
		return "", ErrSessionExpired
	}
	metrics.SessionRefreshesTotal.WithLabelValues("ok").Inc()

	m.mu.Lock()
	if m.current != nil && m.current.Token == token {
		m.current.Token = refreshed
	}
	m.mu.Unlock()
	if err := m.store.Put(ctx, localcache.SessionTokenKey, refreshed); err != nil {
		m.logger.Error("persist refreshed token failed", zap.Error(err))
	}
	return refreshed, nil
}

// recoverableRefreshError reports failures that say nothing about the token itself.
func recoverableRefreshError(err error) bool {
	return remote.IsConnectivity(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) expire(ctx context.Context) {
	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRefreshTimeout)
	defer cancel()
	// clear logs its own failure; the in-memory session is gone either way.
	_ = m.clear(clearCtx)
	if m.onExpired == nil {
		return
	}
	m.inFlight.Add(1)
	go func() {
		defer m.inFlight.Done()
		m.onExpired()
	}()
}

// Logout asks the server to revoke the token in the background and clears the local session
// regardless of the outcome.
func (m *Manager) Logout(ctx context.Context) error {
	current, ok := m.Current()
	if ok && current.Token != "" {
		token := current.Token
		m.inFlight.Add(1)
		go func() {
			defer m.inFlight.Done()
			if err := m.auth.Logout(context.WithoutCancel(ctx), token); err != nil {
				m.logger.Info("server logout failed", zap.Error(err))
			}
		}()
	}
	return m.clear(ctx)
}

// Stop waits for background logout notifications and expiry hooks.
func (m *Manager) Stop() {
	m.inFlight.Wait()
}

func (m *Manager) establish(ctx context.Context, established Session) error {
	m.mu.Lock()
	m.current = &established
	m.mu.Unlock()

	if established.Token != "" {
		if err := m.store.Put(ctx, localcache.SessionTokenKey, established.Token); err != nil {
			return fmt.Errorf("session: persist token: %w", err)
		}
	} else if err := m.store.Delete(ctx, localcache.SessionTokenKey); err != nil {
		return fmt.Errorf("session: clear token: %w", err)
	}
	if err := m.store.Put(ctx, localcache.SessionUserKey, persistedUser{User: established.User, Offline: established.Offline}); err != nil {
		return fmt.Errorf("session: persist user: %w", err)
	}
	return nil
}

func (m *Manager) clear(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	if err := m.store.Delete(ctx, localcache.SessionTokenKey, localcache.SessionUserKey); err != nil {
		m.logger.Error("clear persisted session failed", zap.Error(err))
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}

func findUser(list []records.Record, username string) (records.Record, bool) {
	for _, record := range list {
		candidate, _ := record[FieldUsername].(string)
		if candidate == username {
			return record, true
		}
	}
	return nil, false
}

func userFromRecord(record records.Record) remote.User {
	text := func(key string) string {
		value, _ := record[key].(string)
		return value
	}
	return remote.User{
		ID:       record.ID(),
		Username: text(FieldUsername),
		Name:     text(FieldName),
		Role:     text(FieldRole),
		Status:   text(FieldStatus),
	}
}
