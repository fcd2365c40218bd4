package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/registry/internal/auth"
	"github.com/MarcoPoloResearchLab/registry/internal/collections"
	"github.com/MarcoPoloResearchLab/registry/internal/config"
	"github.com/MarcoPoloResearchLab/registry/internal/database"
	"github.com/MarcoPoloResearchLab/registry/internal/records"
	"github.com/MarcoPoloResearchLab/registry/internal/remote"
	"github.com/MarcoPoloResearchLab/registry/internal/server"
	"github.com/MarcoPoloResearchLab/registry/internal/session"
	"github.com/MarcoPoloResearchLab/registry/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	waitFor = 5 * time.Second
	tick    = 20 * time.Millisecond
)

type remoteEnvironment struct {
	server   *httptest.Server
	store    *collections.Service
	accounts *users.Service
	realtime *server.RealtimeDispatcher
	down     atomic.Bool
}

// newRemoteEnvironment serves the real API. While down every request answers 503.
func newRemoteEnvironment(t *testing.T) *remoteEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	schema := database.Schema{}
	for _, part := range []database.Schema{collections.Schema(), users.Schema(), auth.RevocationSchema()} {
		schema.Models = append(schema.Models, part.Models...)
	}
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), zap.NewNop(), schema)
	require.NoError(t, err)

	store, err := collections.NewService(collections.ServiceConfig{Database: db, IDProvider: collections.NewUUIDProvider()})
	require.NoError(t, err)
	accounts, err := users.NewService(users.ServiceConfig{Database: db, HashCost: bcrypt.MinCost})
	require.NoError(t, err)
	revocations, err := auth.NewSQLRevocationStore(db, nil)
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("agent-test-secret"),
		Issuer:        "registry-auth",
		Audience:      "registry-api",
		TokenTTL:      10 * time.Minute,
	})
	require.NoError(t, err)

	env := &remoteEnvironment{store: store, accounts: accounts, realtime: server.NewRealtimeDispatcher()}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      issuer,
		Revocations:       revocations,
		Accounts:          accounts,
		Collections:       collections.NewRegistry(store, map[records.Name]collections.Backend{records.Users: accounts}),
		Realtime:          env.realtime,
		HeartbeatInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if env.down.Load() {
			http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)
	return env
}

type testClock struct {
	nanos atomic.Int64
}

func newTestClock(start time.Time) *testClock {
	clock := &testClock{}
	clock.nanos.Store(start.UnixNano())
	return clock
}

func (c *testClock) Now() time.Time {
	return time.Unix(0, c.nanos.Load()).UTC()
}

func (c *testClock) Advance(d time.Duration) {
	c.nanos.Add(int64(d))
}

func newTestAgent(t *testing.T, env *remoteEnvironment, clock func() time.Time, onExpired func()) *Agent {
	t.Helper()
	agent, err := New(Options{
		Config: config.AgentConfig{
			RemoteBaseURL: env.server.URL,
			RemoteTimeout: 2 * time.Second,
			CachePath:     filepath.Join(t.TempDir(), "cache.db"),
			ProbeInterval: 50 * time.Millisecond,
			ProbeTimeout:  time.Second,
			SyncInterval:  time.Hour,
			RefreshWindow: 2 * time.Minute,
		},
		Logger:           zap.NewNop(),
		Clock:            clock,
		OnSessionExpired: onExpired,
		ReconnectDelay:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	return agent
}

func startAgent(t *testing.T, agent *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, agent.Start(ctx))
	t.Cleanup(func() {
		cancel()
		require.NoError(t, agent.Stop())
	})
}

func TestOfflineEditsReachServerAfterReconnect(t *testing.T) {
	env := newRemoteEnvironment(t)
	env.down.Store(true)

	agent := newTestAgent(t, env, nil, nil)
	startAgent(t, agent)
	require.False(t, agent.Online())

	created, err := agent.Create(context.Background(), records.Residents, records.Record{"name": "Juan Dela Cruz"})
	require.NoError(t, err)
	require.True(t, created.HasLocalID())
	require.Equal(t, []records.Name{records.Residents}, agent.Scheduler().Pending())

	env.down.Store(false)

	require.Eventually(t, func() bool {
		remote, err := env.store.List(context.Background(), records.Residents)
		return err == nil && len(remote) == 1 && remote[0]["name"] == "Juan Dela Cruz"
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		local, err := agent.List(context.Background(), records.Residents)
		return err == nil && len(local) == 1 && !local[0].HasLocalID()
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return len(agent.Scheduler().Pending()) == 0
	}, waitFor, tick)
}

func TestLocalUpdateWinsAfterCheckpoint(t *testing.T) {
	env := newRemoteEnvironment(t)
	seeded, err := env.store.Create(context.Background(), records.Officials, records.Record{
		"name":     "Kagawad Santos",
		"modified": "2020-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	agent := newTestAgent(t, env, nil, nil)
	startAgent(t, agent)
	require.Eventually(t, func() bool {
		local, err := agent.List(context.Background(), records.Officials)
		return err == nil && len(local) == 1
	}, waitFor, tick)

	_, err = agent.Update(context.Background(), records.Officials, seeded.ID(), records.Record{"name": "Kagawad Reyes"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		remote, err := env.store.List(context.Background(), records.Officials)
		return err == nil && len(remote) == 1 && remote[0]["name"] == "Kagawad Reyes"
	}, waitFor, tick)

	_, err = agent.Update(context.Background(), records.Officials, "missing", records.Record{"name": "x"})
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRefreshRevokesPreviousTokenAndLogoutRevokesCurrent(t *testing.T) {
	env := newRemoteEnvironment(t)
	_, err := env.accounts.EnsureAdmin(context.Background(), "admin", "root-pass")
	require.NoError(t, err)

	clock := newTestClock(time.Now())
	agent := newTestAgent(t, env, clock.Now, nil)
	startAgent(t, agent)
	require.Eventually(t, agent.Online, waitFor, tick)

	established, err := agent.Sessions().Login(context.Background(), session.Credentials{Username: "admin", Password: "root-pass"})
	require.NoError(t, err)
	require.False(t, established.Offline)
	original := established.Token

	clock.Advance(9 * time.Minute)
	refreshed, err := agent.Sessions().EnsureFresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, original, refreshed)
	require.Equal(t, http.StatusUnauthorized, sessionStatus(t, env, original))
	require.Equal(t, http.StatusOK, sessionStatus(t, env, refreshed))

	require.NoError(t, agent.Sessions().Logout(context.Background()))
	_, active := agent.Sessions().Current()
	require.False(t, active)
	agent.Sessions().Stop()
	require.Equal(t, http.StatusUnauthorized, sessionStatus(t, env, refreshed))
}

func TestRejectedRefreshExpiresSession(t *testing.T) {
	env := newRemoteEnvironment(t)
	_, err := env.accounts.EnsureAdmin(context.Background(), "admin", "root-pass")
	require.NoError(t, err)

	expired := make(chan struct{}, 1)
	clock := newTestClock(time.Now())
	agent := newTestAgent(t, env, clock.Now, func() { expired <- struct{}{} })
	startAgent(t, agent)
	require.Eventually(t, agent.Online, waitFor, tick)

	established, err := agent.Sessions().Login(context.Background(), session.Credentials{Username: "admin", Password: "root-pass"})
	require.NoError(t, err)
	// Revoked elsewhere, so the server refuses to refresh it.
	require.Equal(t, http.StatusNoContent, revokeToken(t, env, established.Token))

	clock.Advance(9 * time.Minute)
	_, err = agent.Sessions().EnsureFresh(context.Background())
	// A background data request may have hit the rejected refresh first.
	require.True(t, errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrNotAuthenticated), "unexpected error %v", err)

	select {
	case <-expired:
	case <-time.After(waitFor):
		t.Fatal("expiry hook did not run")
	}
	_, active := agent.Sessions().Current()
	require.False(t, active)
}

func TestRefreshDuringOutageKeepsSession(t *testing.T) {
	env := newRemoteEnvironment(t)
	_, err := env.accounts.EnsureAdmin(context.Background(), "admin", "root-pass")
	require.NoError(t, err)

	clock := newTestClock(time.Now())
	agent := newTestAgent(t, env, clock.Now, func() { t.Error("session must not expire during an outage") })
	startAgent(t, agent)
	require.Eventually(t, agent.Online, waitFor, tick)

	established, err := agent.Sessions().Login(context.Background(), session.Credentials{Username: "admin", Password: "root-pass"})
	require.NoError(t, err)

	env.down.Store(true)
	clock.Advance(9 * time.Minute)
	_, err = agent.Sessions().EnsureFresh(context.Background())
	require.True(t, remote.IsConnectivity(err), "unexpected error %v", err)
	current, active := agent.Sessions().Current()
	require.True(t, active)
	require.Equal(t, established.Token, current.Token)

	env.down.Store(false)
	refreshed, err := agent.Sessions().EnsureFresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, established.Token, refreshed)
}

func TestChangeStreamTriggersSync(t *testing.T) {
	env := newRemoteEnvironment(t)
	agent := newTestAgent(t, env, nil, nil)
	startAgent(t, agent)

	require.Eventually(t, func() bool { return env.realtime.Subscribers() > 0 }, waitFor, tick)
	// Let the initial pass after going online settle so the write below is only seen via the stream.
	agent.Scheduler().Wait()

	response, err := http.Post(env.server.URL+"/collections/complaints", "application/json", strings.NewReader(`{"subject":"Streetlight out"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, response.StatusCode)
	require.NoError(t, response.Body.Close())

	require.Eventually(t, func() bool {
		local, err := agent.List(context.Background(), records.Complaints)
		return err == nil && len(local) == 1 && local[0]["subject"] == "Streetlight out"
	}, waitFor, tick)
}

func TestOfflineRegistrationSyncsAsPendingAccount(t *testing.T) {
	env := newRemoteEnvironment(t)
	env.down.Store(true)

	agent := newTestAgent(t, env, nil, nil)
	startAgent(t, agent)

	user, err := agent.Sessions().Register(context.Background(), session.Account{Username: "lorna", Password: "pw-123"})
	require.NoError(t, err)
	require.True(t, records.IsLocalID(user.ID))

	env.down.Store(false)
	require.Eventually(t, func() bool {
		_, err := env.accounts.Authenticate(context.Background(), "lorna", "pw-123")
		return errors.Is(err, users.ErrAccountPending)
	}, waitFor, tick)
}

func TestLocalUpdateClearsSyncConflict(t *testing.T) {
	env := newRemoteEnvironment(t)
	_, err := env.accounts.Register(context.Background(), users.Registration{Username: "taken", Password: "pw-123"})
	require.NoError(t, err)

	agent := newTestAgent(t, env, nil, nil)
	startAgent(t, agent)
	require.Eventually(t, agent.Online, waitFor, tick)

	hash, err := bcrypt.GenerateFromPassword([]byte("pw-456"), bcrypt.MinCost)
	require.NoError(t, err)
	created, err := agent.Create(context.Background(), records.Users, records.Record{
		"username":      "taken",
		"password_hash": string(hash),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		local, err := agent.List(context.Background(), records.Users)
		return err == nil && findRecord(local, created.ID()).SyncConflict() != ""
	}, waitFor, tick)

	updated, err := agent.Update(context.Background(), records.Users, created.ID(), records.Record{
		"username":      "renamed",
		"password_hash": string(hash),
	})
	require.NoError(t, err)
	require.Empty(t, updated.SyncConflict())

	require.Eventually(t, func() bool {
		_, err := env.accounts.Authenticate(context.Background(), "renamed", "pw-456")
		return errors.Is(err, users.ErrAccountPending)
	}, waitFor, tick)
}

func findRecord(list []records.Record, id string) records.Record {
	for _, record := range list {
		if record.ID() == id {
			return record
		}
	}
	return records.Record{}
}

func revokeToken(t *testing.T, env *remoteEnvironment, token string) int {
	t.Helper()
	request, err := http.NewRequest(http.MethodPost, env.server.URL+"/auth/logout", http.NoBody)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	return response.StatusCode
}

func sessionStatus(t *testing.T, env *remoteEnvironment, token string) int {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, env.server.URL+"/auth/session", http.NoBody)
	require.NoError(t, err)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	require.NoError(t, response.Body.Close())
	return response.StatusCode
}
