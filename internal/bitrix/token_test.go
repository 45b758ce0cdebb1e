package bitrix

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenStore records refresh outcomes the way an Integration row would.
type fakeTokenStore struct {
	mu            sync.Mutex
	updatedAccess string
	updatedRefrsh string
	updatedExpiry time.Time
	updates       int
	failReason    string
	failures      int
}

func (s *fakeTokenStore) UpdateTokens(_ context.Context, _ int64, access, refresh string, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAccess = access
	s.updatedRefrsh = refresh
	s.updatedExpiry = expiry
	s.updates++
	return nil
}

func (s *fakeTokenStore) RecordRefreshFailure(_ context.Context, _ int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReason = reason
	s.failures++
	return nil
}

type countingOauth struct {
	server *httptest.Server
	hits   int
	mu     sync.Mutex
}

func newCountingOauth(t *testing.T, body string) *countingOauth {
	t.Helper()
	o := &countingOauth{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits++
		o.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(o.server.Close)
	return o
}

func (o *countingOauth) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits
}

func testIntegration(expiry time.Time) *domain.Integration {
	return &domain.Integration{
		ID:           101,
		TenantId:     "t1",
		AccountId:    "m1",
		Endpoint:     "https://portal.example/rest/",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		TokenExpiry:  expiry,
	}
}

func TestValidTokenFreshSkipsNetwork(t *testing.T) {
	oauth := newCountingOauth(t, `{"access_token":"should-not-be-fetched"}`)
	store := &fakeTokenStore{}
	m := NewTokenManager(store, oauth.server.URL, "cid", "csec", 5*time.Second)

	integ := testIntegration(time.Now().Add(time.Hour))
	token, err := m.ValidToken(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, "old-access", token)
	assert.Equal(t, 0, oauth.count())
}

func TestValidTokenInsideBufferRefreshes(t *testing.T) {
	oauth := newCountingOauth(t, `{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`)
	store := &fakeTokenStore{}
	m := NewTokenManager(store, oauth.server.URL, "cid", "csec", 5*time.Second)

	// still formally valid but within the proactive-refresh buffer
	integ := testIntegration(time.Now().Add(5 * time.Minute))
	token, err := m.ValidToken(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, 1, oauth.count())

	assert.Equal(t, "new-access", integ.AccessToken)
	assert.Equal(t, "new-refresh", integ.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), integ.TokenExpiry, time.Minute)

	assert.Equal(t, 1, store.updates)
	assert.Equal(t, "new-refresh", store.updatedRefrsh)
}

func TestValidTokenRefreshFailureKeepsStaleToken(t *testing.T) {
	oauth := newCountingOauth(t, `{"error":"invalid_grant","error_description":"expired"}`)
	store := &fakeTokenStore{}
	m := NewTokenManager(store, oauth.server.URL, "cid", "csec", 5*time.Second)

	integ := testIntegration(time.Now().Add(-time.Hour))
	token, err := m.ValidToken(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, "old-access", token, "stale token beats absent token")

	assert.Equal(t, 1, store.failures)
	assert.Contains(t, store.failReason, "invalid_grant")
	assert.Equal(t, 0, store.updates)
}

func TestValidTokenRefreshFailureWithoutStaleToken(t *testing.T) {
	oauth := newCountingOauth(t, `{"error":"invalid_grant"}`)
	store := &fakeTokenStore{}
	m := NewTokenManager(store, oauth.server.URL, "cid", "csec", 5*time.Second)

	integ := testIntegration(time.Now().Add(-time.Hour))
	integ.AccessToken = ""
	_, err := m.ValidToken(context.Background(), integ)
	assert.Error(t, err)
}

func TestValidTokenNoCredential(t *testing.T) {
	store := &fakeTokenStore{}
	m := NewTokenManager(store, "http://127.0.0.1:0", "cid", "csec", time.Second)

	integ := testIntegration(time.Time{})
	integ.AccessToken = ""
	integ.RefreshToken = ""
	_, err := m.ValidToken(context.Background(), integ)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestValidTokenKeepsPriorRefreshTokenWhenOmitted(t *testing.T) {
	oauth := newCountingOauth(t, `{"access_token":"new-access","expires_in":1800}`)
	store := &fakeTokenStore{}
	m := NewTokenManager(store, oauth.server.URL, "cid", "csec", 5*time.Second)

	integ := testIntegration(time.Now().Add(-time.Minute))
	token, err := m.ValidToken(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, "old-refresh", integ.RefreshToken)
	assert.Equal(t, "old-refresh", store.updatedRefrsh)
}

func TestForceRefreshSurfacesFailure(t *testing.T) {
	oauth := newCountingOauth(t, `{"error":"invalid_grant"}`)
	store := &fakeTokenStore{}
	m := NewTokenManager(store, oauth.server.URL, "cid", "csec", 5*time.Second)

	integ := testIntegration(time.Now().Add(time.Hour))
	_, err := m.ForceRefresh(context.Background(), integ)
	assert.Error(t, err)
	assert.Equal(t, "old-access", integ.AccessToken, "stored tokens untouched on failure")
	assert.Equal(t, 1, store.failures)
}

func TestForceRefreshIgnoresBookkeptExpiry(t *testing.T) {
	oauth := newCountingOauth(t, `{"access_token":"forced","refresh_token":"rotated","expires_in":3600}`)
	store := &fakeTokenStore{}
	m := NewTokenManager(store, oauth.server.URL, "cid", "csec", 5*time.Second)

	integ := testIntegration(time.Now().Add(24 * time.Hour))
	token, err := m.ForceRefresh(context.Background(), integ)
	require.NoError(t, err)
	assert.Equal(t, "forced", token)
	assert.Equal(t, 1, oauth.count())
}

func TestParseExpiryVariants(t *testing.T) {
	m := NewTokenManager(&fakeTokenStore{}, "", "", "", time.Second)

	now := time.Now()
	got := m.parseExpiry(int64(3600), nil)
	assert.WithinDuration(t, now.Add(time.Hour), got, time.Minute)

	unix := now.Add(2 * time.Hour).Unix()
	got = m.parseExpiry(nil, unix)
	assert.WithinDuration(t, now.Add(2*time.Hour), got, time.Minute)

	got = m.parseExpiry(nil, "2030-01-02T15:04:05Z")
	assert.Equal(t, 2030, got.Year())

	// neither field present falls back to a conservative window
	got = m.parseExpiry(nil, nil)
	assert.WithinDuration(t, now.Add(30*time.Minute), got, time.Minute)
}
