package bitrix

import (
	"context"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/pkg/metrics"
	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TokenExpiryBuffer is how long before bookkept expiry a token is already
// considered due for refresh.
const TokenExpiryBuffer = 10 * time.Minute

// ErrNoCredential means the integration has neither an access token nor a
// refresh token. A reinstall of the application on the portal is required.
var ErrNoCredential = errors.New("bitrix: no stored credential, reinstall may be required")

// TokenStore persists refresh outcomes on the integration row.
type TokenStore interface {
	UpdateTokens(ctx context.Context, integrationId int64, access, refresh string, expiry time.Time) error
	RecordRefreshFailure(ctx context.Context, integrationId int64, reason string) error
}

// TokenManager hands out a usable access token for an integration,
// refreshing proactively when the bookkept expiry gets close. A refresh
// failure never discards the last-known-good token: the portal's own
// bookkeeping may be more lenient than ours, so stale-but-present beats
// absent.
type TokenManager struct {
	store         TokenStore
	oauthEndpoint string
	clientId      string
	clientSecret  string
	timeout       time.Duration
	group         singleflight.Group
	now           func() time.Time
}

func NewTokenManager(store TokenStore, oauthEndpoint, clientId, clientSecret string, timeout time.Duration) *TokenManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenManager{
		store:         store,
		oauthEndpoint: oauthEndpoint,
		clientId:      clientId,
		clientSecret:  clientSecret,
		timeout:       timeout,
		now:           time.Now,
	}
}

type refreshed struct {
	access  string
	refresh string
	expiry  time.Time
}

// ValidToken returns an access token for the integration. Tokens with more
// than TokenExpiryBuffer of lifetime left are returned without any network
// call. Otherwise a refresh is attempted; on failure the previous token is
// returned as a best-effort fallback and the failure is persisted for
// observability. Concurrent callers for one integration share a single
// refresh round-trip.
func (m *TokenManager) ValidToken(ctx context.Context, integ *domain.Integration) (string, error) {
	if integ.AccessToken == "" && integ.RefreshToken == "" {
		return "", ErrNoCredential
	}

	if integ.TokenValidUntil(m.now(), TokenExpiryBuffer) {
		return integ.AccessToken, nil
	}

	if integ.RefreshToken == "" {
		// Refresh simply is not possible; hand back what we have.
		return integ.AccessToken, nil
	}

	v, err, _ := m.group.Do(strconv.FormatInt(integ.ID, 10), func() (interface{}, error) {
		return m.refresh(ctx, integ)
	})
	if err != nil {
		if integ.AccessToken != "" {
			return integ.AccessToken, nil
		}
		return "", err
	}

	r := v.(refreshed)
	integ.AccessToken = r.access
	integ.RefreshToken = r.refresh
	integ.TokenExpiry = r.expiry
	integ.RefreshError = ""
	return r.access, nil
}

// ForceRefresh refreshes regardless of bookkept expiry; used by the
// dispatcher's explicit refresh action. Unlike ValidToken it surfaces the
// refresh failure instead of falling back to the stored token.
func (m *TokenManager) ForceRefresh(ctx context.Context, integ *domain.Integration) (string, error) {
	if integ.RefreshToken == "" {
		return "", ErrNoCredential
	}
	v, err, _ := m.group.Do(strconv.FormatInt(integ.ID, 10), func() (interface{}, error) {
		return m.refresh(ctx, integ)
	})
	if err != nil {
		return "", err
	}
	r := v.(refreshed)
	integ.AccessToken = r.access
	integ.RefreshToken = r.refresh
	integ.TokenExpiry = r.expiry
	integ.RefreshError = ""
	return r.access, nil
}

func (m *TokenManager) refresh(ctx context.Context, integ *domain.Integration) (refreshed, error) {
	metrics.IncrCounter(metrics.MetricTokenRefresh, 1)

	var (
		raw  []byte
		code int
	)
	err := gout.GET(m.oauthEndpoint).
		WithContext(ctx).
		SetTimeout(m.timeout).
		SetQuery(gout.H{
			"grant_type":    "refresh_token",
			"client_id":     m.clientId,
			"client_secret": m.clientSecret,
			"refresh_token": integ.RefreshToken,
		}).
		BindBody(&raw).
		Code(&code).
		Do()
	if err != nil {
		return m.fail(ctx, integ, errors.Wrap(err, "bitrix: token refresh transport failure"))
	}

	var resp struct {
		AccessToken      string      `json:"access_token"`
		RefreshToken     string      `json:"refresh_token"`
		ExpiresIn        interface{} `json:"expires_in"`
		Expires          interface{} `json:"expires"`
		Error            string      `json:"error"`
		ErrorDescription string      `json:"error_description"`
	}
	if err := jsonApi.Unmarshal(raw, &resp); err != nil {
		return m.fail(ctx, integ, errors.Wrap(err, "bitrix: token refresh unparseable response"))
	}
	if resp.Error != "" || resp.AccessToken == "" {
		reason := resp.Error
		if resp.ErrorDescription != "" {
			reason = reason + ": " + resp.ErrorDescription
		}
		if reason == "" {
			reason = "empty access_token in refresh response"
		}
		return m.fail(ctx, integ, errors.Errorf("bitrix: token refresh rejected: %s", reason))
	}

	newRefresh := resp.RefreshToken
	if newRefresh == "" {
		// The endpoint may omit the rotated refresh token; the prior one
		// stays valid in that case.
		newRefresh = integ.RefreshToken
	}
	expiry := m.parseExpiry(resp.ExpiresIn, resp.Expires)

	if err := m.store.UpdateTokens(ctx, integ.ID, resp.AccessToken, newRefresh, expiry); err != nil {
		zap.L().Error("bitrix: persisting refreshed tokens failed",
			zap.Int64("integration_id", integ.ID), zap.Error(err))
	}
	zap.L().Info("bitrix: access token refreshed",
		zap.Int64("integration_id", integ.ID),
		zap.Time("expiry", expiry))
	return refreshed{access: resp.AccessToken, refresh: newRefresh, expiry: expiry}, nil
}

func (m *TokenManager) fail(ctx context.Context, integ *domain.Integration, cause error) (refreshed, error) {
	metrics.IncrCounter(metrics.MetricTokenRefreshFailed, 1)
	zap.L().Warn("bitrix: token refresh failed",
		zap.Int64("integration_id", integ.ID), zap.Error(cause))
	if err := m.store.RecordRefreshFailure(ctx, integ.ID, cause.Error()); err != nil {
		zap.L().Error("bitrix: recording refresh failure failed",
			zap.Int64("integration_id", integ.ID), zap.Error(err))
	}
	return refreshed{}, cause
}

// parseExpiry derives the absolute expiry from whichever field the OAuth
// endpoint filled: expires_in in seconds, or expires as a unix timestamp
// or date string.
func (m *TokenManager) parseExpiry(expiresIn, expires interface{}) time.Time {
	if sec := cast.ToInt64(expiresIn); sec > 0 {
		return m.now().Add(time.Duration(sec) * time.Second)
	}
	if ts := cast.ToInt64(expires); ts > 0 {
		return time.Unix(ts, 0)
	}
	if s := cast.ToString(expires); s != "" {
		if t, err := dateparse.ParseAny(s); err == nil {
			return t
		}
	}
	// Conservative default keeps us refreshing rather than failing.
	return m.now().Add(30 * time.Minute)
}
