package adminapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacementCallbackReturnsLiteralAck(t *testing.T) {
	// no connector service, no matching integration: the CRM host still
	// must receive the literal acknowledgement or it never completes setup
	form := url.Values{}
	form.Set("PLACEMENT", "SETTING_CONNECTOR")
	form.Set("PLACEMENT_OPTIONS", `{"LINE":1,"ACTIVE_STATUS":true}`)
	form.Set("member_id", "unknown-member")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/callback/crm/placement", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()

	err := postPlacementCallback(e.NewContext(req, rec))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
}

func TestPlacementCallbackAcksBrokenOptions(t *testing.T) {
	form := url.Values{}
	form.Set("PLACEMENT_OPTIONS", "{broken")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/callback/crm/placement", strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()

	err := postPlacementCallback(e.NewContext(req, rec))
	require.NoError(t, err)
	assert.Equal(t, "success", rec.Body.String())
}

func TestEventCallbackAlwaysAcknowledges(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/callback/crm/event",
		strings.NewReader(`{"event":"OnImConnectorMessageAdd","data":{"MESSAGES":[]}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := postCrmEventCallback(e.NewContext(req, rec))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":true}`, rec.Body.String())
}
