package adminapi

import (
	"net/http"

	"github.com/chatlinehq/crmbridge/internal/connector"
	"github.com/chatlinehq/crmbridge/internal/webserver"
	"github.com/chatlinehq/crmbridge/pkg/metrics"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// placementAck is the literal body the CRM host expects from the placement
// callback. Anything else is interpreted as "setup still pending" and the
// installation is never marked complete, so it is returned unconditionally.
const placementAck = "success"

func registerCallbackRoutes() {
	webserver.PubPOST("/callback/install", postInstallCallback)
	webserver.PubPOST("/callback/crm/event", postCrmEventCallback)
	webserver.PubPOST("/callback/crm/placement", postPlacementCallback)
	webserver.PubGET("/callback/crm/placement", postPlacementCallback)
}

// postInstallCallback handles the CRM's OAuth install push: it creates the
// Integration on first install and refreshes the credential set on
// reinstall.
func postInstallCallback(c echo.Context) error {
	svc := connector.Get()
	if svc == nil {
		return fail(c, http.StatusServiceUnavailable, "CRM_NOT_INITIALIZED", "CRM connector service not initialized", nil)
	}

	var payload struct {
		TenantId string `json:"tenant_id" form:"tenant_id" query:"tenant_id"`
		Auth     struct {
			AccessToken    string `json:"access_token" form:"access_token"`
			RefreshToken   string `json:"refresh_token" form:"refresh_token"`
			ExpiresIn      int64  `json:"expires_in" form:"expires_in"`
			MemberId       string `json:"member_id" form:"member_id"`
			ClientEndpoint string `json:"client_endpoint" form:"client_endpoint"`
		} `json:"auth" form:"auth"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse install payload", err.Error())
	}

	integ, err := svc.HandleInstall(c.Request().Context(), connector.InstallPayload{
		TenantId:     payload.TenantId,
		AccountId:    payload.Auth.MemberId,
		Endpoint:     payload.Auth.ClientEndpoint,
		AccessToken:  payload.Auth.AccessToken,
		RefreshToken: payload.Auth.RefreshToken,
		ExpiresIn:    payload.Auth.ExpiresIn,
	})
	if err != nil {
		return fail(c, http.StatusBadRequest, "INSTALL_FAILED", "Install callback rejected", err.Error())
	}
	return ok(c, integ)
}

// postCrmEventCallback is the receiving side of the event bindings: the
// portal posts message and dialog events here. Payloads are acknowledged
// and handed to message processing elsewhere; this platform never answers
// an event with an error the portal would retry forever.
func postCrmEventCallback(c echo.Context) error {
	var payload struct {
		Event string                 `json:"event" form:"event"`
		Data  map[string]interface{} `json:"data" form:"data"`
		Auth  struct {
			MemberId         string `json:"member_id" form:"member_id"`
			ApplicationToken string `json:"application_token" form:"application_token"`
		} `json:"auth" form:"auth"`
	}
	if err := c.Bind(&payload); err != nil {
		zap.L().Warn("adminapi: unparseable crm event", zap.Error(err))
		return c.JSON(http.StatusOK, map[string]interface{}{"result": true})
	}

	zap.L().Info("adminapi: crm event received",
		zap.String("event", payload.Event),
		zap.String("member_id", payload.Auth.MemberId))
	return c.JSON(http.StatusOK, map[string]interface{}{"result": true})
}

// postPlacementCallback is invoked by the CRM host when a human opens the
// connector settings inside its UI. The literal acknowledgement is
// returned regardless of internal outcome, even when no integration
// matches the caller.
func postPlacementCallback(c echo.Context) error {
	metrics.IncrCounter(metrics.MetricPlacementCallbacks, 1)

	svc := connector.Get()
	if svc == nil {
		return c.String(http.StatusOK, placementAck)
	}

	placement := c.FormValue("PLACEMENT")
	rawOptions := c.FormValue("PLACEMENT_OPTIONS")
	memberId := c.FormValue("member_id")
	if memberId == "" {
		memberId = c.QueryParam("member_id")
	}

	opts, err := connector.DecodePlacementOptions(rawOptions)
	if err != nil {
		zap.L().Warn("adminapi: bad placement options", zap.Error(err))
		return c.String(http.StatusOK, placementAck)
	}

	integ, err := svc.Integrations().GetByAccount(c.Request().Context(), memberId)
	if err != nil {
		zap.L().Warn("adminapi: placement callback without matching integration",
			zap.String("member_id", memberId),
			zap.String("placement", placement))
		return c.String(http.StatusOK, placementAck)
	}

	svc.HandlePlacement(c.Request().Context(), integ, opts)
	return c.String(http.StatusOK, placementAck)
}
