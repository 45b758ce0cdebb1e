package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/chatlinehq/crmbridge/internal/bitrix"
	"github.com/chatlinehq/crmbridge/internal/connector"
	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/internal/webserver"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

func registerSetupRoutes() {
	webserver.ApiPOST("/crm/setup", handleSetupAction)
	webserver.ApiGET("/crm/setup", handleSetupAction)
}

// Dispatcher actions.
const (
	actionActivateLine     = "activate_line"
	actionAutoSetup        = "auto_setup"
	actionDiagnose         = "diagnose"
	actionCleanDuplicates  = "clean_duplicates"
	actionRefreshToken     = "refresh_token"
	actionCheckStatus      = "check_status"
	actionListEvents       = "list_events"
	actionCleanupEvents    = "cleanup_events"
	actionRebindEvents     = "rebind_events"
	actionRebindPlacements = "rebind_placements"
	actionForceActivate    = "force_activate"
)

type setupRequest struct {
	Action        string `json:"action" form:"action" query:"action"`
	TenantId      string `json:"tenant_id" form:"tenant_id" query:"tenant_id"`
	IntegrationId string `json:"integration_id" form:"integration_id" query:"integration_id"`
	Line          int    `json:"line" form:"line" query:"line"`
	Endpoint      string `json:"endpoint" form:"endpoint" query:"endpoint"`
	AutoFix       bool   `json:"auto_fix" form:"auto_fix" query:"auto_fix"`
}

// setupResponse is the uniform dispatch envelope.
type setupResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleSetupAction maps one inbound action to exactly one lifecycle
// operation. Every outcome, including failure, comes back in the uniform
// envelope; the dispatcher itself never crashes on a bad integration.
func handleSetupAction(c echo.Context) error {
	svc := connector.Get()
	if svc == nil {
		return fail(c, http.StatusServiceUnavailable, "CRM_NOT_INITIALIZED", "CRM connector service not initialized", nil)
	}

	var req setupRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if req.Action == "" {
		req.Action = c.QueryParam("action")
	}
	if req.Action == "" {
		return fail(c, http.StatusBadRequest, "MISSING_ACTION", "action is required", nil)
	}

	integ, err := resolveIntegration(c, &req)
	if err != nil {
		return fail(c, http.StatusNotFound, "INTEGRATION_NOT_FOUND", "No matching integration", err.Error())
	}
	if req.Line <= 0 {
		req.Line = settingsDefaultLine()
	}

	oplog(c, req.Action, fmt.Sprintf("integration=%d line=%d", integ.ID, req.Line))

	ctx := c.Request().Context()
	resp := dispatch(ctx, svc, integ, &req)
	return c.JSON(http.StatusOK, resp)
}

// settingsDefaultLine reads the crm.DefaultLine system setting, the line
// used when an activation request omits one. Zero when unset.
func settingsDefaultLine() int {
	db := webserver.DB()
	if db == nil {
		return 0
	}
	var row domain.SysConfig
	if err := db.Where("type = ? and name = ?", "crm", "DefaultLine").First(&row).Error; err != nil {
		return 0
	}
	return cast.ToInt(row.Value)
}

func resolveIntegration(c echo.Context, req *setupRequest) (*domain.Integration, error) {
	svc := connector.Get()
	ctx := c.Request().Context()
	if req.IntegrationId != "" {
		id, err := strconv.ParseInt(req.IntegrationId, 10, 64)
		if err != nil {
			return nil, errors.New("invalid integration_id")
		}
		return svc.Integrations().GetByID(ctx, id)
	}
	if req.TenantId != "" {
		return svc.Integrations().GetByTenant(ctx, req.TenantId)
	}
	return nil, errors.New("tenant_id or integration_id is required")
}

func dispatch(ctx context.Context, svc *connector.Service, integ *domain.Integration, req *setupRequest) setupResponse {
	switch req.Action {
	case actionActivateLine, actionForceActivate:
		if req.Line <= 0 {
			return failure("line is required", nil)
		}
		force := req.Action == actionForceActivate
		result, err := svc.Orchestrator().ActivateLine(ctx, integ, req.Line, req.Endpoint, force)
		if err != nil {
			return failureErr(err, result)
		}
		if !result.Succeeded() {
			// partial progress, not a bare failure: callers must see which
			// sub-steps went through
			return setupResponse{
				Success: false,
				Message: fmt.Sprintf("line %d not confirmed active yet, re-diagnose later", req.Line),
				Details: result,
			}
		}
		return success(fmt.Sprintf("line %d active", req.Line), result)

	case actionAutoSetup:
		result, err := svc.Orchestrator().ActivateAllLines(ctx, integ)
		if err != nil {
			return failureErr(err, result)
		}
		msg := fmt.Sprintf("%d of %d lines active", result.ActiveLines, len(result.Lines))
		if result.Success {
			return success(msg, result)
		}
		return setupResponse{Success: false, Message: msg, Details: result}

	case actionDiagnose:
		report, err := svc.Diagnostics().Diagnose(ctx, integ, req.Line, req.AutoFix)
		if err != nil {
			return failureErr(err, report)
		}
		if report.Healthy() {
			return success("healthy", report)
		}
		return setupResponse{Success: false, Message: "issues found", Details: report}

	case actionCleanDuplicates:
		report, err := svc.Diagnostics().CleanDuplicateConnectors(ctx, integ)
		if err != nil {
			return failureErr(err, report)
		}
		return success(fmt.Sprintf("%d duplicate connectors removed", len(report.Removed)), report)

	case actionRefreshToken:
		expiry, err := svc.RefreshToken(ctx, integ)
		if err != nil {
			return failureErr(err, nil)
		}
		return success("token refreshed", map[string]interface{}{"expiry": expiry})

	case actionCheckStatus:
		if req.Line <= 0 {
			return failure("line is required", nil)
		}
		st, err := svc.CheckStatus(ctx, integ, req.Line)
		if err != nil {
			return failureErr(err, nil)
		}
		return success("status read", st)

	case actionListEvents:
		sess, err := svc.Orchestrator().Session(ctx, integ)
		if err != nil {
			return failureErr(err, nil)
		}
		bindings, err := svc.Events().ListOwned(ctx, sess)
		if err != nil {
			return failureErr(err, nil)
		}
		return success(fmt.Sprintf("%d bound events", len(bindings)), bindings)

	case actionCleanupEvents:
		sess, err := svc.Orchestrator().Session(ctx, integ)
		if err != nil {
			return failureErr(err, nil)
		}
		removed, err := svc.Events().CleanupDuplicates(ctx, sess)
		if err != nil {
			return failureErr(err, removed)
		}
		return success(fmt.Sprintf("%d duplicate bindings removed", len(removed)), removed)

	case actionRebindEvents:
		sess, err := svc.Orchestrator().Session(ctx, integ)
		if err != nil {
			return failureErr(err, nil)
		}
		changed, err := svc.Events().RebindAll(ctx, sess)
		if err != nil {
			return failureErr(err, changed)
		}
		return success("events rebound to current endpoint", changed)

	case actionRebindPlacements:
		if err := svc.RebindPlacements(ctx, integ); err != nil {
			return failureErr(err, nil)
		}
		return success("placements rebound", nil)

	default:
		return failure("unknown action: "+req.Action, nil)
	}
}

func success(message string, details interface{}) setupResponse {
	return setupResponse{Success: true, Message: message, Details: details}
}

func failure(message string, details interface{}) setupResponse {
	return setupResponse{Success: false, Message: message, Details: details}
}

// failureErr renders an operation error, attaching the actionable hint for
// credential problems.
func failureErr(err error, details interface{}) setupResponse {
	msg := err.Error()
	if errors.Is(err, bitrix.ErrNoCredential) {
		msg = "credential missing or rejected, reinstall may be required"
	}
	zap.L().Warn("adminapi: setup action failed", zap.Error(err))
	return setupResponse{Success: false, Message: msg, Details: details}
}
