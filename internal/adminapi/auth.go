package adminapi

import (
	"net/http"
	"time"

	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/internal/webserver"
	"github.com/chatlinehq/crmbridge/pkg/common"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func registerAuthRoutes() {
	webserver.PubPOST("/login", postLogin)
}

// postLogin verifies operator credentials and issues the JWT used by the
// /api group middleware.
func postLogin(c echo.Context) error {
	var payload struct {
		Username string `json:"username" form:"username"`
		Password string `json:"password" form:"password"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if payload.Username == "" || payload.Password == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "username and password are required", nil)
	}

	var opr domain.SysOpr
	if err := GetDB(c).Where("username = ? AND status = ?", payload.Username, common.ENABLED).
		First(&opr).Error; err != nil {
		return fail(c, http.StatusUnauthorized, "AUTH_FAILED", "Invalid username or password", nil)
	}

	hashed := common.Sha256HashWithSalt(payload.Password, common.GetSecretSalt())
	if hashed != opr.Password {
		zap.L().Warn("adminapi: login rejected", zap.String("username", payload.Username))
		return fail(c, http.StatusUnauthorized, "AUTH_FAILED", "Invalid username or password", nil)
	}

	token, err := webserver.IssueToken(jwt.MapClaims{
		"username": opr.Username,
		"level":    opr.Level,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_FAILED", "Failed to issue token", err.Error())
	}

	_ = GetDB(c).Model(&domain.SysOpr{}).Where("id = ?", opr.ID).
		Update("last_login", time.Now()).Error

	return ok(c, map[string]interface{}{
		"token":    token,
		"username": opr.Username,
		"level":    opr.Level,
	})
}
