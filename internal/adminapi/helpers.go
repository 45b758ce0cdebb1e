package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/internal/webserver"
	"github.com/chatlinehq/crmbridge/pkg/common"
	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InitRouter registers every admin API and callback route. Call after
// webserver.Init.
func InitRouter() {
	registerAuthRoutes()
	registerSetupRoutes()
	registerIntegrationRoutes()
	registerSystemRoutes()
	registerCallbackRoutes()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": message,
		"detail":  detail,
	})
}

func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":      0,
		"data":      items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.QueryParam("page_size"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	return page, pageSize
}

// GetDB returns the request-scoped database handle.
func GetDB(c echo.Context) *gorm.DB {
	return webserver.DB().WithContext(c.Request().Context())
}

// oprName extracts the operator username from the verified JWT, empty for
// unauthenticated callback routes.
func oprName(c echo.Context) string {
	token, okTok := c.Get("user").(*jwt.Token)
	if !okTok {
		return ""
	}
	claims, okClaims := token.Claims.(jwt.MapClaims)
	if !okClaims {
		return ""
	}
	name, _ := claims["username"].(string)
	return name
}

// oplog records an operator-triggered lifecycle action.
func oplog(c echo.Context, action, desc string) {
	entry := domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   oprName(c),
		OprIp:     c.RealIP(),
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}
	if err := GetDB(c).Create(&entry).Error; err != nil {
		zap.L().Warn("adminapi: oplog write failed", zap.Error(err))
	}
}
