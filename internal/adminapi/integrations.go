package adminapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/internal/webserver"
	"github.com/chatlinehq/crmbridge/pkg/common"
	"github.com/labstack/echo/v4"
)

func registerIntegrationRoutes() {
	webserver.ApiGET("/crm/integrations", listIntegrations)
	webserver.ApiGET("/crm/integrations/:id", getIntegration)
	webserver.ApiPOST("/crm/integrations/:id/disable", disableIntegration)
	webserver.ApiGET("/crm/integrations/:id/mappings", listIntegrationMappings)
	webserver.ApiDELETE("/crm/mappings/:id", deleteMapping)
}

// listIntegrations returns a paginated list of integrations
func listIntegrations(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db := GetDB(c).Model(&domain.Integration{})

	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		db = db.Where("LOWER(tenant_id) LIKE ? OR LOWER(endpoint) LIKE ?",
			"%"+strings.ToLower(q)+"%", "%"+strings.ToLower(q)+"%")
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query integrations", err.Error())
	}

	var rows []domain.Integration
	if err := db.Order("id DESC").Offset((page-1)*pageSize).Limit(pageSize).Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query integrations", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

// getIntegration returns one integration with its line mappings
func getIntegration(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid integration ID", nil)
	}

	var integ domain.Integration
	if err := GetDB(c).First(&integ, id).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Integration not found", nil)
	}

	var mappings []domain.ChannelMapping
	_ = GetDB(c).Where("integration_id = ?", id).Order("line_id").Find(&mappings).Error

	return ok(c, map[string]interface{}{
		"integration": integ,
		"mappings":    mappings,
	})
}

// disableIntegration soft-disables an integration; rows are never hard
// deleted while the tenant remains subscribed.
func disableIntegration(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid integration ID", nil)
	}

	res := GetDB(c).Model(&domain.Integration{}).Where("id = ?", id).
		Update("status", common.DISABLED)
	if res.Error != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to disable integration", res.Error.Error())
	}
	if res.RowsAffected == 0 {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Integration not found", nil)
	}

	oplog(c, "integration_disable", c.Param("id"))
	return ok(c, map[string]interface{}{"disabled": true})
}

// listIntegrationMappings returns all line mappings of one integration
func listIntegrationMappings(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid integration ID", nil)
	}

	var mappings []domain.ChannelMapping
	if err := GetDB(c).Where("integration_id = ?", id).Order("line_id").Find(&mappings).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query mappings", err.Error())
	}
	return ok(c, map[string]interface{}{"mappings": mappings})
}

// deleteMapping removes a line mapping; explicit operator action only.
func deleteMapping(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid mapping ID", nil)
	}

	res := GetDB(c).Delete(&domain.ChannelMapping{}, id)
	if res.Error != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete mapping", res.Error.Error())
	}
	if res.RowsAffected == 0 {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Mapping not found", nil)
	}

	oplog(c, "mapping_delete", c.Param("id"))
	return ok(c, map[string]interface{}{"deleted": true})
}
