package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/chatlinehq/crmbridge/internal/domain"
	"github.com/chatlinehq/crmbridge/internal/webserver"
	"github.com/chatlinehq/crmbridge/pkg/metrics"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
)

func registerSystemRoutes() {
	webserver.ApiGET("/system/config", listSysConfig)
	webserver.ApiPOST("/system/config", saveSysConfig)
	webserver.ApiGET("/system/oplog", listOprLog)
	webserver.ApiGET("/system/metrics", querySystemMetrics)
}

func listSysConfig(c echo.Context) error {
	var rows []domain.SysConfig
	query := GetDB(c).Model(&domain.SysConfig{}).Order("sort")
	if ctype := c.QueryParam("type"); ctype != "" {
		query = query.Where("type = ?", ctype)
	}
	if err := query.Find(&rows).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "Unable to read configuration", err.Error())
	}
	return ok(c, rows)
}

func saveSysConfig(c echo.Context) error {
	var form struct {
		Type  string `json:"type" form:"type"`
		Name  string `json:"name" form:"name"`
		Value string `json:"value" form:"value"`
	}
	if err := c.Bind(&form); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if form.Type == "" || form.Name == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "type and name are required", nil)
	}

	err := GetDB(c).Model(&domain.SysConfig{}).
		Where("type = ? AND name = ?", form.Type, form.Name).
		Update("value", form.Value).Error
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "Unable to save configuration", err.Error())
	}
	oplog(c, "save_config", form.Type+"."+form.Name)
	return ok(c, nil)
}

func listOprLog(c echo.Context) error {
	page, pageSize := parsePagination(c)

	query := GetDB(c).Model(&domain.SysOprLog{})
	if action := c.QueryParam("action"); action != "" {
		query = query.Where("opt_action = ?", action)
	}
	if name := c.QueryParam("opr_name"); name != "" {
		query = query.Where("opr_name = ?", name)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "Unable to count operation log", err.Error())
	}

	var rows []domain.SysOprLog
	err := query.Order("opt_time desc").
		Offset((page - 1) * pageSize).Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DB_ERROR", "Unable to read operation log", err.Error())
	}
	return paged(c, rows, total, page, pageSize)
}

// querySystemMetrics reads raw datapoints for one metric name from the
// embedded time-series store; defaults to the last 24 hours.
func querySystemMetrics(c echo.Context) error {
	name := c.QueryParam("name")
	if name == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
	}

	end := time.Now().Unix()
	start := end - 86400
	if v := c.QueryParam("start"); v != "" {
		start = cast.ToInt64(v)
	}
	if v := c.QueryParam("end"); v != "" {
		end = cast.ToInt64(v)
	}

	points, err := metrics.Select(name, start, end)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_ERROR", "Unable to read metrics", err.Error())
	}
	return ok(c, map[string]interface{}{
		"name":    name,
		"start":   strconv.FormatInt(start, 10),
		"end":     strconv.FormatInt(end, 10),
		"points":  points,
		"counter": metrics.CounterValue(name),
	})
}
