package adminapi

import (
	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/webserver"
)

func listActivity(c echo.Context) error {
	page, pageSize := parsePagination(c)
	deps := webserver.GetDeps(c)
	rows, total, err := deps.Recorder.List(activity.Query{
		TenantID:  c.QueryParam("tenant_id"),
		SessionID: c.QueryParam("session_id"),
		Kind:      c.QueryParam("kind"),
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, rows, total, page, pageSize)
}

func registerActivityRoutes() {
	webserver.ApiGET("/activity", listActivity)
}
