package adminapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/webserver"
)

type createWebhookRequest struct {
	URL        string   `json:"url" form:"url"`
	EventTypes []string `json:"event_types" form:"event_types"`
}

// createWebhook registers a delivery endpoint. The signing secret is
// returned exactly once, in this response.
func createWebhook(c echo.Context) error {
	var req createWebhookRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "malformed request body", nil)
	}
	deps := webserver.GetDeps(c)
	if _, err := deps.Sessions.Get(c.Param("id")); err != nil {
		return failErr(c, err)
	}
	row, secret, err := deps.Webhooks.Create(c.Param("id"), req.URL, req.EventTypes)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"webhook": row, "secret": secret})
}

func listWebhooks(c echo.Context) error {
	deps := webserver.GetDeps(c)
	rows, err := deps.Webhooks.List(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, rows)
}

func deleteWebhook(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("wid"), 10, 64)
	if err != nil {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "invalid webhook id", nil)
	}
	deps := webserver.GetDeps(c)
	if err := deps.Webhooks.Delete(c.Param("id"), id); err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"id": id})
}

func registerWebhookRoutes() {
	webserver.ApiPOST("/sessions/:id/webhooks", createWebhook)
	webserver.ApiGET("/sessions/:id/webhooks", listWebhooks)
	webserver.ApiDELETE("/sessions/:id/webhooks/:wid", deleteWebhook)
}
