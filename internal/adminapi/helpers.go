// Package adminapi implements the REST and realtime endpoints exposed to
// the dashboard and tenant automation tools.
package adminapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/internal/webserver"
	"gorm.io/gorm"
)

// InitRouter registers every handler group. Call after webserver.Init.
func InitRouter() {
	registerAuthRoutes()
	registerSessionRoutes()
	registerMessageRoutes()
	registerPolicyRoutes()
	registerWebhookRoutes()
	registerCreditRoutes()
	registerActivityRoutes()
	registerRealtimeRoutes()
}

// GetDB returns the request-scoped gorm handle.
func GetDB(c echo.Context) *gorm.DB {
	return webserver.GetDeps(c).App.DB()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, echo.Map{"code": "OK", "data": data})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, echo.Map{"code": code, "message": message, "detail": detail})
}

// failErr translates the error taxonomy into HTTP statuses, keeping the
// machine-readable kind as the response code.
func failErr(c echo.Context, err error) error {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindAlreadyExists:
		status = http.StatusConflict
	case errs.KindSessionNotReady:
		status = http.StatusConflict
	case errs.KindUnauthorized:
		status = http.StatusUnauthorized
	case errs.KindInsufficientCredits:
		status = http.StatusPaymentRequired
	case errs.KindInvalidArgument:
		status = http.StatusBadRequest
	case errs.KindAuthFailed:
		status = http.StatusUnauthorized
	}
	return fail(c, status, string(kind), err.Error(), nil)
}

func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return ok(c, echo.Map{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func parsePagination(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page <= 0 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 40
	}
	return page, pageSize
}

// bearerToken extracts the Authorization bearer credential, if any.
func bearerToken(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
