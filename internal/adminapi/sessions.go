package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/webserver"
)

type createSessionRequest struct {
	ID        string `json:"id" form:"id"`
	TenantID  string `json:"tenant_id" form:"tenant_id"`
	Name      string `json:"name" form:"name"`
	PhoneHint string `json:"phone_hint" form:"phone_hint"`
}

// createSession allocates a session and starts connecting in the
// background; the response carries the one-time bearer token for the
// message API.
func createSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "malformed request body", nil)
	}
	deps := webserver.GetDeps(c)
	row, err := deps.Sessions.Create(c.Request().Context(), req.TenantID, req.ID, req.Name, req.PhoneHint)
	if err != nil {
		return failErr(c, err)
	}
	// welcome bonus is idempotent per tenant
	if err := deps.Ledger.GrantWelcome(req.TenantID); err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"session": row, "token": row.Token})
}

func listSessions(c echo.Context) error {
	deps := webserver.GetDeps(c)
	rows, err := deps.Sessions.List(c.QueryParam("tenant_id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, rows)
}

func getSession(c echo.Context) error {
	deps := webserver.GetDeps(c)
	row, err := deps.Sessions.Get(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, row)
}

func deleteSession(c echo.Context) error {
	deps := webserver.GetDeps(c)
	if err := deps.Sessions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"id": c.Param("id")})
}

// getSessionStatus reports the live registry status, falling back to the
// persisted record for terminal sessions.
func getSessionStatus(c echo.Context) error {
	deps := webserver.GetDeps(c)
	status, err := deps.Sessions.Status(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"id": c.Param("id"), "status": status})
}

// getSessionQR returns the pending QR challenge string; the dashboard
// renders the image client-side.
func getSessionQR(c echo.Context) error {
	deps := webserver.GetDeps(c)
	code, err := deps.Sessions.RequestQR(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"id": c.Param("id"), "qr": code})
}

type pairingRequest struct {
	Phone string `json:"phone" form:"phone"`
}

func requestPairingCode(c echo.Context) error {
	var req pairingRequest
	if err := c.Bind(&req); err != nil || req.Phone == "" {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "phone is required", nil)
	}
	deps := webserver.GetDeps(c)
	code, err := deps.Sessions.RequestPairingCode(c.Request().Context(), c.Param("id"), req.Phone)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"id": c.Param("id"), "pairing_code": code})
}

func registerSessionRoutes() {
	webserver.ApiPOST("/sessions", createSession)
	webserver.ApiGET("/sessions", listSessions)
	webserver.ApiGET("/sessions/:id", getSession)
	webserver.ApiDELETE("/sessions/:id", deleteSession)
	webserver.ApiGET("/sessions/:id/status", getSessionStatus)
	webserver.ApiGET("/sessions/:id/qr", getSessionQR)
	webserver.ApiPOST("/sessions/:id/pairing-code", requestPairingCode)
}
