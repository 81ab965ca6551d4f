package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/credits"
	"github.com/talkincode/toughgate/internal/webserver"
)

func getCreditBalance(c echo.Context) error {
	deps := webserver.GetDeps(c)
	balance, err := deps.Ledger.Balance(c.Param("tenant"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"tenant_id": c.Param("tenant"), "balance": balance})
}

func getCreditHistory(c echo.Context) error {
	page, pageSize := parsePagination(c)
	deps := webserver.GetDeps(c)
	rows, total, err := deps.Ledger.History(c.Param("tenant"), page, pageSize)
	if err != nil {
		return failErr(c, err)
	}
	return paged(c, rows, total, page, pageSize)
}

type topUpRequest struct {
	Amount int64  `json:"amount" form:"amount"`
	Reason string `json:"reason" form:"reason"`
}

// topUpCredits is the operator-side balance adjustment.
func topUpCredits(c echo.Context) error {
	var req topUpRequest
	if err := c.Bind(&req); err != nil || req.Amount <= 0 {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "a positive amount is required", nil)
	}
	if req.Reason == "" {
		req.Reason = credits.ReasonTopUp
	}
	deps := webserver.GetDeps(c)
	balance, err := deps.Ledger.Credit(c.Param("tenant"), req.Amount, req.Reason)
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"tenant_id": c.Param("tenant"), "balance": balance})
}

func registerCreditRoutes() {
	webserver.ApiGET("/credits/:tenant/balance", getCreditBalance)
	webserver.ApiGET("/credits/:tenant/history", getCreditHistory)
	webserver.ApiPOST("/credits/:tenant/topup", topUpCredits)
}
