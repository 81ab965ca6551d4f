package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/webserver"
)

func listPolicies(c echo.Context) error {
	deps := webserver.GetDeps(c)
	rows, err := deps.Policies.ListPolicies(c.Param("id"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, rows)
}

func getPolicy(c echo.Context) error {
	deps := webserver.GetDeps(c)
	p, err := deps.Policies.Policy(c.Param("id"), c.Param("group"))
	if err != nil {
		return failErr(c, err)
	}
	return ok(c, p)
}

type policyRequest struct {
	IsActive           bool   `json:"is_active" form:"is_active"`
	AntiLink           bool   `json:"anti_link" form:"anti_link"`
	BadWords           string `json:"bad_words" form:"bad_words"`
	MaxWarnings        int    `json:"max_warnings" form:"max_warnings"`
	WarningResetDays   int    `json:"warning_reset_days" form:"warning_reset_days"`
	WarningTemplate    string `json:"warning_template" form:"warning_template"`
	WelcomeEnabled     bool   `json:"welcome_enabled" form:"welcome_enabled"`
	WelcomeTemplate    string `json:"welcome_template" form:"welcome_template"`
	AIAssistantEnabled bool   `json:"ai_assistant_enabled" form:"ai_assistant_enabled"`
}

// upsertPolicy creates or replaces the moderation configuration of one
// group under a session.
func upsertPolicy(c echo.Context) error {
	var req policyRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "malformed request body", nil)
	}
	deps := webserver.GetDeps(c)
	if _, err := deps.Sessions.Get(c.Param("id")); err != nil {
		return failErr(c, err)
	}
	p := &domain.GroupPolicy{
		SessionID:          c.Param("id"),
		GroupID:            c.Param("group"),
		IsActive:           req.IsActive,
		AntiLink:           req.AntiLink,
		BadWords:           req.BadWords,
		MaxWarnings:        req.MaxWarnings,
		WarningResetDays:   req.WarningResetDays,
		WarningTemplate:    req.WarningTemplate,
		WelcomeEnabled:     req.WelcomeEnabled,
		WelcomeTemplate:    req.WelcomeTemplate,
		AIAssistantEnabled: req.AIAssistantEnabled,
	}
	if err := deps.Policies.UpsertPolicy(p); err != nil {
		return failErr(c, err)
	}
	return ok(c, p)
}

func deletePolicy(c echo.Context) error {
	deps := webserver.GetDeps(c)
	if err := deps.Policies.DeletePolicy(c.Param("id"), c.Param("group")); err != nil {
		return failErr(c, err)
	}
	return ok(c, echo.Map{"group_id": c.Param("group")})
}

func registerPolicyRoutes() {
	webserver.ApiGET("/sessions/:id/groups", listPolicies)
	webserver.ApiGET("/sessions/:id/groups/:group/policy", getPolicy)
	webserver.ApiPUT("/sessions/:id/groups/:group/policy", upsertPolicy)
	webserver.ApiDELETE("/sessions/:id/groups/:group/policy", deletePolicy)
}
