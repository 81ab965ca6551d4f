package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/webserver"
)

type sendMessageRequest struct {
	SessionID   string `json:"session_id" form:"session_id"`
	To          string `json:"to" form:"to"`
	ContentType string `json:"content_type" form:"content_type"`
	Content     string `json:"content" form:"content"`
	MediaURL    string `json:"media_url" form:"media_url"`
	FileName    string `json:"file_name" form:"file_name"`
	IsGroup     bool   `json:"is_group" form:"is_group"`
}

// sendMessage is the tenant-facing send API. Authentication is the
// per-session bearer token, not the operator JWT.
func sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "malformed request body", nil)
	}
	if req.SessionID == "" || req.To == "" {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "session_id and to are required", nil)
	}
	if req.ContentType == "" {
		req.ContentType = domain.ContentText
	}

	deps := webserver.GetDeps(c)
	row, err := deps.Sessions.Authorize(req.SessionID, bearerToken(c))
	if err != nil {
		return failErr(c, err)
	}

	evt := &domain.MessageEvent{
		RemoteID:    req.To,
		ContentType: req.ContentType,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		FileName:    req.FileName,
		IsGroup:     req.IsGroup,
	}
	if err := deps.Pipe.Send(c.Request().Context(), req.SessionID, evt); err != nil {
		deps.Recorder.Record(row.TenantID, req.SessionID, domain.ActivityMessageSend, req.To,
			false, "send failed: "+err.Error())
		return failErr(c, err)
	}
	deps.Recorder.Record(row.TenantID, req.SessionID, domain.ActivityMessageSend, req.To,
		true, req.ContentType+" message sent")
	return ok(c, echo.Map{
		"message_id":     evt.MessageID,
		"correlation_id": evt.CorrelationID,
		"timestamp":      evt.Timestamp,
	})
}

func registerMessageRoutes() {
	webserver.PubPOST("/messages/send", sendMessage)
}
