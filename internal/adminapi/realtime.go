package adminapi

import (
	"net/http"
	"sync"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/internal/webserver"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// realtimeFrame is the JSON envelope pushed on the websocket.
type realtimeFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type realtimeClient struct {
	frames chan realtimeFrame
}

var realtimeHub = struct {
	sync.Mutex
	once    sync.Once
	clients map[*realtimeClient]struct{}
}{clients: make(map[*realtimeClient]struct{})}

func realtimeBroadcast(frameType string) func(evt interface{}) {
	return func(evt interface{}) {
		frame := realtimeFrame{Type: frameType, Data: evt}
		realtimeHub.Lock()
		defer realtimeHub.Unlock()
		for cl := range realtimeHub.clients {
			select {
			case cl.frames <- frame:
			default:
				// slow consumer, drop the frame
			}
		}
	}
}

func realtimeAttach(pipe *pipeline.Pipeline) {
	realtimeHub.once.Do(func() {
		pipe.Subscribe(pipeline.TopicSessionStatus, realtimeBroadcast("session_status"))
		pipe.Subscribe(pipeline.TopicActivity, realtimeBroadcast("activity"))
		pipe.Subscribe(pipeline.TopicSessionDeleted, realtimeBroadcast("session_deleted"))
	})
}

// handleRealtime upgrades to a websocket and streams status, activity and
// deletion events. The operator JWT is passed as a token query parameter
// because browsers cannot set headers on websocket upgrades.
func handleRealtime(c echo.Context) error {
	deps := webserver.GetDeps(c)
	tokenStr := c.QueryParam("token")
	if tokenStr == "" {
		return fail(c, http.StatusUnauthorized, "Unauthorized", "missing token", nil)
	}
	secret := []byte(deps.App.Config().Web.Secret)
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return fail(c, http.StatusUnauthorized, "Unauthorized", "invalid token", nil)
	}

	realtimeAttach(deps.Pipe)

	websocket.Handler(func(ws *websocket.Conn) {
		defer ws.Close()
		cl := &realtimeClient{frames: make(chan realtimeFrame, 64)}
		realtimeHub.Lock()
		realtimeHub.clients[cl] = struct{}{}
		realtimeHub.Unlock()
		defer func() {
			realtimeHub.Lock()
			delete(realtimeHub.clients, cl)
			realtimeHub.Unlock()
		}()

		done := make(chan struct{})
		go func() {
			// drain the read side so we notice the peer going away
			defer close(done)
			var discard string
			for {
				if err := websocket.Message.Receive(ws, &discard); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case frame := <-cl.frames:
				if err := websocket.JSON.Send(ws, frame); err != nil {
					zap.L().Debug("realtime: send failed", zap.Error(err))
					return
				}
			case <-done:
				return
			}
		}
	}).ServeHTTP(c.Response(), c.Request())
	return nil
}

func registerRealtimeRoutes() {
	webserver.PubGET("/realtime", handleRealtime)
}
