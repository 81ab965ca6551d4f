// Package webserver hosts the echo HTTP server and the route registry the
// API handler packages register themselves into.
package webserver

import (
	"fmt"
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/credits"
	"github.com/talkincode/toughgate/internal/moderation"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/internal/sessiond"
	"github.com/talkincode/toughgate/internal/webhook"
	"go.uber.org/zap"
)

// Deps are the service singletons handlers reach through the request
// context.
type Deps struct {
	App      app.AppContext
	Sessions *sessiond.Manager
	Pipe     *pipeline.Pipeline
	Policies *moderation.Store
	Webhooks *webhook.Store
	Ledger   *credits.Ledger
	Recorder *activity.Recorder
}

const depsContextKey = "toughgate_deps"

type WebServer struct {
	appCtx app.AppContext
	root   *echo.Echo
	api    *echo.Group // operator endpoints behind JWT
	open   *echo.Group // login + session-token endpoints
}

var server *WebServer

// Init builds the server and injects Deps into every request. Handler
// packages register routes afterwards through ApiGET/PubPOST and friends.
func Init(deps *Deps) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI: true, LogStatus: true, LogMethod: true, LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("http request",
				zap.String("method", v.Method), zap.String("uri", v.URI),
				zap.Int("status", v.Status), zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(depsContextKey, deps)
			return next(c)
		}
	})

	open := e.Group("/api/v1")
	api := e.Group("/api/v1")
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(deps.App.Config().Web.Secret),
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, echo.Map{
				"code":    "Unauthorized",
				"message": "missing or invalid operator token",
			})
		},
	}))

	server = &WebServer{appCtx: deps.App, root: e, api: api, open: open}
	return server
}

// Listen blocks serving HTTP until the listener fails or is closed.
func (s *WebServer) Listen() error {
	cfg := s.appCtx.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	return s.root.Start(addr)
}

// Close shuts the listener down.
func (s *WebServer) Close() error {
	return s.root.Close()
}

// Echo exposes the underlying engine for tests.
func (s *WebServer) Echo() *echo.Echo {
	return s.root
}

// GetDeps resolves the injected service singletons from a request context.
func GetDeps(c echo.Context) *Deps {
	return c.Get(depsContextKey).(*Deps)
}

// Operator routes (JWT protected).

func ApiGET(path string, h echo.HandlerFunc)    { server.api.GET(path, h) }
func ApiPOST(path string, h echo.HandlerFunc)   { server.api.POST(path, h) }
func ApiPUT(path string, h echo.HandlerFunc)    { server.api.PUT(path, h) }
func ApiDELETE(path string, h echo.HandlerFunc) { server.api.DELETE(path, h) }

// Public routes (login, session-token message API, realtime).

func PubGET(path string, h echo.HandlerFunc)  { server.open.GET(path, h) }
func PubPOST(path string, h echo.HandlerFunc) { server.open.POST(path, h) }
