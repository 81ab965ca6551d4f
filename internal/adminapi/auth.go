package adminapi

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/webserver"
	"github.com/talkincode/toughgate/pkg/common"
	"go.uber.org/zap"
)

const tokenTTL = 24 * time.Hour

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// login authenticates a dashboard operator and issues a signed JWT.
func login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil || req.Username == "" || req.Password == "" {
		return fail(c, http.StatusBadRequest, "InvalidArgument", "username and password are required", nil)
	}

	deps := webserver.GetDeps(c)
	var opr domain.SysOpr
	err := deps.App.DB().Where("username = ? and status = ?", req.Username, common.ENABLED).
		First(&opr).Error
	if err != nil || !common.CheckPassword(opr.Password, req.Password) {
		zap.L().Warn("adminapi: login rejected", zap.String("username", req.Username))
		return fail(c, http.StatusUnauthorized, "Unauthorized", "invalid username or password", nil)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"uid":   opr.ID,
		"usr":   opr.Username,
		"level": opr.Level,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(deps.App.Config().Web.Secret))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "Internal", "token signing failed", nil)
	}

	db := deps.App.DB()
	db.Model(&domain.SysOpr{}).Where("id = ?", opr.ID).Update("last_login", now)
	db.Create(&domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   opr.Username,
		OprIp:     c.RealIP(),
		OptAction: "login",
		OptDesc:   "operator login",
		OptTime:   now,
	})

	return ok(c, echo.Map{
		"token":    token,
		"username": opr.Username,
		"level":    opr.Level,
		"expires":  now.Add(tokenTTL).Unix(),
	})
}

func registerAuthRoutes() {
	webserver.PubPOST("/auth/login", login)
}
