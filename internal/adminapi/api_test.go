package adminapi

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/credits"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/moderation"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/internal/sessiond"
	"github.com/talkincode/toughgate/internal/transport/transporttest"
	"github.com/talkincode/toughgate/internal/webhook"
	"github.com/talkincode/toughgate/internal/webserver"
	"github.com/talkincode/toughgate/pkg/common"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

type apiFixture struct {
	srv  *webserver.WebServer
	fake *transporttest.FakeAdapter
	db   *gorm.DB
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(domain.Tables...))

	a := app.NewTestApplication(config.DefaultAppConfig, db)
	fake := transporttest.NewFake()
	pipe := pipeline.New(fake)
	t.Cleanup(pipe.Close)
	rec := activity.NewRecorder(a, pipe)
	sessions := sessiond.NewManager(a, fake, pipe, rec)

	hash, err := common.HashPassword("s3cret")
	require.NoError(t, err)
	require.NoError(t, db.Create(&domain.SysOpr{
		ID: 1, Username: "admin", Password: hash,
		Level: "super", Status: common.ENABLED,
	}).Error)

	srv := webserver.Init(&webserver.Deps{
		App:      a,
		Sessions: sessions,
		Pipe:     pipe,
		Policies: moderation.NewStore(a),
		Webhooks: webhook.NewStore(a),
		Ledger:   credits.NewLedger(a),
		Recorder: rec,
	})
	InitRouter()
	return &apiFixture{srv: srv, fake: fake, db: db}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, jsonit.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echoHeaderContentType, "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(w, req)

	var decoded map[string]interface{}
	_ = jsonit.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

const echoHeaderContentType = "Content-Type"

func (f *apiFixture) login(t *testing.T) string {
	t.Helper()
	w, body := f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	return data["token"].(string)
}

func TestLogin(t *testing.T) {
	f := newAPIFixture(t)

	token := f.login(t)
	assert.NotEmpty(t, token)

	w, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": "nobody", "password": "s3cret"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/sessions", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	w, body := f.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]string{"id": "s1", "tenant_id": "acme", "name": "support"})
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	sessionToken := data["token"].(string)
	assert.NotEmpty(t, sessionToken)

	// duplicate id conflicts
	w, _ = f.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]string{"id": "s1", "tenant_id": "acme"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/v1/sessions/s1/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/s1", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/sessions/s1", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// delete is idempotent over HTTP as well
	w, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/s1", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendMessageAuthAndReadiness(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	_, body := f.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]string{"id": "s1", "tenant_id": "acme"})
	sessionToken := body["data"].(map[string]interface{})["token"].(string)

	// wrong bearer
	w, _ := f.do(t, http.MethodPost, "/api/v1/messages/send", "bad-token",
		map[string]interface{}{"session_id": "s1", "to": "222@s.whatsapp.net", "content": "hi"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// authorized but still connecting
	w, _ = f.do(t, http.MethodPost, "/api/v1/messages/send", sessionToken,
		map[string]interface{}{"session_id": "s1", "to": "222@s.whatsapp.net", "content": "hi"})
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Eventually(t, func() bool { return f.fake.Connected("s1") }, time.Second, 10*time.Millisecond)
	f.fake.Handler().OnConnected("s1", "111@s.whatsapp.net")
	w, body = f.do(t, http.MethodPost, "/api/v1/messages/send", sessionToken,
		map[string]interface{}{"session_id": "s1", "to": "222@s.whatsapp.net", "content": "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, body["data"].(map[string]interface{})["correlation_id"])
	assert.Len(t, f.fake.Sent(), 1)

	// unknown session
	w, _ = f.do(t, http.MethodPost, "/api/v1/messages/send", sessionToken,
		map[string]interface{}{"session_id": "ghost", "to": "222@s.whatsapp.net", "content": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGroupPolicyEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	f.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]string{"id": "s1", "tenant_id": "acme"})

	w, _ := f.do(t, http.MethodPut, "/api/v1/sessions/s1/groups/g1@g.us/policy", token,
		map[string]interface{}{"is_active": true, "anti_link": true, "bad_words": "spam", "max_warnings": 3})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, http.MethodGet, "/api/v1/sessions/s1/groups/g1@g.us/policy", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	policy := body["data"].(map[string]interface{})
	assert.Equal(t, true, policy["anti_link"])
	assert.EqualValues(t, 3, policy["max_warnings"])

	w, _ = f.do(t, http.MethodGet, "/api/v1/sessions/s1/groups/unknown/policy", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/s1/groups/g1@g.us/policy", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/v1/sessions/s1/groups/g1@g.us/policy", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreditEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/credits/acme/topup", token,
		map[string]interface{}{"amount": 50})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := f.do(t, http.MethodGet, "/api/v1/credits/acme/balance", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 50, body["data"].(map[string]interface{})["balance"])

	w, _ = f.do(t, http.MethodPost, "/api/v1/credits/acme/topup", token,
		map[string]interface{}{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/v1/credits/acme/history", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["data"].(map[string]interface{})["total"])
}

func TestWebhookEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	f.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]string{"id": "s1", "tenant_id": "acme"})

	w, body := f.do(t, http.MethodPost, "/api/v1/sessions/s1/webhooks", token,
		map[string]interface{}{"url": "https://hooks.example.com/in", "event_types": []string{"message_received"}})
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.NotEmpty(t, data["secret"])
	id := data["webhook"].(map[string]interface{})["id"].(string)

	w, body = f.do(t, http.MethodGet, "/api/v1/sessions/s1/webhooks", token, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/s1/webhooks/"+id, token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodDelete, "/api/v1/sessions/s1/webhooks/"+id, token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// invalid event names are rejected
	w, _ = f.do(t, http.MethodPost, "/api/v1/sessions/s1/webhooks", token,
		map[string]interface{}{"url": "https://hooks.example.com/in", "event_types": []string{"everything"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestActivityEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	token := f.login(t)

	f.do(t, http.MethodPost, "/api/v1/sessions", token,
		map[string]string{"id": "s1", "tenant_id": "acme"})

	w, body := f.do(t, http.MethodGet, "/api/v1/activity?session_id=s1", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.GreaterOrEqual(t, data["total"].(float64), float64(1))

	w, body = f.do(t, http.MethodGet, "/api/v1/activity?kind=no_such_kind", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["data"].(map[string]interface{})["total"])
}

func TestRealtimeRejectsMissingToken(t *testing.T) {
	f := newAPIFixture(t)

	w, _ := f.do(t, http.MethodGet, "/api/v1/realtime", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/realtime?token=garbage", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRealtimeRejectsForeignAlgorithm(t *testing.T) {
	f := newAPIFixture(t)

	// correctly signed, but with an algorithm the gateway never issues
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.MapClaims{
		"usr": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(config.DefaultAppConfig.Web.Secret))
	require.NoError(t, err)

	w, _ := f.do(t, http.MethodGet, "/api/v1/realtime?token="+tok, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
