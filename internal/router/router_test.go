package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type okRedis struct{ redis.Cmdable }

func (okRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "ping")
	cmd.SetVal("PONG")
	return cmd
}

type noSessions struct{}

func (noSessions) Len() int { return 0 }

func setup(t *testing.T) (http.Handler, *service.AuthService) {
	t.Helper()
	cfg := &config.Config{GinMode: "test", JWTSecret: "router-test-secret"}
	auth := service.NewAuthService(cfg)
	log := zerolog.Nop()

	handlers := &Handlers{
		Attempt: handler.NewAttemptHandler(nil, log),
		WS:      handler.NewWSHandler(nil, log, nil),
		Monitor: handler.NewMonitorHandler(nil, nil, nil, nil, log),
		System:  handler.NewSystemHandler(okPinger{}, okRedis{}, noSessions{}, log),
	}
	return SetupRouter(auth, handlers, middleware.NewRateLimiter(30, time.Minute), cfg), auth
}

func serve(r http.Handler, req *http.Request) (*httptest.ResponseRecorder, response.Response) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHealthCarriesRequestID(t *testing.T) {
	r, _ := setup(t)

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(response.HeaderRequestID))
	assert.Equal(t, w.Header().Get(response.HeaderRequestID), body.Metadata.RequestID)
}

func TestCandidateRoutesRequireCandidateToken(t *testing.T) {
	r, auth := setup(t)
	path := "/api/v1/candidate/attempts/" + "8a4f1c1e-3b0e-4d7a-9c57-0f3f5e6b8c11"

	w, body := serve(r, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, response.ErrTokenRequired, body.Error.Code)

	token, err := auth.IssueToken("examiner-1", service.RoleExaminer, "", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)

	w, body = serve(r, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, response.ErrCandidateAccessOnly, body.Error.Code)
}

func TestExaminerRoutesRejectCandidates(t *testing.T) {
	r, auth := setup(t)

	token, err := auth.IssueToken("cand-1", service.RoleCandidate, "", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/examiner/attempts/x/terminate", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	w, body := serve(r, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, response.ErrExaminerAccessOnly, body.Error.Code)
}

func TestStreamRequiresQueryToken(t *testing.T) {
	r, auth := setup(t)

	token, err := auth.IssueToken("cand-1", service.RoleCandidate, "", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/ws/v1/candidate/attempts/x/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	w, body := serve(r, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, response.ErrTokenRequired, body.Error.Code)
}
