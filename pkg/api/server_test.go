package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganger-platform/aigateway/pkg/config"
	"github.com/ganger-platform/aigateway/pkg/emergency"
	"github.com/ganger-platform/aigateway/pkg/gateway"
	"github.com/ganger-platform/aigateway/pkg/ledger"
	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/provider"
	"github.com/ganger-platform/aigateway/pkg/registry"
)

var testSecret = []byte("test-secret")

type echoProvider struct{}

func (echoProvider) Complete(_ context.Context, req models.ChatCompletionRequest) (*provider.Result, error) {
	return &provider.Result{
		Response: &models.ChatCompletionResponse{
			Model:   req.Model,
			Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: "Here you go."}}},
		},
		Usage: models.Usage{TotalTokens: 12},
	}, nil
}

func newTestServer(t *testing.T, secret string) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = secret
	cfg.Cache.Enabled = false
	cfg.Audit.DBPath = filepath.Join(t.TempDir(), "audit.db")

	now := time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	reg, err := registry.New(cfg.Models, cfg.Selection)
	require.NoError(t, err)
	l := ledger.New(ledger.NewMemory(), ledger.WithClock(clock))
	t.Cleanup(func() { l.Close() })

	gw, err := gateway.New(gateway.Deps{
		Config:    cfg,
		Registry:  reg,
		Ledger:    l,
		Provider:  echoProvider{},
		Emergency: emergency.New(cfg.Emergency, cfg.PlatformDailyBudget, emergency.WithClock(clock)),
		Clock:     clock,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(New(cfg, gw, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func token(t *testing.T, app, role string) string {
	t.Helper()
	tok, err := GenerateToken(app, role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, srv *httptest.Server, method, path, tok string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func chatBody(app, content string) map[string]any {
	return map[string]any{
		"app":      app,
		"use_case": "document_processing",
		"messages": []map[string]string{{"role": "user", "content": content}},
	}
}

func TestChatDevMode(t *testing.T) {
	srv := newTestServer(t, "")
	resp, out := do(t, srv, http.MethodPost, "/v1/chat", "", chatBody("handouts", "Format the sunscreen handout"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])

	data := out["data"].(map[string]any)
	assert.Equal(t, "llama-3.2-11b-vision-instruct", data["model"])
	assert.Equal(t, "Here you go.", data["content"])
}

func TestChatRequiresToken(t *testing.T) {
	srv := newTestServer(t, string(testSecret))

	resp, out := do(t, srv, http.MethodPost, "/v1/chat", "", chatBody("handouts", "hello"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", out["error"].(map[string]any)["code"])

	resp, _ = do(t, srv, http.MethodPost, "/v1/chat", "garbage", chatBody("handouts", "hello"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatChargesTokenApp(t *testing.T) {
	srv := newTestServer(t, string(testSecret))
	tok := token(t, "handouts", RoleApp)

	resp, _ := do(t, srv, http.MethodPost, "/v1/chat", tok, chatBody("", "Format the sunscreen handout"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodPost, "/v1/chat", tok, chatBody("inventory", "Format the sunscreen handout"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := do(t, srv, http.MethodGet, "/v1/usage", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "handouts", out["app"])
	assert.EqualValues(t, 1, out["requests"])

	resp, out = do(t, srv, http.MethodGet, "/v1/usage/inventory", tok, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "AUTHENTICATION_REQUIRED", out["error"].(map[string]any)["code"])
}

func TestChatRateLimitStatus(t *testing.T) {
	srv := newTestServer(t, "")
	for i := 0; i < 15; i++ {
		resp, _ := do(t, srv, http.MethodPost, "/v1/chat", "", chatBody("handouts", "Format the sunscreen handout"))
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}
	resp, out := do(t, srv, http.MethodPost, "/v1/chat", "", chatBody("handouts", "Format the sunscreen handout"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", out["error"].(map[string]any)["code"])
}

func TestSafetyCheck(t *testing.T) {
	srv := newTestServer(t, "")
	resp, out := do(t, srv, http.MethodPost, "/v1/safety/check", "", map[string]string{"content": "My number is 123-45-6789"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["blocked"])
	assert.Equal(t, true, out["contains_phi"])

	resp, _ = do(t, srv, http.MethodPost, "/v1/chat", "", chatBody("handouts", "My number is 123-45-6789"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestEmergencyRequiresAdmin(t *testing.T) {
	srv := newTestServer(t, string(testSecret))
	app := token(t, "handouts", RoleApp)
	admin := token(t, "platform-dashboard", RoleAdmin)

	resp, out := do(t, srv, http.MethodPost, "/v1/emergency/stop", app, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "AUTHENTICATION_REQUIRED", out["error"].(map[string]any)["code"])

	resp, out = do(t, srv, http.MethodPost, "/v1/emergency/stop", admin, map[string]string{"reason": "drill"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "suspended", out["mode"])
	assert.Equal(t, "drill", out["reason"])

	resp, out = do(t, srv, http.MethodPost, "/v1/chat", app, chatBody("", "Format the sunscreen handout"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "EMERGENCY_STOP", out["error"].(map[string]any)["code"])

	resp, out = do(t, srv, http.MethodPost, "/v1/emergency/resume", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "normal", out["mode"])

	resp, _ = do(t, srv, http.MethodPost, "/v1/chat", app, chatBody("", "Format the sunscreen handout"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModelsAndHealth(t *testing.T) {
	srv := newTestServer(t, "")
	resp, out := do(t, srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out["models"], len(config.DefaultModels()))

	resp, out = do(t, srv, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "normal", out["mode"])
}

func TestStatusFor(t *testing.T) {
	tests := map[models.Code]int{
		models.CodeAuthenticationRequired: http.StatusUnauthorized,
		models.CodeRateLimitExceeded:      http.StatusTooManyRequests,
		models.CodeBudgetExceeded:         http.StatusPaymentRequired,
		models.CodeSafetyViolation:        http.StatusUnprocessableEntity,
		models.CodeModelUnavailable:       http.StatusServiceUnavailable,
		models.CodeEmergencyStop:          http.StatusServiceUnavailable,
		models.CodeNetworkError:           http.StatusBadGateway,
		models.CodeTimeoutError:           http.StatusGatewayTimeout,
		models.CodeInvalidRequest:         http.StatusBadRequest,
		models.CodeUnknownError:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestValidateToken(t *testing.T) {
	tok := token(t, "handouts", RoleApp)
	c, err := ValidateToken(tok, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "handouts", c.App)
	assert.Equal(t, RoleApp, c.Role)

	_, err = ValidateToken(tok, []byte("other"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := GenerateToken("handouts", RoleApp, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired, testSecret)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = GenerateToken("handouts", RoleApp, nil, time.Hour)
	assert.Error(t, err)
}
