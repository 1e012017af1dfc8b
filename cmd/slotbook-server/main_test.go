package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/slotbook/internal/config"
	"github.com/slotbook/slotbook/internal/platform/auth"
	"github.com/slotbook/slotbook/internal/platform/webhook"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                  "test",
		AuthMode:             config.AuthModeDevelopment,
		StoreBackend:         config.BackendMemory,
		RedisChannel:         "slotbook.bookings",
		CORSOrigins:          []string{"*"},
		RateLimitRPS:         100,
		RateLimitBurst:       100,
		BodyLimit:            "1M",
		RequestTimeout:       5 * time.Second,
		BookingOpTimeout:     time.Second,
		CancellationLeadTime: time.Hour,
		DefaultSlotCapacity:  1,
		MaxGenerationDays:    180,
		MeetingBaseURL:       "https://meet.example.com/r",
	}
}

type caller struct {
	id, email, roles string
}

var (
	specialist = caller{"sp-1", "sp@example.com", auth.RoleSpecialist}
	customer   = caller{"cu-1", "cu@example.com", auth.RoleCustomer}
)

func do(t *testing.T, e *echo.Echo, who caller, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if who.id != "" {
		req.Header.Set("X-User-ID", who.id)
		req.Header.Set("X-User-Email", who.email)
		req.Header.Set("X-User-Roles", who.roles)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestServer_BookingFlow(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	e := a.router()

	date := time.Now().UTC().AddDate(0, 0, 10).Format("2006-01-02")
	rec, body := do(t, e, specialist, http.MethodPost, "/api/v1/slots", map[string]any{
		"date": date, "startTime": "09:00", "endTime": "10:00", "totalCapacity": 1, "timezone": "UTC",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	slotID := body["slot"].(map[string]any)["id"].(string)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec, body = do(t, e, customer, http.MethodPost, "/api/v1/slots/"+slotID+"/book", map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bookingID := body["data"].(map[string]any)["booking_id"].(string)

	rec, _ = do(t, e, caller{"cu-2", "", auth.RoleCustomer}, http.MethodPost, "/api/v1/slots/"+slotID+"/book", map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The sync bus has run the meeting subscriber by now.
	rec, body = do(t, e, specialist, http.MethodGet, "/api/v1/slots/"+slotID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	bookings := body["slot"].(map[string]any)["bookings"].([]any)
	require.Len(t, bookings, 1)
	ref, _ := bookings[0].(map[string]any)["meeting_ref"].(string)
	assert.True(t, strings.HasPrefix(ref, "https://meet.example.com/r/"), ref)

	sent := a.notifier.ListByRecipient(context.Background(), "cu@example.com", 10)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, bookingID)
	assert.Len(t, a.notifier.ListByRecipient(context.Background(), "sp@example.com", 10), 1)

	rec, _ = do(t, e, customer, http.MethodPost, "/api/v1/slots/"+slotID+"/cancel", map[string]any{"reason": "conflict"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, a.notifier.ListByRecipient(context.Background(), "cu@example.com", 10), 2)

	rec, _ = do(t, e, caller{"cu-2", "", auth.RoleCustomer}, http.MethodPost, "/api/v1/slots/"+slotID+"/book", map[string]any{})
	assert.Equal(t, http.StatusCreated, rec.Code, "a freed seat can be rebooked")
}

func TestServer_HealthMetricsAndErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	e := a.router()

	rec, body := do(t, e, caller{}, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["checks"], "redis")

	// Anonymous dev callers are admins; customers cannot reach admin routes.
	rec, _ = do(t, e, customer, http.MethodPost, "/api/v1/slots", map[string]any{})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, body = do(t, e, customer, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = do(t, e, customer, http.MethodPost, "/api/v1/slots/"+"00000000-0000-0000-0000-000000000001/book", map[string]any{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))

	rec, _ = do(t, e, caller{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "slotbook_booking_attempts_total")
}

func TestServer_JWTMode(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeJWT
	cfg.AuthSigningKey = strings.Repeat("s", 32)
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	e := a.router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok, err := auth.SignToken(a.jwtConfig(), auth.Principal{ID: "sp-1", Roles: []string{auth.RoleSpecialist}}, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNewApp_BadMeetingURL(t *testing.T) {
	cfg := testConfig()
	cfg.MeetingBaseURL = "not a url"
	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestServer_WebhookDelivery(t *testing.T) {
	var (
		mu    sync.Mutex
		types []string
	)
	hooks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !webhook.VerifySignature(body, "hook-secret", r.Header.Get(webhook.HeaderSignature)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		mu.Lock()
		types = append(types, r.Header.Get(webhook.HeaderEventType))
		mu.Unlock()
	}))
	defer hooks.Close()

	cfg := testConfig()
	cfg.WebhookURLs = []string{hooks.URL}
	cfg.WebhookSecret = "hook-secret"
	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	e := a.router()

	date := time.Now().UTC().AddDate(0, 0, 10).Format("2006-01-02")
	rec, body := do(t, e, specialist, http.MethodPost, "/api/v1/slots", map[string]any{
		"date": date, "startTime": "11:00", "endTime": "12:00", "totalCapacity": 2, "timezone": "UTC",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	slotID := body["slot"].(map[string]any)["id"].(string)

	rec, _ = do(t, e, customer, http.MethodPost, "/api/v1/slots/"+slotID+"/book", map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec, _ = do(t, e, customer, http.MethodPost, "/api/v1/slots/"+slotID+"/cancel", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"consulting.booking.created.v1", "consulting.booking.cancelled.v1"}, types)
}

func TestNewApp_BadWebhookURL(t *testing.T) {
	cfg := testConfig()
	cfg.WebhookURLs = []string{"ftp://hooks.example"}
	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestRootCmd_Commands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "generate", "token"} {
		assert.True(t, names[want], want)
	}
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("AUTH_SIGNING_KEY", strings.Repeat("k", 32))
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--sub", "sp-1", "--roles", "specialist"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out.String()), "."))

	cmd = rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"token"})
	assert.Error(t, cmd.Execute())
}
