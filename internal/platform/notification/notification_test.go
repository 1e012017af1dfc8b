package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/slotbook/slotbook/internal/platform/auth"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []EmailMessage
	fail error
}

func (f *fakeSender) Send(_ context.Context, msg EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.fail
}

func (f *fakeSender) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeSender) messages() []EmailMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EmailMessage(nil), f.sent...)
}

func TestTemplateEngine_Render(t *testing.T) {
	eng := NewTemplateEngine()
	eng.Register(Template{ID: "t", Subject: "Hello {{name}}", Body: "code {{code}}, token {{token}}"})

	subject, body, err := eng.Render("t", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q", subject)
	}
	if body != "code 1234, token {{token}}" {
		t.Errorf("body = %q, missing keys should stay as placeholders", body)
	}

	if _, _, err := eng.Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template")
	}
}

func TestTemplateEngine_BuiltIns(t *testing.T) {
	eng := NewTemplateEngine()
	data := map[string]string{
		"booking_id": "b-1", "customer_name": "Ana", "date": "2025-03-17",
		"start_time": "09:00", "end_time": "10:00", "timezone": "UTC",
		"booked_count": "1", "total_capacity": "2", "reason": "sick",
	}
	for _, id := range []string{TplBookingConfirmed, TplBookingReceived, TplBookingCancelled, TplBookingCancelledSp} {
		subject, body, err := eng.Render(id, data)
		if err != nil {
			t.Errorf("%s: %v", id, err)
			continue
		}
		if strings.Contains(subject+body, "{{") {
			t.Errorf("%s left unrendered placeholders: %q / %q", id, subject, body)
		}
	}
}

func TestNotifier_SendTemplate(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, nil, zerolog.Nop())

	note, err := n.SendTemplate(context.Background(), TplBookingConfirmed, "ana@example.com", "Ana",
		map[string]string{"customer_name": "Ana", "date": "2025-03-17"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if note.Status != StatusSent || note.SentAt == nil || note.Attempts != 1 {
		t.Errorf("unexpected notification %+v", note)
	}
	msgs := sender.messages()
	if len(msgs) != 1 || msgs[0].To != "ana@example.com" || msgs[0].ToName != "Ana" {
		t.Fatalf("sender got %+v", msgs)
	}
	if msgs[0].Subject != "Your consultation on 2025-03-17 is booked" {
		t.Errorf("subject = %q", msgs[0].Subject)
	}

	got, err := n.Get(context.Background(), note.ID)
	if err != nil || got.ID != note.ID {
		t.Fatalf("get: %v %+v", err, got)
	}
	if _, err := n.Get(context.Background(), "missing"); err == nil {
		t.Error("expected not found")
	}
	if _, err := n.SendTemplate(context.Background(), "nope", "x@example.com", "", nil); err == nil {
		t.Error("expected unknown template error")
	}
}

func TestNotifier_FailureAndRetry(t *testing.T) {
	sender := &fakeSender{fail: errors.New("smtp down")}
	n := NewNotifier(sender, nil, zerolog.Nop())
	ctx := context.Background()

	note, err := n.SendTemplate(ctx, TplBookingCancelled, "ana@example.com", "", nil)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if note == nil || note.Status != StatusFailed || note.Error != "smtp down" {
		t.Fatalf("failed send should be recorded: %+v", note)
	}

	if _, err := n.Retry(ctx, note.ID); err == nil {
		t.Fatal("retry while still failing should error")
	}
	sender.setFail(nil)
	retried, err := n.Retry(ctx, note.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != StatusSent || retried.Attempts != 3 || retried.Error != "" {
		t.Errorf("after retry: %+v", retried)
	}
	if _, err := n.Retry(ctx, note.ID); err == nil {
		t.Error("retrying a sent notification should fail")
	}
	if _, err := n.Retry(ctx, "missing"); err == nil {
		t.Error("retrying unknown id should fail")
	}
}

func TestNotifier_ListStatsAndHistory(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, nil, zerolog.Nop())
	n.history = 3
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		to := "a@example.com"
		if i%2 == 1 {
			to = "b@example.com"
		}
		if _, err := n.SendTemplate(ctx, TplBookingConfirmed, to, "", map[string]string{"date": fmt.Sprint(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	list := n.ListByRecipient(ctx, "A@example.com", 10)
	if len(list) != 1 {
		t.Fatalf("oldest entry should have been evicted, got %d for a@", len(list))
	}
	if list[0].TemplateData["date"] != "2" {
		t.Errorf("expected newest a@ entry, got %v", list[0].TemplateData)
	}
	if got := n.ListByRecipient(ctx, "b@example.com", 1); len(got) != 1 || got[0].TemplateData["date"] != "3" {
		t.Errorf("limit/newest-first broken: %+v", got)
	}
	if stats := n.Stats(ctx); stats[StatusSent] != 3 {
		t.Errorf("stats = %v", stats)
	}
}

func TestNotifier_ConcurrentSend(t *testing.T) {
	n := NewNotifier(&fakeSender{}, nil, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = n.SendTemplate(context.Background(), TplBookingReceived, "sp@example.com", "", nil)
		}()
	}
	wg.Wait()
	if got := n.Stats(context.Background())[StatusSent]; got != 50 {
		t.Errorf("sent = %d, want 50", got)
	}
}

func serveAdmin(t *testing.T, h *Handler, p *auth.Principal, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))
	req := httptest.NewRequest(method, target, nil)
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AdminRoutes(t *testing.T) {
	sender := &fakeSender{fail: errors.New("down")}
	n := NewNotifier(sender, nil, zerolog.Nop())
	note, _ := n.SendTemplate(context.Background(), TplBookingConfirmed, "ana@example.com", "", nil)
	h := NewHandler(n)
	admin := &auth.Principal{ID: "admin-1", Roles: []string{auth.RoleAdmin}}
	customer := &auth.Principal{ID: "cu-1", Roles: []string{auth.RoleCustomer}}

	if rec := serveAdmin(t, h, customer, http.MethodGet, "/api/v1/notifications/stats"); rec.Code != http.StatusForbidden {
		t.Errorf("customer stats: status = %d, want 403", rec.Code)
	}
	if rec := serveAdmin(t, h, nil, http.MethodGet, "/api/v1/notifications/stats"); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous stats: status = %d, want 401", rec.Code)
	}

	rec := serveAdmin(t, h, admin, http.MethodGet, "/api/v1/notifications/stats")
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats[StatusFailed] != 1 {
		t.Errorf("stats: %d %s", rec.Code, rec.Body.String())
	}

	if rec := serveAdmin(t, h, admin, http.MethodGet, "/api/v1/notifications"); rec.Code != http.StatusBadRequest {
		t.Errorf("list without recipient: status = %d", rec.Code)
	}
	rec = serveAdmin(t, h, admin, http.MethodGet, "/api/v1/notifications?recipient=ana@example.com")
	var list []Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Errorf("list: %d %s", rec.Code, rec.Body.String())
	}

	if rec := serveAdmin(t, h, admin, http.MethodGet, "/api/v1/notifications/"+note.ID); rec.Code != http.StatusOK {
		t.Errorf("get: status = %d", rec.Code)
	}
	if rec := serveAdmin(t, h, admin, http.MethodGet, "/api/v1/notifications/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("get missing: status = %d", rec.Code)
	}

	if rec := serveAdmin(t, h, admin, http.MethodPost, "/api/v1/notifications/"+note.ID+"/retry"); rec.Code != http.StatusBadGateway {
		t.Errorf("failing retry: status = %d, want 502", rec.Code)
	}
	sender.setFail(nil)
	rec = serveAdmin(t, h, admin, http.MethodPost, "/api/v1/notifications/"+note.ID+"/retry")
	var retried Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &retried); err != nil || rec.Code != http.StatusOK || retried.Status != StatusSent {
		t.Errorf("retry: %d %s", rec.Code, rec.Body.String())
	}
	if rec := serveAdmin(t, h, admin, http.MethodPost, "/api/v1/notifications/"+note.ID+"/retry"); rec.Code != http.StatusBadRequest {
		t.Errorf("retry sent: status = %d, want 400", rec.Code)
	}
}
