// Package notification renders and delivers booking emails. A Notifier keeps
// a bounded in-memory log of what it sent so failures can be inspected and
// retried over HTTP.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status of a delivery attempt.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Built-in template ids.
const (
	TplBookingConfirmed   = "booking-confirmed"
	TplBookingReceived    = "booking-received"
	TplBookingCancelled   = "booking-cancelled"
	TplBookingCancelledSp = "booking-cancelled-specialist"
)

// Notification is one outbound email.
type Notification struct {
	ID            string            `json:"id"`
	Recipient     string            `json:"recipient"`
	RecipientName string            `json:"recipient_name,omitempty"`
	Subject       string            `json:"subject"`
	Body          string            `json:"body"`
	TemplateID    string            `json:"template_id,omitempty"`
	TemplateData  map[string]string `json:"template_data,omitempty"`
	Status        string            `json:"status"`
	Attempts      int               `json:"attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// EmailMessage is what a sender puts on the wire.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// EmailSender delivers a single email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// Template is a reusable subject/body pair with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine holds templates by id.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine returns an engine with the booking templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TplBookingConfirmed,
			Subject: "Your consultation on {{date}} is booked",
			Body: "Hi {{customer_name}},\n\nYour consultation is confirmed for {{date}} from {{start_time}} to {{end_time}} ({{timezone}}).\n" +
				"Booking reference: {{booking_id}}\n",
		},
		{
			ID:      TplBookingReceived,
			Subject: "New booking for {{date}} {{start_time}}",
			Body: "{{customer_name}} booked your consultation on {{date}} from {{start_time}} to {{end_time}} ({{timezone}}).\n" +
				"Seats taken: {{booked_count}} of {{total_capacity}}.\n",
		},
		{
			ID:      TplBookingCancelled,
			Subject: "Your consultation on {{date}} was cancelled",
			Body: "Hi {{customer_name}},\n\nYour booking for {{date}} from {{start_time}} to {{end_time}} ({{timezone}}) has been cancelled.\n" +
				"Reason: {{reason}}\n",
		},
		{
			ID:      TplBookingCancelledSp,
			Subject: "Booking cancelled for {{date}} {{start_time}}",
			Body:    "{{customer_name}}'s booking on {{date}} from {{start_time}} to {{end_time}} ({{timezone}}) was cancelled.\nReason: {{reason}}\n",
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders with data. Unknown placeholders are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("notification: template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// DefaultHistory is how many notifications a Notifier remembers.
const DefaultHistory = 1000

// Notifier renders templates, sends them and records the outcome.
type Notifier struct {
	sender    EmailSender
	templates *TemplateEngine
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	byID    map[string]*Notification
	order   []string
	history int
}

// NewNotifier creates a Notifier. A nil template engine gets the built-ins.
func NewNotifier(sender EmailSender, tpl *TemplateEngine, logger zerolog.Logger) *Notifier {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	return &Notifier{
		sender:    sender,
		templates: tpl,
		log:       logger.With().Str("component", "notifier").Logger(),
		now:       time.Now,
		byID:      make(map[string]*Notification),
		history:   DefaultHistory,
	}
}

// SendTemplate renders templateID and sends it to recipient. The returned
// notification is recorded even when delivery fails.
func (n *Notifier) SendTemplate(ctx context.Context, templateID, recipient, recipientName string, data map[string]string) (*Notification, error) {
	subject, body, err := n.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	note := &Notification{
		ID:            uuid.NewString(),
		Recipient:     recipient,
		RecipientName: recipientName,
		Subject:       subject,
		Body:          body,
		TemplateID:    templateID,
		TemplateData:  data,
		CreatedAt:     n.now().UTC(),
	}
	err = n.deliver(ctx, note)
	n.remember(note)
	n.mu.RLock()
	defer n.mu.RUnlock()
	return note.snapshot(), err
}

func (n *Notifier) deliver(ctx context.Context, note *Notification) error {
	n.mu.Lock()
	note.Attempts++
	n.mu.Unlock()

	err := n.sender.Send(ctx, EmailMessage{
		To:      note.Recipient,
		ToName:  note.RecipientName,
		Subject: note.Subject,
		Body:    note.Body,
	})

	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		note.Status = StatusFailed
		note.Error = err.Error()
		n.log.Warn().Err(err).Str("notification_id", note.ID).Str("template", note.TemplateID).Msg("email delivery failed")
		return fmt.Errorf("notification: send %s: %w", note.ID, err)
	}
	sentAt := n.now().UTC()
	note.Status = StatusSent
	note.SentAt = &sentAt
	note.Error = ""
	return nil
}

func (n *Notifier) remember(note *Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byID[note.ID] = note
	n.order = append(n.order, note.ID)
	for len(n.order) > n.history {
		delete(n.byID, n.order[0])
		n.order = n.order[1:]
	}
}

func (note *Notification) snapshot() *Notification {
	cp := *note
	return &cp
}

// Get returns a copy of the notification with id.
func (n *Notifier) Get(_ context.Context, id string) (*Notification, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	note, ok := n.byID[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	return note.snapshot(), nil
}

// ListByRecipient returns up to limit notifications for recipient, newest
// first.
func (n *Notifier) ListByRecipient(_ context.Context, recipient string, limit int) []*Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []*Notification
	for i := len(n.order) - 1; i >= 0 && len(out) < limit; i-- {
		if note := n.byID[n.order[i]]; strings.EqualFold(note.Recipient, recipient) {
			out = append(out, note.snapshot())
		}
	}
	return out
}

// Retry re-sends a failed notification.
func (n *Notifier) Retry(ctx context.Context, id string) (*Notification, error) {
	n.mu.RLock()
	note, ok := n.byID[id]
	status := ""
	if ok {
		status = note.Status
	}
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	if status != StatusFailed {
		return nil, fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}
	err := n.deliver(ctx, note)
	n.mu.RLock()
	defer n.mu.RUnlock()
	return note.snapshot(), err
}

// Stats counts remembered notifications by status.
func (n *Notifier) Stats(_ context.Context) map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats := make(map[string]int)
	for _, note := range n.byID {
		stats[note.Status]++
	}
	return stats
}
