// Package meeting provisions video-meeting links for new bookings and records
// them on the booking as an opaque reference.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/slotbook/slotbook/internal/platform/events"
)

// Request describes the meeting to create.
type Request struct {
	BookingID    string
	StartsAt     time.Time
	EndsAt       time.Time
	Participants []string
}

// Provisioner creates and releases meetings.
type Provisioner interface {
	Provision(ctx context.Context, req Request) (ref string, err error)
	Release(ctx context.Context, ref string) error
}

// Attacher stores a meeting reference on a booking. Satisfied by
// *consulting.Engine.
type Attacher interface {
	AttachMeetingRef(ctx context.Context, slotID, bookingID uuid.UUID, ref string) error
}

// LinkProvisioner mints room links under a base URL. It holds no state; the
// room is created by whoever first opens the link.
type LinkProvisioner struct {
	base *url.URL
	log  zerolog.Logger
}

func NewLinkProvisioner(baseURL string, logger zerolog.Logger) (*LinkProvisioner, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("meeting: parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("meeting: base url %q must be absolute http(s)", baseURL)
	}
	return &LinkProvisioner{base: u, log: logger.With().Str("component", "meeting").Logger()}, nil
}

func (p *LinkProvisioner) Provision(_ context.Context, req Request) (string, error) {
	if req.BookingID == "" {
		return "", errors.New("meeting: booking id required")
	}
	return p.base.JoinPath(uuid.NewString()).String(), nil
}

func (p *LinkProvisioner) Release(_ context.Context, ref string) error {
	p.log.Debug().Str("meeting_ref", ref).Msg("meeting released")
	return nil
}

// Service reacts to booking events.
type Service struct {
	provisioner Provisioner
	attacher    Attacher
	log         zerolog.Logger
}

func NewService(p Provisioner, a Attacher, logger zerolog.Logger) *Service {
	return &Service{
		provisioner: p,
		attacher:    a,
		log:         logger.With().Str("component", "meeting").Logger(),
	}
}

// Subscriber is satisfied by *events.Bus.
type Subscriber interface {
	Subscribe(eventType string, h events.Handler)
}

func (s *Service) Subscribe(bus Subscriber) {
	bus.Subscribe(events.BookingCreatedV1{}.EventType(), s.HandleEvent)
	bus.Subscribe(events.BookingCancelledV1{}.EventType(), s.HandleEvent)
}

// HandleEvent provisions a meeting for a new booking and releases the meeting
// of a cancelled one.
func (s *Service) HandleEvent(ctx context.Context, evt events.Event) error {
	switch e := evt.(type) {
	case events.BookingCreatedV1:
		return s.onCreated(ctx, e)
	case events.BookingCancelledV1:
		if e.MeetingRef == "" {
			return nil
		}
		if err := s.provisioner.Release(ctx, e.MeetingRef); err != nil {
			return fmt.Errorf("meeting: release %s: %w", e.MeetingRef, err)
		}
		return nil
	default:
		return fmt.Errorf("meeting: unexpected event %s", evt.EventType())
	}
}

func (s *Service) onCreated(ctx context.Context, e events.BookingCreatedV1) error {
	slotID, err := uuid.Parse(e.SlotID)
	if err != nil {
		return fmt.Errorf("meeting: slot id: %w", err)
	}
	bookingID, err := uuid.Parse(e.BookingID)
	if err != nil {
		return fmt.Errorf("meeting: booking id: %w", err)
	}

	var participants []string
	for _, addr := range []string{e.SpecialistEmail, e.CustomerEmail} {
		if addr != "" {
			participants = append(participants, addr)
		}
	}
	ref, err := s.provisioner.Provision(ctx, Request{
		BookingID:    e.BookingID,
		StartsAt:     e.StartsAt,
		EndsAt:       e.EndsAt,
		Participants: participants,
	})
	if err != nil {
		return fmt.Errorf("meeting: provision for booking %s: %w", e.BookingID, err)
	}

	if err := s.attacher.AttachMeetingRef(ctx, slotID, bookingID, ref); err != nil {
		// The booking may have been cancelled in the meantime.
		if rerr := s.provisioner.Release(ctx, ref); rerr != nil {
			s.log.Warn().Err(rerr).Str("meeting_ref", ref).Msg("release after failed attach")
		}
		return fmt.Errorf("meeting: attach to booking %s: %w", e.BookingID, err)
	}
	s.log.Info().Str("booking_id", e.BookingID).Str("slot_id", e.SlotID).Msg("meeting attached")
	return nil
}
