package meeting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotbook/slotbook/internal/platform/events"
)

type attachCall struct {
	slotID, bookingID uuid.UUID
	ref               string
}

type fakeAttacher struct {
	calls []attachCall
	err   error
}

func (f *fakeAttacher) AttachMeetingRef(_ context.Context, slotID, bookingID uuid.UUID, ref string) error {
	f.calls = append(f.calls, attachCall{slotID, bookingID, ref})
	return f.err
}

type fakeProvisioner struct {
	requests []Request
	released []string
	err      error
}

func (f *fakeProvisioner) Provision(_ context.Context, req Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return "room-" + req.BookingID, nil
}

func (f *fakeProvisioner) Release(_ context.Context, ref string) error {
	f.released = append(f.released, ref)
	return nil
}

func TestLinkProvisioner(t *testing.T) {
	p, err := NewLinkProvisioner("https://meet.example.com/rooms/", zerolog.Nop())
	require.NoError(t, err)

	a, err := p.Provision(context.Background(), Request{BookingID: "b-1"})
	require.NoError(t, err)
	b, err := p.Provision(context.Background(), Request{BookingID: "b-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "https://meet.example.com/rooms/"), a)
	_, err = uuid.Parse(strings.TrimPrefix(a, "https://meet.example.com/rooms/"))
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NoError(t, p.Release(context.Background(), a))

	_, err = p.Provision(context.Background(), Request{})
	assert.Error(t, err)

	for _, bad := range []string{"", "meet.example.com", "ftp://meet.example.com", "https://"} {
		_, err := NewLinkProvisioner(bad, zerolog.Nop())
		assert.Error(t, err, bad)
	}
}

func TestService_AttachesMeetingOnBooking(t *testing.T) {
	prov := &fakeProvisioner{}
	att := &fakeAttacher{}
	bus := events.NewBus(false, 0, zerolog.Nop())
	NewService(prov, att, zerolog.Nop()).Subscribe(bus)

	slotID, bookingID := uuid.New(), uuid.New()
	starts := time.Date(2025, 3, 17, 9, 0, 0, 0, time.UTC)
	require.NoError(t, bus.Publish(context.Background(), events.BookingCreatedV1{
		BookingID: bookingID.String(), SlotID: slotID.String(),
		SpecialistEmail: "sp@example.com", CustomerEmail: "ana@example.com",
		StartsAt: starts, EndsAt: starts.Add(time.Hour),
	}))

	require.Len(t, prov.requests, 1)
	assert.Equal(t, []string{"sp@example.com", "ana@example.com"}, prov.requests[0].Participants)
	assert.True(t, prov.requests[0].StartsAt.Equal(starts))
	require.Len(t, att.calls, 1)
	assert.Equal(t, attachCall{slotID, bookingID, "room-" + bookingID.String()}, att.calls[0])
}

func TestService_ReleasesWhenAttachFails(t *testing.T) {
	prov := &fakeProvisioner{}
	att := &fakeAttacher{err: errors.New("booking gone")}
	svc := NewService(prov, att, zerolog.Nop())

	bookingID := uuid.New()
	err := svc.HandleEvent(context.Background(), events.BookingCreatedV1{BookingID: bookingID.String(), SlotID: uuid.NewString()})
	assert.ErrorContains(t, err, "booking gone")
	assert.Equal(t, []string{"room-" + bookingID.String()}, prov.released)
}

func TestService_Errors(t *testing.T) {
	prov := &fakeProvisioner{err: errors.New("quota")}
	att := &fakeAttacher{}
	svc := NewService(prov, att, zerolog.Nop())
	ctx := context.Background()

	assert.Error(t, svc.HandleEvent(ctx, events.BookingCreatedV1{BookingID: uuid.NewString(), SlotID: "nope"}))
	assert.Error(t, svc.HandleEvent(ctx, events.BookingCreatedV1{BookingID: "nope", SlotID: uuid.NewString()}))
	assert.ErrorContains(t, svc.HandleEvent(ctx, events.BookingCreatedV1{BookingID: uuid.NewString(), SlotID: uuid.NewString()}), "quota")
	assert.Empty(t, att.calls)
}

func TestService_ReleasesOnCancel(t *testing.T) {
	prov := &fakeProvisioner{}
	svc := NewService(prov, &fakeAttacher{}, zerolog.Nop())

	require.NoError(t, svc.HandleEvent(context.Background(), events.BookingCancelledV1{BookingID: "b-1"}))
	assert.Empty(t, prov.released)
	require.NoError(t, svc.HandleEvent(context.Background(), events.BookingCancelledV1{BookingID: "b-1", MeetingRef: "room-1"}))
	assert.Equal(t, []string{"room-1"}, prov.released)
}
