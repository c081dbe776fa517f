package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/marigold-events/wedding-gateway/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creds, err := s.Credentials(ctx, 42)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds != nil {
		t.Fatalf("expected no stored credentials, got %+v", creds)
	}

	want := domain.Credentials{
		Provider: domain.ProviderCloudAPI,
		CloudAPI: &domain.CloudAPICredentials{
			AccessToken:       "tok-1",
			PhoneNumberID:     "106540352242922",
			BusinessAccountID: "ba-9",
		},
	}
	if err := s.SaveCredentials(ctx, 42, want); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	creds, err = s.Credentials(ctx, 42)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds == nil || creds.Provider != domain.ProviderCloudAPI {
		t.Fatalf("credentials = %+v, want cloud_api", creds)
	}
	if *creds.CloudAPI != *want.CloudAPI {
		t.Errorf("cloud credentials = %+v, want %+v", creds.CloudAPI, want.CloudAPI)
	}
}

func TestSaveCredentialsReplacesProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredentials(ctx, 7, domain.Credentials{
		Provider: domain.ProviderCloudAPI,
		CloudAPI: &domain.CloudAPICredentials{AccessToken: "tok", PhoneNumberID: "123"},
	}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	if err := s.SaveCredentials(ctx, 7, domain.Credentials{
		Provider: domain.ProviderSession,
		Session:  &domain.SessionCredentials{SessionID: "event-7"},
	}); err != nil {
		t.Fatalf("SaveCredentials (upsert): %v", err)
	}

	creds, err := s.Credentials(ctx, 7)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.Provider != domain.ProviderSession || creds.Session.SessionID != "event-7" {
		t.Errorf("credentials = %+v, want session event-7", creds)
	}
}

func TestDeleteCredentials(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCredentials(ctx, 3, domain.Credentials{
		Provider: domain.ProviderSession,
		Session:  &domain.SessionCredentials{SessionID: "event-3"},
	}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	if err := s.DeleteCredentials(ctx, 3); err != nil {
		t.Fatalf("DeleteCredentials: %v", err)
	}
	creds, err := s.Credentials(ctx, 3)
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds != nil {
		t.Errorf("expected credentials gone, got %+v", creds)
	}

	// Deleting an absent row is not an error.
	if err := s.DeleteCredentials(ctx, 3); err != nil {
		t.Errorf("DeleteCredentials (absent): %v", err)
	}
}

func TestUnknownStoredProviderIsConfigurationError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx,
		`INSERT INTO event_whatsapp_credentials (event_id, provider) VALUES (9, 'telegram')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := s.Credentials(ctx, 9)
	var ge *domain.Error
	if !errors.As(err, &ge) || ge.Type != domain.ErrorTypeConfiguration {
		t.Errorf("error = %v, want configuration error", err)
	}
}

func TestGuestsByEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []domain.Guest{
		{EventID: 5, Name: "Asha Rao", FirstName: "Asha", Phone: "+1 (415) 555-0101", RSVP: domain.RSVPAccepted},
		{EventID: 5, Name: "Ben Ortiz", FirstName: "Ben", Phone: "4155550102", RSVP: domain.RSVPPending},
		{EventID: 5, Name: "Chloe Park", FirstName: "Chloe", Phone: "4155550103", RSVP: domain.RSVPAccepted},
		{EventID: 6, Name: "Dev Nair", FirstName: "Dev", Phone: "4155550104", RSVP: domain.RSVPAccepted},
	}
	for _, g := range seed {
		if _, err := s.AddGuest(ctx, g); err != nil {
			t.Fatalf("AddGuest: %v", err)
		}
	}

	guests, err := s.GuestsByEvent(ctx, 5, nil)
	if err != nil {
		t.Fatalf("GuestsByEvent: %v", err)
	}
	if len(guests) != 3 {
		t.Fatalf("got %d guests, want 3", len(guests))
	}
	// Insertion order.
	for i, want := range []string{"Asha Rao", "Ben Ortiz", "Chloe Park"} {
		if guests[i].Name != want {
			t.Errorf("guests[%d].Name = %q, want %q", i, guests[i].Name, want)
		}
	}

	accepted := domain.RSVPAccepted
	guests, err = s.GuestsByEvent(ctx, 5, &accepted)
	if err != nil {
		t.Fatalf("GuestsByEvent (filtered): %v", err)
	}
	if len(guests) != 2 {
		t.Fatalf("got %d accepted guests, want 2", len(guests))
	}
	if guests[0].Name != "Asha Rao" || guests[1].Name != "Chloe Park" {
		t.Errorf("filtered guests = %q, %q", guests[0].Name, guests[1].Name)
	}

	guests, err = s.GuestsByEvent(ctx, 99, nil)
	if err != nil {
		t.Fatalf("GuestsByEvent (empty): %v", err)
	}
	if len(guests) != 0 {
		t.Errorf("got %d guests for unknown event, want 0", len(guests))
	}
}
