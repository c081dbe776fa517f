package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marigold-events/wedding-gateway/internal/domain"
)

func TestNewRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name  string
		creds domain.Credentials
	}{
		{"unknown provider", domain.Credentials{Provider: "carrier_pigeon"}},
		{"session without credentials", domain.Credentials{Provider: domain.ProviderSession}},
		{"session without id", domain.Credentials{
			Provider: domain.ProviderSession,
			Session:  &domain.SessionCredentials{},
		}},
		{"cloud_api without credentials", domain.Credentials{Provider: domain.ProviderCloudAPI}},
		{"cloud_api without token", domain.Credentials{
			Provider: domain.ProviderCloudAPI,
			CloudAPI: &domain.CloudAPICredentials{PhoneNumberID: "123"},
		}},
		{"cloud_api without phone number id", domain.Credentials{
			Provider: domain.ProviderCloudAPI,
			CloudAPI: &domain.CloudAPICredentials{AccessToken: "tok"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.creds, Options{SessionStoreDir: t.TempDir()})
			if err == nil {
				t.Fatal("expected a configuration error")
			}
			var ge *domain.Error
			if !errors.As(err, &ge) || ge.Type != domain.ErrorTypeConfiguration {
				t.Errorf("error = %v, want configuration error", err)
			}
		})
	}
}

func TestNewCloudAPIClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"verified_name":"Marigold Events"}`)
	}))
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), domain.Credentials{
		Provider: domain.ProviderCloudAPI,
		CloudAPI: &domain.CloudAPICredentials{AccessToken: "tok", PhoneNumberID: "123"},
	}, Options{HTTPClient: srv.Client(), BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.IsReady() {
		t.Error("expected a verified, ready client")
	}
	if _, ok := c.QRCode(); ok {
		t.Error("cloud_api client must not have a QR code")
	}
}

func TestNewSessionClient(t *testing.T) {
	c, err := New(context.Background(), domain.Credentials{
		Provider: domain.ProviderSession,
		Session:  &domain.SessionCredentials{SessionID: "event-1"},
	}, Options{SessionStoreDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Disconnect(context.Background()) })

	// The handshake is asynchronous; a fresh session is never immediately
	// ready.
	if c.IsReady() {
		t.Error("fresh session client must not report ready")
	}
}
