package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.mau.fi/whatsmeow/store/sqlstore"

	"github.com/marigold-events/wedding-gateway/internal/channel/cloudapi"
	"github.com/marigold-events/wedding-gateway/internal/channel/session"
	"github.com/marigold-events/wedding-gateway/internal/domain"
	"github.com/marigold-events/wedding-gateway/internal/phone"
)

// Options carries the shared collaborators each client variant needs.
type Options struct {
	Normalizer *phone.Normalizer
	Logger     *slog.Logger

	// Session variant.
	SessionStoreDir  string
	TemplateFallback bool
	AutoReconnect    bool
	Container        *sqlstore.Container // test override for the device store

	// Cloud API variant. HTTPClient and BaseURL default sensibly when zero;
	// tests override them.
	HTTPClient *http.Client
	BaseURL    string
}

// New constructs the client variant selected by creds.Provider. Required
// fields are validated up front: a half-usable client is never returned.
func New(ctx context.Context, creds domain.Credentials, opts Options) (Client, error) {
	switch creds.Provider {
	case domain.ProviderSession:
		if creds.Session == nil || creds.Session.SessionID == "" {
			return nil, domain.ErrConfiguration("session provider requires a session_id")
		}
		return session.New(ctx, *creds.Session, session.Options{
			StoreDir:         opts.SessionStoreDir,
			Container:        opts.Container,
			Normalizer:       opts.Normalizer,
			Logger:           opts.Logger,
			TemplateFallback: opts.TemplateFallback,
			AutoReconnect:    opts.AutoReconnect,
		})

	case domain.ProviderCloudAPI:
		if creds.CloudAPI == nil {
			return nil, domain.ErrConfiguration("cloud_api provider requires credentials")
		}
		if creds.CloudAPI.AccessToken == "" {
			return nil, domain.ErrConfiguration("cloud_api provider requires an access_token")
		}
		if creds.CloudAPI.PhoneNumberID == "" {
			return nil, domain.ErrConfiguration("cloud_api provider requires a phone_number_id")
		}
		var copts []cloudapi.ClientOption
		if opts.HTTPClient != nil {
			copts = append(copts, cloudapi.WithHTTPClient(opts.HTTPClient))
		}
		if opts.BaseURL != "" {
			copts = append(copts, cloudapi.WithBaseURL(opts.BaseURL))
		}
		if opts.Normalizer != nil {
			copts = append(copts, cloudapi.WithNormalizer(opts.Normalizer))
		}
		return cloudapi.New(ctx, *creds.CloudAPI, copts...)

	default:
		return nil, domain.ErrConfiguration(fmt.Sprintf("unknown provider %q", creds.Provider))
	}
}
