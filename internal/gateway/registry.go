// Package gateway holds the per-tenant client registry and the bulk
// dispatcher built on top of it.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/marigold-events/wedding-gateway/internal/channel"
	"github.com/marigold-events/wedding-gateway/internal/domain"
)

// CredentialStore resolves tenant-stored channel credentials. A (nil, nil)
// return means the tenant has none stored and process defaults apply.
type CredentialStore interface {
	Credentials(ctx context.Context, eventID int64) (*domain.Credentials, error)
}

// Defaults are the process-level fallback credentials used when a tenant
// has none stored.
type Defaults struct {
	Provider domain.Provider
	CloudAPI domain.CloudAPICredentials
}

// factoryFunc matches channel.New; injectable for tests.
type factoryFunc func(ctx context.Context, creds domain.Credentials, opts channel.Options) (channel.Client, error)

// clientEntry pairs a cached client with the provider it was built for, so
// status reads stay truthful after the preferred provider changes.
type clientEntry struct {
	client   channel.Client
	provider domain.Provider
}

// Registry is the process-wide, per-tenant cache of channel clients. It is
// the sole owner of client lifecycle: creation on demand, disconnect, and
// eviction are all funneled through it.
type Registry struct {
	store       CredentialStore
	channelOpts channel.Options
	factory     factoryFunc
	log         *slog.Logger

	mu        sync.Mutex
	clients   map[int64]clientEntry
	preferred domain.Provider
	defaults  Defaults

	group singleflight.Group
}

// NewRegistry creates a registry. store may be nil when no persistence
// collaborator is wired (process defaults then always apply).
func NewRegistry(store CredentialStore, defaults Defaults, opts channel.Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	preferred := defaults.Provider
	if !preferred.Valid() {
		preferred = domain.ProviderSession
	}
	return &Registry{
		store:       store,
		channelOpts: opts,
		factory:     channel.New,
		log:         logger,
		clients:     make(map[int64]clientEntry),
		preferred:   preferred,
		defaults:    defaults,
	}
}

// GetClient returns the tenant's cached client, constructing one first if
// needed. Concurrent calls for the same uninitialized tenant collapse into
// a single construction.
func (r *Registry) GetClient(ctx context.Context, eventID int64) (channel.Client, error) {
	r.mu.Lock()
	if e, ok := r.clients[eventID]; ok {
		r.mu.Unlock()
		return e.client, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(strconv.FormatInt(eventID, 10), func() (any, error) {
		// Re-check under the lock: another flight may have finished between
		// the fast path and here.
		r.mu.Lock()
		if e, ok := r.clients[eventID]; ok {
			r.mu.Unlock()
			return e.client, nil
		}
		r.mu.Unlock()

		creds, err := r.resolveCredentials(ctx, eventID)
		if err != nil {
			return nil, err
		}

		c, err := r.factory(ctx, *creds, r.channelOpts)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.clients[eventID] = clientEntry{client: c, provider: creds.Provider}
		r.mu.Unlock()

		r.log.Info("channel client created",
			slog.Int64("event_id", eventID),
			slog.String("provider", string(creds.Provider)))
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(channel.Client), nil
}

// resolveCredentials applies the precedence rule: tenant-stored credentials
// override process defaults; absence of both is a configuration error.
func (r *Registry) resolveCredentials(ctx context.Context, eventID int64) (*domain.Credentials, error) {
	if r.store != nil {
		stored, err := r.store.Credentials(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credentials for event %d: %w", eventID, err)
		}
		if stored != nil {
			return stored, nil
		}
	}

	r.mu.Lock()
	provider := r.preferred
	defaults := r.defaults
	r.mu.Unlock()

	switch provider {
	case domain.ProviderSession:
		// The session variant needs only an identifier; the tenant key is
		// the natural one.
		return &domain.Credentials{
			Provider: domain.ProviderSession,
			Session:  &domain.SessionCredentials{SessionID: fmt.Sprintf("event-%d", eventID)},
		}, nil
	case domain.ProviderCloudAPI:
		if defaults.CloudAPI.AccessToken == "" || defaults.CloudAPI.PhoneNumberID == "" {
			return nil, domain.ErrConfiguration(
				fmt.Sprintf("no credentials stored for event %d and no process defaults configured", eventID))
		}
		cc := defaults.CloudAPI
		return &domain.Credentials{Provider: domain.ProviderCloudAPI, CloudAPI: &cc}, nil
	default:
		return nil, domain.ErrConfiguration(fmt.Sprintf("unknown provider %q", provider))
	}
}

// PreferredProvider returns the provider used for future client creation.
func (r *Registry) PreferredProvider() domain.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.preferred
}

// SetPreferredProvider changes the provider used for future client
// creation. Already-cached clients are untouched: switching an active
// tenant requires an explicit disconnect and re-resolution.
func (r *Registry) SetPreferredProvider(p domain.Provider) error {
	if !p.Valid() {
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown provider %q", p))
	}
	r.mu.Lock()
	r.preferred = p
	r.mu.Unlock()
	r.log.Info("preferred provider changed", slog.String("provider", string(p)))
	return nil
}

// SetDefaultCloudCredentials replaces the process-default Cloud API
// credentials used when a tenant has none stored.
func (r *Registry) SetDefaultCloudCredentials(creds domain.CloudAPICredentials) {
	r.mu.Lock()
	r.defaults.CloudAPI = creds
	r.mu.Unlock()
}

// Status is a read-only projection of a tenant's connection state.
type Status struct {
	Connected bool            `json:"connected"`
	State     string          `json:"status"`
	QRCode    string          `json:"qrCode,omitempty"`
	Provider  domain.Provider `json:"provider"`
}

// Status reports a tenant's state without side effects: when no client is
// cached it answers "not_connected" rather than provisioning one. A cached
// client reports the provider it was built with, not the current
// preference.
func (r *Registry) Status(eventID int64) Status {
	r.mu.Lock()
	e, ok := r.clients[eventID]
	preferred := r.preferred
	r.mu.Unlock()

	if !ok {
		return Status{State: "not_connected", Provider: preferred}
	}
	c := e.client

	st := Status{Provider: e.provider}
	if c.IsReady() {
		st.Connected = true
		st.State = "connected"
		return st
	}
	if qr, pending := c.QRCode(); pending {
		st.State = "qr_needed"
		st.QRCode = qr
		return st
	}
	st.State = "initializing"
	return st
}

// InitResult is the outcome of provisioning a tenant's client.
type InitResult struct {
	Status string `json:"status"` // ready | qr_needed | initializing
	QRCode string `json:"qrCode,omitempty"`
}

// Initialize provisions the tenant's client (creating it if absent) and
// reports how far authentication has progressed.
func (r *Registry) Initialize(ctx context.Context, eventID int64) (InitResult, error) {
	c, err := r.GetClient(ctx, eventID)
	if err != nil {
		return InitResult{}, err
	}
	if c.IsReady() {
		return InitResult{Status: "ready"}, nil
	}
	if qr, pending := c.QRCode(); pending {
		return InitResult{Status: "qr_needed", QRCode: qr}, nil
	}
	return InitResult{Status: "initializing"}, nil
}

// Disconnect tears down and evicts a tenant's client. Eviction happens
// under the lock, so no lookup can observe the client after this starts
// tearing it down.
func (r *Registry) Disconnect(ctx context.Context, eventID int64) error {
	r.mu.Lock()
	e, ok := r.clients[eventID]
	delete(r.clients, eventID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := e.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect event %d: %w", eventID, err)
	}
	r.log.Info("channel client disconnected", slog.Int64("event_id", eventID))
	return nil
}

// DisconnectAll tears down every cached client, continuing through
// per-client failures and reporting them together. Used at shutdown:
// session clients hold heavyweight resources that must not leak.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(map[int64]clientEntry, len(r.clients))
	for id, e := range r.clients {
		snapshot[id] = e
	}
	r.clients = make(map[int64]clientEntry)
	r.mu.Unlock()

	var errs *multierror.Error
	for id, e := range snapshot {
		if err := e.client.Disconnect(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("event %d: %w", id, err))
			r.log.Warn("disconnect failed", slog.Int64("event_id", id), slog.String("error", err.Error()))
		}
	}
	if len(snapshot) > 0 {
		r.log.Info("disconnected all channel clients", slog.Int("count", len(snapshot)))
	}
	return errs.ErrorOrNil()
}
