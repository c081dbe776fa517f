// Package channel defines the uniform contract both messaging backends
// satisfy, and the factory that constructs them from tagged credentials.
package channel

import (
	"context"

	"github.com/marigold-events/wedding-gateway/internal/domain"
)

// Client is the capability contract shared by the session-backed client and
// the Cloud API client. All send operations fail with a not_ready error
// while IsReady is false.
type Client interface {
	// IsReady reports whether the underlying transport can accept sends.
	IsReady() bool

	// QRCode returns the pending pairing code, if any. Only the session
	// variant ever has one; the Cloud API variant always returns false.
	QRCode() (string, bool)

	// SendText delivers a plain text message and returns the provider
	// message id.
	SendText(ctx context.Context, to, body string) (string, error)

	// SendMedia delivers a local file with an optional caption. Fails with
	// media_not_found before any network call when path does not exist.
	SendMedia(ctx context.Context, to, path, caption string) (string, error)

	// SendTemplate delivers a structured template message. The Cloud API
	// variant supports this natively; the session variant downgrades to a
	// best-effort plain-text rendering.
	SendTemplate(ctx context.Context, to, name, languageCode string, components []domain.TemplateComponent) (string, error)

	// Disconnect releases held resources and flips IsReady to false.
	// Idempotent.
	Disconnect(ctx context.Context) error
}
