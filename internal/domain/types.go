// Package domain provides the canonical types shared across the gateway.
package domain

// Provider identifies a messaging backend variant.
type Provider string

const (
	// ProviderSession is the interactive-authentication backend. It requires
	// a human to scan a pairing code once, then holds a persistent connection.
	ProviderSession Provider = "session"

	// ProviderCloudAPI is the stateless WhatsApp Business Cloud API backend.
	ProviderCloudAPI Provider = "cloud_api"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	return p == ProviderSession || p == ProviderCloudAPI
}

// SessionState tracks the lifecycle of a session-backed client.
type SessionState int32

const (
	SessionUninitialized SessionState = iota
	SessionAwaitingScan
	SessionAuthenticated
	SessionAuthFailed
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionAwaitingScan:
		return "awaiting_scan"
	case SessionAuthenticated:
		return "authenticated"
	case SessionAuthFailed:
		return "auth_failed"
	case SessionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SessionCredentials configures the session-backed client.
type SessionCredentials struct {
	// SessionID names the stored device session for a tenant. It doubles as
	// the device-store lookup key, so two tenants must never share one.
	SessionID string `json:"session_id"`
}

// CloudAPICredentials configures the Cloud API client.
type CloudAPICredentials struct {
	AccessToken       string `json:"access_token"`
	PhoneNumberID     string `json:"phone_number_id"`
	BusinessAccountID string `json:"business_account_id,omitempty"`
}

// Credentials is the per-tenant credential set resolved before client
// construction. Exactly one of the two variants is populated; the factory
// matches on Provider and rejects anything half-filled.
type Credentials struct {
	Provider Provider             `json:"provider"`
	Session  *SessionCredentials  `json:"session,omitempty"`
	CloudAPI *CloudAPICredentials `json:"cloud_api,omitempty"`
}

// RSVPStatus is a guest's attendance confirmation status.
type RSVPStatus string

const (
	RSVPPending    RSVPStatus = "pending"
	RSVPAccepted   RSVPStatus = "accepted"
	RSVPDeclined   RSVPStatus = "declined"
	RSVPNotInvited RSVPStatus = "not_invited"
)

// Guest is a bulk-send recipient as stored by the event persistence layer.
type Guest struct {
	ID        int64      `db:"id" json:"id"`
	EventID   int64      `db:"event_id" json:"event_id"`
	Name      string     `db:"name" json:"name"`
	FirstName string     `db:"first_name" json:"first_name,omitempty"`
	Phone     string     `db:"phone" json:"phone"`
	RSVP      RSVPStatus `db:"rsvp_status" json:"rsvp_status"`
}

// OutcomeStatus is the terminal state of one bulk-send attempt.
type OutcomeStatus string

const (
	OutcomeSent   OutcomeStatus = "sent"
	OutcomeFailed OutcomeStatus = "failed"
)

// SendOutcome records one recipient's result in a bulk send. Outcomes are
// never discarded on partial failure; the batch result is the ordered list
// of these.
type SendOutcome struct {
	RecipientID int64         `json:"recipient_id"`
	Name        string        `json:"name"`
	Address     string        `json:"address"`
	Status      OutcomeStatus `json:"status"`
	MessageID   string        `json:"message_id,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// BulkReport is the aggregate result of one bulk send.
type BulkReport struct {
	Total    int           `json:"total"`
	Sent     int           `json:"successCount"`
	Failed   int           `json:"failureCount"`
	Outcomes []SendOutcome `json:"results"`
}

// TemplateComponent is one component of a structured template message,
// passed through to the Cloud API verbatim.
type TemplateComponent map[string]any
