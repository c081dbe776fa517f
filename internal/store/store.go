// Package store is the gateway's view of the event persistence layer:
// per-event channel credentials and the guest list the bulk dispatcher
// resolves recipients from.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/marigold-events/wedding-gateway/internal/domain"
)

// Store is a SQLite implementation of the gateway's persistence
// collaborators (gateway.CredentialStore and gateway.GuestStore).
type Store struct {
	db *sqlx.DB
}

// New opens the database and initializes the schema.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS event_whatsapp_credentials (
			event_id INTEGER PRIMARY KEY,
			provider TEXT NOT NULL,
			session_id TEXT,
			access_token TEXT,
			phone_number_id TEXT,
			business_account_id TEXT,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL,
			rsvp_status TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guests_event ON guests(event_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying sqlx.DB, for tests and migrations.
func (s *Store) DB() *sqlx.DB { return s.db }

type credentialRow struct {
	EventID           int64          `db:"event_id"`
	Provider          string         `db:"provider"`
	SessionID         sql.NullString `db:"session_id"`
	AccessToken       sql.NullString `db:"access_token"`
	PhoneNumberID     sql.NullString `db:"phone_number_id"`
	BusinessAccountID sql.NullString `db:"business_account_id"`
}

// Credentials returns the event's stored channel credentials, or (nil, nil)
// when none are stored so process defaults apply.
func (s *Store) Credentials(ctx context.Context, eventID int64) (*domain.Credentials, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row,
		`SELECT event_id, provider, session_id, access_token, phone_number_id, business_account_id
		 FROM event_whatsapp_credentials WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}

	creds := &domain.Credentials{Provider: domain.Provider(row.Provider)}
	switch creds.Provider {
	case domain.ProviderSession:
		creds.Session = &domain.SessionCredentials{SessionID: row.SessionID.String}
	case domain.ProviderCloudAPI:
		creds.CloudAPI = &domain.CloudAPICredentials{
			AccessToken:       row.AccessToken.String,
			PhoneNumberID:     row.PhoneNumberID.String,
			BusinessAccountID: row.BusinessAccountID.String,
		}
	default:
		return nil, domain.ErrConfiguration(fmt.Sprintf("event %d has unknown stored provider %q", eventID, row.Provider))
	}
	return creds, nil
}

// SaveCredentials stores or replaces the event's channel credentials.
func (s *Store) SaveCredentials(ctx context.Context, eventID int64, creds domain.Credentials) error {
	var sessionID, accessToken, phoneNumberID, businessAccountID string
	if creds.Session != nil {
		sessionID = creds.Session.SessionID
	}
	if creds.CloudAPI != nil {
		accessToken = creds.CloudAPI.AccessToken
		phoneNumberID = creds.CloudAPI.PhoneNumberID
		businessAccountID = creds.CloudAPI.BusinessAccountID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_whatsapp_credentials
			(event_id, provider, session_id, access_token, phone_number_id, business_account_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(event_id) DO UPDATE SET
			provider = excluded.provider,
			session_id = excluded.session_id,
			access_token = excluded.access_token,
			phone_number_id = excluded.phone_number_id,
			business_account_id = excluded.business_account_id,
			updated_at = CURRENT_TIMESTAMP`,
		eventID, string(creds.Provider), sessionID, accessToken, phoneNumberID, businessAccountID)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// DeleteCredentials removes the event's stored credentials, reverting it to
// process defaults.
func (s *Store) DeleteCredentials(ctx context.Context, eventID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM event_whatsapp_credentials WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// GuestsByEvent returns the event's guests, optionally filtered by RSVP
// status, in insertion order.
func (s *Store) GuestsByEvent(ctx context.Context, eventID int64, filter *domain.RSVPStatus) ([]domain.Guest, error) {
	query := `SELECT id, event_id, name, first_name, phone, rsvp_status
		 FROM guests WHERE event_id = ?`
	args := []any{eventID}
	if filter != nil {
		query += ` AND rsvp_status = ?`
		args = append(args, string(*filter))
	}
	query += ` ORDER BY id`

	var guests []domain.Guest
	if err := s.db.SelectContext(ctx, &guests, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query guests: %w", err)
	}
	return guests, nil
}

// AddGuest inserts a guest and returns its id.
func (s *Store) AddGuest(ctx context.Context, g domain.Guest) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO guests (event_id, name, first_name, phone, rsvp_status)
		 VALUES (?, ?, ?, ?, ?)`,
		g.EventID, g.Name, g.FirstName, g.Phone, string(g.RSVP))
	if err != nil {
		return 0, fmt.Errorf("failed to insert guest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read guest id: %w", err)
	}
	return id, nil
}
