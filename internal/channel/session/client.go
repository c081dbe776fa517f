// Package session implements the channel contract over a long-lived
// interactive-authentication WhatsApp session (whatsmeow). Construction
// starts an asynchronous handshake; callers poll IsReady/QRCode because
// authentication may require an out-of-band human scan with no fixed
// timeout.
package session

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"github.com/marigold-events/wedding-gateway/internal/domain"
	"github.com/marigold-events/wedding-gateway/internal/phone"
)

// Options carries the session client's collaborators and policies.
type Options struct {
	// StoreDir is the directory holding per-session device databases.
	StoreDir string

	Normalizer *phone.Normalizer
	Logger     *slog.Logger

	// TemplateFallback downgrades structured-template sends to plain text
	// instead of rejecting them. Defaults to on at the config layer.
	TemplateFallback bool

	// AutoReconnect re-establishes the socket after an unexpected drop.
	// Re-authentication is never automatic; a logged-out device goes to
	// the failed state and stays there.
	AutoReconnect bool

	// Container overrides the device store, for tests.
	Container *sqlstore.Container
}

// Client wraps one whatsmeow session. One instance per tenant; the
// registry owns its lifecycle.
type Client struct {
	sessionID string
	opts      Options
	log       *slog.Logger

	mu      sync.Mutex
	state   domain.SessionState
	qr      string
	lastErr error
	wa      *whatsmeow.Client
	db      *sql.DB
	closed  bool
}

// New validates the options and begins the asynchronous handshake. The
// returned client is usable immediately for state polling; sends fail with
// not_ready until authentication completes.
func New(ctx context.Context, creds domain.SessionCredentials, opts Options) (*Client, error) {
	if creds.SessionID == "" {
		return nil, domain.ErrConfiguration("session client requires a session_id")
	}
	if opts.StoreDir == "" && opts.Container == nil {
		return nil, domain.ErrConfiguration("session client requires a device store directory")
	}
	if opts.Normalizer == nil {
		opts.Normalizer = phone.New("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		sessionID: creds.SessionID,
		opts:      opts,
		log:       opts.Logger.With(slog.String("session_id", creds.SessionID)),
		state:     domain.SessionUninitialized,
	}

	// The handshake outlives the request that triggered construction, so
	// it runs on its own context rather than ctx.
	go c.handshake()

	return c, nil
}

// IsReady reports whether the session is authenticated and connected.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.SessionAuthenticated
}

// State returns the current session state.
func (c *Client) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QRCode returns the pending pairing code rendered as a base64 PNG data
// URI, and whether one is currently awaiting a scan.
func (c *Client) QRCode() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.SessionAwaitingScan || c.qr == "" {
		return "", false
	}
	png, err := qrcode.Encode(c.qr, qrcode.Medium, 256)
	if err != nil {
		// Fall back to the raw pairing string; the UI can render it itself.
		return c.qr, true
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), true
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	wa, err := c.readyClient()
	if err != nil {
		return "", err
	}
	jid, err := c.recipientJID(to)
	if err != nil {
		return "", err
	}
	resp, err := wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return "", domain.ErrTransport("message send failed").WithCause(err)
	}
	return string(resp.ID), nil
}

// SendMedia uploads the file to the session transport and delivers it with
// an optional caption.
func (c *Client) SendMedia(ctx context.Context, to, path, caption string) (string, error) {
	wa, err := c.readyClient()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", domain.ErrMediaNotFound(path).WithCause(err)
	}
	jid, err := c.recipientJID(to)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", domain.ErrMediaNotFound(path).WithCause(err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	uploaded, err := wa.Upload(ctx, data, uploadKind(mimeType))
	if err != nil {
		return "", domain.ErrTransport("media upload failed").WithCause(err)
	}

	msg := mediaMessage(uploaded, mimeType, caption, filepath.Base(path), uint64(len(data)))
	resp, err := wa.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", domain.ErrTransport("media send failed").WithCause(err)
	}
	return string(resp.ID), nil
}

// SendTemplate has no structured-template concept on this transport. By
// policy it downgrades to a best-effort plain-text rendering of the
// template name and language code; with the fallback disabled it reports
// the capability gap instead.
func (c *Client) SendTemplate(ctx context.Context, to, name, languageCode string, components []domain.TemplateComponent) (string, error) {
	if !c.opts.TemplateFallback {
		return "", domain.ErrUnsupportedCapability("session transport has no template support")
	}
	body := name
	if languageCode != "" {
		body = fmt.Sprintf("%s (%s)", name, languageCode)
	}
	c.log.Info("downgrading template send to plain text", slog.String("template", name))
	return c.SendText(ctx, to, body)
}

// Disconnect tears down the session and releases the device store.
// Idempotent: repeated calls are no-ops.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.wa != nil {
		c.wa.Disconnect()
		c.wa = nil
	}
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
	c.qr = ""
	c.state = domain.SessionDisconnected
	return nil
}

// handshake opens the device store and drives the pairing flow. State is
// observable through State/QRCode while this runs.
func (c *Client) handshake() {
	ctx := context.Background()

	container, err := c.openContainer(ctx)
	if err != nil {
		c.fail(err)
		return
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		c.fail(fmt.Errorf("failed to load device: %w", err))
		return
	}

	wa := whatsmeow.NewClient(device, waLog.Noop)
	wa.EnableAutoReconnect = c.opts.AutoReconnect
	wa.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if c.db != nil {
			c.db.Close()
		}
		return
	}
	c.wa = wa
	c.mu.Unlock()

	if device.ID == nil {
		// Fresh device: surface pairing codes until scanned or expired.
		qrChan, err := wa.GetQRChannel(ctx)
		if err != nil {
			c.fail(fmt.Errorf("failed to open QR channel: %w", err))
			return
		}
		if err := wa.Connect(); err != nil {
			c.fail(fmt.Errorf("failed to connect: %w", err))
			return
		}
		for evt := range qrChan {
			switch evt.Event {
			case "code":
				c.setQR(evt.Code)
			case "success":
				c.setState(domain.SessionAuthenticated)
			case "timeout":
				c.fail(fmt.Errorf("pairing timed out before the code was scanned"))
			default:
				c.fail(fmt.Errorf("pairing failed: %s", evt.Event))
			}
		}
		return
	}

	// Stored session: reconnect without a scan. The Connected event flips
	// the state.
	if err := wa.Connect(); err != nil {
		c.fail(fmt.Errorf("failed to connect: %w", err))
	}
}

func (c *Client) openContainer(ctx context.Context) (*sqlstore.Container, error) {
	if c.opts.Container != nil {
		return c.opts.Container, nil
	}

	if err := os.MkdirAll(c.opts.StoreDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session store dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)",
		filepath.Join(c.opts.StoreDir, c.sessionID+".db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate session store: %w", err)
	}

	// Disconnect may have run while the store was opening; it already
	// closed whatever it knew about, so this handle is ours to release.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		db.Close()
		return nil, fmt.Errorf("session was disconnected during setup")
	}
	c.db = db
	c.mu.Unlock()
	return container, nil
}

func (c *Client) handleEvent(evt any) {
	switch evt.(type) {
	case *events.Connected, *events.PairSuccess:
		c.setState(domain.SessionAuthenticated)
	case *events.PairError:
		c.fail(fmt.Errorf("pairing rejected by the device"))
	case *events.LoggedOut:
		// Remote credential revocation. Never re-authenticated silently.
		c.fail(fmt.Errorf("device was logged out remotely"))
	case *events.Disconnected, *events.StreamReplaced:
		c.mu.Lock()
		if c.state == domain.SessionAuthenticated && !c.opts.AutoReconnect {
			c.state = domain.SessionDisconnected
		}
		c.mu.Unlock()
	}
}

func (c *Client) readyClient() (*whatsmeow.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.SessionAuthenticated || c.wa == nil {
		msg := "session is not authenticated"
		if c.lastErr != nil {
			msg = c.lastErr.Error()
		}
		return nil, domain.ErrNotReady(msg).WithDetail(c.state.String())
	}
	return c.wa, nil
}

func (c *Client) recipientJID(to string) (types.JID, error) {
	addr, err := c.opts.Normalizer.JID(to)
	if err != nil {
		return types.JID{}, err
	}
	jid, err := types.ParseJID(addr)
	if err != nil {
		return types.JID{}, domain.ErrInvalidRequest("unusable phone number: " + to).WithCause(err)
	}
	return jid, nil
}

func (c *Client) setQR(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.qr = code
	c.state = domain.SessionAwaitingScan
	c.log.Info("pairing code issued, awaiting scan")
}

func (c *Client) setState(state domain.SessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = state
	if state == domain.SessionAuthenticated {
		c.qr = ""
		c.lastErr = nil
		c.log.Info("session authenticated")
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = domain.SessionAuthFailed
	c.qr = ""
	c.lastErr = err
	c.log.Warn("session failed", slog.String("error", err.Error()))
}

// uploadKind maps a MIME type to the session transport's upload category.
func uploadKind(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// mediaMessage builds the transport message referencing an uploaded blob.
func mediaMessage(up whatsmeow.UploadResponse, mimeType, caption, filename string, size uint64) *waE2E.Message {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	case strings.HasPrefix(mimeType, "video/"):
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optional(caption),
			Mimetype:      proto.String(mimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	case strings.HasPrefix(mimeType, "audio/"):
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(filename),
			FileName:      proto.String(filename),
			Caption:       optional(caption),
			Mimetype:      proto.String(mimeType),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &size,
		}}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
