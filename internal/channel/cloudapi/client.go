// Package cloudapi implements the channel contract over the WhatsApp
// Business Cloud API. The client is stateless after construction: one
// verification call confirms the credentials and flips readiness
// permanently. A token revoked later surfaces as send-time transport
// errors, never as a readiness change.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/marigold-events/wedding-gateway/internal/domain"
	"github.com/marigold-events/wedding-gateway/internal/phone"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
	defaultLanguage   = "en_US"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIVersion sets the Graph API version segment.
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// WithNormalizer sets the phone normalizer applied before every send.
func WithNormalizer(n *phone.Normalizer) ClientOption {
	return func(c *Client) {
		c.normalizer = n
	}
}

// Client is an HTTP client for the WhatsApp Business Cloud API.
type Client struct {
	creds      domain.CloudAPICredentials
	baseURL    string
	version    string
	httpClient *http.Client
	normalizer *phone.Normalizer

	// mu guards ready and the access token: sends race Disconnect when a
	// handler still holds the client after the registry evicted it.
	mu    sync.Mutex
	ready bool
}

// New constructs a client and verifies the credentials with one call
// against the provider. A failed verification is a configuration error;
// no half-usable client is returned.
func New(ctx context.Context, creds domain.CloudAPICredentials, opts ...ClientOption) (*Client, error) {
	c := &Client{
		creds:      creds,
		baseURL:    defaultBaseURL,
		version:    defaultAPIVersion,
		httpClient: http.DefaultClient,
		normalizer: phone.New(""),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.verify(ctx); err != nil {
		return nil, err
	}
	c.ready = true
	return c, nil
}

// IsReady reports whether credential verification succeeded.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// token snapshots the access token, or reports not_ready after Disconnect.
func (c *Client) token() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return "", domain.ErrNotReady("cloud api client is not verified")
	}
	return c.creds.AccessToken, nil
}

// QRCode always reports no code: the Cloud API has no interactive pairing.
func (c *Client) QRCode() (string, bool) { return "", false }

// verify confirms the access token can read the phone-number resource.
func (c *Client) verify(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("")+"?fields=verified_name,display_phone_number", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ErrConfiguration("credential verification failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return domain.ErrConfiguration("credential verification rejected").
			WithDetail(graphErrorDetail(resp.StatusCode, body))
	}
	return nil
}

// SendText delivers a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	token, err := c.token()
	if err != nil {
		return "", err
	}
	addr, err := c.normalizer.Normalize(to)
	if err != nil {
		return "", err
	}
	return c.sendMessage(ctx, token, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                addr,
		"type":              "text",
		"text":              map[string]any{"body": body},
	})
}

// SendMedia uploads the file to obtain a provider-side media id, then sends
// a reference message using that id. The two steps are an external protocol
// requirement and must not be collapsed.
func (c *Client) SendMedia(ctx context.Context, to, path, caption string) (string, error) {
	token, err := c.token()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", domain.ErrMediaNotFound(path).WithCause(err)
	}
	addr, err := c.normalizer.Normalize(to)
	if err != nil {
		return "", err
	}

	mediaID, mimeType, err := c.uploadMedia(ctx, token, path)
	if err != nil {
		return "", err
	}

	kind := mediaKind(mimeType)
	ref := map[string]any{"id": mediaID}
	if caption != "" && kind != "audio" {
		ref["caption"] = caption
	}
	if kind == "document" {
		ref["filename"] = filepath.Base(path)
	}
	return c.sendMessage(ctx, token, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                addr,
		"type":              kind,
		kind:                ref,
	})
}

// SendTemplate delivers a structured template message, natively supported
// by this variant.
func (c *Client) SendTemplate(ctx context.Context, to, name, languageCode string, components []domain.TemplateComponent) (string, error) {
	token, err := c.token()
	if err != nil {
		return "", err
	}
	addr, err := c.normalizer.Normalize(to)
	if err != nil {
		return "", err
	}
	if languageCode == "" {
		languageCode = defaultLanguage
	}
	tmpl := map[string]any{
		"name":     name,
		"language": map[string]any{"code": languageCode},
	}
	if len(components) > 0 {
		tmpl["components"] = components
	}
	return c.sendMessage(ctx, token, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                addr,
		"type":              "template",
		"template":          tmpl,
	})
}

// Disconnect drops the held credentials. Idempotent; there is no
// connection to tear down.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	c.creds.AccessToken = ""
	return nil
}

func (c *Client) sendMessage(ctx context.Context, token string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("messages"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.ErrTransport("message send failed").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.ErrTransport("failed to read response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", domain.ErrTransport("provider rejected message").
			WithDetail(graphErrorDetail(resp.StatusCode, respBody))
	}

	var result struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", domain.ErrTransport("failed to decode response").WithCause(err)
	}
	if len(result.Messages) == 0 {
		return "", domain.ErrTransport("response carried no message id")
	}
	return result.Messages[0].ID, nil
}

// uploadMedia performs phase one of a media send: push the binary and get
// back an opaque provider-side id.
func (c *Client) uploadMedia(ctx context.Context, token, path string) (id, mimeType string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", domain.ErrMediaNotFound(path).WithCause(err)
	}
	defer f.Close()

	mimeType = mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := w.WriteField("type", mimeType); err != nil {
		return "", "", fmt.Errorf("failed to build upload form: %w", err)
	}
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", "", fmt.Errorf("failed to read media file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("media"), &buf)
	if err != nil {
		return "", "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", domain.ErrTransport("media upload failed").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", domain.ErrTransport("failed to read upload response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", domain.ErrTransport("provider rejected media upload").
			WithDetail(graphErrorDetail(resp.StatusCode, respBody))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", "", domain.ErrTransport("failed to decode upload response").WithCause(err)
	}
	if result.ID == "" {
		return "", "", domain.ErrTransport("upload response carried no media id")
	}
	return result.ID, mimeType, nil
}

func (c *Client) endpoint(suffix string) string {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, c.version, c.creds.PhoneNumberID)
	if suffix != "" {
		u += "/" + suffix
	}
	return u
}

// mediaKind maps a MIME type to the Cloud API message type.
func mediaKind(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

// graphErrorDetail extracts the Graph API error envelope when present.
func graphErrorDetail(status int, body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Sprintf("status %d: %s (%s, code %d)", status, parsed.Error.Message, parsed.Error.Type, parsed.Error.Code)
	}
	return fmt.Sprintf("status %d: %s", status, string(body))
}
