package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-events/wedding-gateway/internal/auth"
	"github.com/marigold-events/wedding-gateway/internal/channel"
	"github.com/marigold-events/wedding-gateway/internal/domain"
	"github.com/marigold-events/wedding-gateway/internal/gateway"
	"github.com/marigold-events/wedding-gateway/internal/phone"
	"github.com/marigold-events/wedding-gateway/internal/store"
)

const testPhoneNumberID = "106540352242922"

// graphStub fakes the three Graph API endpoints the cloud client touches
// and records every message payload it accepts.
type graphStub struct {
	srv *httptest.Server

	mu       sync.Mutex
	messages []map[string]any
}

func (g *graphStub) sent() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.messages...)
}

func newGraphStub(t *testing.T) *graphStub {
	t.Helper()
	g := &graphStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v21.0/"+testPhoneNumberID, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"verified_name":"Marigold Events","display_phone_number":"+1 415 555 0100"}`)
	})
	mux.HandleFunc("POST /v21.0/"+testPhoneNumberID+"/messages", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.messages = append(g.messages, payload)
		n := len(g.messages)
		g.mu.Unlock()
		fmt.Fprintf(w, `{"messages":[{"id":"wamid.%d"}]}`, n)
	})
	mux.HandleFunc("POST /v21.0/"+testPhoneNumberID+"/media", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"media-9"}`)
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

type testEnv struct {
	router *chi.Mux
	store  *store.Store
	graph  *graphStub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	g := newGraphStub(t)

	st, err := store.New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	normalizer := phone.New("1")
	registry := gateway.NewRegistry(st, gateway.Defaults{
		Provider: domain.ProviderCloudAPI,
		CloudAPI: domain.CloudAPICredentials{
			AccessToken:   "test-token",
			PhoneNumberID: testPhoneNumberID,
		},
	}, channel.Options{
		Normalizer: normalizer,
		HTTPClient: g.srv.Client(),
		BaseURL:    g.srv.URL,
	}, slog.Default())
	t.Cleanup(func() { registry.DisconnectAll(context.Background()) })

	dispatcher := gateway.NewDispatcher(registry, st, normalizer, 2, time.Millisecond, slog.Default())

	r := chi.NewRouter()
	NewHandler(registry, dispatcher, slog.Default(), t.TempDir()).Mount(r)
	return &testEnv{router: r, store: st, graph: g}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestProviderRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/provider", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /provider = %d", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["provider"] != "cloud_api" {
		t.Errorf("provider = %q, want cloud_api", got["provider"])
	}

	rec = env.do(t, http.MethodPost, "/provider", map[string]string{"provider": "session"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /provider = %d: %s", rec.Code, rec.Body)
	}
	rec = env.do(t, http.MethodGet, "/provider", nil)
	if got := decode[map[string]string](t, rec); got["provider"] != "session" {
		t.Errorf("provider after switch = %q, want session", got["provider"])
	}

	rec = env.do(t, http.MethodPost, "/provider", map[string]string{"provider": "smoke_signals"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider = %d, want 400", rec.Code)
	}
}

func TestProviderRoutesHonorAdminGuard(t *testing.T) {
	registry := gateway.NewRegistry(nil, gateway.Defaults{Provider: domain.ProviderSession}, channel.Options{}, slog.Default())
	r := chi.NewRouter()
	NewHandler(registry, nil, slog.Default(), t.TempDir()).
		WithAdminGuard(auth.NewGuard("admin-secret")).
		Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/provider", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without key = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/provider", nil)
	req.Header.Set("X-API-Key", "admin-secret")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key = %d, want 200", rec.Code)
	}

	// Event routes stay open; only the admin surface is guarded.
	req = httptest.NewRequest(http.MethodGet, "/events/5/status", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("event status = %d, want 200", rec.Code)
	}
}

func TestSendText(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/events/5/send", map[string]string{
		"to":      "(415) 555-0101",
		"message": "See you Saturday!",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /send = %d: %s", rec.Code, rec.Body)
	}
	got := decode[map[string]string](t, rec)
	if !strings.HasPrefix(got["messageId"], "wamid.") {
		t.Errorf("messageId = %q", got["messageId"])
	}

	sent := env.graph.sent()
	if len(sent) != 1 {
		t.Fatalf("provider saw %d messages, want 1", len(sent))
	}
	if to := sent[0]["to"]; to != "14155550101" {
		t.Errorf("provider saw to = %v, want normalized 14155550101", to)
	}
}

func TestSendTextValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/events/5/send", map[string]string{"to": "4155550101"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing message = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/events/abc/send", map[string]string{"to": "4155550101", "message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad event id = %d, want 400", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/events/0/send", map[string]string{"to": "4155550101", "message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero event id = %d, want 400", rec.Code)
	}
}

func TestSendMedia(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("to", "4155550101")
	w.WriteField("caption", "venue map")
	part, err := w.CreateFormFile("file", "map.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte("not really a png"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/events/5/send-media", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("POST /send-media = %d: %s", rec.Code, rec.Body)
	}
	sent := env.graph.sent()
	if len(sent) != 1 {
		t.Fatalf("provider saw %d messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg["type"] != "image" {
		t.Errorf("message type = %v, want image", msg["type"])
	}
	img, _ := msg["image"].(map[string]any)
	if img["id"] != "media-9" || img["caption"] != "venue map" {
		t.Errorf("image payload = %v", img)
	}
}

func TestSendTemplate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/events/5/send-template", map[string]any{
		"to":           "4155550101",
		"templateName": "rsvp_reminder",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /send-template = %d: %s", rec.Code, rec.Body)
	}
	msg := env.graph.sent()[0]
	if msg["type"] != "template" {
		t.Errorf("message type = %v, want template", msg["type"])
	}
	tmpl, _ := msg["template"].(map[string]any)
	if tmpl["name"] != "rsvp_reminder" {
		t.Errorf("template payload = %v", tmpl)
	}
}

func TestSendBulk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seed := []domain.Guest{
		{EventID: 5, Name: "Asha Rao", FirstName: "Asha", Phone: "4155550101", RSVP: domain.RSVPAccepted},
		{EventID: 5, Name: "Ben Ortiz", FirstName: "Ben", Phone: "4155550102", RSVP: domain.RSVPAccepted},
		{EventID: 5, Name: "Chloe Park", FirstName: "Chloe", Phone: "4155550103", RSVP: domain.RSVPDeclined},
	}
	for _, g := range seed {
		if _, err := env.store.AddGuest(ctx, g); err != nil {
			t.Fatalf("AddGuest: %v", err)
		}
	}

	rec := env.do(t, http.MethodPost, "/events/5/send-bulk", map[string]string{
		"message": "Hi {name}, doors open at 4pm.",
		"filter":  "accepted",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /send-bulk = %d: %s", rec.Code, rec.Body)
	}
	report := decode[domain.BulkReport](t, rec)
	if report.Total != 2 || report.Sent != 2 || report.Failed != 0 {
		t.Errorf("report = %+v, want 2 sent", report)
	}

	sent := env.graph.sent()
	if len(sent) != 2 {
		t.Fatalf("provider saw %d messages, want 2", len(sent))
	}
	// Within a batch arrival order is not fixed, so check the set of bodies.
	bodies := make(map[string]bool)
	for _, msg := range sent {
		if text, ok := msg["text"].(map[string]any); ok {
			bodies[fmt.Sprint(text["body"])] = true
		}
	}
	for _, want := range []string{"Hi Asha, doors open at 4pm.", "Hi Ben, doors open at 4pm."} {
		if !bodies[want] {
			t.Errorf("missing personalized body %q in %v", want, bodies)
		}
	}
}

func TestSendBulkRejectsUnknownFilter(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/events/5/send-bulk", map[string]string{
		"message": "hi",
		"filter":  "maybe",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown filter = %d, want 400", rec.Code)
	}
}

func TestStatusAndDisconnect(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/events/5/status", nil)
	st := decode[gateway.Status](t, rec)
	if st.Connected || st.State != "not_connected" {
		t.Errorf("status before initialize = %+v", st)
	}

	rec = env.do(t, http.MethodPost, "/events/5/initialize", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /initialize = %d: %s", rec.Code, rec.Body)
	}
	init := decode[gateway.InitResult](t, rec)
	if init.Status != "ready" {
		t.Errorf("initialize status = %q, want ready", init.Status)
	}

	rec = env.do(t, http.MethodGet, "/events/5/status", nil)
	st = decode[gateway.Status](t, rec)
	if !st.Connected || st.State != "connected" {
		t.Errorf("status after initialize = %+v", st)
	}

	rec = env.do(t, http.MethodPost, "/events/5/disconnect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /disconnect = %d: %s", rec.Code, rec.Body)
	}
	rec = env.do(t, http.MethodGet, "/events/5/status", nil)
	if st = decode[gateway.Status](t, rec); st.State != "not_connected" {
		t.Errorf("status after disconnect = %+v", st)
	}
}

func TestQRCodeEndpointWithoutPairing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/events/5/qrcode", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /qrcode = %d", rec.Code)
	}
	got := decode[map[string]string](t, rec)
	if got["status"] != "not_connected" {
		t.Errorf("qrcode response = %v", got)
	}
}

func TestStoredCredentialsDriveSends(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Per-event credentials pointing at the same stub but a distinct token.
	if err := env.store.SaveCredentials(ctx, 8, domain.Credentials{
		Provider: domain.ProviderCloudAPI,
		CloudAPI: &domain.CloudAPICredentials{
			AccessToken:   "event-8-token",
			PhoneNumberID: testPhoneNumberID,
		},
	}); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/events/8/send", map[string]string{
		"to":      "4155550108",
		"message": "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /send = %d: %s", rec.Code, rec.Body)
	}
}
