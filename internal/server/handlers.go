package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-events/wedding-gateway/internal/auth"
	"github.com/marigold-events/wedding-gateway/internal/domain"
	"github.com/marigold-events/wedding-gateway/internal/gateway"
)

// maxMediaBytes bounds in-memory parsing of media uploads.
const maxMediaBytes = 32 << 20

// Handler serves the gateway REST surface over the registry and
// dispatcher.
type Handler struct {
	registry   *gateway.Registry
	dispatcher *gateway.Dispatcher
	log        *slog.Logger
	scratchDir string
	guard      *auth.Guard
}

// NewHandler creates the REST handler. scratchDir receives uploaded media
// before the channel client picks it up; empty means the OS temp dir.
func NewHandler(registry *gateway.Registry, dispatcher *gateway.Dispatcher, logger *slog.Logger, scratchDir string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		log:        logger,
		scratchDir: scratchDir,
		guard:      auth.NewGuard(""),
	}
}

// WithAdminGuard protects the provider routes with g. The default guard
// admits everything, for deployments that authenticate upstream.
func (h *Handler) WithAdminGuard(g *auth.Guard) *Handler {
	if g != nil {
		h.guard = g
	}
	return h
}

// Mount registers the REST routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Middleware)
		r.Get("/provider", h.getProvider)
		r.Post("/provider", h.setProvider)
	})
	r.Route("/events/{eventID}", func(r chi.Router) {
		r.Post("/initialize", h.initialize)
		r.Get("/qrcode", h.qrCode)
		r.Post("/send", h.sendText)
		r.Post("/send-media", h.sendMedia)
		r.Post("/send-template", h.sendTemplate)
		r.Post("/send-bulk", h.sendBulk)
		r.Get("/status", h.status)
		r.Post("/disconnect", h.disconnect)
	})
}

func (h *Handler) getProvider(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": h.registry.PreferredProvider(),
	})
}

type setProviderRequest struct {
	Provider      string `json:"provider"`
	APIKey        string `json:"apiKey,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
}

// setProvider switches the provider used for future client creation.
// Cached clients keep their current provider until explicitly disconnected.
func (h *Handler) setProvider(w http.ResponseWriter, r *http.Request) {
	var req setProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("invalid JSON body").WithCause(err))
		return
	}

	provider := domain.Provider(req.Provider)
	if err := h.registry.SetPreferredProvider(provider); err != nil {
		writeError(w, r, err)
		return
	}
	if provider == domain.ProviderCloudAPI && req.APIKey != "" {
		h.registry.SetDefaultCloudCredentials(domain.CloudAPICredentials{
			AccessToken:   req.APIKey,
			PhoneNumberID: req.PhoneNumberID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "provider updated",
		"provider": provider,
	})
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	result, err := h.registry.Initialize(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) qrCode(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	st := h.registry.Status(eventID)
	if st.QRCode != "" {
		writeJSON(w, http.StatusOK, map[string]any{"qrCode": st.QRCode})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": st.State})
}

type sendTextRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (h *Handler) sendText(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	var req sendTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("invalid JSON body").WithCause(err))
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, r, domain.ErrInvalidRequest("to and message are required"))
		return
	}

	client, err := h.registry.GetClient(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := client.SendText(r.Context(), req.To, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageId": id})
}

func (h *Handler) sendMedia(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxMediaBytes); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("invalid multipart body").WithCause(err))
		return
	}
	to := r.FormValue("to")
	if to == "" {
		writeError(w, r, domain.ErrInvalidRequest("to is required"))
		return
	}
	caption := r.FormValue("caption")

	src, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, domain.ErrInvalidRequest("file is required").WithCause(err))
		return
	}
	defer src.Close()

	// The channel contract takes a local path, so the upload lands in a
	// scratch file first. The extension is preserved for MIME detection.
	tmp, err := os.CreateTemp(h.scratchDir, "media-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		writeError(w, r, err)
		return
	}
	tmp.Close()

	client, err := h.registry.GetClient(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := client.SendMedia(r.Context(), to, tmp.Name(), caption)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageId": id})
}

type sendTemplateRequest struct {
	To           string                     `json:"to"`
	TemplateName string                     `json:"templateName"`
	LanguageCode string                     `json:"languageCode,omitempty"`
	Components   []domain.TemplateComponent `json:"components,omitempty"`
}

func (h *Handler) sendTemplate(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	var req sendTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("invalid JSON body").WithCause(err))
		return
	}
	if req.To == "" || req.TemplateName == "" {
		writeError(w, r, domain.ErrInvalidRequest("to and templateName are required"))
		return
	}

	client, err := h.registry.GetClient(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := client.SendTemplate(r.Context(), req.To, req.TemplateName, req.LanguageCode, req.Components)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messageId": id})
}

type sendBulkRequest struct {
	Message string `json:"message"`
	Filter  string `json:"filter,omitempty"`
}

func (h *Handler) sendBulk(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	var req sendBulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidRequest("invalid JSON body").WithCause(err))
		return
	}
	if req.Message == "" {
		writeError(w, r, domain.ErrInvalidRequest("message is required"))
		return
	}

	var filter *domain.RSVPStatus
	if req.Filter != "" {
		status := domain.RSVPStatus(req.Filter)
		switch status {
		case domain.RSVPPending, domain.RSVPAccepted, domain.RSVPDeclined, domain.RSVPNotInvited:
			filter = &status
		default:
			writeError(w, r, domain.ErrInvalidRequest("unknown rsvp filter: "+req.Filter))
			return
		}
	}

	report, err := h.dispatcher.SendBulk(r.Context(), eventID, req.Message, filter)
	if err != nil && report == nil {
		writeError(w, r, err)
		return
	}
	// A cancelled bulk send still reports the batches that completed.
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Status(eventID))
}

func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	eventID, ok := h.eventID(w, r)
	if !ok {
		return
	}
	if err := h.registry.Disconnect(r.Context(), eventID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "disconnected"})
}

func (h *Handler) eventID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "eventID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, domain.ErrInvalidRequest("invalid event id: "+raw))
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ge := domain.AsError(err)
	AddError(r.Context(), ge)
	writeJSON(w, ge.HTTPStatusCode(), map[string]any{"error": ge})
}
