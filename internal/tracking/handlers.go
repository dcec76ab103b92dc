package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailkite/mailkite/internal/metrics"
)

// pixelGIF is a 1x1 transparent GIF served by the open-tracking endpoint.
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// Handlers serves the public tracking surface: the open pixel, the click
// redirect, the unsubscribe page and the provider webhook.
type Handlers struct {
	tracker *Tracker
	journal *Journal
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHandlers(tracker *Tracker, journal *Journal, m *metrics.Metrics, logger *slog.Logger) *Handlers {
	return &Handlers{
		tracker: tracker,
		journal: journal,
		metrics: m,
		logger:  logger.With("component", "tracking_http"),
	}
}

// Mount attaches the tracking routes to a router.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/track/open", h.handleOpen)
	r.Get("/track/click", h.handleClick)
	r.Get("/unsubscribe", h.handleUnsubscribe)
	r.Post("/webhooks/transport", h.handleWebhook)
}

// handleOpen serves the pixel. It always returns 200: mail clients must get
// their image whether or not the token resolves.
func (h *Handlers) handleOpen(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("t")
	if token != "" {
		if err := h.tracker.RecordOpen(r.Context(), token, time.Now()); err != nil && !errors.Is(err, ErrUnknownToken) {
			h.logger.Error("failed to record open", "error", err)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}

// handleClick records the click and redirects to the target. The target must
// be an absolute http(s) URL; anything else is rejected to keep the endpoint
// from being an open redirector for arbitrary schemes.
func (h *Handlers) handleClick(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "invalid target url", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("t")
	if token != "" {
		if err := h.tracker.RecordClick(r.Context(), token, time.Now()); err != nil && !errors.Is(err, ErrUnknownToken) {
			h.logger.Error("failed to record click", "error", err)
		}
	}

	http.Redirect(w, r, u.String(), http.StatusFound)
}

// handleUnsubscribe confirms the unsubscribe, telling the visitor whether
// this was the request that did it or they were already off the list.
func (h *Handlers) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("r")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	newly, err := h.tracker.RecordUnsubscribe(r.Context(), token, time.Now())
	if errors.Is(err, ErrUnknownToken) {
		http.Error(w, "unknown unsubscribe link", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to record unsubscribe", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	msg := "You were already unsubscribed."
	if newly {
		msg = "You have been unsubscribed."
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>Unsubscribed</h1><p>%s</p></body></html>", msg)
}

// WebhookEvent is one notification from the provider. Events carry either
// the token (echoed back from the send headers) or the provider message id.
type WebhookEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // bounce, complaint, delivered
	MessageID string    `json:"message_id,omitempty"`
	Token     string    `json:"token,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type webhookRequest struct {
	Events []WebhookEvent `json:"events"`
}

// handleWebhook ingests provider notifications. It answers 200 regardless of
// per-event outcome: a non-2xx here only provokes a provider retry storm,
// and every internal effect is idempotent anyway.
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("undecodable webhook payload", "error", err)
		writeOK(w)
		return
	}

	for _, ev := range req.Events {
		h.processEvent(r, ev)
	}
	writeOK(w)
}

func (h *Handlers) processEvent(r *http.Request, ev WebhookEvent) {
	if ev.ID != "" && h.journal != nil {
		seen, err := h.journal.Seen(ev.ID, time.Now())
		if err != nil {
			h.logger.Error("journal lookup failed", "event_id", ev.ID, "error", err)
		} else if seen {
			h.metrics.IncWebhookDuplicate()
			return
		}
	}

	token := ev.Token
	if token == "" && ev.MessageID != "" {
		var err error
		token, err = h.tracker.TokenForProviderMsgID(ev.MessageID)
		if err != nil {
			h.logger.Warn("webhook event for unknown message", "event_id", ev.ID, "message_id", ev.MessageID)
			return
		}
	}
	if token == "" {
		h.logger.Warn("webhook event without token or message id", "event_id", ev.ID)
		return
	}

	h.metrics.IncWebhookEvent(ev.Type)

	var err error
	switch ev.Type {
	case "bounce":
		err = h.tracker.RecordBounce(r.Context(), token, ev.Reason)
	case "complaint":
		// Spam complaints suppress the contact like an unsubscribe.
		_, err = h.tracker.RecordUnsubscribe(r.Context(), token, ev.Timestamp)
	case "delivered":
		// Delivery confirmations carry no state we track.
	default:
		h.logger.Debug("ignoring webhook event type", "type", ev.Type)
	}
	if err != nil && !errors.Is(err, ErrUnknownToken) {
		h.logger.Error("failed to process webhook event", "event_id", ev.ID, "type", ev.Type, "error", err)
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
