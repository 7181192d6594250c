package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
)

// Email event types accepted from the provider.
const (
	EmailEventOpened       = "email_opened"
	EmailEventClicked      = "email_clicked"
	EmailEventBounced      = "email_bounced"
	EmailEventUnsubscribed = "email_unsubscribed"
)

// maxEmailBodyBytes caps the signed body read into memory.
const maxEmailBodyBytes = 64 << 10

var validEmailEvents = map[string]bool{
	EmailEventOpened:       true,
	EmailEventClicked:      true,
	EmailEventBounced:      true,
	EmailEventUnsubscribed: true,
}

// EmailEvent is the raw record published to cdp.raw.email. RawPayload
// preserves the provider body verbatim for replay and debugging.
type EmailEvent struct {
	EventType      string                 `json:"event_type"`
	RecipientEmail string                 `json:"recipient_email"`
	CampaignID     string                 `json:"campaign_id,omitempty"`
	LinkURL        string                 `json:"link_url,omitempty"`
	BounceType     string                 `json:"bounce_type,omitempty"`
	UserAgent      string                 `json:"user_agent,omitempty"`
	IPAddress      string                 `json:"ip_address,omitempty"`
	IsMachineOpen  bool                   `json:"is_machine_open"`
	Timestamp      time.Time              `json:"timestamp"`
	RawPayload     map[string]interface{} `json:"raw_payload"`
}

// EmailHandler accepts JSON engagement events from the email provider.
// Requests are authenticated with an HMAC-SHA256 signature over the
// raw body, carried in the X-Webhook-Signature header.
type EmailHandler struct {
	logger    *zap.Logger
	publisher Publisher
	secret    string
}

// NewEmailHandler returns the email webhook handler. An empty secret
// disables signature verification; that mode is for local development
// only.
func NewEmailHandler(logger *zap.Logger, publisher Publisher, secret string) *EmailHandler {
	return &EmailHandler{
		logger:    logger,
		publisher: publisher,
		secret:    secret,
	}
}

func (h *EmailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEmailBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("unreadable request body"))
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		h.logger.Warn("rejected email webhook with invalid signature",
			zap.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusForbidden, errorBody("invalid signature"))
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("request body is not valid JSON"))
		return
	}

	eventType := firstString(payload, "event_type", "event")
	if !validEmailEvents[eventType] {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("unknown event type: "+eventType))
		return
	}

	userAgent := firstString(payload, "user_agent", "useragent")
	evt := EmailEvent{
		EventType:      eventType,
		RecipientEmail: firstString(payload, "recipient_email", "email"),
		CampaignID:     firstString(payload, "campaign_id"),
		LinkURL:        firstString(payload, "url"),
		BounceType:     firstString(payload, "bounce_type"),
		UserAgent:      userAgent,
		IPAddress:      firstString(payload, "ip"),
		IsMachineOpen:  isMachineOpen(eventType, userAgent),
		Timestamp:      time.Now().UTC(),
		RawPayload:     payload,
	}

	if err := h.publisher.Publish(r.Context(), events.TopicRawEmail, evt.RecipientEmail, evt); err != nil {
		h.logger.Error("email event publish failed",
			zap.String("event_type", eventType),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("event not accepted"))
		return
	}

	h.logger.Info("email event accepted",
		zap.String("event_type", eventType),
		zap.Bool("is_machine_open", evt.IsMachineOpen))

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *EmailHandler) verifySignature(body []byte, signature string) bool {
	if h.secret == "" {
		h.logger.Warn("email webhook secret not configured, accepting unsigned request")
		return true
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// isMachineOpen flags opens generated by Apple Mail Privacy Protection
// prefetch proxies rather than a human reader. Only open events carry
// the flag.
func isMachineOpen(eventType, userAgent string) bool {
	if eventType != EmailEventOpened {
		return false
	}
	ua := strings.ToLower(userAgent)
	return strings.Contains(ua, "apple") || strings.Contains(ua, "cfnetwork")
}

func firstString(payload map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
