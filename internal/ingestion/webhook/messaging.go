package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
)

// Event kinds distinguishing inbound messages from delivery receipts.
const (
	EventKindMessage = "message"
	EventKindStatus  = "status"
)

// WhatsAppEvent is the raw record published to cdp.raw.whatsapp.
type WhatsAppEvent struct {
	FromNumber    string    `json:"from_number"`
	Body          string    `json:"body"`
	MediaURLs     []string  `json:"media_urls"`
	NumMedia      int       `json:"num_media"`
	MessageSid    string    `json:"message_sid"`
	MessageStatus string    `json:"message_status,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	EventKind     string    `json:"event_kind"`
}

// MessagingHandler accepts form-encoded WhatsApp callbacks from the
// messaging provider. Requests are authenticated with an HMAC-SHA1
// signature over the request URL plus the sorted, url-encoded form
// parameters, carried in the X-Signature header.
type MessagingHandler struct {
	logger    *zap.Logger
	publisher Publisher
	authToken string
}

// NewMessagingHandler returns the WhatsApp webhook handler. An empty
// authToken disables signature verification; that mode is for local
// development only.
func NewMessagingHandler(logger *zap.Logger, publisher Publisher, authToken string) *MessagingHandler {
	return &MessagingHandler{
		logger:    logger,
		publisher: publisher,
		authToken: authToken,
	}
}

func (h *MessagingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("malformed form payload"))
		return
	}

	if !h.verifySignature(r) {
		h.logger.Warn("rejected messaging webhook with invalid signature",
			zap.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusForbidden, errorBody("invalid signature"))
		return
	}

	form := r.PostForm
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	mediaURLs := make([]string, 0, numMedia)
	for i := 0; i < numMedia; i++ {
		if u := form.Get(fmt.Sprintf("MediaUrl%d", i)); u != "" {
			mediaURLs = append(mediaURLs, u)
		}
	}

	kind := EventKindMessage
	if form.Get("MessageStatus") != "" {
		kind = EventKindStatus
	}

	evt := WhatsAppEvent{
		FromNumber:    form.Get("From"),
		Body:          form.Get("Body"),
		MediaURLs:     mediaURLs,
		NumMedia:      numMedia,
		MessageSid:    form.Get("MessageSid"),
		MessageStatus: form.Get("MessageStatus"),
		Timestamp:     time.Now().UTC(),
		EventKind:     kind,
	}

	if err := h.publisher.Publish(r.Context(), events.TopicRawWhatsApp, evt.FromNumber, evt); err != nil {
		h.logger.Error("whatsapp event publish failed",
			zap.String("message_sid", evt.MessageSid),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("event not accepted"))
		return
	}

	h.logger.Info("whatsapp event accepted",
		zap.String("event_kind", kind),
		zap.String("message_sid", evt.MessageSid),
		zap.Int("num_media", numMedia))

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifySignature recomputes the provider signature over the request
// URL concatenated with the url-encoded form parameters. url.Values
// encodes in sorted key order, which is the canonical form the
// provider signs.
func (h *MessagingHandler) verifySignature(r *http.Request) bool {
	if h.authToken == "" {
		h.logger.Warn("messaging auth token not configured, accepting unsigned request")
		return true
	}

	mac := hmac.New(sha1.New, []byte(h.authToken))
	mac.Write([]byte(requestURL(r) + r.PostForm.Encode()))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(r.Header.Get("X-Signature")))
}
