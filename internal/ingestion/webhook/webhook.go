// Package webhook serves the provider-facing ingestion endpoints.
// Each handler verifies the provider's HMAC signature, reshapes the
// payload into a raw source event and publishes it to the matching
// raw topic for the downstream pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
)

// Route patterns in net/http method-pattern form, mounted by cmd/ingest.
const (
	MessagingRoute = "POST /webhooks/messaging/whatsapp"
	EmailRoute     = "POST /webhooks/email"
)

// Publisher publishes raw webhook events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}

// requestURL reconstructs the externally visible URL the provider
// signed. Deployments behind a TLS-terminating proxy advertise the
// original scheme via X-Forwarded-Proto.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
