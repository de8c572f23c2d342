package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// DefaultMaxWebhookBodyBytes caps the size of a single webhook delivery.
const DefaultMaxWebhookBodyBytes = 1 << 20

// WebhookConfig configures a Webhook receiver.
type WebhookConfig struct {
	// Route names this receiver in Payload.Source, e.g. "deploy_complete".
	Route string
	// Secret, if set, requires a valid x-hub-signature-256 header
	// (HMAC-SHA256 hex digest of the raw body, "sha256=" prefixed).
	Secret string
}

// WebhookMetrics records per-request webhook outcomes. Satisfied
// structurally by *obs.Metrics; nil skips recording entirely.
type WebhookMetrics interface {
	RecordWebhookRequest(route, outcome string)
}

// Webhook is an events.Source backed by an HTTP handler rather than a
// background goroutine: Start records the trigger callback, and the
// caller wires Handler() into its own router. Stop is a no-op since the
// receiver owns no background resource.
type Webhook struct {
	cfg       WebhookConfig
	onTrigger TriggerFunc
	metrics   WebhookMetrics
}

// NewWebhook prepares a Webhook receiver. metrics may be nil.
func NewWebhook(cfg WebhookConfig, metrics WebhookMetrics) *Webhook {
	return &Webhook{cfg: cfg, metrics: metrics}
}

func (w *Webhook) recordOutcome(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordWebhookRequest(w.cfg.Route, outcome)
	}
}

// Start records onTrigger for use by Handler. There is nothing to poll
// or watch, so this never blocks and never returns a non-nil error.
func (w *Webhook) Start(ctx context.Context, onTrigger TriggerFunc) error {
	w.onTrigger = onTrigger
	return nil
}

// Stop is a no-op; Webhook owns no goroutine or file descriptor.
func (w *Webhook) Stop() error { return nil }

// Handler returns the http.HandlerFunc to register against the route.
// It accepts POST only, verifies the HMAC signature when a secret is
// configured, and decodes the body as JSON when possible.
func (w *Webhook) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.recordOutcome("rejected_method")
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(rw, r.Body, DefaultMaxWebhookBodyBytes)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				w.recordOutcome("rejected_body")
				http.Error(rw, "request entity too large", http.StatusRequestEntityTooLarge)
				return
			}
			w.recordOutcome("rejected_body")
			http.Error(rw, "failed to read body", http.StatusBadRequest)
			return
		}

		if w.cfg.Secret != "" {
			signature := r.Header.Get("x-hub-signature-256")
			if !validSignature(w.cfg.Secret, body, signature) {
				w.recordOutcome("rejected_signature")
				http.Error(rw, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		data := decodeBody(body)

		if w.onTrigger != nil {
			w.onTrigger(r.Context(), Payload{
				Source:  fmt.Sprintf("webhook:%s", w.cfg.Route),
				Summary: fmt.Sprintf("webhook %q received", w.cfg.Route),
				Data:    data,
			})
		}

		w.recordOutcome("accepted")
		rw.WriteHeader(http.StatusOK)
	}
}

func validSignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	signature := header[len(prefix):]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

func decodeBody(body []byte) map[string]any {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if obj, ok := parsed.(map[string]any); ok {
			return obj
		}
		return map[string]any{"body": parsed}
	}
	return map[string]any{"body": string(body)}
}
