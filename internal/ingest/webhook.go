package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/ghpipe/internal/model"
)

// Webhook headers set by GitHub.
const (
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
	HeaderSignature = "X-Hub-Signature-256"
)

const maxWebhookBody = 25 << 20

// WebhookHandler stages GitHub webhook deliveries. When a secret is set,
// deliveries without a valid HMAC-SHA256 signature are rejected.
type WebhookHandler struct {
	store  StagingStore
	secret []byte
}

// NewWebhookHandler returns a handler writing to st.
func NewWebhookHandler(st StagingStore, secret string) *WebhookHandler {
	h := &WebhookHandler{store: st}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if h.secret != nil && !ValidSignature(h.secret, body, r.Header.Get(HeaderSignature)) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get(HeaderEvent)
	delivery := r.Header.Get(HeaderDelivery)
	if event == "ping" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "pong"})
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}

	id, err := h.store.InsertStaging(r.Context(), model.StagingRecord{
		Source:     model.SourceWebhook,
		EventType:  event,
		DeliveryID: delivery,
		Payload:    body,
	})
	if err != nil {
		zap.L().Error("ingest: stage webhook delivery", zap.String("delivery", delivery), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "staging failed")
		return
	}
	if id == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "delivery": delivery})
		return
	}
	zap.L().Debug("ingest: webhook staged",
		zap.String("event", event),
		zap.String("delivery", delivery),
		zap.Int64("staging_id", id),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "id": id})
}

// ValidSignature checks a "sha256=<hex>" signature header against body.
func ValidSignature(secret, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(secret, body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
