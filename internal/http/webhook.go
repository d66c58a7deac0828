package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ericreilly999/inventory-release/internal/version"
)

const (
	signatureHeader = "X-Signature-256"
	signaturePrefix = "sha256="
	webhookActor    = "webhook"
)

type tagEvent struct {
	Ref         string `json:"ref"`
	Environment string `json:"environment"`
}

// ValidateSignature checks the hex HMAC-SHA256 of payload, optionally
// prefixed with "sha256=".
func ValidateSignature(payload []byte, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), signaturePrefix)
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

func (r *Router) handleTagWebhook(w http.ResponseWriter, req *http.Request) {
	if r.opts.WebhookSecret == "" {
		writeError(w, http.StatusNotFound, "webhook disabled")
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if err := ValidateSignature(body, []byte(r.opts.WebhookSecret), req.Header.Get(signatureHeader)); err != nil {
		r.recordTrigger("rejected")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var event tagEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ver, ok := version.FromTag(event.Ref)
	if !ok {
		r.recordTrigger("ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "ref": event.Ref})
		return
	}
	// tags only ever release to the configured environment; promotion
	// beyond it stays with operators
	target := r.opts.WebhookEnvironment
	if requested := strings.TrimSpace(event.Environment); requested != "" && !strings.EqualFold(requested, target) {
		r.recordTrigger("rejected")
		writeError(w, http.StatusForbidden, "webhook may only release to "+target)
		return
	}
	rel, err := r.releases.Start(req.Context(), target, ver, webhookActor)
	if err != nil {
		r.recordTrigger("failed")
		writeDomainError(w, err)
		return
	}
	r.recordTrigger("started")
	writeJSON(w, http.StatusAccepted, rel)
}
