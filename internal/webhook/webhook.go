// Package webhook implements the GitHub webhook receiver: signature
// verification, installation/repo scope checks, rate limiting, and a
// bounded in-memory queue feeding the event router.
package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nbaertsch/squadron/internal/models"
	"github.com/nbaertsch/squadron/internal/obslog"
	"github.com/nbaertsch/squadron/internal/security"
)

// maxBodySize bounds a single webhook delivery (GitHub's own payload
// cap is 25MB; this is a defensive ceiling against a misbehaving sender).
const maxBodySize = 25 << 20

// Verifier checks an inbound delivery's HMAC signature.
type Verifier interface {
	VerifyWebhookSignature(signatureHeader string, body []byte) bool
}

// Config controls scope enforcement and rate limiting.
type Config struct {
	RequireInstallationID int64 // 0 disables the installation-scope check
	RequireRepoFullName   string
	RateLimitPerMin       int // 0 disables rate limiting
}

// Receiver is the HTTP handler for POST /webhook.
type Receiver struct {
	cfg      Config
	verifier Verifier
	queue    chan *models.GitHubEvent
	limiter  *security.RateLimiter
	log      *obslog.Logger
}

// New builds a Receiver. queueSize bounds the in-memory queue handed
// to the event router; a full queue causes 503 rather than blocking
// past GitHub's 10-second delivery deadline.
func New(cfg Config, verifier Verifier, queueSize int, log *obslog.Logger) *Receiver {
	r := &Receiver{cfg: cfg, verifier: verifier, queue: make(chan *models.GitHubEvent, queueSize), log: log}
	if cfg.RateLimitPerMin > 0 {
		r.limiter = security.NewRateLimiter(cfg.RateLimitPerMin, time.Minute)
	}
	return r
}

// Events returns the channel the event router consumes from.
func (r *Receiver) Events() <-chan *models.GitHubEvent {
	return r.queue
}

func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventType := req.Header.Get("X-GitHub-Event")
	deliveryID := req.Header.Get("X-GitHub-Delivery")
	signature := req.Header.Get("X-Hub-Signature-256")
	if eventType == "" || deliveryID == "" {
		http.Error(w, "missing required GitHub headers", http.StatusUnprocessableEntity)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusUnprocessableEntity)
		return
	}

	// Step 1: HMAC verify.
	if !r.verifier.VerifyWebhookSignature(signature, body) {
		r.log.Warning("webhook: signature mismatch for delivery %s", deliveryID)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	evt := &models.GitHubEvent{
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     decodeAction(body),
		Payload:    json.RawMessage(body),
	}
	evt.DecodeFields()

	// Step 2: installation scope.
	if r.cfg.RequireInstallationID != 0 && evt.InstallationID != r.cfg.RequireInstallationID {
		r.log.Warning("webhook: installation scope mismatch for delivery %s (got %d)", deliveryID, evt.InstallationID)
		http.Error(w, "installation scope mismatch", http.StatusForbidden)
		return
	}

	// Step 3: repo scope.
	if r.cfg.RequireRepoFullName != "" && evt.RepoFullName != r.cfg.RequireRepoFullName {
		r.log.Warning("webhook: repo scope mismatch for delivery %s (got %q)", deliveryID, evt.RepoFullName)
		http.Error(w, "repo scope mismatch", http.StatusForbidden)
		return
	}

	// Step 4: rate limit.
	if r.limiter != nil {
		key := rateLimitKey(evt)
		if !r.limiter.Allow(key) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	// Step 5: enqueue, respond 200 immediately. Dedup happens in the
	// router, after persistence — not here.
	select {
	case r.queue <- evt:
		w.WriteHeader(http.StatusOK)
	default:
		r.log.Error("webhook: queue full, dropping delivery %s", deliveryID)
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}
}

func rateLimitKey(evt *models.GitHubEvent) string {
	if evt.InstallationID != 0 {
		return fmt.Sprintf("install-%d", evt.InstallationID)
	}
	return "default"
}

// decodeAction extracts just the "action" field without fully decoding
// the payload twice; DecodeFields below does the rest.
func decodeAction(body []byte) string {
	var a struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(body, &a)
	return a.Action
}
