package webhook

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaertsch/squadron/internal/obslog"
)

type fakeVerifier struct{ ok bool }

func (f fakeVerifier) VerifyWebhookSignature(signatureHeader string, body []byte) bool { return f.ok }

func testLogger() *obslog.Logger {
	return obslog.New(log.New(io.Discard, "", 0), nil)
}

func newRequest(eventType, deliveryID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	if eventType != "" {
		req.Header.Set("X-GitHub-Event", eventType)
	}
	if deliveryID != "" {
		req.Header.Set("X-GitHub-Delivery", deliveryID)
	}
	req.Header.Set("X-Hub-Signature-256", "sha256=whatever")
	return req
}

func TestValidEventIsEnqueuedAndReturns200(t *testing.T) {
	r := New(Config{}, fakeVerifier{ok: true}, 4, testLogger())
	req := newRequest("issues", "d1", `{"action":"opened","repository":{"full_name":"o/r"}}`)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	select {
	case evt := <-r.Events():
		assert.Equal(t, "d1", evt.DeliveryID)
		assert.Equal(t, "issues", evt.EventType)
		assert.Equal(t, "opened", evt.Action)
	default:
		t.Fatal("expected an event to be enqueued")
	}
}

func TestSignatureMismatchReturns401(t *testing.T) {
	r := New(Config{}, fakeVerifier{ok: false}, 4, testLogger())
	req := newRequest("issues", "d2", `{}`)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMissingHeadersReturn422(t *testing.T) {
	r := New(Config{}, fakeVerifier{ok: true}, 4, testLogger())
	req := newRequest("", "d3", `{}`)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestInstallationScopeMismatchReturns403(t *testing.T) {
	r := New(Config{RequireInstallationID: 999}, fakeVerifier{ok: true}, 4, testLogger())
	req := newRequest("issues", "d4", `{"installation":{"id":1}}`)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRepoScopeMismatchReturns403(t *testing.T) {
	r := New(Config{RequireRepoFullName: "o/expected"}, fakeVerifier{ok: true}, 4, testLogger())
	req := newRequest("issues", "d5", `{"repository":{"full_name":"o/other"}}`)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitExceededReturns429(t *testing.T) {
	r := New(Config{RateLimitPerMin: 1}, fakeVerifier{ok: true}, 4, testLogger())

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, newRequest("issues", "d6", `{}`))
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, newRequest("issues", "d7", `{}`))
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestRateLimitZeroDisablesLimiting(t *testing.T) {
	r := New(Config{RateLimitPerMin: 0}, fakeVerifier{ok: true}, 4, testLogger())

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, newRequest("issues", "d-unbounded", `{}`))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestFullQueueReturns503(t *testing.T) {
	r := New(Config{}, fakeVerifier{ok: true}, 1, testLogger())
	r.ServeHTTP(httptest.NewRecorder(), newRequest("issues", "d8", `{}`))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, newRequest("issues", "d9", `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestNonPostMethodRejected(t *testing.T) {
	r := New(Config{}, fakeVerifier{ok: true}, 4, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
