package githubapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignatureValid(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"action":"opened"}`)
	c := New(nil, secret, "squadron-dev[bot]")

	assert.True(t, c.VerifyWebhookSignature(sign(secret, body), body))
}

func TestVerifyWebhookSignatureSingleByteFlip(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"action":"opened"}`)
	c := New(nil, secret, "squadron-dev[bot]")

	sig := sign(secret, body)
	flipped := sig[:len(sig)-1] + flipHexChar(sig[len(sig)-1])

	assert.False(t, c.VerifyWebhookSignature(flipped, body))
}

func TestVerifyWebhookSignatureMissingPrefix(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{}`)
	c := New(nil, secret, "squadron-dev[bot]")

	assert.False(t, c.VerifyWebhookSignature("deadbeef", body))
}

func flipHexChar(b byte) string {
	if b == '0' {
		return "1"
	}
	return "0"
}
