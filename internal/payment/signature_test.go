package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	const secret = "whsec_test"
	body := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_1"}}}}`)
	sig := Sign(body, secret)

	t.Run("valid", func(t *testing.T) {
		assert.True(t, VerifySignature(body, sig, secret))
	})
	t.Run("tampered payload", func(t *testing.T) {
		tampered := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_2"}}}}`)
		assert.False(t, VerifySignature(tampered, sig, secret))
	})
	t.Run("re-serialized payload does not match", func(t *testing.T) {
		spaced := []byte(`{"event": "payment.captured", "payload": {"payment": {"entity": {"id": "pay_1", "order_id": "order_1"}}}}`)
		assert.False(t, VerifySignature(spaced, sig, secret))
	})
	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, VerifySignature(body, sig, "other"))
	})
	t.Run("empty secret or header", func(t *testing.T) {
		assert.False(t, VerifySignature(body, sig, ""))
		assert.False(t, VerifySignature(body, "", secret))
	})
	t.Run("not hex", func(t *testing.T) {
		assert.False(t, VerifySignature(body, "zz-not-hex", secret))
	})
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, IdempotencyKey("abc"), IdempotencyKey("abc"))
	assert.NotEqual(t, IdempotencyKey("abc"), IdempotencyKey("abd"))
}
