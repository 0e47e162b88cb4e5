package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	v, err := NewVerifier("whsec_test")
	require.NoError(t, err)

	body := []byte(`{"records":[{"email":"a@example.com"}]}`)
	sig := v.Sign(body)

	assert.True(t, v.Verify(sig, body))
	assert.False(t, v.Verify(sig, []byte(`{"records":[]}`)), "modified body must fail")
	assert.False(t, v.Verify("deadbeef", body), "wrong signature must fail")
	assert.False(t, v.Verify("not-hex!", body), "undecodable signature must fail")

	other, err := NewVerifier("whsec_other")
	require.NoError(t, err)
	assert.False(t, other.Verify(sig, body), "signature from another secret must fail")
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("   ")
	assert.Error(t, err)
}
