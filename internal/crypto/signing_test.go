package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySSRIP(t *testing.T) {
	key := []byte("shared-secret")

	sig := SignSSRIP(key, "203.0.113.7")
	assert.True(t, VerifySSRIP(key, "203.0.113.7", sig))

	// Wrong IP, wrong key, empty inputs all fail.
	assert.False(t, VerifySSRIP(key, "203.0.113.8", sig))
	assert.False(t, VerifySSRIP([]byte("other"), "203.0.113.7", sig))
	assert.False(t, VerifySSRIP(key, "203.0.113.7", ""))
	assert.False(t, VerifySSRIP(nil, "203.0.113.7", sig))
}

func TestRandomTokenLengthAndUniqueness(t *testing.T) {
	a := RandomToken(24)
	b := RandomToken(24)

	assert.Len(t, a, 48)
	assert.NotEqual(t, a, b)
}
