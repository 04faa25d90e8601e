// Package crypto provides shared-secret signing utilities for the core:
// HMAC verification of proxy-forwarded client IPs and opaque token
// generation for reset/anonymous login tokens.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SignSSRIP computes the HMAC-SHA256 signature an SSR proxy must send in
// X-SSR-Ip-Verification for the IP it forwards in X-SSR-Ip.
func SignSSRIP(key []byte, ip string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySSRIP reports whether the verification header matches the forwarded
// IP. Comparison is constant-time.
func VerifySSRIP(key []byte, ip, verification string) bool {
	if len(key) == 0 || ip == "" || verification == "" {
		return false
	}
	expected := SignSSRIP(key, ip)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(verification)) == 1
}

// RandomToken returns a hex-encoded token with byteLen bytes of entropy.
// Used for password reset tokens and anonymous login tokens. A failing
// system entropy source is not recoverable, so it panics instead of
// returning an error every caller would have to treat as fatal anyway.
func RandomToken(byteLen int) string {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto: entropy source failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// GenerateKey generates a new 32-byte secret in hex format, suitable for
// APP_KEYS or SSR_VERIFICATION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
