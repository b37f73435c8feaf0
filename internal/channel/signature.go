package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HMACSignature computes the hex-encoded HMAC-SHA256 of body under secret.
// Channels that sign the raw webhook body (avito, webchat) share this scheme.
func HMACSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature is the valid hex HMAC-SHA256 of body
// under secret, compared in constant time. An empty secret or empty
// signature is always invalid.
func VerifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// EqualSecret compares a supplied token against the configured secret in
// constant time. Used by channels that authenticate with a shared token
// header rather than a body signature.
func EqualSecret(secret, supplied string) bool {
	if secret == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(supplied)) == 1
}
