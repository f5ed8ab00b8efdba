package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyWebhookHMAC checks the platform's webhook signature: base64 of the
// HMAC-SHA256 of the raw request body under the shared secret, delivered in
// the X-Shopify-Hmac-Sha256 header. Constant-time compare.
func verifyWebhookHMAC(secret, signature string, body []byte) *authError {
	if signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature header"}
	}
	provided, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid webhook signature encoding"}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return &authError{status: 401, code: "unauthorized", message: "webhook signature mismatch"}
	}
	return nil
}
