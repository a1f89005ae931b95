package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign returns the hex HMAC-SHA256 of message under secret, the format the gateway
// uses for both webhook and checkout signatures.
func Sign(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// verify compares in constant time. An empty secret never verifies.
func verify(secret string, message []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifyWebhookSignature checks the signature header against the raw request body.
func (c *Client) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	return verify(c.cfg.WebhookSecret, rawBody, signature)
}

// VerifyPaymentSignature checks the signature the checkout widget hands back to the
// buyer after a successful payment: HMAC(keySecret, "<orderId>|<paymentId>").
func (c *Client) VerifyPaymentSignature(gatewayOrderID, paymentID, signature string) bool {
	if gatewayOrderID == "" || paymentID == "" {
		return false
	}
	return verify(c.cfg.KeySecret, []byte(gatewayOrderID+"|"+paymentID), signature)
}
