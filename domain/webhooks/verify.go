// Package webhooks verifies inbound platform webhooks and dispatches signed
// outbound deliveries to registered endpoints.
package webhooks

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/logger"
)

// Verifier checks platform webhook signatures against the configured
// Ed25519 key set.
type Verifier struct {
	keys   []ed25519.PublicKey
	bypass bool
	log    *slog.Logger
}

// NewVerifier loads the configured keys. Keys must be 64 hex characters;
// invalid entries are skipped with a WARN so one bad key cannot take down
// the endpoint. With no keys at all, verification is skipped outside
// production; production refuses unsigned traffic.
func NewVerifier(cfg *config.Config, log *slog.Logger) *Verifier {
	v := &Verifier{log: log.With(logger.Scope("webhooks.verify"))}

	keys, skipped := cfg.Webhooks.PublicKeys()
	for range skipped {
		v.log.Warn("skipping malformed webhook public key")
	}
	for _, raw := range keys {
		v.keys = append(v.keys, ed25519.PublicKey(raw))
	}

	if len(v.keys) == 0 {
		if cfg.Environment == "production" {
			v.log.Error("no valid webhook public keys configured, platform webhooks will be rejected")
		} else {
			v.bypass = true
			v.log.Warn("no webhook public keys configured, skipping signature verification",
				slog.String("environment", cfg.Environment))
		}
	}
	return v
}

// KeyCount reports how many keys parsed.
func (v *Verifier) KeyCount() int {
	return len(v.keys)
}

// Verify checks an Ed25519 signature over timestamp || body. Any configured
// key passing accepts the request.
func (v *Verifier) Verify(timestamp string, body []byte, signatureHex string) bool {
	if v.bypass {
		return true
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	message := append([]byte(timestamp), body...)
	for _, key := range v.keys {
		if ed25519.Verify(key, message, sig) {
			return true
		}
	}
	return false
}

// SignInternal produces the internal webhook signature header value:
// v1=<hex hmac-sha256> over timestamp + "." + body.
func SignInternal(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyInternal checks an internal webhook signature and its timestamp
// freshness. Comparison is constant-time.
func VerifyInternal(secret, timestamp string, body []byte, header string, maxAge time.Duration, now time.Time) error {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q", timestamp)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age < 0 {
		age = -age
	}
	if age > maxAge {
		return fmt.Errorf("timestamp outside allowed window")
	}

	expected := SignInternal(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(header)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
