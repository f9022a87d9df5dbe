package webhooks

import (
	"crypto/ed25519"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opennotes-dev/opennotes-server/internal/config"
	"github.com/opennotes-dev/opennotes-server/pkg/apperror"
)

func generateKey(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return hex.EncodeToString(pub), priv
}

func newTestVerifier(t *testing.T, primary string, additional ...string) *Verifier {
	t.Helper()
	cfg := &config.Config{}
	cfg.Webhooks.DiscordPublicKey = primary
	cfg.Webhooks.AdditionalPublicKeys = strings.Join(additional, ",")
	return NewVerifier(cfg, slog.Default())
}

func sign(priv ed25519.PrivateKey, timestamp string, body []byte) string {
	return hex.EncodeToString(ed25519.Sign(priv, append([]byte(timestamp), body...)))
}

func TestVerifierRoundtrip(t *testing.T) {
	pubHex, priv := generateKey(t)
	v := newTestVerifier(t, pubHex)
	require.Equal(t, 1, v.KeyCount())

	body := []byte(`{"event_type":"BULK_SCAN_MESSAGE_BATCH"}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := sign(priv, timestamp, body)

	assert.True(t, v.Verify(timestamp, body, signature))
	assert.False(t, v.Verify(timestamp, []byte(`tampered`), signature))
	assert.False(t, v.Verify("0", body, signature), "timestamp is part of the signed message")
	assert.False(t, v.Verify(timestamp, body, "not-hex"))
}

func TestVerifierAnyKeyPasses(t *testing.T) {
	firstHex, _ := generateKey(t)
	secondHex, secondPriv := generateKey(t)
	v := newTestVerifier(t, firstHex, secondHex)
	require.Equal(t, 2, v.KeyCount())

	body := []byte(`{}`)
	timestamp := "1700000000"
	assert.True(t, v.Verify(timestamp, body, sign(secondPriv, timestamp, body)))
}

func TestVerifierSkipsInvalidKeys(t *testing.T) {
	pubHex, _ := generateKey(t)
	v := newTestVerifier(t, pubHex, "tooshort", strings.Repeat("zz", 32), "")
	assert.Equal(t, 1, v.KeyCount())
}

func TestVerifierNoKeysBypassesOutsideProduction(t *testing.T) {
	cfg := &config.Config{Environment: "development"}
	v := NewVerifier(cfg, slog.Default())
	assert.Zero(t, v.KeyCount())
	assert.True(t, v.Verify("1700000000", []byte(`{}`), ""),
		"local setups without keys must not have every webhook rejected")
}

func TestVerifierNoKeysRejectsInProduction(t *testing.T) {
	cfg := &config.Config{Environment: "production"}
	v := NewVerifier(cfg, slog.Default())
	assert.Zero(t, v.KeyCount())
	assert.False(t, v.Verify("1700000000", []byte(`{}`), strings.Repeat("00", 64)))
}

func TestVerifierConfiguredKeysNeverBypass(t *testing.T) {
	pubHex, _ := generateKey(t)
	v := newTestVerifier(t, pubHex)
	assert.False(t, v.Verify("1700000000", []byte(`{}`), strings.Repeat("00", 64)))
	assert.False(t, v.Verify("1700000000", []byte(`{}`), ""))
}

func TestInternalSignatureRoundtrip(t *testing.T) {
	body := []byte(`{"event_type":"NOTE_SCORE_UPDATED"}`)
	now := time.Now()
	timestamp := strconv.FormatInt(now.Unix(), 10)

	header := SignInternal("s3cret", timestamp, body)
	assert.True(t, strings.HasPrefix(header, "v1="))

	assert.NoError(t, VerifyInternal("s3cret", timestamp, body, header, 5*time.Minute, now))
	assert.Error(t, VerifyInternal("other", timestamp, body, header, 5*time.Minute, now))
	assert.Error(t, VerifyInternal("s3cret", timestamp, []byte(`tampered`), header, 5*time.Minute, now))
}

func TestInternalSignatureStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	header := SignInternal("s3cret", stale, body)

	assert.Error(t, VerifyInternal("s3cret", stale, body, header, 5*time.Minute, now))
	assert.Error(t, VerifyInternal("s3cret", "not-a-number", body, header, 5*time.Minute, now))

	// Future timestamps outside the window are just as stale.
	future := strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)
	assert.Error(t, VerifyInternal("s3cret", future, body, SignInternal("s3cret", future, body), 5*time.Minute, now))
}

func TestEndpointSubscribed(t *testing.T) {
	all := &Endpoint{}
	assert.True(t, all.Subscribed("BULK_SCAN_COMPLETED"))

	scoped := &Endpoint{Events: []string{"NOTE_SCORE_UPDATED"}}
	assert.True(t, scoped.Subscribed("NOTE_SCORE_UPDATED"))
	assert.False(t, scoped.Subscribed("BULK_SCAN_COMPLETED"))
}

func TestPlatformHandlerPing(t *testing.T) {
	pubHex, priv := generateKey(t)
	v := newTestVerifier(t, pubHex)
	h := NewHandler(nil, v, nil, slog.Default())

	body := []byte(`{"type":1}`)
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/platform", strings.NewReader(string(body)))
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerSignature, sign(priv, timestamp, body))
	rec := httptest.NewRecorder()

	require.NoError(t, h.Platform(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":1}`, rec.Body.String())
}

func TestPlatformHandlerRejectsBadSignature(t *testing.T) {
	pubHex, _ := generateKey(t)
	v := newTestVerifier(t, pubHex)
	h := NewHandler(nil, v, nil, slog.Default())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/platform", strings.NewReader(`{"type":1}`))
	req.Header.Set(headerTimestamp, "1700000000")
	req.Header.Set(headerSignature, strings.Repeat("00", 64))
	rec := httptest.NewRecorder()

	err := h.Platform(e.NewContext(req, rec))
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
}
