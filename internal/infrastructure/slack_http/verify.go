package slack_http

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
)

const (
	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"
)

// Verifier authenticates inbound callbacks. With a signing secret it checks
// Slack's v0 request signature; otherwise it falls back to a shared bearer
// token. With neither configured every request is rejected.
type Verifier struct {
	SigningSecret string
	SharedToken   string
	MaxSkew       time.Duration
	Now           func() time.Time
}

func (v Verifier) Verify(h http.Header, body []byte) error {
	switch {
	case v.SigningSecret != "":
		return v.verifySignature(h, body)
	case v.SharedToken != "":
		return v.verifyToken(h)
	default:
		return &domain.ValidationError{Field: "auth", Reason: "no callback verification configured"}
	}
}

func (v Verifier) verifySignature(h http.Header, body []byte) error {
	ts := h.Get(HeaderTimestamp)
	sig := h.Get(HeaderSignature)
	if ts == "" || sig == "" {
		return &domain.ValidationError{Field: "signature", Reason: "missing signature headers"}
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return &domain.ValidationError{Field: "signature", Reason: "bad timestamp"}
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := v.MaxSkew
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if d := now().Sub(time.Unix(sec, 0)); d > skew || d < -skew {
		return &domain.ValidationError{Field: "signature", Reason: "stale timestamp"}
	}

	want := Sign(v.SigningSecret, ts, body)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return &domain.ValidationError{Field: "signature", Reason: "signature mismatch"}
	}
	return nil
}

func (v Verifier) verifyToken(h http.Header) error {
	auth := h.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return &domain.ValidationError{Field: "auth", Reason: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(v.SharedToken)) != 1 {
		return &domain.ValidationError{Field: "auth", Reason: "invalid bearer token"}
	}
	return nil
}

// Sign computes the v0 signature Slack sends in X-Slack-Signature.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}
