package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the HTTP header carrying the delivery signature.
const SignatureHeader = "X-Webhook-Signature"

// DefaultTolerance is how old a signature timestamp may be before a receiver
// must treat it as stale.
const DefaultTolerance = 5 * time.Minute

// ErrBadSignature is returned by Verify for malformed headers, digest
// mismatches and stale timestamps.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Sign computes the delivery signature for body at time t using the
// endpoint's secret. The signed string is "<t>.<body>" and the header format
// is "t=<unix-seconds>,v1=<hex-digest>", so receivers can reconstruct the
// exact input without canonicalizing JSON.
func Sign(body []byte, secret string, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + digest(body, secret, ts)
}

// Verify checks a received signature header against body and secret.
// The digest comparison is constant-time; timestamps older than tolerance
// (or from the future beyond tolerance) are rejected as stale.
func Verify(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return fmt.Errorf("%w: malformed header", ErrBadSignature)
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return fmt.Errorf("%w: missing t or v1", ErrBadSignature)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	expected := digest(body, secret, ts)
	if !hmac.Equal([]byte(expected), []byte(v1)) {
		return fmt.Errorf("%w: digest mismatch", ErrBadSignature)
	}
	return nil
}

// digest computes HMAC-SHA256 over "<ts>.<body>" as lowercase hex.
func digest(body []byte, secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
