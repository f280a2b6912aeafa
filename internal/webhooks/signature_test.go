package webhooks

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignature_RoundTrip(t *testing.T) {
	body := []byte(`{"type":"mission.completed","data":{"id":"m1"}}`)
	now := time.Now().UTC()

	header := Sign(body, "s3cret", now)
	assert.True(t, strings.HasPrefix(header, "t="))
	assert.Contains(t, header, ",v1=")

	require.NoError(t, Verify(body, header, "s3cret", DefaultTolerance, now))
}

func TestSignature_AnyMutationFails(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	now := time.Now().UTC()
	header := Sign(body, "s3cret", now)

	// One-byte body mutation.
	mutated := append([]byte(nil), body...)
	mutated[0] ^= 0x01
	assert.ErrorIs(t, Verify(mutated, header, "s3cret", DefaultTolerance, now), ErrBadSignature)

	// One-byte header mutation (flip a digest hex character).
	i := strings.Index(header, "v1=") + 3
	flipped := header[:i] + flipHex(header[i]) + header[i+1:]
	assert.ErrorIs(t, Verify(body, flipped, "s3cret", DefaultTolerance, now), ErrBadSignature)

	// Wrong secret.
	assert.ErrorIs(t, Verify(body, header, "other", DefaultTolerance, now), ErrBadSignature)
}

func flipHex(c byte) string {
	if c == '0' {
		return "1"
	}
	return "0"
}

func TestSignature_StaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	signed := time.Now().UTC().Add(-10 * time.Minute)
	header := Sign(body, "s3cret", signed)

	err := Verify(body, header, "s3cret", 5*time.Minute, time.Now().UTC())
	assert.ErrorIs(t, err, ErrBadSignature)

	// Within tolerance it verifies.
	require.NoError(t, Verify(body, header, "s3cret", 15*time.Minute, time.Now().UTC()))
}

func TestSignature_MalformedHeaders(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now().UTC()
	for _, header := range []string{
		"",
		"t=123",
		"v1=abc",
		"nonsense",
		"t=notanumber,v1=abc",
	} {
		assert.ErrorIs(t, Verify(body, header, "s", DefaultTolerance, now), ErrBadSignature, header)
	}
}
