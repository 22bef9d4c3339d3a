package binance

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var hexSig = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestSignProducesLowercaseHex64(t *testing.T) {
	sig := sign("supersecret", "symbol=BTCUSDT&timestamp=1700000000000")
	assert.Regexp(t, hexSig, sig)
	assert.Len(t, sig, 64)
}

func TestSignIsDeterministic(t *testing.T) {
	a := sign("secret", "a=1&b=2")
	b := sign("secret", "a=1&b=2")
	assert.Equal(t, a, b)
}

func TestCanonicalQueryIsSortedByKey(t *testing.T) {
	q := canonicalQuery(map[string]string{"symbol": "BTCUSDT", "side": "BUY", "timestamp": "1"})
	assert.Equal(t, "side=BUY&symbol=BTCUSDT&timestamp=1", q)
}

func TestSignedQueryAppendsTimestampAndSignature(t *testing.T) {
	q := signedQuery("secret", map[string]string{"symbol": "BTCUSDT"}, 1700000000000)
	assert.Contains(t, q, "symbol=BTCUSDT")
	assert.Contains(t, q, "timestamp=1700000000000")
	assert.Contains(t, q, "signature=")

	sigIdx := len(q) - 64
	assert.Regexp(t, hexSig, q[sigIdx:])
}
