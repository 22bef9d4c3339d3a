// Package binance is the concrete Exchange Adapter (spec.md §4.2, §6): a
// signed REST client plus a subscribe/push websocket client against a
// perpetual-futures venue shaped like Binance USDⓈ-M futures. It adapts
// gregtusar-Basis/pkg/coinbase/client.go's BaseClient.sign shape from
// base64 HMAC-over-header-fields to the hex-encoded HMAC-over-canonical-
// query-string scheme spec.md §6 requires.
package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
)

// sign computes the lower-case hex HMAC-SHA256(secret, canonicalQuery)
// spec.md §4.2/§8.6 requires: exactly 64 hex characters.
func sign(secret, canonicalQuery string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(canonicalQuery))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalQuery builds the deterministic query string signed over: keys
// sorted lexicographically, then url-encoded key=value joined by '&'. A
// fixed ordering keeps the signature reproducible regardless of the order
// params were added in.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	v := url.Values{}
	for _, k := range keys {
		v.Set(k, params[k])
	}
	return v.Encode()
}

// signedQuery appends timestamp and signature to params and returns the
// final query string to send on the wire.
func signedQuery(apiSecret string, params map[string]string, nowMillis int64) string {
	withTS := make(map[string]string, len(params)+1)
	for k, v := range params {
		withTS[k] = v
	}
	withTS["timestamp"] = strconv.FormatInt(nowMillis, 10)

	canonical := canonicalQuery(withTS)
	signature := sign(apiSecret, canonical)
	return canonical + "&signature=" + signature
}
