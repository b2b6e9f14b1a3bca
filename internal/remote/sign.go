package remote

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// canonicalString builds the signable request form: HTTP method, SHA256 of
// the body, an empty signature-headers slot, and the path with its query
// parameters in ascending key order.
func canonicalString(method, path string, query map[string]string, body []byte) string {
	sum := sha256.Sum256(body)

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(path)
	for i, k := range keys {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(query[k])
	}

	return method + "\n" + hex.EncodeToString(sum[:]) + "\n" + "\n" + sb.String()
}

// sign computes the request signature: HMAC-SHA256 over client id, access
// token (empty for token requests), millisecond timestamp, nonce and the
// canonical string, keyed by the shared secret, upper-cased hex.
func sign(clientID, secret, accessToken, nonce string, ts int64, canonical string) string {
	msg := clientID + accessToken + strconv.FormatInt(ts, 10) + nonce + canonical
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
