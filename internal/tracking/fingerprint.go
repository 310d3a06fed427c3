package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const maxFingerprintLen = 128

// Fingerprint returns the dedup identity of a click origin. A client
// supplied token is used as is; otherwise the identity is a SHA-256 of
// ip, user agent, partner and the time bucket the click falls into.
func Fingerprint(token, ip, userAgent, partnerID string, at time.Time, bucket time.Duration) string {
	token = strings.TrimSpace(token)
	if token != "" {
		if len(token) <= maxFingerprintLen {
			return token
		}
		return hashParts("token", token)
	}

	var slot int64
	if bucket > 0 {
		slot = at.UTC().Truncate(bucket).Unix()
	}
	return hashParts(ip, userAgent, partnerID, strconv.FormatInt(slot, 10))
}

func hashParts(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
