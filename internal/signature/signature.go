// Package signature verifies that inbound webhook bodies genuinely
// originated from the named gateway. All verification is computed over the
// exact bytes received; callers must not re-serialize the payload first.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance bounds how old a timestamped signature may be before it
// is rejected as a possible replay of a captured payload.
const DefaultTolerance = 300 * time.Second

// VerifyTimestamped validates a "t=<unix_ts>,v1=<hex_hmac>" signature header
// against the raw body. The HMAC-SHA256 is computed over "<ts>.<body>". A
// timestamp further than tolerance from now fails regardless of the HMAC.
// The header may carry several v1 entries during secret rotation; any
// matching one accepts. Any parse failure or missing field returns false.
func VerifyTimestamped(body []byte, header, secret string, tolerance time.Duration) bool {
	return verifyTimestampedAt(body, header, secret, tolerance, time.Now())
}

// verifyTimestampedAt is the clock-injected core, used directly by tests.
func verifyTimestampedAt(body []byte, header, secret string, tolerance time.Duration, now time.Time) bool {
	if header == "" || secret == "" {
		return false
	}

	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return false
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return false
			}
			ts = parsed
		case "v1":
			if value != "" {
				sigs = append(sigs, value)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return false
	}

	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(tolerance.Seconds()) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

// VerifyPlain validates a plain hex HMAC-SHA256 signature over the raw body
// (the scheme Razorpay and PayU use for webhook callbacks).
func VerifyPlain(body []byte, sig, secret string) bool {
	if sig == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// PayURequestHash computes the SHA-512 request hash for PayU's legacy
// form-encoded API: key|txnid|amount|productinfo|firstname|email|udf1-5
// followed by five empty fields and the salt.
func PayURequestHash(key, txnID, amount, productInfo, firstName, email string, udf [5]string, salt string) string {
	fields := []string{
		key, txnID, amount, productInfo, firstName, email,
		udf[0], udf[1], udf[2], udf[3], udf[4],
		"", "", "", "", "",
		salt,
	}
	sum := sha512.Sum512([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// PayUResponseHash computes the reverse SHA-512 hash PayU embeds in its
// callbacks: the request fields reversed, prefixed by the salt and status.
func PayUResponseHash(salt, status, key, txnID, amount, productInfo, firstName, email string, udf [5]string) string {
	fields := []string{
		salt, status,
		"", "", "", "", "",
		udf[4], udf[3], udf[2], udf[1], udf[0],
		email, firstName, productInfo, amount, txnID, key,
	}
	sum := sha512.Sum512([]byte(strings.Join(fields, "|")))
	return hex.EncodeToString(sum[:])
}

// VerifyPayUResponseHash checks a callback's embedded hash in constant time.
func VerifyPayUResponseHash(got, salt, status, key, txnID, amount, productInfo, firstName, email string, udf [5]string) bool {
	if got == "" || salt == "" {
		return false
	}
	expected := PayUResponseHash(salt, status, key, txnID, amount, productInfo, firstName, email, udf)
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(expected))
}
