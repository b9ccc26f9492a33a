// Package signing authenticates requests sent to HTTP providers with an
// HMAC-SHA256 over "<unix timestamp>.<body>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

const (
	HeaderID        = "X-SMSRelay-ID"
	HeaderTimestamp = "X-SMSRelay-Timestamp"
	HeaderSignature = "X-SMSRelay-Signature"

	version = "v1="
)

var (
	ErrMismatch = errors.New("signing: signature mismatch")
	ErrExpired  = errors.New("signing: timestamp outside tolerance")
)

func Sign(secret string, payload []byte) (signature string, timestamp int64) {
	timestamp = time.Now().Unix()
	return SignAt(secret, payload, timestamp), timestamp
}

func SignAt(secret string, payload []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return version + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature and, when tolerance is positive, that timestamp is
// no further than tolerance from now.
func Verify(secret string, payload []byte, timestamp int64, signature string, tolerance time.Duration) error {
	if tolerance > 0 {
		age := time.Since(time.Unix(timestamp, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return ErrExpired
		}
	}
	expected := SignAt(secret, payload, timestamp)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrMismatch
	}
	return nil
}
