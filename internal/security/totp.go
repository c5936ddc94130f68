package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// totpDigits and totpStep match Google Authenticator / RFC 6238 defaults, so
// any standard authenticator app can enroll a user's MFA secret.
const (
	totpDigits    = 6
	totpStep      = 30 * time.Second
	totpSkew      = 1 // tolerate one step of clock drift either side
	totpSecretLen = 20
)

// GenerateTOTPSecret returns a new random base32 seed suitable for
// types.User.MFASecret and for rendering into an otpauth:// QR code.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

// ValidateTOTP reports whether code is a valid RFC 6238 TOTP for secret at
// the current time, tolerating totpSkew steps of drift either direction.
func ValidateTOTP(secret, code string) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		return false
	}

	now := time.Now().Unix() / int64(totpStep.Seconds())
	for skew := -totpSkew; skew <= totpSkew; skew++ {
		if generateTOTP(key, now+int64(skew)) == code {
			return true
		}
	}
	return false
}

func generateTOTP(key []byte, counter int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	code := truncated % 1000000

	return fmt.Sprintf("%0*d", totpDigits, code)
}
