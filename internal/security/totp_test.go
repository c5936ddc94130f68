package security

import (
	"encoding/base32"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTOTPSecretIsValidBase32(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	secret2, err := GenerateTOTPSecret()
	require.NoError(t, err)
	assert.NotEqual(t, secret, secret2)
}

func TestValidateTOTPAcceptsCurrentCode(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)

	counter := time.Now().Unix() / int64(totpStep.Seconds())
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	require.NoError(t, err)
	code := generateTOTP(key, counter)

	assert.True(t, ValidateTOTP(secret, code))
}

func TestValidateTOTPRejectsWrongCode(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	assert.False(t, ValidateTOTP(secret, "000000"))
}

func TestValidateTOTPRejectsMalformedInput(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	assert.False(t, ValidateTOTP(secret, "1"))
	assert.False(t, ValidateTOTP("not-base32!!", "123456"))
}
