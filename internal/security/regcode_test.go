package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRegistrationCodeLength(t *testing.T) {
	code, err := GenerateRegistrationCode()
	require.NoError(t, err)
	assert.Len(t, code, regCodeLen)
}

func TestGenerateRegistrationCodeUsesSafeAlphabet(t *testing.T) {
	code, err := GenerateRegistrationCode()
	require.NoError(t, err)
	for _, r := range code {
		assert.Contains(t, regCodeAlphabet, string(r))
	}
}

func TestNormalizeRegistrationCode(t *testing.T) {
	assert.Equal(t, "ABCDE", NormalizeRegistrationCode(" abcde "))
	assert.Equal(t, "ABCDE", NormalizeRegistrationCode("AbCdE"))
}
