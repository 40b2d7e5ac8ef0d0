package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var testWallet = "0xabcdef" + strings.Repeat("0", 30) + "7890"

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "ja**@e******.com", MaskEmail("jane@example.com"))
	assert.Equal(t, "**@l********.io", MaskEmail("ab@localhost.io"))
	assert.Equal(t, "***@***.***", MaskEmail("not-an-email"))
}

func TestMaskWallet(t *testing.T) {
	assert.Equal(t, "0xabcd...7890", MaskWallet(testWallet))
	assert.Equal(t, "0x****", MaskWallet("0x12"))
	assert.Empty(t, MaskWallet(""))
}

func TestMaskString(t *testing.T) {
	in := "charge for jane@example.com from " + testWallet + " using sk_test_abcdefgh12345678"
	out := MaskString(in)

	assert.NotContains(t, out, "jane@example.com")
	assert.NotContains(t, out, testWallet)
	assert.NotContains(t, out, "abcdefgh12345678")
	assert.Contains(t, out, "0xabcd...7890")
	assert.Contains(t, out, "sk_***REDACTED***")
}
