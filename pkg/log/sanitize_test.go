package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeField_NonSensitive(t *testing.T) {
	assert.Equal(t, "GET", SanitizeField("method", "GET"))
	assert.Equal(t, "/api/v1/media", SanitizeField("path", "/api/v1/media"))
}

func TestSanitizeField_Empty(t *testing.T) {
	assert.Equal(t, "", SanitizeField("password", ""))
}

func TestSanitizeField_Token(t *testing.T) {
	got := SanitizeField("access_token", "sk-1234567890abcdef")
	assert.Equal(t, "sk-1**********cdef", got)
}

func TestSanitizeField_ShortSecret(t *testing.T) {
	assert.Equal(t, "s*****t", SanitizeField("secret", "sevench"))
	assert.Equal(t, "**", SanitizeField("secret", "ab"))
}

func TestSanitizeField_CaseInsensitiveKey(t *testing.T) {
	got := SanitizeField("Authorization", "Bearer abcdef123456")
	assert.NotEqual(t, "Bearer abcdef123456", got)
}

func TestSanitizeField_Email(t *testing.T) {
	assert.Equal(t, "ali***@example.com", SanitizeField("email", "alice.smith@example.com"))
	assert.Equal(t, "a**@example.com", SanitizeField("email", "abc@example.com"))
}

func TestSanitizeField_InvalidEmail(t *testing.T) {
	assert.Equal(t, "*********", SanitizeField("email", "not-email"))
}
