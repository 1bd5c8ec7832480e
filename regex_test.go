package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegexLiteral_SplitsPatternAndFlags(t *testing.T) {
	pattern, flags := parseRegexLiteral(`^[a-z]+$/i`)
	assert.Equal(t, "^[a-z]+$", pattern)
	assert.Equal(t, "i", flags)
}

func TestParseRegexLiteral_EscapedDelimiter(t *testing.T) {
	pattern, flags := parseRegexLiteral(`a\/b/`)
	assert.Equal(t, "a/b", pattern)
	assert.Equal(t, "", flags)
}

func TestCompileRegex_IgnoreCase(t *testing.T) {
	re, err := compileRegex("hello", "i")
	require.NoError(t, err)
	assert.True(t, re.Match("say HELLO there"))
	assert.False(t, re.Match("say goodbye"))
}

func TestCompileRegex_Multiline(t *testing.T) {
	re, err := compileRegex("^b", "m")
	require.NoError(t, err)
	assert.True(t, re.Match("a\nb"))
}

func TestCompileRegex_InvalidPatternErrors(t *testing.T) {
	_, err := compileRegex("(unclosed", "")
	assert.Error(t, err)
}

func TestRegex_String(t *testing.T) {
	re, err := compileRegex("abc", "i")
	require.NoError(t, err)
	assert.Equal(t, "/abc/i", re.String())
}
