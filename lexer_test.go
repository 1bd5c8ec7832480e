package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexer1_TextAndDirective(t *testing.T) {
	l := newLexer1("<test>", "Hello, ${name}!", false, false)

	tok := l.Next()
	require.Equal(t, tok1Text, tok.kind)
	assert.Equal(t, "Hello, ", tok.text)

	tok = l.Next()
	require.Equal(t, tok1Directive, tok.kind)
	assert.Equal(t, envelopeValue, tok.form)
	assert.Equal(t, "name", tok.text)

	tok = l.Next()
	require.Equal(t, tok1Text, tok.kind)
	assert.Equal(t, "!", tok.text)

	tok = l.Next()
	assert.Equal(t, tok1EOF, tok.kind)
}

func TestLexer1_ShortTagRequiresConfig(t *testing.T) {
	l := newLexer1("<test>", "<?x?>", false, false)
	tok := l.Next()
	// with shortTag off, "<?" opens nothing special - it is plain text
	require.Equal(t, tok1Text, tok.kind)
	assert.Equal(t, "<?x?>", tok.text)

	l2 := newLexer1("<test>", "<?x?>", true, false)
	tok2v := l2.Next()
	require.Equal(t, tok1Directive, tok2v.kind)
	assert.Equal(t, envelopeStatement, tok2v.form)
	assert.Equal(t, "x", tok2v.text)
}

func TestLexer1_EscapedMarkers(t *testing.T) {
	l := newLexer1("<test>", `price: $\{5\}`, false, false)
	tok := l.Next()
	require.Equal(t, tok1Text, tok.kind)
	assert.Equal(t, "price: ${5}", tok.text)
}

func TestLexer1_CommentDiscarded(t *testing.T) {
	l := newLexer1("<test>", "a<!--- hidden --->b", false, false)
	tok := l.Next()
	require.Equal(t, tok1Text, tok.kind)
	assert.Equal(t, "a", tok.text)

	tok = l.Next()
	require.Equal(t, tok1Comment, tok.kind)
	assert.Equal(t, " hidden ", tok.text)

	tok = l.Next()
	require.Equal(t, tok1Text, tok.kind)
	assert.Equal(t, "b", tok.text)
}

func TestLexer1_UnterminatedDirectiveIsError(t *testing.T) {
	l := newLexer1("<test>", "${oops", false, false)
	tok := l.Next()
	assert.Equal(t, tok1Error, tok.kind)
}

func TestLexer1Stack_IncludeSplicing(t *testing.T) {
	// push() makes the pushed lexer the new top: it drains first, and
	// popping back to the underlying lexer fires the onPop callback.
	root := newLexer1("root", "A", false, false)
	stack := newLexer1Stack(root)

	popped := false
	sub := newLexer1("sub", "B", false, false)
	stack.push(sub, func() { popped = true })

	tok := stack.Next()
	assert.Equal(t, "B", tok.text)
	assert.False(t, popped)

	tok = stack.Next()
	assert.Equal(t, "A", tok.text)
	assert.True(t, popped)

	tok = stack.Next()
	assert.Equal(t, tok1EOF, tok.kind)
}

func TestLexer2_Keywords(t *testing.T) {
	l := newLexer2("<test>", "if elif else endif")
	kinds := []tok2Kind{tok2KwIf, tok2KwElif, tok2KwElse, tok2KwEndif}
	for _, want := range kinds {
		tok := l.Next()
		assert.Equal(t, want, tok.kind)
	}
}

func TestLexer2_Digraphs(t *testing.T) {
	l := newLexer2("<test>", "n eq 1 and n ne 2")
	var got []tok2Kind
	for {
		tok := l.Next()
		if tok.kind == tok2EOF {
			break
		}
		got = append(got, tok.kind)
	}
	assert.Contains(t, got, tok2Eq)
	assert.Contains(t, got, tok2AndAnd)
	assert.Contains(t, got, tok2Ne)
}

func TestLexer2_StringEscapes(t *testing.T) {
	l := newLexer2("<test>", `'a\'b'`)
	tok := l.Next()
	require.Equal(t, tok2String, tok.kind)
	assert.Equal(t, "a'b", tok.text)
}

func TestLexer2_NumberLiterals(t *testing.T) {
	l := newLexer2("<test>", "42 3.5")
	tok := l.Next()
	require.Equal(t, tok2Int, tok.kind)
	assert.Equal(t, int64(42), tok.ival)

	tok = l.Next()
	require.Equal(t, tok2Real, tok.kind)
	assert.Equal(t, 3.5, tok.rval)
}

func TestLexer2_VariableSigil(t *testing.T) {
	l := newLexer2("<test>", "$foo.bar")
	tok := l.Next()
	require.Equal(t, tok2Variable, tok.kind)
	assert.Equal(t, "$foo.bar", tok.text)
}

func TestLexer2_Builtins(t *testing.T) {
	l := newLexer2("<test>", "_index _last")
	tok := l.Next()
	require.Equal(t, tok2Builtin, tok.kind)
	assert.Equal(t, "_index", tok.text)
}
