package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentType_HTMLEscape(t *testing.T) {
	ct, ok := LookupContentType("text/html")
	assert.True(t, ok)
	assert.Equal(t, "&amp;lt;a&amp;gt; &quot;b&quot;", ct.Escape(`&lt;a&gt; "b"`))
}

func TestContentType_Aliases(t *testing.T) {
	html, _ := LookupContentType("html")
	mime, _ := LookupContentType("text/html")
	assert.Same(t, mime, html)

	xml, _ := LookupContentType("xml")
	assert.Same(t, mime, xml)

	_, ok := LookupContentType("does-not-exist")
	assert.False(t, ok)
}

func TestContentType_UnescapeRoundTrip(t *testing.T) {
	ct, _ := LookupContentType("text/html")
	original := `Tom & Jerry <says> "hi"`
	escaped := ct.Escape(original)
	assert.Equal(t, original, ct.Unescape(escaped))
}

func TestContentType_PlainPassesThrough(t *testing.T) {
	ct := DefaultContentType()
	assert.Equal(t, "text/plain", ct.Name)
	assert.Equal(t, `<b>&"'`, ct.Escape(`<b>&"'`))
}

func TestListSupportedContentTypes(t *testing.T) {
	types := ListSupportedContentTypes()
	names := make(map[string]bool)
	for _, ct := range types {
		names[ct.Name] = true
	}
	assert.True(t, names["text/plain"])
	assert.True(t, names["text/html"])
	assert.True(t, names["application/json"])
	// Aliases must not appear as separate entries.
	assert.False(t, names["html"])
}

func TestEscapeStack(t *testing.T) {
	log := NewLog()
	html, _ := LookupContentType("text/html")
	stack := newEscapeStack(DefaultContentType(), log)
	assert.Equal(t, "text/plain", stack.top().Name)

	stack.push(html)
	assert.Equal(t, "text/html", stack.top().Name)
	assert.Equal(t, "&amp;", stack.escape("&"))

	stack.pop(Pos{})
	assert.Equal(t, "text/plain", stack.top().Name)

	// Popping the bottom frame is a logged no-op, not a panic.
	stack.pop(Pos{})
	assert.Equal(t, "text/plain", stack.top().Name)
	assert.Equal(t, Error, log.MaxLevel())
}
