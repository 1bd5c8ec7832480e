package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDictionary_BasicLookup(t *testing.T) {
	d := NewDictionary()
	log := NewLog()
	parseDictionarySource("greeting Hello\nfarewell Bye\n", "<test>", d, nil, log, nil)

	v, ok := d.Lookup("greeting")
	assert.True(t, ok)
	assert.Equal(t, "Hello", v)

	_, ok = d.Lookup("missing")
	assert.False(t, ok)
}

func TestDictionary_TLDReserved(t *testing.T) {
	d := NewDictionary()
	d.SetTLD("en-US")
	v, ok := d.Lookup("_tld")
	assert.True(t, ok)
	assert.Equal(t, "en-US", v)
}

func TestDictionary_QuotedAndContinuation(t *testing.T) {
	d := NewDictionary()
	log := NewLog()
	src := "msg \"line one\\n\"\n  line two\n"
	parseDictionarySource(src, "<test>", d, nil, log, nil)

	v, ok := d.Lookup("msg")
	assert.True(t, ok)
	assert.Equal(t, "line one\n\nline two", v)
}

func TestDictionary_ExpandDirective(t *testing.T) {
	d := NewDictionary()
	log := NewLog()
	src := "first Bob\n% expand yes\ngreeting Hello, #{first}!\n"
	parseDictionarySource(src, "<test>", d, nil, log, nil)

	v, ok := d.Lookup("greeting")
	assert.True(t, ok)
	assert.Equal(t, "Hello, Bob!", v)
}

func TestDictionary_DuplicateKeyWarnsUnlessReplace(t *testing.T) {
	d := NewDictionary()
	log := NewLog()
	parseDictionarySource("k one\nk two\n", "<test>", d, nil, log, nil)
	v, _ := d.Lookup("k")
	assert.Equal(t, "one", v)
	assert.Equal(t, Warning, log.MaxLevel())

	d2 := NewDictionary()
	log2 := NewLog()
	parseDictionarySource("k one\n% replace yes\nk two\n", "<test>", d2, nil, log2, nil)
	v2, _ := d2.Lookup("k")
	assert.Equal(t, "two", v2)
}

func TestDictionary_IncludeDirective(t *testing.T) {
	d := NewDictionary()
	log := NewLog()
	loader := func(path string) (string, error) {
		assert.Equal(t, "shared.dict", path)
		return "shared ok\n", nil
	}
	parseDictionarySource("% include) shared.dict\n", "<test>", d, nil, log, loader)

	v, ok := d.Lookup("shared")
	assert.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestDictionary_ConfigDirectiveFallsThroughToConfiguration(t *testing.T) {
	cfg := NewConfiguration()
	log := NewLog()
	parseDictionarySource("% alwaysEscape yes\n", "<test>", cfg.Dictionary, cfg, log, nil)
	assert.True(t, cfg.AlwaysEscape())
}

func TestDecodeQuoted_Escapes(t *testing.T) {
	assert.Equal(t, "a\nb\tc", decodeQuoted(`a\nb\tc"`))
	assert.Equal(t, `a\zb`, decodeQuoted(`a\zb"`))
}
