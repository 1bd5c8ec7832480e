package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateCache_ProgramRoundTrip(t *testing.T) {
	cache, err := NewTemplateCache(8)
	require.NoError(t, err)

	_, _, _, ok := cache.FindProgram("tpl", "", "")
	assert.False(t, ok)

	prog := NewProgram("tpl", NewSourceList(nil))
	cache.AddProgram("tpl", "", "", prog, 0)

	got, dep, serial, ok := cache.FindProgram("tpl", "", "")
	assert.True(t, ok)
	assert.Same(t, prog, got)
	assert.Equal(t, 0, dep)
	assert.Equal(t, 0, serial)
}

func TestTemplateCache_ConfigAndDictKeysAreIndependent(t *testing.T) {
	cache, err := NewTemplateCache(8)
	require.NoError(t, err)

	cfg := NewConfiguration()
	cache.AddConfig("cfgA", cfg, 0)

	dict := NewDictionary()
	cache.AddDict("cfgA", "dictA", dict, 0)

	_, _, _, ok := cache.FindDict("cfgB", "dictA")
	assert.False(t, ok, "a dictionary cached under one config key must not be visible under another")

	got, _, _, ok := cache.FindDict("cfgA", "dictA")
	assert.True(t, ok)
	assert.Same(t, dict, got)
}

func TestTemplateCache_AddBumpsSerialOnReplace(t *testing.T) {
	cache, err := NewTemplateCache(8)
	require.NoError(t, err)

	p1 := NewProgram("tpl", NewSourceList(nil))
	cache.AddProgram("tpl", "", "", p1, 0)
	_, _, serial1, _ := cache.FindProgram("tpl", "", "")
	assert.Equal(t, 0, serial1)

	p2 := NewProgram("tpl", NewSourceList(nil))
	cache.AddProgram("tpl", "", "", p2, 0)
	got, _, serial2, ok := cache.FindProgram("tpl", "", "")
	assert.True(t, ok)
	assert.Same(t, p2, got)
	assert.Equal(t, 1, serial2)
}

func TestNormalizedFileKey(t *testing.T) {
	a := normalizedFileKey("/root/templates", "page.teng")
	b := normalizedFileKey("/root/templates", "./page.teng")
	assert.Equal(t, a, b, "equivalent relative paths must normalize to the same key")
}

func TestNeedsRebuild(t *testing.T) {
	assert.True(t, NeedsRebuild(1, 2, false, nil))
	assert.False(t, NeedsRebuild(1, 1, false, nil))
	assert.True(t, NeedsRebuild(1, 1, true, func() bool { return true }))
	assert.False(t, NeedsRebuild(1, 1, true, func() bool { return false }))
}
