package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_GeneratePage_InlineTemplate(t *testing.T) {
	engine, err := NewEngine(nil, "", 8)
	require.NoError(t, err)

	data := NewFragment()
	data.SetString("name", "Ada")

	writer := NewStringWriter()
	level, log := engine.GeneratePage(GeneratePageArgs{
		Template: TemplateRef{Inline: "Hello, ${name}!"},
	}, data, writer)

	assert.LessOrEqual(t, level, Warning)
	assert.Equal(t, "Hello, Ada!", writer.String())
	_ = log
}

func TestEngine_GeneratePage_FileTemplateViaFilesystem(t *testing.T) {
	fs := mapFilesystem{"page.teng": "Hi, ${name}!"}
	engine, err := NewEngine(fs, "/root", 8)
	require.NoError(t, err)

	data := NewFragment()
	data.SetString("name", "Bo")

	writer := NewStringWriter()
	_, _ = engine.GeneratePage(GeneratePageArgs{
		Template: TemplateRef{Path: "page.teng"},
	}, data, writer)

	assert.Equal(t, "Hi, Bo!", writer.String())
}

func TestEngine_GeneratePage_MissingTemplateReportsError(t *testing.T) {
	fs := mapFilesystem{}
	engine, err := NewEngine(fs, "/root", 8)
	require.NoError(t, err)

	writer := NewStringWriter()
	level, log := engine.GeneratePage(GeneratePageArgs{
		Template: TemplateRef{Path: "missing.teng"},
	}, NewFragment(), writer)

	assert.Equal(t, Error, level)
	found := false
	for _, d := range log.Entries() {
		if d.Level == Error {
			found = true
		}
	}
	assert.True(t, found)
}

func TestEngine_DictionaryLookup(t *testing.T) {
	fs := mapFilesystem{"strings.dict": "greeting Hello\n"}
	engine, err := NewEngine(fs, "/root", 8)
	require.NoError(t, err)

	v, ok := engine.DictionaryLookup("", "strings.dict", "", "greeting")
	assert.True(t, ok)
	assert.Equal(t, "Hello", v)

	_, ok = engine.DictionaryLookup("", "strings.dict", "", "nope")
	assert.False(t, ok)
}

func TestEngine_ProgramCacheIsReused(t *testing.T) {
	fs := mapFilesystem{"page.teng": "A"}
	engine, err := NewEngine(fs, "/root", 8)
	require.NoError(t, err)

	writer := NewStringWriter()
	engine.GeneratePage(GeneratePageArgs{Template: TemplateRef{Path: "page.teng"}}, NewFragment(), writer)

	delete(fs, "page.teng")

	writer2 := NewStringWriter()
	level, _ := engine.GeneratePage(GeneratePageArgs{Template: TemplateRef{Path: "page.teng"}}, NewFragment(), writer2)
	assert.LessOrEqual(t, level, Warning, "a cached program must still render after its source vanishes")
	assert.Equal(t, "A", writer2.String())
}
