package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapFilesystem is a trivial in-memory Filesystem for tests that need
// include/extends to resolve real paths.
type mapFilesystem map[string]string

func (fs mapFilesystem) Read(path string) ([]byte, error) {
	src, ok := fs[path]
	if !ok {
		return nil, errNotFound{path}
	}
	return []byte(src), nil
}

func (fs mapFilesystem) Stat(path string) (int64, int64, error) {
	src, ok := fs[path]
	if !ok {
		return 0, 0, errNotFound{path}
	}
	return int64(len(src)), 0, nil
}

type errNotFound struct{ path string }

func (e errNotFound) Error() string { return "no such file: " + e.path }

// renderTemplate compiles src and runs it against data, returning the
// rendered output and the merged compile+run log.
func renderTemplate(t *testing.T, src string, cfg *Configuration, dict *Dictionary, fs Filesystem, data *Fragment) (string, *Log) {
	t.Helper()
	if cfg == nil {
		cfg = NewConfiguration()
	}
	if dict == nil {
		dict = NewDictionary()
	}
	if data == nil {
		data = NewFragment()
	}
	prog, log := CompileTemplate("<test>", src, cfg, dict, fs)
	require.NotNil(t, prog)

	writer := NewStringWriter()
	vm := NewVM(prog, data, cfg, dict, NewUDFRegistry(), writer, log)
	_, err := vm.Run(0, len(prog.Instructions))
	require.NoError(t, err)
	return writer.String(), log
}

func TestScenario_S1_BasicSubstitution(t *testing.T) {
	data := NewFragment()
	data.SetString("name", "World")

	out, log := renderTemplate(t, "Hello, ${name}!", nil, nil, nil, data)
	assert.Equal(t, "Hello, World!", out)
	assert.LessOrEqual(t, log.MaxLevel(), Warning)
}

func TestScenario_S2_FragmentIterationAndBuiltins(t *testing.T) {
	root := NewFragment()
	for _, letter := range []string{"a", "b", "c"} {
		item := root.AddFragment("items")
		item.SetString("this", letter)
	}

	src := "<?teng frag items?>${_index}:${this}${_last?'':','}<?teng endfrag?>"
	out, _ := renderTemplate(t, src, nil, nil, nil, root)
	assert.Equal(t, "0:a,1:b,2:c", out)
}

func TestScenario_S3_ContentTypeEscaping(t *testing.T) {
	data := NewFragment()
	data.SetString("x", "<&>")

	src := "<?teng ctype 'text/html'?>${x}<?teng endctype?>"
	out, _ := renderTemplate(t, src, nil, nil, nil, data)
	assert.Equal(t, "&lt;&amp;&gt;", out)
}

func TestScenario_S4_IfElifElse(t *testing.T) {
	src := "<?teng if n<0?>neg<?teng elif n==0?>zero<?teng else?>pos<?teng endif?>"

	tests := []struct {
		n        int64
		expected string
	}{
		{-1, "neg"},
		{0, "zero"},
		{1, "pos"},
	}
	for _, tt := range tests {
		data := NewFragment()
		data.SetInt("n", tt.n)
		out, _ := renderTemplate(t, src, nil, nil, nil, data)
		assert.Equal(t, tt.expected, out, "n=%d", tt.n)
	}
}

func TestScenario_S5_CaseWithDuplicateLabelWarning(t *testing.T) {
	data := NewFragment()
	data.SetInt("x", 1)

	src := "${case(x,1:'a',1:'b',*:'c')}"
	out, log := renderTemplate(t, src, nil, nil, nil, data)
	assert.Equal(t, "a", out)

	foundWarning := false
	for _, d := range log.Entries() {
		if d.Level == Warning {
			foundWarning = true
		}
	}
	assert.True(t, foundWarning, "expected a warning diagnostic for the duplicate case label")
}

func TestScenario_S6_IncludeAndExtends(t *testing.T) {
	fs := mapFilesystem{
		"base": "<?teng define block head?>BASE<?teng endblock?>[${content}]",
	}
	child := "<?teng extends file='base'?>" +
		"<?teng override block head?>CHILD-<?teng super?><?teng endblock?>" +
		"<?teng endextends?>"

	data := NewFragment()
	data.SetString("content", "X")

	out, log := renderTemplate(t, child, nil, nil, fs, data)
	for _, d := range log.Entries() {
		t.Logf("%s", d.String())
	}
	assert.Equal(t, "CHILD-BASE[X]", out)
}

func TestScenario_Include(t *testing.T) {
	fs := mapFilesystem{"greeting.teng": "Hi, ${name}!"}
	data := NewFragment()
	data.SetString("name", "Ada")

	out, _ := renderTemplate(t, "<?teng include file='greeting.teng'?>", nil, nil, fs, data)
	assert.Equal(t, "Hi, Ada!", out)
}

func TestRawEnvelope_IsNeverEscapedWhenPrintEscapeIsOn(t *testing.T) {
	cfg := NewConfiguration()
	cfg.raw.SetBool("printEscape", true)
	data := NewFragment()
	data.SetString("x", "<&>")

	out, _ := renderTemplate(t, "%{x}", cfg, nil, nil, data)
	assert.Equal(t, "<&>", out)
}

func TestEscapedEnvelope_EscapesOnceWhenPrintEscapeIsOn(t *testing.T) {
	cfg := NewConfiguration()
	cfg.raw.SetBool("printEscape", true)
	data := NewFragment()
	data.SetString("x", "<&>")

	out, _ := renderTemplate(t, "<?teng ctype 'text/html'?>${x}<?teng endctype?>", cfg, nil, nil, data)
	assert.Equal(t, "&lt;&amp;&gt;", out)
}

func TestQueries_DefinedExistsCountTypeIsEmptyRepr(t *testing.T) {
	data := NewFragment()
	data.SetString("name", "Ada")
	for _, letter := range []string{"a", "b"} {
		item := data.AddFragment("items")
		item.SetString("this", letter)
	}

	tests := []struct {
		src      string
		expected string
	}{
		{"${defined(name)}", "1"},
		{"${defined(missing)}", "0"},
		{"${exists(name)}", "1"},
		{"${count(items)}", "2"},
		{"${type(name)}", "string"},
		{"${isempty(missing)}", "1"},
		{"${repr(name)}", "Ada"},
	}
	for _, tt := range tests {
		out, _ := renderTemplate(t, tt.src, nil, nil, nil, data)
		assert.Equal(t, tt.expected, out, "src=%s", tt.src)
	}
}

func TestQueries_DefinedOnMissingAttributeDoesNotWarn(t *testing.T) {
	data := NewFragment()
	_, log := renderTemplate(t, "${defined(missing)}", nil, nil, nil, data)
	for _, d := range log.Entries() {
		assert.NotEqual(t, Warning, d.Level, "defined() on a missing attribute must not surface a warning: %s", d.String())
	}
}

func TestErrorFragment_IteratesLogEntriesWhenEnabled(t *testing.T) {
	cfg := NewConfiguration()
	cfg.raw.SetBool("errorFragment", true)
	data := NewFragment()

	// ${missing} logs a warning before the _error frag runs, giving it
	// one diagnostic to iterate.
	src := "${missing}<?teng frag _error?>${level}:${message}<?teng endfrag?>"
	out, _ := renderTemplate(t, src, cfg, nil, nil, data)
	assert.Contains(t, out, "WARNING:")
}

func TestErrorFragment_EmptyWhenDisabled(t *testing.T) {
	data := NewFragment()
	src := "before<?teng frag _error?>${message}<?teng endfrag?>after"
	out, _ := renderTemplate(t, src, nil, nil, nil, data)
	assert.Equal(t, "beforeafter", out)
}

func TestStringRepeatOperator(t *testing.T) {
	data := NewFragment()
	out, _ := renderTemplate(t, `${"-" * 5}`, nil, nil, nil, data)
	assert.Equal(t, "-----", out)
}

func TestUnterminatedIf_DoesNotPanicAndReportsError(t *testing.T) {
	data := NewFragment()
	data.SetInt("n", 1)

	out, log := renderTemplate(t, "<?teng if n<0?>neg", nil, nil, nil, data)
	assert.Equal(t, "", out)

	foundError := false
	for _, d := range log.Entries() {
		if d.Level >= Error {
			foundError = true
		}
	}
	assert.True(t, foundError, "expected an error diagnostic for the unterminated if")
}
