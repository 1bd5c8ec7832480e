package teng

import "fmt"

// Config is a dynamically typed settings bag, adapted from the
// teacher's grammar-configuration map: paths are plain strings,
// values are typed at assignment and checked at retrieval so a
// programming error (reading an int as a bool) panics instead of
// silently coercing.
type Config map[string]*cfgVal

type cfgValType int

const (
	cfgValType_Undefined cfgValType = iota
	cfgValType_Bool
	cfgValType_Int
	cfgValType_String
)

func (vt cfgValType) String() string {
	return map[cfgValType]string{
		cfgValType_Undefined: "undefined",
		cfgValType_Bool:      "bool",
		cfgValType_Int:       "int",
		cfgValType_String:    "string",
	}[vt]
}

type cfgVal struct {
	typ      cfgValType
	asBool   bool
	asInt    int
	asString string
}

func (v *cfgVal) assignType(vt cfgValType) {
	if v.typ != vt && v.typ != cfgValType_Undefined {
		panic(fmt.Sprintf("teng: can't assign `%s` to type `%s`", vt, v.typ))
	}
	v.typ = vt
}

func (v *cfgVal) checkType(vt cfgValType) {
	if v.typ != vt {
		panic(fmt.Sprintf("teng: can't retrieve `%s` from `%s` variable", vt, v.typ))
	}
}

func (c Config) SetBool(path string, v bool) {
	c[path] = &cfgVal{}
	c[path].assignType(cfgValType_Bool)
	c[path].asBool = v
}

func (c Config) SetInt(path string, v int) {
	c[path] = &cfgVal{}
	c[path].assignType(cfgValType_Int)
	c[path].asInt = v
}

func (c Config) SetString(path string, v string) {
	c[path] = &cfgVal{}
	c[path].assignType(cfgValType_String)
	c[path].asString = v
}

func (c Config) GetBool(path string) bool {
	if val, ok := c[path]; ok {
		val.checkType(cfgValType_Bool)
		return val.asBool
	}
	panic(fmt.Sprintf("teng: bool setting `%s` does not exist", path))
}

func (c Config) GetInt(path string) int {
	if val, ok := c[path]; ok {
		val.checkType(cfgValType_Int)
		return val.asInt
	}
	panic(fmt.Sprintf("teng: int setting `%s` does not exist", path))
}

func (c Config) GetString(path string) string {
	if val, ok := c[path]; ok {
		val.checkType(cfgValType_String)
		return val.asString
	}
	panic(fmt.Sprintf("teng: string setting `%s` does not exist", path))
}

// Configuration is §3's "Configuration": a dictionary plus the fixed
// set of boolean/integer switches the compiler and interpreter
// consult. It embeds a Dictionary because a config source may itself
// define plain key/value entries alongside its switches (looked up
// the same way the program's own dictionary is, as a fallback).
type Configuration struct {
	*Dictionary
	raw Config
}

// NewConfiguration builds a Configuration primed with the documented
// defaults: watchFiles and format default to true, everything else
// defaults to off/zero (maxIncludeDepth/maxDebugValLength get sane
// non-zero defaults since 0 would make the engine unusable).
func NewConfiguration() *Configuration {
	raw := Config{}
	raw.SetBool("debug", false)
	raw.SetBool("errorFragment", false)
	raw.SetBool("logToOutput", false)
	raw.SetBool("bytecode", false)
	raw.SetBool("watchFiles", true)
	raw.SetBool("format", true)
	raw.SetBool("alwaysEscape", false)
	raw.SetBool("printEscape", false)
	raw.SetBool("shortTag", false)
	raw.SetInt("maxIncludeDepth", 10)
	raw.SetInt("maxDebugValLength", 128)
	return &Configuration{Dictionary: NewDictionary(), raw: raw}
}

func (c *Configuration) Debug() bool           { return c.raw.GetBool("debug") }
func (c *Configuration) ErrorFragment() bool    { return c.raw.GetBool("errorFragment") }
func (c *Configuration) LogToOutput() bool      { return c.raw.GetBool("logToOutput") }
func (c *Configuration) Bytecode() bool         { return c.raw.GetBool("bytecode") }
func (c *Configuration) WatchFiles() bool       { return c.raw.GetBool("watchFiles") }
func (c *Configuration) Format() bool           { return c.raw.GetBool("format") }
func (c *Configuration) AlwaysEscape() bool     { return c.raw.GetBool("alwaysEscape") }
func (c *Configuration) PrintEscape() bool      { return c.raw.GetBool("printEscape") }
func (c *Configuration) ShortTag() bool         { return c.raw.GetBool("shortTag") }
func (c *Configuration) MaxIncludeDepth() int   { return c.raw.GetInt("maxIncludeDepth") }
func (c *Configuration) MaxDebugValLength() int { return c.raw.GetInt("maxDebugValLength") }

// ApplyDirective interprets one `% NAME VALUE` configuration-file line:
// NAME is one of the fixed switches if recognized, otherwise it
// becomes a plain dictionary entry (so a config file can also define
// `#{...}`-expandable strings, per §6.6).
func (c *Configuration) ApplyDirective(name, value string) {
	switch name {
	case "debug", "errorFragment", "logToOutput", "bytecode", "watchFiles",
		"format", "alwaysEscape", "printEscape", "shortTag":
		c.raw.SetBool(name, parseConfigBool(value))
	case "maxIncludeDepth", "maxDebugValLength":
		n := 0
		fmt.Sscanf(value, "%d", &n)
		c.raw.SetInt(name, n)
	default:
		c.Dictionary.set(name, value, false)
	}
}

func parseConfigBool(v string) bool {
	switch v {
	case "yes", "true", "1", "on":
		return true
	default:
		return false
	}
}
