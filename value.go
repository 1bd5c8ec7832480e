package teng

import (
	"strconv"
)

// valueTag discriminates the variants of Value (§3).
type valueTag int

const (
	tagUndefined valueTag = iota
	tagInteger
	tagReal
	tagString
	tagStringRef
	tagFragRef
	tagListRef
	tagRegex
)

// Value is Teng's tagged scalar/reference value. It is a value type
// (copied by assignment); the held variant's storage is always valid
// because string-refs and frag/list-refs are only ever produced from
// instruction-owned or dictionary-owned buffers and from the data
// tree the engine borrows for the duration of one generatePage call,
// never from something shorter-lived.
type Value struct {
	tag       valueTag
	integer   int64
	real      float64
	str       string // owned string, or the borrowed text for stringRef
	fragRef   *Fragment
	listRef   *FragmentList
	listIndex int
	regex     *Regex
}

func Undefined() Value                 { return Value{tag: tagUndefined} }
func Int(v int64) Value                { return Value{tag: tagInteger, integer: v} }
func Real(v float64) Value             { return Value{tag: tagReal, real: v} }
func Str(v string) Value               { return Value{tag: tagString, str: v} }
func StrRef(v string) Value            { return Value{tag: tagStringRef, str: v} }
func FragRef(f *Fragment) Value        { return Value{tag: tagFragRef, fragRef: f} }
func ListRef(l *FragmentList, i int) Value {
	return Value{tag: tagListRef, listRef: l, listIndex: i}
}
func RegexValue(r *Regex) Value { return Value{tag: tagRegex, regex: r} }

func (v Value) IsUndefined() bool { return v.tag == tagUndefined }
func (v Value) IsInteger() bool   { return v.tag == tagInteger }
func (v Value) IsReal() bool      { return v.tag == tagReal }
func (v Value) IsNumeric() bool   { return v.tag == tagInteger || v.tag == tagReal }
func (v Value) IsString() bool    { return v.tag == tagString || v.tag == tagStringRef }
func (v Value) IsFragRef() bool   { return v.tag == tagFragRef }
func (v Value) IsListRef() bool   { return v.tag == tagListRef }
func (v Value) IsRegex() bool     { return v.tag == tagRegex }

// Integral coerces to int64: real truncates toward zero, non-numeric
// values yield 0.
func (v Value) Integral() int64 {
	switch v.tag {
	case tagInteger:
		return v.integer
	case tagReal:
		return int64(v.real)
	default:
		return 0
	}
}

// RealValue coerces to float64, promoting integers.
func (v Value) RealValue() float64 {
	switch v.tag {
	case tagInteger:
		return float64(v.integer)
	case tagReal:
		return v.real
	default:
		return 0
	}
}

// StringValue borrows the string form: verbatim for string/string-ref,
// empty for anything else. No implicit numeric-to-string conversion —
// callers that want that use Printable().
func (v Value) StringValue() string {
	if v.IsString() {
		return v.str
	}
	return ""
}

// Bool applies §3's truthiness rule: false for undefined, zero,
// empty-string and a nil fragment reference; regex is always true.
func (v Value) Bool() bool {
	switch v.tag {
	case tagUndefined:
		return false
	case tagInteger:
		return v.integer != 0
	case tagReal:
		return v.real != 0
	case tagString, tagStringRef:
		return v.str != ""
	case tagFragRef:
		return v.fragRef != nil
	case tagListRef:
		return v.listRef != nil
	case tagRegex:
		return true
	default:
		return false
	}
}

// Printable applies the tag-directed coercion to printable text: numbers
// to canonical decimal form, strings verbatim, references to opaque
// markers, undefined to the literal "undefined".
func (v Value) Printable() string {
	switch v.tag {
	case tagUndefined:
		return "undefined"
	case tagInteger:
		return strconv.FormatInt(v.integer, 10)
	case tagReal:
		return strconv.FormatFloat(v.real, 'g', -1, 64)
	case tagString, tagStringRef:
		return v.str
	case tagFragRef:
		if v.fragRef == nil {
			return "$null$"
		}
		return "$frag$"
	case tagListRef:
		if v.listRef == nil {
			return "$null$"
		}
		return "$list$"
	case tagRegex:
		return "$regex$"
	default:
		return "undefined"
	}
}

// TypeName names the variant the way QUERY_TYPE reports it.
func (v Value) TypeName() string {
	switch v.tag {
	case tagUndefined:
		return "undefined"
	case tagInteger:
		return "integer"
	case tagReal:
		return "real"
	case tagString, tagStringRef:
		return "string"
	case tagFragRef:
		return "frag"
	case tagListRef:
		return "list"
	case tagRegex:
		return "regex"
	default:
		return "undefined"
	}
}

// Equal implements §3's structural equality: frag-ref/list-ref
// equality is pointer-plus-index identity, numeric values compare
// across int/real by promoting to real, strings compare verbatim.
func (a Value) Equal(b Value) bool {
	switch {
	case a.IsNumeric() && b.IsNumeric():
		if a.tag == tagInteger && b.tag == tagInteger {
			return a.integer == b.integer
		}
		return a.RealValue() == b.RealValue()
	case a.IsString() && b.IsString():
		return a.str == b.str
	case a.tag == tagUndefined && b.tag == tagUndefined:
		return true
	case a.tag == tagFragRef && b.tag == tagFragRef:
		return a.fragRef == b.fragRef
	case a.tag == tagListRef && b.tag == tagListRef:
		return a.listRef == b.listRef && a.listIndex == b.listIndex
	case a.tag == tagRegex && b.tag == tagRegex:
		return a.regex == b.regex
	default:
		return false
	}
}

// Less defines ordering for <, <=, >, >= between numeric or string
// values; any other combination is never less.
func (a Value) Less(b Value) bool {
	switch {
	case a.IsNumeric() && b.IsNumeric():
		return a.RealValue() < b.RealValue()
	case a.IsString() && b.IsString():
		return a.str < b.str
	default:
		return false
	}
}
