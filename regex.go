package teng

import (
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
)

// Regex is a compiled `/pattern/flags` literal (§4's component M):
// match-only and shared — multiple Value copies may point at the same
// compiled pattern, so it is never mutated after compileRegex returns.
//
// regexp2 is used instead of the standard library's regexp: teng's
// literals carry Perl/.NET-style flags (case-insensitivity, multiline,
// the occasional backreference from an included dictionary pattern)
// that RE2's linear-time engine cannot express.
type Regex struct {
	source string
	flags  string
	re     *regexp2.Regexp

	mu sync.Mutex // regexp2.Regexp.Match is not safe for concurrent reuse of its internal Match scratch
}

// compileRegex parses the flag letters teng recognizes (i: ignore
// case, m: multiline, s: dot matches newline, x: extended/free-spacing)
// and compiles the pattern.
func compileRegex(pattern, flags string) (*Regex, error) {
	var opts regexp2.RegexOptions
	for _, f := range flags {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'x':
			opts |= regexp2.IgnorePatternWhitespace
		}
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, err
	}
	return &Regex{source: pattern, flags: flags, re: re}, nil
}

// Match reports whether the pattern matches anywhere in s, the
// semantics behind teng's `=~`/`!~` operators.
func (r *Regex) Match(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.re.MatchString(s)
	return err == nil && m
}

func (r *Regex) String() string {
	return "/" + r.source + "/" + r.flags
}

// parseRegexLiteral splits the body of a `/pattern/flags` literal (the
// text after the opening '/') into its two parts, honoring `\/` as an
// escaped delimiter.
func parseRegexLiteral(body string) (pattern, flags string) {
	var pat strings.Builder
	i := 0
	for i < len(body) {
		if body[i] == '\\' && i+1 < len(body) && body[i+1] == '/' {
			pat.WriteByte('/')
			i += 2
			continue
		}
		if body[i] == '/' {
			return pat.String(), body[i+1:]
		}
		pat.WriteByte(body[i])
		i++
	}
	return pat.String(), ""
}
