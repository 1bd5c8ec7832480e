package teng

import "strings"

// tok1Kind discriminates lexer-1's output tokens (§4.3).
type tok1Kind int

const (
	tok1Text tok1Kind = iota
	tok1Directive
	tok1Comment // <!--- ... --->, discarded by the caller
	tok1EOF
	tok1Error
)

// envelopeForm distinguishes the directive envelope form a
// tok1Directive was opened with — the compiler uses this to decide
// between a full statement directive and a bare value/escape/
// dictionary-lookup shorthand (§6.5).
type envelopeForm int

const (
	envelopeNone      envelopeForm = iota
	envelopeStatement              // <?teng ... ?> or <? ... ?> (shortTag)
	envelopeValue                  // ${...}
	envelopeRaw                    // %{...} (printEscape)
	envelopeDictLookup             // #{...}
)

// token1 is one lexer-1 token: a kind, its source position, and a
// view into the original source (already escape-unrewritten for
// text tokens).
type token1 struct {
	kind tok1Kind
	pos  Pos
	text string
	err  string
	form envelopeForm
}

// lexer1 is the envelope scanner: it splits raw template text into
// text-chunks and directive envelopes, honoring escape sequences that
// let a template author emit a literal envelope marker.
type lexer1 struct {
	file      string
	src       string
	pos       int
	li        *lineIndex
	shortTag  bool
	printEsc  bool
}

func newLexer1(file, src string, shortTag, printEsc bool) *lexer1 {
	return &lexer1{
		file:     file,
		src:      src,
		li:       newLineIndex(file, []byte(src), true),
		shortTag: shortTag,
		printEsc: printEsc,
	}
}

// envelopeOpener is one recognized `open ... close` envelope marker.
type envelopeOpener struct {
	open, close string
	directive   bool
	form        envelopeForm
}

// envelope markers this scanner recognizes, longest-prefix first so
// "<?teng" wins over a bare "<?".
var envelopeOpeners = []envelopeOpener{
	{"<!---", "--->", false, envelopeNone},
	{"<?teng", "?>", true, envelopeStatement},
	{"${", "}", true, envelopeValue},
	{"#{", "}", true, envelopeDictLookup},
}

// escapeRewrites maps an escaped literal sequence to its unescaped
// form, emitted verbatim inside text tokens (§4.3).
var escapeRewrites = []struct{ from, to string }{
	{`$\{`, "${"},
	{`#\{`, "#{"},
	{`%\{`, "%{"},
	{`<\?`, "<?"},
	{`?\>`, "?>"},
	{`\}`, "}"},
}

// Next returns the next token, advancing the scanner.
func (l *lexer1) Next() token1 {
	if l.pos >= len(l.src) {
		return token1{kind: tok1EOF, pos: l.li.at(l.pos)}
	}

	start := l.pos
	openers := l.activeOpeners()

	for l.pos < len(l.src) {
		if rw, ok := l.matchEscape(); ok {
			l.pos += len(rw.from)
			continue
		}
		for _, o := range openers {
			if strings.HasPrefix(l.src[l.pos:], o.open) {
				if l.pos > start {
					return l.textToken(start, l.pos)
				}
				return l.scanEnvelope(o)
			}
		}
		l.pos++
	}
	return l.textToken(start, l.pos)
}

func (l *lexer1) activeOpeners() []envelopeOpener {
	openers := append([]envelopeOpener{}, envelopeOpeners...)
	if l.printEsc {
		openers = append(openers, envelopeOpener{"%{", "}", true, envelopeRaw})
	}
	if l.shortTag {
		openers = append(openers, envelopeOpener{"<?", "?>", true, envelopeStatement})
	}
	return openers
}

func (l *lexer1) matchEscape() (struct{ from, to string }, bool) {
	for _, rw := range escapeRewrites {
		if strings.HasPrefix(l.src[l.pos:], rw.from) {
			return rw, true
		}
	}
	return struct{ from, to string }{}, false
}

// textToken returns the slice [start,end) as a text token, with any
// escape sequences it contains rewritten to their literal form.
func (l *lexer1) textToken(start, end int) token1 {
	raw := l.src[start:end]
	pos := l.li.at(start)
	text := rewriteEscapes(raw)
	return token1{kind: tok1Text, pos: pos, text: text}
}

func rewriteEscapes(s string) string {
	for _, rw := range escapeRewrites {
		s = strings.ReplaceAll(s, rw.from, rw.to)
	}
	return s
}

// scanEnvelope consumes one full `open ... close` envelope starting
// at l.pos (which must already be positioned at o.open).
func (l *lexer1) scanEnvelope(o envelopeOpener) token1 {
	pos := l.li.at(l.pos)
	bodyStart := l.pos + len(o.open)
	idx := strings.Index(l.src[bodyStart:], o.close)
	if idx < 0 {
		l.pos = len(l.src)
		return token1{kind: tok1Error, pos: pos, err: "unterminated directive at end of input"}
	}
	body := l.src[bodyStart : bodyStart+idx]
	l.pos = bodyStart + idx + len(o.close)
	if !o.directive {
		return token1{kind: tok1Comment, pos: pos, text: body}
	}
	return token1{kind: tok1Directive, pos: pos, text: body, form: o.form}
}

// lexer1Stack is the stacked scanner (§4.3): include/extends push a
// new lexer1 instance, the top one feeds tokens; popping invokes an
// optional action callback (used by template-inheritance compilation
// to close/reopen override source-range chunks, §4.5.4).
type lexer1Stack struct {
	stack   []*lexer1
	onPop   []func()
}

func newLexer1Stack(root *lexer1) *lexer1Stack {
	return &lexer1Stack{stack: []*lexer1{root}, onPop: []func(){nil}}
}

func (s *lexer1Stack) push(l *lexer1, onPop func()) {
	s.stack = append(s.stack, l)
	s.onPop = append(s.onPop, onPop)
}

func (s *lexer1Stack) Next() token1 {
	for {
		top := s.stack[len(s.stack)-1]
		tok := top.Next()
		if tok.kind == tok1EOF && len(s.stack) > 1 {
			cb := s.onPop[len(s.onPop)-1]
			s.stack = s.stack[:len(s.stack)-1]
			s.onPop = s.onPop[:len(s.onPop)-1]
			if cb != nil {
				cb()
			}
			continue
		}
		return tok
	}
}

func (s *lexer1Stack) depth() int { return len(s.stack) }
