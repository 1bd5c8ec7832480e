package teng

import (
	"strings"
)

// Filesystem is the collaborator the compiler delegates byte-loading
// to (§6.1): `read(path) → bytes`, `hash(path) → stable fingerprint`.
// Decoupling the compiler from any concrete filesystem keeps the core
// embeddable behind a virtual/sandboxed source tree.
type Filesystem interface {
	Read(path string) ([]byte, error)
	Stat(path string) (size int64, mtime int64, err error)
}

// compileError marks a grammar-level error already reported to the
// log; semantic actions catch it to drive §4.5.5's recovery.
type compileError struct{ msg string }

func (e compileError) Error() string { return e.msg }

// openIf tracks one open if/elif/else chain's backpatch state
// (§4.5.3 and the `if_start_points`/`branch_addrs` auxiliary stacks).
type openIf struct {
	pos          Pos
	endJumps     []int // JMP addresses to patch to endif
	pendingJmpIfNot int // address of the JMP_IF_NOT awaiting a target (else/elif/endif)
}

type openCase struct {
	pos        Pos
	endJumps   []int
	seenLabels map[string]bool
}

type openFormat struct {
	pos Pos
}

type openCtype struct {
	pos Pos
}

type openFrag struct {
	pos       Pos
	openAddr  int
	newFrame  bool
	fragNames []string
}

// Compiler implements component G: a grammar-driven compiler that
// turns one template source into a Program, lowering directives into
// the flat instruction vector while tracking several auxiliary stacks
// for control flow and error recovery.
type Compiler struct {
	file string
	prog *Program
	fs   Filesystem
	cfg  *Configuration
	dict *Dictionary
	log  *Log

	lexers *lexer1Stack
	frames *frameStack
	opt    *optimizer

	errorOccurred bool

	ifs     []*openIf
	formats []*openFormat
	ctypes  []*openCtype
	frags   []*openFrag

	includeDepth int

	// template inheritance (§4.5.4)
	extendsActive bool
	extendsPos    Pos
	extendsPath   string
	overrides     map[string]string
	capture       *overrideCapture
	defines       []*defineFrame
	superStack    []int
}

// overrideCapture accumulates one `override block NAME ... endblock`
// range's source text verbatim while scanning inside an `extends`.
type overrideCapture struct {
	name string
	pos  Pos
	buf  strings.Builder
}

// defineFrame tracks one open `define block NAME ... endblock` while
// its base-template body is being compiled inline.
type defineFrame struct {
	name     string
	pos      Pos
	jmpAddr  int
	baseAddr int
}

// CompileTemplate compiles src (named file, for diagnostics and
// relative includes) into a Program.
func CompileTemplate(file, src string, cfg *Configuration, dict *Dictionary, fs Filesystem) (*Program, *Log) {
	log := NewLog()
	sources := NewSourceList(statFuncFor(fs))
	sources.Push(file)
	prog := NewProgram(file, sources)

	root := newLexer1(file, src, cfg.ShortTag(), cfg.PrintEscape())
	c := &Compiler{
		file:   file,
		prog:   prog,
		fs:     fs,
		cfg:    cfg,
		dict:   dict,
		log:    log,
		lexers: newLexer1Stack(root),
		frames: newCompileFrameStack(),
	}
	c.opt = newOptimizer(prog, c.frames, log)
	c.run()
	c.prog.emit(Instruction{Op: opHalt, Pos: Pos{File: file}})
	return prog, log
}

func statFuncFor(fs Filesystem) StatFunc {
	if fs == nil {
		return nil
	}
	return func(path string) (int64, int64, error) { return fs.Stat(path) }
}

func (c *Compiler) run() {
	for {
		tok := c.lexers.Next()
		switch tok.kind {
		case tok1EOF:
			c.closeUnclosedBlocks()
			return
		case tok1Comment:
			continue
		case tok1Error:
			c.log.Errorf(tok.pos, "%s", tok.err)
			c.closeUnclosedBlocks()
			return
		case tok1Text:
			c.handleText(tok)
		case tok1Directive:
			c.handleDirective(tok)
		}
	}
}

// handleText routes a text chunk either into an open override capture
// (verbatim), discards it if it's stray markup between extends/
// endextends, or emits it normally.
func (c *Compiler) handleText(tok token1) {
	if c.capture != nil {
		c.capture.buf.WriteString(tok.text)
		return
	}
	if c.extendsActive {
		return
	}
	c.emitText(tok)
}

// handleDirective routes a directive envelope the same way handleText
// routes text, plus the extends/override/endblock state machine
// (§4.5.4) layered in front of the ordinary compileDirective dispatch.
func (c *Compiler) handleDirective(tok token1) {
	if c.capture != nil {
		if peekKeyword(tok) == tok2KwEndblock {
			c.finishCapture()
			return
		}
		c.capture.buf.WriteString(reconstructDirective(tok))
		return
	}
	if c.extendsActive {
		c.handleExtendsBodyDirective(tok)
		return
	}
	c.compileDirective(tok)
}

// peekKeyword reports the leading keyword of a statement-form
// directive body without otherwise acting on it.
func peekKeyword(tok token1) tok2Kind {
	body := strings.TrimSpace(tok.text)
	if body == "" {
		return tok2EOF
	}
	l2 := newLexer2("", body)
	return l2.Next().kind
}

// reconstructDirective rebuilds a canonical source form for a
// directive envelope already split into kind+body, so captured
// override text can be recompiled later by a fresh lexer1/lexer2
// pipeline.
func reconstructDirective(tok token1) string {
	switch tok.form {
	case envelopeValue:
		return "${" + tok.text + "}"
	case envelopeRaw:
		return "%{" + tok.text + "}"
	case envelopeDictLookup:
		return "#{" + tok.text + "}"
	default:
		return "<?teng " + tok.text + "?>"
	}
}

func (c *Compiler) handleExtendsBodyDirective(tok token1) {
	switch peekKeyword(tok) {
	case tok2KwOverride:
		body := strings.TrimSpace(tok.text)
		l2 := newLexer2(c.file, body)
		l2.Next() // 'override'
		l2.Next() // 'block'
		nameTok := l2.Next()
		c.capture = &overrideCapture{name: nameTok.text, pos: tok.pos}
	case tok2KwEndextends:
		c.finishExtends(tok.pos)
	default:
		c.log.Errorf(tok.pos, "expected override block or endextends inside extends")
	}
}

func (c *Compiler) finishCapture() {
	cap := c.capture
	c.capture = nil
	if c.overrides == nil {
		c.overrides = map[string]string{}
	}
	c.overrides[cap.name] = cap.buf.String()
}

// finishExtends loads the base template named by the just-closed
// extends directive and splices it into the same token stream the
// way include does, so its `define` blocks see c.overrides populated.
func (c *Compiler) finishExtends(pos Pos) {
	c.extendsActive = false
	path := c.extendsPath
	if c.fs == nil {
		c.log.Errorf(pos, "extends %q: no filesystem collaborator configured", path)
		return
	}
	bytes, err := c.fs.Read(path)
	if err != nil {
		c.log.Errorf(pos, "cannot load base template %q: %v", path, err)
		return
	}
	c.prog.Sources.Push(path)
	base := newLexer1(path, string(bytes), c.cfg.ShortTag(), c.cfg.PrintEscape())
	c.lexers.push(base, nil)
}

func (c *Compiler) emitText(tok token1) {
	if tok.text == "" {
		return
	}
	c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Str(tok.text)})
	c.prog.emit(Instruction{Op: opPrint, Pos: tok.pos, Bool: false})
}

// closeUnclosedBlocks implements §4.5.5's EOF recovery: any unclosed
// if/frag/format/ctype is reported at its opening position. An
// unclosed if's dangling conditional jumps are patched to a NOOP
// landing pad rather than left at their zero value, which would
// otherwise self-loop the first time that branch ran.
func (c *Compiler) closeUnclosedBlocks() {
	if len(c.ifs) > 0 {
		landing := -1
		for _, top := range c.ifs {
			c.log.Errorf(top.pos, "unterminated if statement")
			if landing < 0 {
				landing = c.prog.emit(Instruction{Op: opNoop, Pos: top.pos})
			}
			if top.pendingJmpIfNot >= 0 {
				c.prog.Instructions[top.pendingJmpIfNot].Int = landing - top.pendingJmpIfNot
			}
			for _, jmp := range top.endJumps {
				c.prog.Instructions[jmp].Int = landing - jmp
			}
		}
	}
	if len(c.frags) > 0 {
		top := c.frags[len(c.frags)-1]
		c.log.Errorf(top.pos, "unterminated frag statement")
	}
	if len(c.formats) > 0 {
		top := c.formats[len(c.formats)-1]
		c.log.Errorf(top.pos, "unterminated format statement")
	}
	if len(c.ctypes) > 0 {
		top := c.ctypes[len(c.ctypes)-1]
		c.log.Errorf(top.pos, "unterminated ctype statement")
	}
	if c.capture != nil {
		c.log.Errorf(c.capture.pos, "unterminated override block")
	}
	if c.extendsActive {
		c.log.Errorf(c.extendsPos, "unterminated extends statement")
	}
	if len(c.defines) > 0 {
		top := c.defines[len(c.defines)-1]
		c.log.Errorf(top.pos, "unterminated define block")
	}
}

// compileDirective dispatches one lexer-1 directive envelope body.
// `${...}`/`%{...}`/`#{...}` bodies are bare expressions (possibly a
// dictionary key for `#{...}`); `<?teng ...?>`/`<?...?>` bodies start
// with a keyword identifying the statement.
func (c *Compiler) compileDirective(tok token1) {
	body := strings.TrimSpace(tok.text)
	if body == "" {
		return
	}

	switch tok.form {
	case envelopeValue:
		c.compileValueEnvelope(tok, body, true)
		return
	case envelopeRaw:
		c.compileValueEnvelope(tok, body, false)
		return
	case envelopeDictLookup:
		c.compileDictLookupEnvelope(tok, body)
		return
	}

	l2 := newLexer2(c.file, body)
	first := l2.Next()

	switch first.kind {
	case tok2KwIf:
		c.compileIf(tok.pos, l2)
	case tok2KwElif:
		c.compileElif(tok.pos, l2)
	case tok2KwElse:
		c.compileElse(tok.pos)
	case tok2KwEndif:
		c.compileEndif(tok.pos)
	case tok2KwFrag:
		c.compileFrag(tok.pos, l2)
	case tok2KwEndfrag:
		c.compileEndfrag(tok.pos)
	case tok2KwSet:
		c.compileSet(tok.pos, l2)
	case tok2KwFormat:
		c.compileFormat(tok.pos, l2)
	case tok2KwEndformat:
		c.compileEndformat(tok.pos)
	case tok2KwCtype:
		c.compileCtype(tok.pos, l2)
	case tok2KwEndctype:
		c.compileEndctype(tok.pos)
	case tok2KwInclude:
		c.compileInclude(tok.pos, l2)
	case tok2KwExtends:
		c.compileExtends(tok.pos, l2)
	case tok2KwEndextends:
		c.log.Errorf(tok.pos, "endextends without matching extends")
	case tok2KwOverride:
		c.log.Errorf(tok.pos, "override block only valid directly inside extends")
	case tok2KwDefine:
		c.compileDefine(tok.pos, l2)
	case tok2KwEndblock:
		c.compileEndblock(tok.pos)
	case tok2KwSuper:
		c.compileSuper(tok.pos)
	case tok2KwDebug:
		c.prog.emit(Instruction{Op: opDebugFrag, Pos: tok.pos})
	case tok2KwBytecode:
		c.prog.emit(Instruction{Op: opBytecodeFrag, Pos: tok.pos})
	case tok2EOF:
		return
	default:
		// a <?teng ...?>/<?...?> body that isn't one of the known
		// keywords: treat it as a bare expression statement, printed
		// escaped, the way the grammar falls back for a plain
		// identifier or literal used as a whole directive body.
		c.compileExpressionDirective(tok, l2, first)
	}
}

// compileValueEnvelope compiles a `${EXPR}` (escaped per the active
// content type) or `%{EXPR}` (raw, deferred to PRINT's print_escape
// flag) shorthand (§6.5).
func (c *Compiler) compileValueEnvelope(tok token1, body string, escape bool) {
	l2 := newLexer2(c.file, body)
	first := l2.Next()
	opt := c.compileExprFromFirst(l2, first)
	end := c.prog.len()
	c.opt.foldOptimizationPoints([]optimizationPoint{opt}, false, end, tok.pos)
	c.prog.emit(Instruction{Op: opPrint, Pos: tok.pos, Bool: escape})
}

// compileDictLookupEnvelope compiles a `#{KEY}` dictionary lookup
// with print (§6.5): KEY may itself be `#{...}`-expanded by the
// dictionary at load time, so here it is just a literal lookup key.
func (c *Compiler) compileDictLookupEnvelope(tok token1, key string) {
	c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Str(key)})
	c.prog.emit(Instruction{Op: opDict, Pos: tok.pos})
	c.prog.emit(Instruction{Op: opPrint, Pos: tok.pos, Bool: true})
}

func (c *Compiler) compileExpressionDirective(tok token1, l2 *lexer2, first token2) {
	opt := c.compileExprFromFirst(l2, first)
	end := c.prog.len()
	c.opt.foldOptimizationPoints([]optimizationPoint{opt}, false, end, tok.pos)
	c.prog.emit(Instruction{Op: opPrint, Pos: tok.pos, Bool: true})
}

// --- expression compilation -------------------------------------------------

// compileExpr parses a full expression (ternary precedence, the
// lowest) starting fresh from l2.
func (c *Compiler) compileExpr(l2 *lexer2, pos Pos) optimizationPoint {
	tok := l2.Next()
	return c.compileExprFromFirst(l2, tok)
}

func (c *Compiler) compileExprFromFirst(l2 *lexer2, first token2) optimizationPoint {
	start := c.prog.len()
	c.parseTernary(l2, first)
	return optimizationPoint{start: start, optimizable: true}
}

func (c *Compiler) parseTernary(l2 *lexer2, first token2) {
	c.parseOr(l2, first)
	save := l2.pos
	next := l2.Next()
	if next.kind == tok2Question {
		jifn := c.prog.emit(Instruction{Op: opJmpIfNot, Pos: next.pos})
		c.compileExpr(l2, next.pos)
		jmp := c.prog.emit(Instruction{Op: opJmp, Pos: next.pos})
		c.prog.Instructions[jifn].Int = c.prog.len() - jifn
		colon := l2.Next()
		if colon.kind == tok2Colon {
			c.compileExpr(l2, colon.pos)
		} else {
			c.prog.emit(Instruction{Op: opVal, Pos: colon.pos, Val: Undefined()})
		}
		c.prog.Instructions[jmp].Int = c.prog.len() - jmp
		return
	}
	l2.pos = save
}

func (c *Compiler) parseOr(l2 *lexer2, first token2) {
	c.parseAnd(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		if next.kind != tok2OrOr {
			l2.pos = save
			return
		}
		orIdx := c.prog.emit(Instruction{Op: opOr, Pos: next.pos})
		rhsFirst := l2.Next()
		c.parseAnd(l2, rhsFirst)
		c.prog.Instructions[orIdx].Int = c.prog.len() - orIdx
	}
}

func (c *Compiler) parseAnd(l2 *lexer2, first token2) {
	c.parseEquality(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		if next.kind != tok2AndAnd {
			l2.pos = save
			return
		}
		andIdx := c.prog.emit(Instruction{Op: opAnd, Pos: next.pos})
		rhsFirst := l2.Next()
		c.parseEquality(l2, rhsFirst)
		c.prog.Instructions[andIdx].Int = c.prog.len() - andIdx
	}
}

func (c *Compiler) parseEquality(l2 *lexer2, first token2) {
	c.parseRelational(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		var op Opcode
		switch next.kind {
		case tok2Eq:
			op = opEq
		case tok2Ne:
			op = opNe
		case tok2MatchRegex, tok2NotMatchRegex:
			c.parseRegexMatch(l2, next)
			continue
		default:
			l2.pos = save
			return
		}
		rhsFirst := l2.Next()
		c.parseRelational(l2, rhsFirst)
		c.prog.emit(Instruction{Op: op, Pos: next.pos})
	}
}

func (c *Compiler) parseRegexMatch(l2 *lexer2, matchTok token2) {
	reTok := l2.Next()
	var re *Regex
	if reTok.kind == tok2Slash {
		reTok = l2.NextRegex(matchTok.pos)
	}
	if reTok.kind == tok2Regex {
		parts := strings.SplitN(reTok.text, "\x00", 2)
		pattern, flags := parts[0], ""
		if len(parts) > 1 {
			flags = parts[1]
		}
		compiled, err := compileRegex(pattern, flags)
		if err != nil {
			c.log.Errorf(reTok.pos, "invalid regex literal: %v", err)
		} else {
			re = compiled
		}
	} else {
		c.log.Errorf(reTok.pos, "expected regex literal after =~/!~")
	}
	c.prog.emit(Instruction{Op: opMatchRegex, Pos: matchTok.pos, Regex: re})
	if matchTok.kind == tok2NotMatchRegex {
		c.prog.emit(Instruction{Op: opNot, Pos: matchTok.pos})
	}
}

func (c *Compiler) parseRelational(l2 *lexer2, first token2) {
	c.parseBitwise(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		var op Opcode
		switch next.kind {
		case tok2Lt:
			op = opLt
		case tok2Le:
			op = opLe
		case tok2Gt:
			op = opGt
		case tok2Ge:
			op = opGe
		default:
			l2.pos = save
			return
		}
		rhsFirst := l2.Next()
		c.parseBitwise(l2, rhsFirst)
		c.prog.emit(Instruction{Op: op, Pos: next.pos})
	}
}

func (c *Compiler) parseBitwise(l2 *lexer2, first token2) {
	c.parseAdditive(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		var op Opcode
		switch next.kind {
		case tok2Amp:
			op = opBitAnd
		case tok2Pipe:
			op = opBitOr
		case tok2Caret:
			op = opBitXor
		default:
			l2.pos = save
			return
		}
		rhsFirst := l2.Next()
		c.parseAdditive(l2, rhsFirst)
		c.prog.emit(Instruction{Op: op, Pos: next.pos})
	}
}

func (c *Compiler) parseAdditive(l2 *lexer2, first token2) {
	c.parseMultiplicative(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		var op Opcode
		switch next.kind {
		case tok2Plus:
			op = opPlus
		case tok2Minus:
			op = opMinus
		default:
			l2.pos = save
			return
		}
		rhsFirst := l2.Next()
		c.parseMultiplicative(l2, rhsFirst)
		c.prog.emit(Instruction{Op: op, Pos: next.pos})
	}
}

func (c *Compiler) parseMultiplicative(l2 *lexer2, first token2) {
	lhsIsStringLit := first.kind == tok2String
	c.parseUnary(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		var op Opcode
		switch next.kind {
		case tok2Star:
			op = opMul
		case tok2Slash:
			op = opDiv
		case tok2Percent:
			op = opMod
		default:
			l2.pos = save
			return
		}
		rhsFirst := l2.Next()
		c.parseUnary(l2, rhsFirst)
		// String `*` repeat (§4.6) is "string times integer": known
		// statically whenever the left operand is a literal string, emit
		// REPEAT directly rather than routing through MUL's runtime type
		// dispatch.
		if op == opMul && lhsIsStringLit {
			op = opRepeat
		}
		c.prog.emit(Instruction{Op: op, Pos: next.pos})
		lhsIsStringLit = false
	}
}

func (c *Compiler) parseUnary(l2 *lexer2, first token2) {
	switch first.kind {
	case tok2Minus:
		next := l2.Next()
		c.parseUnary(l2, next)
		c.prog.emit(Instruction{Op: opUnaryMinus, Pos: first.pos})
	case tok2Plus:
		next := l2.Next()
		c.parseUnary(l2, next)
		c.prog.emit(Instruction{Op: opUnaryPlus, Pos: first.pos})
	case tok2Not:
		next := l2.Next()
		c.parseUnary(l2, next)
		c.prog.emit(Instruction{Op: opNot, Pos: first.pos})
	case tok2Tilde:
		next := l2.Next()
		c.parseUnary(l2, next)
		c.prog.emit(Instruction{Op: opBitNot, Pos: first.pos})
	default:
		c.parsePostfix(l2, first)
	}
}

func (c *Compiler) parsePostfix(l2 *lexer2, first token2) {
	c.parsePrimary(l2, first)
	for {
		save := l2.pos
		next := l2.Next()
		switch next.kind {
		case tok2LBracket:
			idxFirst := l2.Next()
			c.parseTernary(l2, idxFirst)
			rb := l2.Next()
			if rb.kind != tok2RBracket {
				l2.pos = save
			}
			c.prog.emit(Instruction{Op: opPushAttrAt, Pos: next.pos})
		case tok2QuestionColon:
			// defaulting operator `expr ?: default` — if undefined, use rhs
			c.prog.emit(Instruction{Op: opPrgStackPush, Pos: next.pos})
			c.prog.emit(Instruction{Op: opPrgStackAt, Pos: next.pos})
			c.prog.emit(Instruction{Op: opQueryDefined, Pos: next.pos})
			jifn := c.prog.emit(Instruction{Op: opJmpIfNot, Pos: next.pos})
			c.prog.emit(Instruction{Op: opPrgStackAt, Pos: next.pos})
			jmp := c.prog.emit(Instruction{Op: opJmp, Pos: next.pos})
			c.prog.Instructions[jifn].Int = c.prog.len() - jifn
			rhsFirst := l2.Next()
			c.parseTernary(l2, rhsFirst)
			c.prog.Instructions[jmp].Int = c.prog.len() - jmp
			c.prog.emit(Instruction{Op: opPrgStackPop, Pos: next.pos})
		default:
			l2.pos = save
			return
		}
	}
}

func (c *Compiler) parsePrimary(l2 *lexer2, tok token2) {
	switch tok.kind {
	case tok2Int:
		c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Int(tok.ival)})
	case tok2Real:
		c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Real(tok.rval)})
	case tok2String:
		c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Str(tok.text)})
	case tok2Slash:
		re := l2.NextRegex(tok.pos)
		c.emitRegexLiteral(re)
	case tok2LParen:
		inner := l2.Next()
		c.parseTernary(l2, inner)
		rp := l2.Next()
		if rp.kind != tok2RParen {
			c.log.Errorf(rp.pos, "expected ')'")
		}
	case tok2Variable:
		c.compileIdentRead(tok.pos, strings.TrimPrefix(tok.text, "$"))
	case tok2Builtin:
		c.compileBuiltinRead(tok)
	case tok2UDFIdent:
		c.compileCall(l2, tok, true)
	case tok2KwCase:
		c.compileCaseExpr(tok.pos, l2)
	case tok2Ident:
		save := l2.pos
		peek := l2.Next()
		if peek.kind == tok2LParen {
			if !c.compileQueryCall(l2, tok) {
				c.compileCallArgs(l2, tok, false)
			}
		} else {
			l2.pos = save
			c.compileIdentRead(tok.pos, tok.text)
		}
	default:
		c.log.Errorf(tok.pos, "unexpected token in expression")
		c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Undefined()})
	}
}

// queryBuiltins maps the §4.7 query builtin names to their dedicated
// opcode: these read attribute presence/shape rather than a value, so
// they bypass the ordinary FUNC/UDF dispatch entirely.
var queryBuiltins = map[string]Opcode{
	"defined": opQueryDefined,
	"exists":  opQueryExists,
	"count":   opQueryCount,
	"isempty": opQueryIsEmpty,
	"type":    opQueryType,
	"repr":    opQueryRepr,
}

// compileQueryCall recognizes a call to one of queryBuiltins (l2 is
// positioned just past the opening '(') and lowers it to its QUERY_*
// opcode, with the argument's evaluation bracketed in
// LOG_SUPPRESS/LOG_UNSUPPRESS (§7) so that probing an absent attribute
// via defined()/exists() doesn't also surface a "missing" warning.
// Returns false without consuming anything when tok isn't one of
// these names, so the caller falls through to a plain FUNC call.
func (c *Compiler) compileQueryCall(l2 *lexer2, tok token2) bool {
	op, ok := queryBuiltins[tok.text]
	if !ok {
		return false
	}
	c.prog.emit(Instruction{Op: opLogSuppress, Pos: tok.pos})
	argFirst := l2.Next()
	c.parseTernary(l2, argFirst)
	c.prog.emit(Instruction{Op: opLogUnsuppress, Pos: tok.pos})
	rp := l2.Next()
	if rp.kind != tok2RParen {
		c.log.Errorf(rp.pos, "expected ')'")
	}
	c.prog.emit(Instruction{Op: op, Pos: tok.pos})
	return true
}

func (c *Compiler) emitRegexLiteral(tok token2) {
	parts := strings.SplitN(tok.text, "\x00", 2)
	pattern, flags := parts[0], ""
	if len(parts) > 1 {
		flags = parts[1]
	}
	re, err := compileRegex(pattern, flags)
	if err != nil {
		c.log.Errorf(tok.pos, "invalid regex literal: %v", err)
		c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Undefined()})
		return
	}
	c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: RegexValue(re)})
}

func (c *Compiler) compileCall(l2 *lexer2, name token2, isUDF bool) {
	l2.Next() // consume '('
	c.compileCallArgs(l2, name, isUDF)
}

// compileCallArgs compiles the argument list of a call whose opening
// '(' has already been consumed from l2.
func (c *Compiler) compileCallArgs(l2 *lexer2, name token2, isUDF bool) {
	nargs := 0
	save := l2.pos
	peek := l2.Next()
	if peek.kind != tok2RParen {
		l2.pos = save
		for {
			argFirst := l2.Next()
			c.parseTernary(l2, argFirst)
			nargs++
			sep := l2.Next()
			if sep.kind == tok2Comma {
				continue
			}
			break
		}
	}
	c.prog.emit(Instruction{Op: opFunc, Pos: name.pos, Str: name.text, NArgs: nargs, IsUDF: isUDF})
}

// compileBuiltinRead lowers a bare builtin like `_count`/`_index` into
// the current open-frag's static builtin-push instruction.
func (c *Compiler) compileBuiltinRead(tok token2) {
	if len(c.frags) == 0 {
		c.log.Errorf(tok.pos, "%s used outside of frag", tok.text)
		c.prog.emit(Instruction{Op: opVal, Pos: tok.pos, Val: Undefined()})
		return
	}
	var op Opcode
	switch tok.text {
	case "_count":
		op = opPushFragCount
	case "_index":
		op = opPushFragIndex
	case "_first":
		op = opPushFragFirst
	case "_last":
		op = opPushFragLast
	case "_inner":
		op = opPushFragInner
	case "_this":
		c.prog.emit(Instruction{Op: opPushThisFrag, Pos: tok.pos})
		return
	case "_parent":
		c.prog.emit(Instruction{Op: opPushRootFrag, Pos: tok.pos})
		return
	case "_error":
		c.prog.emit(Instruction{Op: opPushErrorFrag, Pos: tok.pos})
		return
	}
	c.prog.emit(Instruction{Op: op, Pos: tok.pos, Frame: 0, Frag: len(c.frames.top().records) - 1})
}

// compileIdentRead implements §4.5.1: try a static resolution against
// the open-frame stack first; on failure emit a runtime variable walk
// terminated by REPR.
func (c *Compiler) compileIdentRead(pos Pos, name string) {
	absolute := strings.HasPrefix(name, ".")
	trimmed := strings.TrimPrefix(name, ".")
	segments := strings.Split(trimmed, ".")

	if frameOff, fragOff, ok := c.frames.resolveIdent(segments, absolute); ok && len(segments) == 1 {
		c.prog.emit(Instruction{Op: opVar, Pos: pos, Str: name, Frame: frameOff, Frag: fragOff, Bool: true})
		return
	}

	// runtime walk: push current frame's fragment, then chain PUSH_ATTR
	c.prog.emit(Instruction{Op: opPushThisFrag, Pos: pos})
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		c.prog.emit(Instruction{Op: opPushAttr, Pos: pos, Str: seg})
	}
	c.prog.emit(Instruction{Op: opRepr, Pos: pos, Bool: true})
}

// --- statements --------------------------------------------------------

func (c *Compiler) compileIf(pos Pos, l2 *lexer2) {
	first := l2.Next()
	start := c.prog.len()
	c.compileExprFromFirst(l2, first)
	end := c.prog.len()
	opt := optimizationPoint{start: start, optimizable: true}
	c.opt.foldOptimizationPoints([]optimizationPoint{opt}, false, end, pos)

	jifn := c.prog.emit(Instruction{Op: opJmpIfNot, Pos: pos})
	c.ifs = append(c.ifs, &openIf{pos: pos, pendingJmpIfNot: jifn})
}

func (c *Compiler) compileElif(pos Pos, l2 *lexer2) {
	if len(c.ifs) == 0 {
		c.log.Errorf(pos, "elif without matching if")
		return
	}
	top := c.ifs[len(c.ifs)-1]
	jmp := c.prog.emit(Instruction{Op: opJmp, Pos: pos})
	top.endJumps = append(top.endJumps, jmp)
	c.prog.Instructions[top.pendingJmpIfNot].Int = c.prog.len() - top.pendingJmpIfNot

	first := l2.Next()
	c.compileExprFromFirst(l2, first)
	top.pendingJmpIfNot = c.prog.emit(Instruction{Op: opJmpIfNot, Pos: pos})
}

func (c *Compiler) compileElse(pos Pos) {
	if len(c.ifs) == 0 {
		c.log.Errorf(pos, "else without matching if")
		return
	}
	top := c.ifs[len(c.ifs)-1]
	jmp := c.prog.emit(Instruction{Op: opJmp, Pos: pos})
	top.endJumps = append(top.endJumps, jmp)
	c.prog.Instructions[top.pendingJmpIfNot].Int = c.prog.len() - top.pendingJmpIfNot
	top.pendingJmpIfNot = -1
}

func (c *Compiler) compileEndif(pos Pos) {
	if len(c.ifs) == 0 {
		c.log.Errorf(pos, "endif without matching if")
		return
	}
	top := c.ifs[len(c.ifs)-1]
	c.ifs = c.ifs[:len(c.ifs)-1]
	if top.pendingJmpIfNot >= 0 {
		c.prog.Instructions[top.pendingJmpIfNot].Int = c.prog.len() - top.pendingJmpIfNot
	}
	for _, jmp := range top.endJumps {
		c.prog.Instructions[jmp].Int = c.prog.len() - jmp
	}
}

// compileCaseExpr compiles `case(expr, lit1: br1, lit1': br1, ...,
// *: default)`: a self-contained expression-level construct (not a
// directive block — no directive consumes lexer2's `endcase` keyword).
// The scrutinee is pushed onto the program stack, each label reads it
// back with PRG_STACK_AT and compares with EQ, the winning branch's
// JMP lands after the closing ')', which pops the scrutinee.
func (c *Compiler) compileCaseExpr(pos Pos, l2 *lexer2) {
	lp := l2.Next()
	if lp.kind != tok2LParen {
		c.log.Errorf(pos, "expected '(' after case")
		return
	}
	first := l2.Next()
	c.compileExprFromFirst(l2, first)
	c.prog.emit(Instruction{Op: opPrgStackPush, Pos: pos})

	oc := &openCase{pos: pos, seenLabels: map[string]bool{}}

	for {
		tok := l2.Next()
		switch tok.kind {
		case tok2RParen:
			for _, jmp := range oc.endJumps {
				c.prog.Instructions[jmp].Int = c.prog.len() - jmp
			}
			c.prog.emit(Instruction{Op: opPrgStackPop, Pos: pos})
			return
		case tok2Comma:
			continue
		default:
			c.compileCaseOption(l2, tok, oc)
		}
	}
}

func (c *Compiler) compileCaseOption(l2 *lexer2, labelTok token2, oc *openCase) {
	label := labelTok.text
	wildcard := labelTok.kind == tok2Star
	if wildcard {
		label = "*"
	}
	if oc.seenLabels[label] {
		c.log.Warningf(labelTok.pos, "duplicate case label %q", label)
	}
	oc.seenLabels[label] = true

	var jifn int
	if wildcard {
		jifn = -1
	} else {
		c.prog.emit(Instruction{Op: opPrgStackAt, Pos: labelTok.pos, Int: 0})
		c.parsePrimary(l2, labelTok)
		c.prog.emit(Instruction{Op: opEq, Pos: labelTok.pos})
		jifn = c.prog.emit(Instruction{Op: opJmpIfNot, Pos: labelTok.pos})
	}

	colon := l2.Next()
	if colon.kind != tok2Colon {
		c.log.Errorf(colon.pos, "expected ':' after case label")
		return
	}
	bodyFirst := l2.Next()
	c.compileExprFromFirst(l2, bodyFirst)
	jmp := c.prog.emit(Instruction{Op: opJmp, Pos: labelTok.pos})
	oc.endJumps = append(oc.endJumps, jmp)
	if jifn >= 0 {
		c.prog.Instructions[jifn].Int = c.prog.len() - jifn
	}
}

func (c *Compiler) compileFrag(pos Pos, l2 *lexer2) {
	nameTok := l2.Next()
	name := nameTok.text
	newFrame := strings.HasPrefix(name, ".")

	if newFrame {
		if err := c.frames.pushFrame(); err != nil {
			c.log.Errorf(pos, "%s", err.Error())
		}
		c.prog.emit(Instruction{Op: opOpenFrame, Pos: pos})
	}

	trimmed := strings.TrimPrefix(name, ".")
	op := opOpenFrag
	if trimmed == "_error" {
		op = opOpenErrorFrag
	}
	openAddr := c.prog.emit(Instruction{Op: op, Pos: pos, Str: trimmed})
	if err := c.frames.top().push(trimmed, openAddr, false, nil, nil, 0); err != nil {
		c.log.Errorf(pos, "%s", err.Error())
	}
	c.frags = append(c.frags, &openFrag{pos: pos, openAddr: openAddr, newFrame: newFrame})
}

func (c *Compiler) compileEndfrag(pos Pos) {
	if len(c.frags) == 0 {
		c.log.Errorf(pos, "endfrag without matching frag")
		return
	}
	of := c.frags[len(c.frags)-1]
	c.frags = c.frags[:len(c.frags)-1]

	closeAddr := c.prog.emit(Instruction{Op: opCloseFrag, Pos: pos, OpenFragOffset: of.openAddr})
	c.prog.Instructions[of.openAddr].CloseFragOffset = closeAddr

	c.frames.top().pop()
	if of.newFrame {
		c.prog.emit(Instruction{Op: opCloseFrame, Pos: pos})
		c.frames.popFrame()
	}
}

func (c *Compiler) compileSet(pos Pos, l2 *lexer2) {
	varTok := l2.Next()
	if varTok.kind != tok2Variable {
		c.log.Errorf(pos, "expected variable after set")
		return
	}
	eq := l2.Next()
	if eq.kind != tok2Assign {
		c.log.Errorf(eq.pos, "expected '=' in set statement")
		return
	}
	first := l2.Next()
	c.compileExprFromFirst(l2, first)

	name := strings.TrimPrefix(varTok.text, "$")
	segments := strings.Split(strings.TrimPrefix(name, "."), ".")
	frameOff, fragOff, ok := c.frames.resolveIdent(segments[:len(segments)-1], strings.HasPrefix(name, "."))
	if !ok {
		frameOff, fragOff = 0, len(c.frames.top().records)-1
	}
	c.prog.emit(Instruction{Op: opSet, Pos: pos, Str: segments[len(segments)-1], Frame: frameOff, Frag: fragOff})
}

// parseOptionValue reads one `name='value'` directive option (the
// `file='…'`/`space='…'` forms of §6.5) and returns the value token,
// tolerating a bare value with no `name=` prefix too.
func (c *Compiler) parseOptionValue(l2 *lexer2) token2 {
	first := l2.Next()
	if first.kind != tok2Ident {
		return first
	}
	eq := l2.Next()
	if eq.kind != tok2Assign {
		return eq
	}
	return l2.Next()
}

func (c *Compiler) compileFormat(pos Pos, l2 *lexer2) {
	tok := c.parseOptionValue(l2)
	mode := parseWhitespaceMode(tok.text)
	c.prog.emit(Instruction{Op: opOpenFormat, Pos: pos, Mode: mode})
	c.formats = append(c.formats, &openFormat{pos: pos})
}

func (c *Compiler) compileEndformat(pos Pos) {
	if len(c.formats) == 0 {
		c.log.Errorf(pos, "endformat without matching format")
		return
	}
	c.formats = c.formats[:len(c.formats)-1]
	c.prog.emit(Instruction{Op: opCloseFormat, Pos: pos})
}

func parseWhitespaceMode(name string) whitespaceMode {
	switch name {
	case "nowhite":
		return modeNoWhite
	case "onespace":
		return modeOneSpace
	case "striplines":
		return modeStripLines
	case "joinlines":
		return modeJoinLines
	case "nowhitelines":
		return modeNoWhiteLines
	default:
		return modePassWhite
	}
}

func (c *Compiler) compileCtype(pos Pos, l2 *lexer2) {
	tok := l2.Next()
	name := tok.text
	if tok.kind == tok2String {
		name = tok.text
	}
	ct, ok := LookupContentType(name)
	if !ok {
		c.log.Errorf(pos, "unknown content type %q", name)
		ct = DefaultContentType()
	}
	c.prog.emit(Instruction{Op: opOpenCtype, Pos: pos, Ctype: ct})
	c.ctypes = append(c.ctypes, &openCtype{pos: pos})
}

func (c *Compiler) compileEndctype(pos Pos) {
	if len(c.ctypes) == 0 {
		c.log.Errorf(pos, "endctype without matching ctype")
		return
	}
	c.ctypes = c.ctypes[:len(c.ctypes)-1]
	c.prog.emit(Instruction{Op: opCloseCtype, Pos: pos})
}

// compileInclude loads and splices a second template's compiled
// instructions inline. Include depth is capped by maxIncludeDepth
// (§5 "Limits as hard errors").
func (c *Compiler) compileInclude(pos Pos, l2 *lexer2) {
	pathTok := c.parseOptionValue(l2)
	path := pathTok.text

	if c.includeDepth >= c.cfg.MaxIncludeDepth() {
		c.log.Errorf(pos, "include depth exceeds maxIncludeDepth (%d)", c.cfg.MaxIncludeDepth())
		return
	}
	if c.fs == nil {
		c.log.Errorf(pos, "include %q: no filesystem collaborator configured", path)
		return
	}
	bytes, err := c.fs.Read(path)
	if err != nil {
		c.log.Errorf(pos, "cannot include %q: %v", path, err)
		return
	}
	c.prog.Sources.Push(path)

	c.includeDepth++
	sub := newLexer1(path, string(bytes), c.cfg.ShortTag(), c.cfg.PrintEscape())
	depth := c.includeDepth
	c.lexers.push(sub, func() { c.includeDepth = depth - 1 })
}

// --- template inheritance (§4.5.4) --------------------------------------

// compileExtends opens an extends span: everything up to the matching
// endextends is scanned only for `override block NAME ... endblock`
// ranges (handled by handleExtendsBodyDirective), nothing it contains
// is compiled directly.
func (c *Compiler) compileExtends(pos Pos, l2 *lexer2) {
	pathTok := c.parseOptionValue(l2)
	c.extendsActive = true
	c.extendsPos = pos
	c.extendsPath = pathTok.text
}

// compileDefine opens a `define block NAME` in a base template: it
// emits a JMP that skips straight past the subroutine chain built for
// NAME, with the base body compiled inline as the chain's bottom.
func (c *Compiler) compileDefine(pos Pos, l2 *lexer2) {
	l2.Next() // 'block'
	nameTok := l2.Next()

	jmpAddr := c.prog.emit(Instruction{Op: opJmp, Pos: pos})
	baseAddr := c.prog.len()
	c.defines = append(c.defines, &defineFrame{name: nameTok.text, pos: pos, jmpAddr: jmpAddr, baseAddr: baseAddr})
}

// compileEndblock closes the base body of the innermost open define:
// it emits the RETURN ending the base subroutine, then — if the
// extending template supplied an override for this block name —
// recompiles the captured override text as a further subroutine
// (with `super` resolved to the base address), and finally patches
// the opening JMP to land just after the whole chain, followed by the
// CALL that actually invokes it (the most specific override, or the
// base body if there was none).
func (c *Compiler) compileEndblock(pos Pos) {
	if len(c.defines) == 0 {
		c.log.Errorf(pos, "endblock without matching define")
		return
	}
	df := c.defines[len(c.defines)-1]
	c.defines = c.defines[:len(c.defines)-1]

	c.prog.emit(Instruction{Op: opReturn, Pos: pos})

	body, hasOverride := c.overrides[df.name]
	if !hasOverride {
		endAddr := c.prog.len()
		c.prog.Instructions[df.jmpAddr].Int = endAddr - df.jmpAddr
		c.prog.emit(Instruction{Op: opCall, Pos: pos, Addr: df.baseAddr})
		return
	}

	overrideAddr := c.prog.len()
	c.superStack = append(c.superStack, df.baseAddr)
	jmpAddr := df.jmpAddr
	sub := newLexer1(c.file, body, c.cfg.ShortTag(), c.cfg.PrintEscape())
	c.lexers.push(sub, func() {
		c.prog.emit(Instruction{Op: opReturn, Pos: pos})
		c.superStack = c.superStack[:len(c.superStack)-1]
		endAddr := c.prog.len()
		c.prog.Instructions[jmpAddr].Int = endAddr - jmpAddr
		c.prog.emit(Instruction{Op: opCall, Pos: pos, Addr: overrideAddr})
	})
}

// compileSuper compiles a `super` directive found inside an override
// body: a CALL to the block's immediately-overridden implementation.
func (c *Compiler) compileSuper(pos Pos) {
	if len(c.superStack) == 0 {
		c.log.Errorf(pos, "super outside of an override block")
		return
	}
	target := c.superStack[len(c.superStack)-1]
	c.prog.emit(Instruction{Op: opCall, Pos: pos, Addr: target})
}
