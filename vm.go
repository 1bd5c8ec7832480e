package teng

import (
	"fmt"
	"strings"
)

// VM is the stack-based interpreter (component J, §4.6): it drives a
// safe instruction pointer over one Program's instruction vector,
// holding the value stack, program stack, fragment frames, formatter,
// escape stack, and error log.
type VM struct {
	prog   *Program
	frames *frameStack

	valueStack []Value
	progStack  []Value // return addresses (as Int) and case scrutinees

	formatter *Formatter
	escapes   *escapeStack
	log       *Log
	config    *Configuration
	dict      *Dictionary
	udf       *UDFRegistry

	// eval mode: used by the optimizer to fold constant subranges at
	// compile time against the compile-time frame stack. In eval mode,
	// any instruction needing true runtime state (PUSH_ATTR walking an
	// unresolved tree, PRINT, DEBUG_FRAG, ...) aborts with
	// runtimeContextNeeded instead of touching formatter/output.
	eval bool
}

// NewVM builds an interpreter ready to execute prog against root,
// writing formatted output to sink.
func NewVM(prog *Program, root *Fragment, cfg *Configuration, dict *Dictionary, udf *UDFRegistry, sink Writer, log *Log) *VM {
	base := DefaultContentType()
	return &VM{
		prog:      prog,
		frames:    newFrameStack(root),
		formatter: NewFormatter(sink),
		escapes:   newEscapeStack(base, log),
		log:       log,
		config:    cfg,
		dict:      dict,
		udf:       udf,
	}
}

func newEvalVM(prog *Program, frames *frameStack, log *Log) *VM {
	return &VM{prog: prog, frames: frames, log: log, eval: true}
}

func (vm *VM) push(v Value) { vm.valueStack = append(vm.valueStack, v) }

func (vm *VM) pop() Value {
	if len(vm.valueStack) == 0 {
		return Undefined()
	}
	n := len(vm.valueStack) - 1
	v := vm.valueStack[n]
	vm.valueStack = vm.valueStack[:n]
	return v
}

func (vm *VM) pushProg(v Value) { vm.progStack = append(vm.progStack, v) }

func (vm *VM) popProg(pos Pos) Value {
	if len(vm.progStack) == 0 {
		panic(fatalRuntimeError{pos: pos, message: "program stack underflow"})
	}
	n := len(vm.progStack) - 1
	v := vm.progStack[n]
	vm.progStack = vm.progStack[:n]
	return v
}

func (vm *VM) needsRuntime(reason string) {
	panic(runtimeContextNeeded{reason: reason})
}

// Run executes instructions in [start, end), returning the maximum
// diagnostic level logged. The IP refuses to leave [start,end) and
// refuses a zero-length self-loop (§4.6); both are fatal runtime
// errors that abort execution while keeping whatever was already
// written to the formatter.
func (vm *VM) Run(start, end int) (result Level, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rc, ok := r.(runtimeContextNeeded); ok {
				err = rc
				return
			}
			if fr, ok := r.(fatalRuntimeError); ok {
				vm.log.Fatalf(fr.pos, "%s", fr.message)
				err = fr
				return
			}
			panic(r)
		}
	}()

	ip := start
	for ip < end {
		next := vm.step(ip, end)
		if next == ip {
			panic(fatalRuntimeError{pos: vm.prog.Instructions[ip].Pos, message: "zero-length self-loop at instruction " + fmt.Sprint(ip)})
		}
		if next < start || next > end {
			panic(fatalRuntimeError{pos: vm.prog.Instructions[ip].Pos, message: "instruction pointer escaped program bounds"})
		}
		ip = next
	}
	if !vm.eval {
		vm.formatter.Flush()
	}
	return vm.log.MaxLevel(), nil
}

// step executes the instruction at ip and returns the next ip.
func (vm *VM) step(ip, end int) int {
	in := vm.prog.Instructions[ip]

	switch in.Op {
	case opVal:
		vm.push(in.Val)
	case opPrgStackPush:
		vm.pushProg(vm.pop())
	case opPrgStackPop:
		vm.popProg(in.Pos)
	case opPrgStackAt:
		idx := len(vm.progStack) - 1 - in.Int
		if idx < 0 || idx >= len(vm.progStack) {
			vm.push(Undefined())
		} else {
			vm.push(vm.progStack[idx])
		}

	case opUnaryPlus:
		a := vm.pop()
		vm.push(a)
	case opUnaryMinus:
		a := vm.pop()
		if a.IsReal() {
			vm.push(Real(-a.RealValue()))
		} else {
			vm.push(Int(-a.Integral()))
		}
	case opPlus:
		vm.push(vm.arithAdd(vm.popTwo()))
	case opMinus:
		a, b := vm.popTwo()
		vm.push(vm.promote(a, b, func(x, y int64) Value { return Int(x - y) }, func(x, y float64) Value { return Real(x - y) }))
	case opMul:
		a, b := vm.popTwo()
		if a.IsString() && b.IsInteger() {
			vm.push(Str(strings.Repeat(a.StringValue(), int(b.Integral()))))
			break
		}
		vm.push(vm.promote(a, b, func(x, y int64) Value { return Int(x * y) }, func(x, y float64) Value { return Real(x * y) }))
	case opDiv:
		a, b := vm.popTwo()
		if b.RealValue() == 0 {
			vm.log.Warningf(in.Pos, "division by zero")
			vm.push(Undefined())
			break
		}
		vm.push(vm.promote(a, b, func(x, y int64) Value { return Real(float64(x) / float64(y)) }, func(x, y float64) Value { return Real(x / y) }))
	case opMod:
		a, b := vm.popTwo()
		if !a.IsInteger() || !b.IsInteger() {
			vm.log.Warningf(in.Pos, "modulo requires integer operands")
			vm.push(Undefined())
			break
		}
		if b.Integral() == 0 {
			vm.log.Warningf(in.Pos, "division by zero")
			vm.push(Undefined())
			break
		}
		vm.push(Int(a.Integral() % b.Integral()))
	case opBitAnd:
		vm.push(vm.bitwise(in.Pos, func(x, y int64) int64 { return x & y }))
	case opBitOr:
		vm.push(vm.bitwise(in.Pos, func(x, y int64) int64 { return x | y }))
	case opBitXor:
		vm.push(vm.bitwise(in.Pos, func(x, y int64) int64 { return x ^ y }))
	case opBitNot:
		a := vm.pop()
		if !a.IsInteger() {
			vm.log.Warningf(in.Pos, "bitwise not requires an integer operand")
			vm.push(Undefined())
			break
		}
		vm.push(Int(^a.Integral()))
	case opRepeat:
		a, b := vm.popTwo()
		vm.push(Str(strings.Repeat(a.StringValue(), int(b.Integral()))))

	case opAnd:
		a := vm.pop()
		if !a.Bool() {
			vm.push(a)
			return ip + in.Int
		}
	case opOr:
		a := vm.pop()
		if a.Bool() {
			vm.push(a)
			return ip + in.Int
		}
	case opNot:
		a := vm.pop()
		vm.push(boolValue(!a.Bool()))

	case opEq:
		a, b := vm.popTwo()
		vm.push(boolValue(a.Equal(b)))
	case opNe:
		a, b := vm.popTwo()
		vm.push(boolValue(!a.Equal(b)))
	case opLt:
		a, b := vm.popTwo()
		vm.push(boolValue(a.Less(b)))
	case opLe:
		a, b := vm.popTwo()
		vm.push(boolValue(a.Less(b) || a.Equal(b)))
	case opGt:
		a, b := vm.popTwo()
		vm.push(boolValue(b.Less(a)))
	case opGe:
		a, b := vm.popTwo()
		vm.push(boolValue(b.Less(a) || a.Equal(b)))

	case opJmp:
		return ip + in.Int
	case opJmpIfNot:
		a := vm.pop()
		if !a.Bool() {
			return ip + in.Int
		}
	case opHalt:
		return end
	case opNoop:
		// nothing

	case opPrint:
		vm.execPrint(in)

	case opOpenFormat:
		if vm.eval {
			vm.needsRuntime("format")
		}
		if vm.config == nil || vm.config.Format() {
			vm.formatter.PushMode(in.Mode)
		} else {
			vm.formatter.PushMode(modePassWhite)
		}
	case opCloseFormat:
		if vm.eval {
			vm.needsRuntime("format")
		}
		vm.formatter.PopMode()
	case opOpenCtype:
		vm.escapes.push(in.Ctype)
	case opCloseCtype:
		vm.escapes.pop(in.Pos)
	case opOpenFrame:
		if err := vm.frames.pushFrame(); err != nil {
			vm.log.Errorf(in.Pos, "%s", err.Error())
		}
	case opCloseFrame:
		vm.frames.popFrame()
	case opOpenFrag, opOpenErrorFrag:
		if !vm.execOpenFrag(ip, in) {
			return in.CloseFragOffset + 1
		}
	case opCloseFrag:
		if next, loop := vm.execCloseFrag(ip, in); loop {
			return next
		}

	case opVar:
		vm.execVar(in)
	case opSet:
		vm.execSet(in)
	case opDict:
		key := vm.pop().Printable()
		if v, ok := vm.dict.Lookup(key); ok {
			vm.push(StrRef(v))
		} else if vm.config != nil {
			if v, ok := vm.config.Lookup(key); ok {
				vm.push(StrRef(v))
			} else {
				vm.log.Warningf(in.Pos, "dictionary key %q not found", key)
				vm.push(Undefined())
			}
		} else {
			vm.log.Warningf(in.Pos, "dictionary key %q not found", key)
			vm.push(Undefined())
		}
	case opRepr:
		a := vm.pop()
		if a.IsString() && vm.shouldEscapeAtRead(in.Bool) {
			vm.push(Str(vm.applyEscape(a.StringValue(), true)))
		} else {
			vm.push(a)
		}
	case opLogSuppress:
		vm.log.PushSuppress()
	case opLogUnsuppress:
		vm.log.PopSuppress()

	case opPushFrag:
		vm.push(vm.frames.valueAtOffsets(in.Frame, in.Frag))
	case opPushFragCount, opPushFragIndex, opPushFragFirst, opPushFragLast, opPushFragInner:
		vm.push(vm.staticBuiltin(in))

	case opPushValCount, opPushValIndex, opPushValFirst, opPushValLast, opPushValInner:
		if vm.eval {
			vm.needsRuntime("dynamic fragment builtin")
		}
		vm.push(vm.dynamicBuiltin(in))
	case opPushRootFrag:
		if vm.eval {
			vm.needsRuntime("root frag")
		}
		vm.push(vm.frames.valueAtOffsets(len(vm.frames.frames)-1, 0))
	case opPushThisFrag:
		top := vm.frames.top()
		if len(top.frags) == 0 {
			vm.push(Undefined())
		} else {
			vm.push(FragRef(top.frags[len(top.frags)-1]))
		}
	case opPushErrorFrag:
		vm.push(vm.errorFragRef())
	case opPushAttr:
		vm.execPushAttr(in)
	case opPushAttrAt:
		vm.execPushAttrAt(in)
	case opPopAttr:
		vm.pop()

	case opQueryRepr:
		a := vm.pop()
		vm.push(Str(a.Printable()))
	case opQueryCount:
		vm.push(Int(int64(vm.queryCount(vm.pop()))))
	case opQueryType:
		a := vm.pop()
		vm.push(Str(a.TypeName()))
	case opQueryDefined:
		a := vm.pop()
		vm.push(boolValue(!a.IsUndefined()))
	case opQueryExists:
		a := vm.pop()
		vm.push(boolValue(!a.IsUndefined()))
	case opQueryIsEmpty:
		vm.push(boolValue(vm.queryIsEmpty(vm.pop())))

	case opMatchRegex:
		a := vm.pop()
		vm.push(boolValue(in.Regex.Match(a.Printable())))

	case opFunc:
		vm.execFunc(in)
	case opCall:
		vm.pushProg(Int(int64(ip + 1)))
		return in.Addr
	case opReturn:
		ret := vm.popProg(in.Pos)
		return int(ret.Integral())

	case opDebugFrag:
		if vm.eval {
			vm.needsRuntime("debug dump")
		}
		if vm.config != nil && vm.config.Debug() {
			vm.formatter.Write(fmt.Sprintf("%v", vm.frames))
		}
	case opBytecodeFrag:
		if vm.eval {
			vm.needsRuntime("bytecode dump")
		}
		if vm.config != nil && vm.config.Bytecode() {
			vm.formatter.Write(fmt.Sprintf("%d instructions", len(vm.prog.Instructions)))
		}

	default:
		vm.log.Errorf(in.Pos, "unhandled opcode %d", in.Op)
	}

	return ip + 1
}

func boolValue(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

func (vm *VM) popTwo() (Value, Value) {
	b := vm.pop()
	a := vm.pop()
	return a, b
}

func (vm *VM) arithAdd(a, b Value) Value {
	if a.IsString() || b.IsString() {
		if a.IsString() || b.IsString() {
			return Str(a.Printable() + b.Printable())
		}
	}
	return vm.promote(a, b, func(x, y int64) Value { return Int(x + y) }, func(x, y float64) Value { return Real(x + y) })
}

func (vm *VM) promote(a, b Value, intOp func(int64, int64) Value, realOp func(float64, float64) Value) Value {
	if a.IsReal() || b.IsReal() {
		return realOp(a.RealValue(), b.RealValue())
	}
	return intOp(a.Integral(), b.Integral())
}

func (vm *VM) bitwise(pos Pos, op func(int64, int64) int64) Value {
	a, b := vm.popTwo()
	if !a.IsInteger() || !b.IsInteger() {
		vm.log.Warningf(pos, "bitwise operator requires integer operands")
		return Undefined()
	}
	return Int(op(a.Integral(), b.Integral()))
}

// applyEscape escapes s through the top of the escape stack, the
// helper both REPR and PRINT consult.
func (vm *VM) applyEscape(s string, force bool) string {
	return vm.escapes.escape(s)
}

// shouldEscapeAtRead implements §4.5.5's VAR_T escaping rule: when
// printEscape is on, escaping is deferred entirely to PRINT, so a read
// site never escapes regardless of its own flag. When printEscape is
// off, the read site escapes now — this is the only place the value
// gets escaped, since PRINT will not touch it again — if its own flag
// is set or alwaysEscape forces it.
func (vm *VM) shouldEscapeAtRead(wantEscape bool) bool {
	if vm.config != nil && vm.config.PrintEscape() {
		return false
	}
	alwaysEsc := vm.config != nil && vm.config.AlwaysEscape()
	return wantEscape || alwaysEsc
}

func (vm *VM) execPrint(in Instruction) {
	if vm.eval {
		vm.needsRuntime("print")
	}
	v := vm.pop()
	switch {
	case v.IsString():
		s := v.StringValue()
		if vm.config != nil && vm.config.PrintEscape() && in.Bool {
			s = vm.applyEscape(s, true)
		}
		vm.formatter.Write(s)
	case v.IsNumeric():
		vm.formatter.Write(v.Printable())
	default:
		vm.log.Warningf(in.Pos, "printing non-scalar value")
		vm.formatter.Write(v.Printable())
	}
}

// execOpenFrag opens the frag record for the first fragment instance.
// With no instance at all it pushes nothing and returns false, so the
// caller skips past the matching CLOSE_FRAG.
func (vm *VM) execOpenFrag(ip int, in Instruction) bool {
	if vm.eval {
		vm.needsRuntime("open fragment")
	}
	top := vm.frames.top()

	var fv *FragmentValue
	if in.Op == opOpenErrorFrag {
		fv = vm.errorFragmentValue()
	} else {
		var parent *Fragment
		if len(top.frags) > 0 {
			parent = top.frags[len(top.frags)-1]
		}
		if parent != nil {
			fv, _ = parent.Get(in.Str)
		}
	}
	empty := fv == nil || !fv.IsList() || fv.ListLen() == 0
	if empty && in.CloseFragOffset > ip {
		return false
	}
	switch {
	case fv == nil:
		top.push(in.Str, ip, in.Op == opOpenErrorFrag, nil, nil, 0)
	case fv.IsList():
		if fv.ListLen() == 0 {
			top.push(in.Str, ip, in.Op == opOpenErrorFrag, nil, fv.list, 0)
		} else {
			top.push(in.Str, ip, in.Op == opOpenErrorFrag, fv.FragmentAt(0), fv.list, 0)
		}
	default:
		top.push(in.Str, ip, in.Op == opOpenErrorFrag, nil, nil, 0)
	}
	return true
}

// errorFragRef resolves the `_error` builtin read to the innermost
// currently-open error fragment's live record — there is no `_error`
// attribute in the data tree to walk to, unlike `_this`/`_parent`.
func (vm *VM) errorFragRef() Value {
	for fi := len(vm.frames.frames) - 1; fi >= 0; fi-- {
		frame := vm.frames.frames[fi]
		for ri := len(frame.records) - 1; ri >= 0; ri-- {
			if !frame.records[ri].autoClose {
				continue
			}
			if frame.frags[ri] == nil {
				return Undefined()
			}
			return FragRef(frame.frags[ri])
		}
	}
	return Undefined()
}

// errorFragmentValue builds the synthetic fragment list `frag _error`
// iterates over (§7 "Error fragment"): one fragment per live log
// entry, exposing `level`/`message`/`file`/`line`/`column`. Gated by
// the `errorFragment` config switch — when off (the default) or with
// no config at all, it yields an empty list so the frag body simply
// never runs, same as any other absent fragment.
func (vm *VM) errorFragmentValue() *FragmentValue {
	list := NewFragmentList()
	if vm.config == nil || !vm.config.ErrorFragment() {
		return NewScalarList(list)
	}
	for _, d := range vm.log.Entries() {
		f := NewFragment()
		f.SetString("level", d.Level.String())
		f.SetString("message", d.Message)
		f.SetString("file", d.Pos.File)
		f.SetInt("line", int64(d.Pos.Line))
		f.SetInt("column", int64(d.Pos.Column))
		list.Append(f)
	}
	return NewScalarList(list)
}

// execCloseFrag advances to the next fragment instance in the just-
// closed frag's list, looping back to the matching OPEN_FRAG if more
// remain, otherwise popping the frame entry and falling through.
func (vm *VM) execCloseFrag(ip int, in Instruction) (next int, loop bool) {
	top := vm.frames.top()
	if len(top.records) == 0 {
		return ip + 1, false
	}
	n := len(top.lists) - 1
	list := top.lists[n]
	if list != nil {
		top.index[n]++
		if top.index[n] < list.Len() {
			top.frags[n] = list.At(top.index[n])
			return in.OpenFragOffset + 1, true
		}
	}
	top.pop()
	return ip + 1, false
}

func (vm *VM) execVar(in Instruction) {
	v := vm.frames.valueAtOffsets(in.Frame, in.Frag)
	if v.IsFragRef() && v.fragRef == nil {
		vm.log.logMissing(in.Pos, in.Str)
	}
	if v.IsString() && vm.shouldEscapeAtRead(in.Bool) {
		v = Str(vm.applyEscape(v.StringValue(), true))
	}
	vm.push(v)
}

func (vm *VM) execSet(in Instruction) {
	if vm.eval {
		vm.needsRuntime("set")
	}
	v := vm.pop()
	fi := len(vm.frames.frames) - 1 - in.Frame
	if fi < 0 || fi >= len(vm.frames.frames) {
		return
	}
	frame := vm.frames.frames[fi]
	if in.Frag < 0 || in.Frag >= len(frame.frags) || frame.frags[in.Frag] == nil {
		return
	}
	frame.frags[in.Frag].Set(in.Str, fragmentValueFromValue(v))
}

func fragmentValueFromValue(v Value) *FragmentValue {
	switch {
	case v.IsInteger():
		return NewScalarInt(v.Integral())
	case v.IsReal():
		return NewScalarReal(v.RealValue())
	case v.IsString():
		return NewScalarString(v.StringValue())
	case v.IsFragRef():
		return NewScalarFragment(v.fragRef)
	case v.IsListRef():
		return NewScalarList(v.listRef)
	default:
		return NewScalarString("")
	}
}

func (vm *VM) staticBuiltin(in Instruction) Value {
	return vm.builtinFromRecord(in.Frame, in.Frag, in.Op)
}

func (vm *VM) builtinFromRecord(frameOff, fragOff int, op Opcode) Value {
	fi := len(vm.frames.frames) - 1 - frameOff
	if fi < 0 || fi >= len(vm.frames.frames) {
		return Undefined()
	}
	frame := vm.frames.frames[fi]
	if fragOff < 0 || fragOff >= len(frame.lists) {
		return Undefined()
	}
	list := frame.lists[fragOff]
	idx := frame.index[fragOff]
	count := 1
	if list != nil {
		count = list.Len()
	}
	switch op {
	case opPushFragCount, opPushValCount:
		return Int(int64(count))
	case opPushFragIndex, opPushValIndex:
		return Int(int64(idx))
	case opPushFragFirst, opPushValFirst:
		return boolValue(idx == 0)
	case opPushFragLast, opPushValLast:
		return boolValue(idx == count-1)
	case opPushFragInner, opPushValInner:
		return boolValue(idx != 0 && idx != count-1)
	}
	return Undefined()
}

func (vm *VM) dynamicBuiltin(in Instruction) Value {
	return vm.builtinFromRecord(in.Frame, in.Frag, in.Op)
}

func (vm *VM) execPushAttr(in Instruction) {
	if vm.eval {
		vm.needsRuntime("attribute walk")
	}
	parent := vm.pop()
	if !parent.IsFragRef() || parent.fragRef == nil {
		vm.log.logMissing(in.Pos, in.Str)
		vm.push(Undefined())
		return
	}
	fv, ok := parent.fragRef.Get(in.Str)
	if !ok {
		vm.log.logMissing(in.Pos, in.Str)
		vm.push(Undefined())
		return
	}
	vm.push(fv.AsValue())
}

func (vm *VM) execPushAttrAt(in Instruction) {
	if vm.eval {
		vm.needsRuntime("indexed attribute walk")
	}
	index := vm.pop()
	parent := vm.pop()
	if !parent.IsListRef() || parent.listRef == nil {
		vm.push(Undefined())
		return
	}
	i := int(index.Integral())
	frag := parent.listRef.At(i)
	if frag == nil {
		vm.push(Undefined())
		return
	}
	vm.push(FragRef(frag))
}

func (vm *VM) queryCount(v Value) int {
	switch {
	case v.IsListRef() && v.listRef != nil:
		return v.listRef.Len()
	case v.IsFragRef() && v.fragRef != nil:
		return v.fragRef.Len()
	case v.IsString():
		return len(v.StringValue())
	default:
		return 0
	}
}

func (vm *VM) queryIsEmpty(v Value) bool {
	switch {
	case v.IsUndefined():
		return true
	case v.IsString():
		return v.StringValue() == ""
	case v.IsListRef():
		return v.listRef == nil || v.listRef.Len() == 0
	case v.IsFragRef():
		return v.fragRef == nil
	default:
		return false
	}
}

func (vm *VM) execFunc(in Instruction) {
	args := make([]Value, in.NArgs)
	for i := in.NArgs - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}
	if in.IsUDF {
		if vm.eval {
			vm.needsRuntime("udf call")
		}
		fn, ok := vm.udf.Find(in.Str)
		if !ok {
			vm.log.Warningf(in.Pos, "unknown function %q", in.Str)
			vm.push(Undefined())
			return
		}
		vm.push(fn(args, &UDFContext{Log: vm.log, Pos: in.Pos}))
		return
	}
	vm.push(callBuiltinFunc(in.Str, args, vm.log, in.Pos))
}

// logMissing logs a warning for a missing value, unless the log's
// suppression counter is active (defined()/exists()/count() etc.).
func (l *Log) logMissing(pos Pos, name string) {
	l.Warningf(pos, "variable %q is not defined", name)
}
