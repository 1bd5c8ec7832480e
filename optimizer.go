package teng

// optimizationPoint is one entry of the compiler's
// `optimization_points` stack (§4.5.2): the instruction address the
// just-emitted subrange starts at, and whether it is foldable.
type optimizationPoint struct {
	start       int
	optimizable bool
}

// optimizer runs the interpreter in "eval" mode against the
// compile-time frame stack to fold constant instruction subranges
// (component I). A successful fold erases [start, end) and replaces
// it with a single VAL literal holding the computed value.
type optimizer struct {
	prog   *Program
	frames *frameStack
	log    *Log
}

func newOptimizer(prog *Program, frames *frameStack, log *Log) *optimizer {
	return &optimizer{prog: prog, frames: frames, log: log}
}

// tryFold attempts to fold prog.Instructions[start:end]; on success it
// truncates the program back to start and emits a single VAL, returning
// true. On failure (runtime-context-needed, or any other reason the
// subrange can't be safely evaluated at compile time) it leaves the
// program untouched and returns false.
func (o *optimizer) tryFold(start, end int, pos Pos) bool {
	if start >= end {
		return false
	}
	for _, in := range o.prog.Instructions[start:end] {
		if !foldableOpcode(in.Op) {
			return false
		}
	}

	vm := newEvalVM(o.prog, o.frames, NewLog())
	_, err := vm.Run(start, end)
	if err != nil {
		return false
	}
	if len(vm.valueStack) != 1 {
		return false
	}
	result := vm.valueStack[0]

	o.prog.truncate(start)
	o.prog.emit(Instruction{Op: opVal, Pos: pos, Val: result})
	return true
}

// foldableOpcode excludes opcodes that always need real runtime state
// (I/O, block structure, calls) from even being attempted — a cheap
// pre-filter before paying for a full eval-mode run.
func foldableOpcode(op Opcode) bool {
	switch op {
	case opPrint, opOpenFormat, opCloseFormat, opOpenFrame, opCloseFrame,
		opOpenFrag, opOpenErrorFrag, opCloseFrag, opSet, opDebugFrag,
		opBytecodeFrag, opCall, opReturn, opPushRootFrag,
		opVar, opPushFrag, opPushThisFrag, opPushErrorFrag,
		opPushFragCount, opPushFragIndex, opPushFragFirst, opPushFragLast, opPushFragInner,
		opPushValCount, opPushValIndex, opPushValFirst, opPushValLast, opPushValInner,
		opPushAttr, opPushAttrAt:
		return false
	default:
		return true
	}
}

// foldOptimizationPoints implements the §4.5.2 n-ary reduction rule:
// pop n optimization points, compute the combined optimizable flag,
// and if optimizable invoke tryFold over the full combined subrange.
// lazyEvaluated covers short-circuiting operators (&&, ||, ?:) whose
// untaken branch must not be assumed safe to fold independently.
func (o *optimizer) foldOptimizationPoints(points []optimizationPoint, lazyEvaluated bool, endAddr int, pos Pos) optimizationPoint {
	if len(points) == 0 {
		return optimizationPoint{start: endAddr, optimizable: true}
	}
	optimizable := !lazyEvaluated
	start := points[0].start
	for _, p := range points {
		if !p.optimizable {
			optimizable = false
		}
	}
	if !optimizable {
		return optimizationPoint{start: start, optimizable: false}
	}
	if o.tryFold(start, endAddr, pos) {
		return optimizationPoint{start: start, optimizable: true}
	}
	return optimizationPoint{start: start, optimizable: false}
}
