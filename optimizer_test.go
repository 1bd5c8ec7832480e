package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptimizer_FoldsConstantArithmetic(t *testing.T) {
	prog := NewProgram("<test>", NewSourceList(nil))
	prog.emit(Instruction{Op: opVal, Val: Int(2)})
	prog.emit(Instruction{Op: opVal, Val: Int(3)})
	prog.emit(Instruction{Op: opPlus})

	opt := newOptimizer(prog, newFrameStack(NewFragment()), NewLog())
	ok := opt.tryFold(0, len(prog.Instructions), Pos{})
	assert.True(t, ok)

	assert.Equal(t, 1, len(prog.Instructions))
	assert.Equal(t, opVal, prog.Instructions[0].Op)
	assert.Equal(t, Int(5), prog.Instructions[0].Val)
}

func TestOptimizer_RefusesToFoldIO(t *testing.T) {
	prog := NewProgram("<test>", NewSourceList(nil))
	prog.emit(Instruction{Op: opVal, Val: Str("x")})
	prog.emit(Instruction{Op: opPrint})

	opt := newOptimizer(prog, newFrameStack(NewFragment()), NewLog())
	ok := opt.tryFold(0, len(prog.Instructions), Pos{})
	assert.False(t, ok, "print is not a pure expression opcode and must never fold")
	assert.Equal(t, 2, len(prog.Instructions), "a refused fold must leave the program untouched")
}

func TestOptimizer_RefusesToFoldAttributeWalk(t *testing.T) {
	// opPushAttr depends on the runtime frame shape and must never be
	// treated as foldable even though it produces a single value.
	assert.False(t, foldableOpcode(opPushAttr))
	assert.False(t, foldableOpcode(opPushAttrAt))
	assert.True(t, foldableOpcode(opPlus))
	assert.True(t, foldableOpcode(opEq))
}

func TestOptimizer_FoldOptimizationPointsShortCircuitsLazy(t *testing.T) {
	prog := NewProgram("<test>", NewSourceList(nil))
	prog.emit(Instruction{Op: opVal, Val: Int(1)})
	prog.emit(Instruction{Op: opVal, Val: Int(0)})

	opt := newOptimizer(prog, newFrameStack(NewFragment()), NewLog())
	points := []optimizationPoint{{start: 0, optimizable: true}, {start: 1, optimizable: true}}

	// lazyEvaluated=true means a short-circuiting operator sits above
	// this subrange: it must never be folded even though every point
	// reports optimizable.
	result := opt.foldOptimizationPoints(points, true, 2, Pos{})
	assert.False(t, result.optimizable)
	assert.Equal(t, 2, len(prog.Instructions), "lazy-evaluated points must not be folded")
}

func TestOptimizer_FoldOptimizationPointsPropagatesUnfoldable(t *testing.T) {
	prog := NewProgram("<test>", NewSourceList(nil))
	opt := newOptimizer(prog, newFrameStack(NewFragment()), NewLog())

	points := []optimizationPoint{{start: 0, optimizable: true}, {start: 1, optimizable: false}}
	result := opt.foldOptimizationPoints(points, false, 2, Pos{})
	assert.False(t, result.optimizable, "any non-optimizable point must veto the whole subrange")
}
