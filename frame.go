package teng

import "fmt"

// maxFrameDepth and maxOpenFrags are the §3 hard limits: offsets into
// a frame/frag stack are stored as 16-bit, so neither stack may grow
// past 65535 entries.
const (
	maxFrameDepth = 65535
	maxOpenFrags  = 65535
)

// openFragRecord is one entry of a fragment frame's stack: the name
// it was opened under, the instruction address of its OPEN_FRAG, and
// whether it auto-closes (error-fragment semantics).
type openFragRecord struct {
	name      string
	openAddr  int
	autoClose bool
}

// fragFrame is one frame: a stack of open-fragment records plus, at
// runtime, the live fragment/list pointers each record refers to.
// The compiler maintains a structurally identical stack of
// openFragRecord-only frames (no runtime pointers) so identifier
// resolution and defined()/exists() can run at compile time (§4.2).
type fragFrame struct {
	records []openFragRecord
	frags   []*Fragment // parallel to records, nil at compile time
	lists   []*FragmentList
	index   []int // current index into lists[i], when lists[i] != nil
}

func newFragFrame() *fragFrame { return &fragFrame{} }

func (f *fragFrame) push(name string, openAddr int, autoClose bool, frag *Fragment, list *FragmentList, idx int) error {
	if len(f.records) >= maxOpenFrags {
		return fmt.Errorf("open-fragment count exceeds %d in one frame", maxOpenFrags)
	}
	f.records = append(f.records, openFragRecord{name: name, openAddr: openAddr, autoClose: autoClose})
	f.frags = append(f.frags, frag)
	f.lists = append(f.lists, list)
	f.index = append(f.index, idx)
	return nil
}

func (f *fragFrame) pop() {
	n := len(f.records) - 1
	f.records = f.records[:n]
	f.frags = f.frags[:n]
	f.lists = f.lists[:n]
	f.index = f.index[:n]
}

func (f *fragFrame) depth() int { return len(f.records) }

func (f *fragFrame) nameAt(i int) string { return f.records[i].name }

// frameStack is the stack-of-frames, runtime or compile-time
// depending on whether individual fragFrame entries carry live
// pointers.
type frameStack struct {
	frames []*fragFrame
}

func newFrameStack(root *Fragment) *frameStack {
	fs := &frameStack{}
	top := newFragFrame()
	top.push("", 0, false, root, nil, 0)
	fs.frames = append(fs.frames, top)
	return fs
}

func newCompileFrameStack() *frameStack {
	fs := &frameStack{}
	top := newFragFrame()
	top.push("", 0, false, nil, nil, 0)
	fs.frames = append(fs.frames, top)
	return fs
}

func (fs *frameStack) top() *fragFrame { return fs.frames[len(fs.frames)-1] }

func (fs *frameStack) pushFrame() error {
	if len(fs.frames) >= maxFrameDepth {
		return fmt.Errorf("frame count exceeds %d", maxFrameDepth)
	}
	fs.frames = append(fs.frames, newFragFrame())
	return nil
}

func (fs *frameStack) popFrame() {
	fs.frames = fs.frames[:len(fs.frames)-1]
}

// currentPath joins the names of every open fragment in the topmost
// frame, dot-separated (§4.2 currentPath()).
func (fs *frameStack) currentPath() string {
	top := fs.top()
	path := ""
	for i, rec := range top.records {
		if i == 0 {
			continue // root's name is empty
		}
		if path != "" {
			path += "."
		}
		path += rec.name
	}
	return path
}

func (fs *frameStack) currentListIndex() int {
	top := fs.top()
	if len(top.index) == 0 {
		return 0
	}
	return top.index[len(top.index)-1]
}

func (fs *frameStack) currentListSize() int {
	top := fs.top()
	if len(top.lists) == 0 || top.lists[len(top.lists)-1] == nil {
		return 1
	}
	return top.lists[len(top.lists)-1].Len()
}

// resolveIdent matches the identifier's first segment against open
// frag record names: an absolute path scans frames from the innermost
// outwards and takes the first record in a frame whose name equals it;
// a relative path looks only in the top frame, innermost record first.
// Later segments are not compared and no longest-match choice is made
// between candidates. Returns (frameOffset, fragOffset, true) on
// success.
func (fs *frameStack) resolveIdent(segments []string, absolute bool) (frameOff, fragOff int, ok bool) {
	if len(segments) == 0 {
		return 0, 0, false
	}
	first := segments[0]

	if absolute {
		for fi := len(fs.frames) - 1; fi >= 0; fi-- {
			frame := fs.frames[fi]
			for ri, rec := range frame.records {
				if rec.name == first {
					return len(fs.frames) - 1 - fi, ri, true
				}
			}
		}
		return 0, 0, false
	}

	topFrame := fs.top()
	for ri := len(topFrame.records) - 1; ri >= 0; ri-- {
		if topFrame.records[ri].name == first {
			return 0, ri, true
		}
	}
	return 0, 0, false
}

// valueAtOffsets builds the frag-ref Value for a statically resolved
// identifier, packing both offsets (§4.2 valueAt(frameOff, fragOff)).
func (fs *frameStack) valueAtOffsets(frameOff, fragOff int) Value {
	fi := len(fs.frames) - 1 - frameOff
	if fi < 0 || fi >= len(fs.frames) {
		return Undefined()
	}
	frame := fs.frames[fi]
	if fragOff < 0 || fragOff >= len(frame.frags) {
		return Undefined()
	}
	if frame.frags[fragOff] == nil {
		return Undefined()
	}
	return FragRef(frame.frags[fragOff])
}
