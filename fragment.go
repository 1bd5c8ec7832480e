package teng

// Fragment is an ordered mapping from name to FragmentValue,
// iteration order preserved — the "frag" kind of §3's data model. The
// tree is read-only during execution; the caller owns the root and
// the engine only ever borrows it for one generatePage call.
type Fragment struct {
	names  []string
	values map[string]*FragmentValue
}

func NewFragment() *Fragment {
	return &Fragment{values: make(map[string]*FragmentValue)}
}

// Set inserts or overwrites a named value, preserving first-insertion
// order on overwrite.
func (f *Fragment) Set(name string, v *FragmentValue) {
	if _, ok := f.values[name]; !ok {
		f.names = append(f.names, name)
	}
	f.values[name] = v
}

func (f *Fragment) SetString(name, v string) { f.Set(name, NewScalarString(v)) }
func (f *Fragment) SetInt(name string, v int64) { f.Set(name, NewScalarInt(v)) }
func (f *Fragment) SetReal(name string, v float64) { f.Set(name, NewScalarReal(v)) }

// AddFragment appends a nested Fragment under name, creating the
// single-fragment FragmentValue, or growing an existing
// FragmentList/single-fragment-as-list the way real templates build
// up `frag items; items; items`.
func (f *Fragment) AddFragment(name string) *Fragment {
	child := NewFragment()
	existing, ok := f.values[name]
	switch {
	case !ok:
		f.Set(name, NewScalarFragment(child))
	case existing.kind == fvFragment:
		list := NewFragmentList()
		list.Append(existing.frag)
		list.Append(child)
		f.values[name] = NewScalarList(list)
	case existing.kind == fvList:
		existing.list.Append(child)
	default:
		// overwrite a scalar with a fresh single fragment
		f.Set(name, NewScalarFragment(child))
	}
	return child
}

func (f *Fragment) Get(name string) (*FragmentValue, bool) {
	v, ok := f.values[name]
	return v, ok
}

func (f *Fragment) Names() []string { return f.names }
func (f *Fragment) Len() int        { return len(f.names) }

// FragmentList is an ordered sequence of Fragment.
type FragmentList struct {
	items []*Fragment
}

func NewFragmentList() *FragmentList { return &FragmentList{} }

func (l *FragmentList) Append(f *Fragment) { l.items = append(l.items, f) }
func (l *FragmentList) Len() int           { return len(l.items) }
func (l *FragmentList) At(i int) *Fragment {
	if i < 0 || i >= len(l.items) {
		return nil
	}
	return l.items[i]
}

// fvKind discriminates FragmentValue's variants.
type fvKind int

const (
	fvInteger fvKind = iota
	fvReal
	fvString
	fvFragment
	fvList
)

// FragmentValue is the sum of {integer, real, string, single-fragment,
// fragment-list} held at one name in a Fragment. A single-fragment
// value behaves as a list of length one when indexed numerically, the
// backward-compatibility requirement from §3.
type FragmentValue struct {
	kind    fvKind
	integer int64
	real    float64
	str     string
	frag    *Fragment
	list    *FragmentList
}

func NewScalarInt(v int64) *FragmentValue      { return &FragmentValue{kind: fvInteger, integer: v} }
func NewScalarReal(v float64) *FragmentValue   { return &FragmentValue{kind: fvReal, real: v} }
func NewScalarString(v string) *FragmentValue  { return &FragmentValue{kind: fvString, str: v} }
func NewScalarFragment(f *Fragment) *FragmentValue { return &FragmentValue{kind: fvFragment, frag: f} }
func NewScalarList(l *FragmentList) *FragmentValue { return &FragmentValue{kind: fvList, list: l} }

// AsValue converts to the engine's runtime Value for reads and prints.
func (fv *FragmentValue) AsValue() Value {
	switch fv.kind {
	case fvInteger:
		return Int(fv.integer)
	case fvReal:
		return Real(fv.real)
	case fvString:
		return StrRef(fv.str)
	case fvFragment:
		return FragRef(fv.frag)
	case fvList:
		return ListRef(fv.list, 0)
	default:
		return Undefined()
	}
}

// IsList reports whether numeric indexing should walk a real list;
// single fragments answer true too (length 1), per the §3
// compatibility rule.
func (fv *FragmentValue) IsList() bool { return fv.kind == fvList || fv.kind == fvFragment }

// ListLen returns the effective list length: the real list length, or
// 1 for a lone fragment, or 0 for scalars.
func (fv *FragmentValue) ListLen() int {
	switch fv.kind {
	case fvList:
		return fv.list.Len()
	case fvFragment:
		return 1
	default:
		return 0
	}
}

// FragmentAt returns the i'th fragment when this value behaves as a
// list (real list or single-fragment-as-list-of-one).
func (fv *FragmentValue) FragmentAt(i int) *Fragment {
	switch fv.kind {
	case fvList:
		return fv.list.At(i)
	case fvFragment:
		if i == 0 {
			return fv.frag
		}
	}
	return nil
}
