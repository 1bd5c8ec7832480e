package teng

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValue_Bool(t *testing.T) {
	tests := []struct {
		name     string
		v        Value
		expected bool
	}{
		{"undefined", Undefined(), false},
		{"zero int", Int(0), false},
		{"nonzero int", Int(1), true},
		{"zero real", Real(0), false},
		{"nonzero real", Real(0.5), true},
		{"empty string", Str(""), false},
		{"nonempty string", Str("x"), true},
		{"nil frag ref", FragRef(nil), false},
		{"frag ref", FragRef(NewFragment()), true},
		{"regex always true", RegexValue(&Regex{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.v.Bool())
		})
	}
}

func TestValue_Printable(t *testing.T) {
	assert.Equal(t, "undefined", Undefined().Printable())
	assert.Equal(t, "42", Int(42).Printable())
	assert.Equal(t, "1.5", Real(1.5).Printable())
	assert.Equal(t, "hi", Str("hi").Printable())
	assert.Equal(t, "$null$", FragRef(nil).Printable())
	assert.Equal(t, "$frag$", FragRef(NewFragment()).Printable())
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Int(1).Equal(Real(1.0)))
	assert.False(t, Int(1).Equal(Real(1.5)))
	assert.True(t, Str("a").Equal(StrRef("a")))
	assert.False(t, Str("a").Equal(Str("b")))
	assert.True(t, Undefined().Equal(Undefined()))
	f := NewFragment()
	assert.True(t, FragRef(f).Equal(FragRef(f)))
	assert.False(t, FragRef(f).Equal(FragRef(NewFragment())))
}

func TestValue_Less(t *testing.T) {
	assert.True(t, Int(1).Less(Real(2)))
	assert.False(t, Real(2).Less(Int(1)))
	assert.True(t, Str("a").Less(Str("b")))
	assert.False(t, FragRef(nil).Less(FragRef(nil)))
}

func TestValue_Coercions(t *testing.T) {
	assert.Equal(t, int64(3), Real(3.9).Integral())
	assert.Equal(t, float64(3), Int(3).RealValue())
	assert.Equal(t, "borrowed", StrRef("borrowed").StringValue())
	assert.Equal(t, "", Int(1).StringValue())
}

func TestValue_TypeName(t *testing.T) {
	assert.Equal(t, "integer", Int(1).TypeName())
	assert.Equal(t, "real", Real(1).TypeName())
	assert.Equal(t, "string", Str("s").TypeName())
	assert.Equal(t, "frag", FragRef(nil).TypeName())
	assert.Equal(t, "list", ListRef(nil, 0).TypeName())
	assert.Equal(t, "undefined", Undefined().TypeName())
}
