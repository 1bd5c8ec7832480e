package teng

import (
	"strings"
	"time"
)

// UDFFunc is a user-defined-function callable: args are already
// evaluated Values, ctx gives read access to the running interpreter
// state a function might need (currently just the log, for warnings).
type UDFFunc func(args []Value, ctx *UDFContext) Value

// UDFContext is the limited view of interpreter state exposed to a
// UDF (§6.2 `find(name) → optional callable(args, ctx) → Value`).
type UDFContext struct {
	Log *Log
	Pos Pos
}

// UDFRegistry is the name→callable map the interpreter consults for
// `udf.*` calls (component N). Names are matched case-sensitively,
// dotted exactly as written in the template (`udf.date.format`).
type UDFRegistry struct {
	funcs map[string]UDFFunc
}

func NewUDFRegistry() *UDFRegistry {
	r := &UDFRegistry{funcs: make(map[string]UDFFunc)}
	r.registerBuiltins()
	return r
}

func (r *UDFRegistry) Register(name string, fn UDFFunc) { r.funcs[name] = fn }

func (r *UDFRegistry) Find(name string) (UDFFunc, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// registerBuiltins wires in the small supplemented set of date/time
// and string helpers grounded in the original implementation's
// functiondate/functionother builtins.
func (r *UDFRegistry) registerBuiltins() {
	r.Register("udf.date.now", func(args []Value, ctx *UDFContext) Value {
		return Int(time.Now().Unix())
	})

	r.Register("udf.date.format", func(args []Value, ctx *UDFContext) Value {
		if len(args) < 2 {
			ctx.Log.Warningf(ctx.Pos, "udf.date.format: expects (format, timestamp)")
			return Undefined()
		}
		layout := tengDateLayout(args[0].StringValue())
		sec := args[1].Integral()
		return Str(time.Unix(sec, 0).UTC().Format(layout))
	})

	r.Register("udf.string.upper", func(args []Value, ctx *UDFContext) Value {
		if len(args) < 1 {
			return Undefined()
		}
		return Str(strings.ToUpper(args[0].Printable()))
	})

	r.Register("udf.string.lower", func(args []Value, ctx *UDFContext) Value {
		if len(args) < 1 {
			return Undefined()
		}
		return Str(strings.ToLower(args[0].Printable()))
	})

	r.Register("udf.string.len", func(args []Value, ctx *UDFContext) Value {
		if len(args) < 1 {
			return Undefined()
		}
		return Int(int64(len(args[0].Printable())))
	})
}

// tengDateLayout translates a handful of strftime-style directives
// (the subset the original date formatting builtin supports) into a
// Go reference-time layout string. Unknown directives pass through
// literally.
func tengDateLayout(format string) string {
	var out strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			out.WriteByte(format[i])
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			out.WriteString("2006")
		case 'm':
			out.WriteString("01")
		case 'd':
			out.WriteString("02")
		case 'H':
			out.WriteString("15")
		case 'M':
			out.WriteString("04")
		case 'S':
			out.WriteString("05")
		default:
			out.WriteByte('%')
			out.WriteByte(format[i])
		}
	}
	return out.String()
}
