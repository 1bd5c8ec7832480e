package teng

import (
	"math"
	"strings"
)

// callBuiltinFunc dispatches a non-udf FUNC call (plain built-in
// functions, as opposed to udf.* names which go through the
// UDFRegistry). Grounded in the original implementation's
// functionother/functiondate builtins; only the common, broadly
// useful subset is carried since the distillation's Non-goals scope
// out its more exotic helpers (geo, url-signing, etc.).
func callBuiltinFunc(name string, args []Value, log *Log, pos Pos) Value {
	switch name {
	case "round":
		if len(args) < 1 {
			return Undefined()
		}
		return Int(int64(math.Round(args[0].RealValue())))
	case "floor":
		if len(args) < 1 {
			return Undefined()
		}
		return Int(int64(math.Floor(args[0].RealValue())))
	case "ceil":
		if len(args) < 1 {
			return Undefined()
		}
		return Int(int64(math.Ceil(args[0].RealValue())))
	case "abs":
		if len(args) < 1 {
			return Undefined()
		}
		if args[0].IsReal() {
			return Real(math.Abs(args[0].RealValue()))
		}
		v := args[0].Integral()
		if v < 0 {
			v = -v
		}
		return Int(v)
	case "len":
		if len(args) < 1 {
			return Undefined()
		}
		return Int(int64(len(args[0].Printable())))
	case "substr":
		if len(args) < 2 {
			return Undefined()
		}
		s := args[0].Printable()
		start := clampIndex(int(args[1].Integral()), len(s))
		end := len(s)
		if len(args) >= 3 {
			end = clampIndex(int(args[2].Integral()), len(s))
		}
		if start > end {
			return Str("")
		}
		return Str(s[start:end])
	case "upper":
		if len(args) < 1 {
			return Undefined()
		}
		return Str(strings.ToUpper(args[0].Printable()))
	case "lower":
		if len(args) < 1 {
			return Undefined()
		}
		return Str(strings.ToLower(args[0].Printable()))
	case "replace":
		if len(args) < 3 {
			return Undefined()
		}
		return Str(strings.ReplaceAll(args[0].Printable(), args[1].Printable(), args[2].Printable()))
	default:
		log.Warningf(pos, "unknown function %q", name)
		return Undefined()
	}
}

func clampIndex(i, length int) int {
	if i < 0 {
		i = 0
	}
	if i > length {
		i = length
	}
	return i
}
