// Copyright 2022 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package xv

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
	"unsafe"

	"github.com/tidwall/conv"
	"github.com/tidwall/gjson"
)

// MaxDepth is the maximum recursion depth for nested subexpressions.
// Parenthesized groups, array elements, call arguments, computed member
// keys, and ternary branches each count one level.
var MaxDepth = 100

type kind byte

const (
	undefKind kind = iota // undefined
	nullKind              // null
	errKind               // error
	floatKind             // float64
	intKind               // int64
	uintKind              // uint64
	strKind               // string
	boolKind              // bool
	funcKind              // function
	jsonKind              // raw json fragment
	objKind               // host object
	arrayKind             // array of values
)

const (
	flagChain         = uint16(1) << 1 // error occurred on a chained member
	flagESyntax       = uint16(1) << 2
	flagEOOM          = uint16(1) << 3
	flagEUndefined    = uint16(1) << 4
	flagENotFunc      = uint16(1) << 5
	flagEMsg          = uint16(1) << 6
	flagGlobal        = uint16(1) << 7 // the global sentinel object
	flagEUnsupKeyword = uint16(1) << 8
)

// Value is a single typed value, and the result of Eval.
// Errors are values too; use IsError to detect them.
type Value struct {
	kind     kind
	flag     uint16
	boolVal  bool
	tag      uint32
	floatVal float64
	intVal   int64
	uintVal  uint64
	strVal   string // string, json fragment, error ident or message
	arrVal   []Value
	objVal   any // host payload or Func
}

var (
	Undefined = Value{kind: undefKind}
	Null      = Value{kind: nullKind}
)

// Func is a host-provided function. The this value is the receiver
// preceding the function in a chain, or Undefined for root calls. The
// args value is always an Array.
type Func func(this, args Value, udata any) Value

// String returns a string value.
func String(s string) Value { return Value{kind: strKind, strVal: s} }

// Bool returns a bool value.
func Bool(t bool) Value { return Value{kind: boolKind, boolVal: t} }

// Float64 returns a float64 value.
func Float64(x float64) Value { return Value{kind: floatKind, floatVal: x} }

// Int64 returns an int64 value.
func Int64(x int64) Value { return Value{kind: intKind, intVal: x} }

// Uint64 returns a uint64 value.
func Uint64(x uint64) Value { return Value{kind: uintKind, uintVal: x} }

// Function returns a function value.
func Function(fn Func) Value { return Value{kind: funcKind, objVal: fn} }

// Object returns a host object value carrying an opaque payload and a
// 32-bit user tag. The payload and tag are never touched by the
// evaluator.
func Object(v any, tag uint32) Value {
	return Value{kind: objKind, objVal: v, tag: tag}
}

// Array returns an array value.
func Array(values ...Value) Value {
	return Value{kind: arrayKind, arrVal: values}
}

// Err returns an error value with a custom message.
func Err(msg string) Value {
	return Value{kind: errKind, flag: flagEMsg, strVal: msg}
}

// Global returns the global sentinel object. It is passed as the this
// value to the Ref callback for root identifier lookups.
func Global() Value { return Value{kind: objKind, flag: flagGlobal} }

// JSON returns a value wrapping a raw json document or fragment.
// Scalar fragments materialize immediately: a json string becomes a
// String, a number becomes a Float64, true/false become Bool, and null
// becomes Null. Objects and arrays are held as raw bytes and lazily
// projected during member access. Empty or blank input yields
// Undefined. Other input is not validated: scalars are read the way
// gjson.Parse reads them, so a lone double quote becomes an empty
// String.
func JSON(data string) Value {
	data = trim(data)
	if len(data) == 0 {
		return Undefined
	}
	switch data[0] {
	case '{', '[':
		return Value{kind: jsonKind, strVal: data}
	}
	res := gjson.Parse(data)
	switch res.Type {
	case gjson.String:
		return String(res.Str)
	case gjson.Number:
		return Float64(res.Num)
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Null:
		if res.Exists() {
			return Null
		}
	}
	return Undefined
}

func errSyntax() Value {
	return Value{kind: errKind, flag: flagESyntax}
}

func errUnsupportedKeyword(ident string) Value {
	return Value{kind: errKind, flag: flagESyntax | flagEUnsupKeyword,
		strVal: ident}
}

func errUndefined(ident string, chain bool) Value {
	flag := flagEUndefined
	if chain {
		flag |= flagChain
	}
	return Value{kind: errKind, flag: flag, strVal: ident}
}

func errNotFunc(ident string) Value {
	return Value{kind: errKind, flag: flagENotFunc, strVal: ident}
}

func errOOM() Value {
	return Value{kind: errKind, flag: flagEOOM}
}

// errstr renders an error value. The flags are checked in a fixed
// order: not-a-function, syntax, undefined identifier, out of memory,
// and otherwise the custom message.
func (a Value) errstr() string {
	switch {
	case a.flag&flagENotFunc != 0:
		return "TypeError: " + a.strVal + " is not a function"
	case a.flag&flagESyntax != 0:
		if a.flag&flagEUnsupKeyword != 0 {
			return "SyntaxError: Unsupported keyword '" + a.strVal + "'"
		}
		return "SyntaxError"
	case a.flag&flagEUndefined != 0:
		if a.flag&flagChain != 0 {
			return "TypeError: " +
				"Cannot read properties of undefined (reading '" +
				a.strVal + "')"
		}
		return "ReferenceError: Can't find variable: '" + a.strVal + "'"
	case a.flag&flagEOOM != 0:
		return "MemoryError: Out of memory"
	default:
		return a.strVal
	}
}

// IsError returns true when the value is an error.
func (a Value) IsError() bool { return a.kind == errKind }

// IsOOM returns true when the value is an out-of-memory error.
func (a Value) IsOOM() bool {
	return a.kind == errKind && a.flag&flagEOOM != 0
}

// IsUndefined returns true when the value is undefined.
func (a Value) IsUndefined() bool { return a.kind == undefKind }

// IsGlobal returns true when the value is the global sentinel.
func (a Value) IsGlobal() bool { return a.flag&flagGlobal != 0 }

// typeNames maps each value kind to its Javascript typeof name.
var typeNames = [...]string{
	undefKind: "undefined",
	nullKind:  "object",
	errKind:   "object",
	floatKind: "number",
	intKind:   "number",
	uintKind:  "number",
	strKind:   "string",
	boolKind:  "boolean",
	funcKind:  "function",
	jsonKind:  "object",
	objKind:   "object",
	arrayKind: "object",
}

// TypeOf returns the Javascript typeof name of the value.
func (a Value) TypeOf() string { return typeNames[a.kind] }

func (a Value) isnum() bool {
	switch a.kind {
	case floatKind, intKind, uintKind, boolKind, nullKind, undefKind:
		return true
	}
	return false
}

func (a Value) tof64() float64 {
	switch a.kind {
	case floatKind:
		return a.floatVal
	case nullKind:
		return 0
	case boolKind:
		return conv.Ttof(a.boolVal)
	case intKind:
		return conv.Itof(a.intVal)
	case uintKind:
		return conv.Utof(a.uintVal)
	case strKind:
		return conv.Atof(a.strVal)
	case arrayKind:
		// an empty array is zero, a single element converts on its
		// own, anything longer is NaN
		switch len(a.arrVal) {
		case 0:
			return 0
		case 1:
			return a.arrVal[0].tof64()
		}
		return math.NaN()
	case jsonKind:
		res := gjson.Parse(a.strVal)
		if res.IsArray() {
			arr := res.Array()
			switch len(arr) {
			case 0:
				return 0
			case 1:
				return jsonValue(arr[0]).tof64()
			}
		}
		return math.NaN()
	}
	return math.NaN()
}

func (a Value) toi64() int64 {
	switch a.kind {
	case intKind:
		return a.intVal
	case nullKind:
		return 0
	case boolKind:
		return conv.Ttoi(a.boolVal)
	case floatKind:
		return conv.Ftoi(a.floatVal)
	case uintKind:
		return conv.Utoi(a.uintVal)
	case strKind:
		return conv.Atoi(a.strVal)
	}
	return conv.Ftoi(a.tof64())
}

func (a Value) tou64() uint64 {
	switch a.kind {
	case uintKind:
		return a.uintVal
	case nullKind:
		return 0
	case boolKind:
		return conv.Ttou(a.boolVal)
	case floatKind:
		return conv.Ftou(a.floatVal)
	case intKind:
		return conv.Itou(a.intVal)
	case strKind:
		return conv.Atou(a.strVal)
	}
	return conv.Ftou(a.tof64())
}

func (a Value) tobool() bool {
	switch a.kind {
	case boolKind:
		return a.boolVal
	case undefKind, nullKind:
		return false
	case floatKind:
		return conv.Ftot(a.floatVal)
	case intKind:
		return a.intVal != 0
	case uintKind:
		return a.uintVal != 0
	case strKind:
		return conv.Atot(a.strVal)
	}
	return true
}

// appendFloat formats a float the way Javascript does: shortest
// round-trip decimal, "Infinity"/"NaN" words, and exponent form for
// magnitudes at or above 1e21 or below 1e-6.
func appendFloat(dst []byte, f float64) []byte {
	switch {
	case math.IsNaN(f):
		return append(dst, "NaN"...)
	case math.IsInf(f, +1):
		return append(dst, "Infinity"...)
	case math.IsInf(f, -1):
		return append(dst, "-Infinity"...)
	case f == 0:
		return append(dst, '0')
	}
	abs := math.Abs(f)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(f, 'e', -1, 64)
		e := strings.IndexByte(s, 'e')
		mant, exp := s[:e], s[e+1:]
		dst = append(dst, mant...)
		dst = append(dst, 'e', exp[0])
		exp = exp[1:]
		for len(exp) > 1 && exp[0] == '0' {
			exp = exp[1:]
		}
		return append(dst, exp...)
	}
	return strconv.AppendFloat(dst, f, 'f', -1, 64)
}

func appendValue(dst []byte, a Value) []byte {
	switch a.kind {
	case nullKind:
		return append(dst, "null"...)
	case errKind:
		return append(dst, a.errstr()...)
	case floatKind:
		return appendFloat(dst, a.floatVal)
	case intKind:
		return strconv.AppendInt(dst, a.intVal, 10)
	case uintKind:
		return strconv.AppendUint(dst, a.uintVal, 10)
	case strKind:
		return append(dst, a.strVal...)
	case boolKind:
		return strconv.AppendBool(dst, a.boolVal)
	case funcKind:
		return append(dst, "[Function]"...)
	case jsonKind:
		return append(dst, a.strVal...)
	case objKind:
		return append(dst, "[Object]"...)
	case arrayKind:
		for i := range a.arrVal {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = appendValue(dst, a.arrVal[i])
		}
		return dst
	}
	return append(dst, "undefined"...)
}

// tostr stringifies a value during evaluation. Results larger than a
// small stack buffer are copied into the arena so the allocation is
// accounted for and may fail with an out-of-memory error.
func (a Value) tostr(ctx *evalContext) Value {
	if a.kind == strKind {
		return a
	}
	var buf [32]byte
	dst := appendValue(buf[:0], a)
	if ctx != nil && len(dst) > len(buf) {
		mem := ctx.arena.alloc(len(dst))
		if mem == nil {
			return errOOM()
		}
		copy(mem, dst)
		return String(b2s(mem))
	}
	return String(string(dst))
}

// Bool returns a boolean representation.
func (a Value) Bool() bool { return a.tobool() }

// String returns a string representation.
func (a Value) String() string {
	if a.kind == strKind {
		return a.strVal
	}
	return string(appendValue(nil, a))
}

// Float64 returns a float64 representation.
func (a Value) Float64() float64 { return a.tof64() }

// Int64 returns an int64 representation.
func (a Value) Int64() int64 { return a.toi64() }

// Uint64 returns a uint64 representation.
func (a Value) Uint64() uint64 { return a.tou64() }

// Value returns the native Go representation, which is one of the
// following:
//
//	bool, int64, uint64, float64, string, the host object payload,
//	or nil (if undefined)
func (a Value) Value() any {
	switch a.kind {
	case objKind:
		return a.objVal
	case boolKind:
		return a.boolVal
	case floatKind:
		return a.floatVal
	case intKind:
		return a.intVal
	case uintKind:
		return a.uintVal
	case strKind, jsonKind:
		return a.strVal
	default:
		return nil
	}
}

// Tag returns the user tag of a host object, or zero.
func (a Value) Tag() uint32 {
	if a.kind == objKind {
		return a.tag
	}
	return 0
}

// Len returns the number of elements in an array value, or zero for
// every other kind.
func (a Value) Len() int {
	if a.kind == arrayKind {
		return len(a.arrVal)
	}
	return 0
}

// At returns the array element at index i, or Undefined when the value
// is not an array or the index is out of range.
func (a Value) At(i int) Value {
	if a.kind == arrayKind && i >= 0 && i < len(a.arrVal) {
		return a.arrVal[i]
	}
	return Undefined
}

// StringCopy writes the string representation into dst and returns the
// number of bytes that the full representation requires, which may be
// more than was copied.
func (a Value) StringCopy(dst []byte) int {
	var buf [1024]byte
	s := appendValue(buf[:0], a)
	copy(dst, s)
	return len(s)
}

// StringCompare compares the string representations of two values.
// Non-string operands are stringified first.
func (a Value) StringCompare(b Value) int {
	var abuf, bbuf [1024]byte
	return bytes.Compare(appendValue(abuf[:0], a), appendValue(bbuf[:0], b))
}

// StringEqual returns true when the string representations of two
// values are equal. Non-string operands are stringified first.
func (a Value) StringEqual(b Value) bool {
	var abuf, bbuf [1024]byte
	return bytes.Equal(appendValue(abuf[:0], a), appendValue(bbuf[:0], b))
}

func lessInsensitive(a, b string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 32
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 32
		}
		if ca < cb {
			return true
		}
		if ca > cb {
			return false
		}
	}
	return len(a) < len(b)
}

func (a Value) add(b Value, ctx *evalContext) Value {
	if a.kind == b.kind {
		switch a.kind {
		case floatKind:
			return Float64(a.floatVal + b.floatVal)
		case intKind:
			return Int64(a.intVal + b.intVal)
		case uintKind:
			return Uint64(a.uintVal + b.uintVal)
		case strKind:
			return concat(a.strVal, b.strVal, ctx)
		case boolKind, undefKind, nullKind:
			return Float64(a.tof64() + b.tof64())
		}
	} else if a.isnum() && b.isnum() {
		return Float64(a.tof64() + b.tof64())
	}
	sa := a.tostr(ctx)
	if sa.kind == errKind {
		return sa
	}
	sb := b.tostr(ctx)
	if sb.kind == errKind {
		return sb
	}
	return concat(sa.strVal, sb.strVal, ctx)
}

func concat(a, b string, ctx *evalContext) Value {
	if len(a)+len(b) == 0 {
		return String("")
	}
	mem := ctx.arena.alloc(len(a) + len(b))
	if mem == nil {
		return errOOM()
	}
	copy(mem, a)
	copy(mem[len(a):], b)
	return String(b2s(mem))
}

func (a Value) sub(b Value) Value {
	if a.kind == b.kind {
		switch a.kind {
		case floatKind:
			return Float64(a.floatVal - b.floatVal)
		case intKind:
			return Int64(a.intVal - b.intVal)
		case uintKind:
			return Uint64(a.uintVal - b.uintVal)
		}
	}
	return Float64(a.tof64() - b.tof64())
}

func (a Value) mul(b Value) Value {
	if a.kind == b.kind {
		switch a.kind {
		case floatKind:
			return Float64(a.floatVal * b.floatVal)
		case intKind:
			return Int64(a.intVal * b.intVal)
		case uintKind:
			return Uint64(a.uintVal * b.uintVal)
		}
	}
	return Float64(a.tof64() * b.tof64())
}

func (a Value) div(b Value) Value {
	if a.kind == b.kind {
		switch a.kind {
		case floatKind:
			return Float64(a.floatVal / b.floatVal)
		case intKind:
			if b.intVal == 0 {
				return Float64(math.NaN())
			}
			return Int64(a.intVal / b.intVal)
		case uintKind:
			if b.uintVal == 0 {
				return Float64(math.NaN())
			}
			return Uint64(a.uintVal / b.uintVal)
		}
	}
	return Float64(a.tof64() / b.tof64())
}

func (a Value) mod(b Value) Value {
	if a.kind == b.kind {
		switch a.kind {
		case floatKind:
			return Float64(math.Mod(a.floatVal, b.floatVal))
		case intKind:
			if b.intVal == 0 {
				return Float64(math.NaN())
			}
			return Int64(a.intVal % b.intVal)
		case uintKind:
			if b.uintVal == 0 {
				return Float64(math.NaN())
			}
			return Uint64(a.uintVal % b.uintVal)
		}
	}
	return Float64(math.Mod(a.tof64(), b.tof64()))
}

func (a Value) lt(b Value, ctx *evalContext) Value {
	if a.kind == b.kind {
		switch a.kind {
		case floatKind:
			return Bool(a.floatVal < b.floatVal)
		case intKind:
			return Bool(a.intVal < b.intVal)
		case uintKind:
			return Bool(a.uintVal < b.uintVal)
		case strKind:
			if ctx != nil && ctx.env != nil && ctx.env.NoCase {
				return Bool(lessInsensitive(a.strVal, b.strVal))
			}
			return Bool(a.strVal < b.strVal)
		}
	}
	return Bool(a.tof64() < b.tof64())
}

func (a Value) lte(b Value, ctx *evalContext) Value {
	if a.lt(b, ctx).boolVal {
		return Bool(true)
	}
	return Bool(!b.lt(a, ctx).boolVal)
}

func (a Value) gt(b Value, ctx *evalContext) Value {
	return b.lt(a, ctx)
}

func (a Value) gte(b Value, ctx *evalContext) Value {
	return b.lte(a, ctx)
}

// eq on matching kinds composes over lt so that string comparisons
// honor NoCase. Mismatched kinds compare as float64.
func (a Value) eq(b Value, ctx *evalContext) Value {
	if a.kind != b.kind {
		return Bool(a.tof64() == b.tof64())
	}
	if a.lt(b, ctx).boolVal {
		return Bool(false)
	}
	return Bool(!b.lt(a, ctx).boolVal)
}

func (a Value) neq(b Value, ctx *evalContext) Value {
	return Bool(!a.eq(b, ctx).boolVal)
}

func (a Value) seq(b Value, ctx *evalContext) Value {
	if a.kind != b.kind {
		return Bool(false)
	}
	return a.eq(b, ctx)
}

func (a Value) sneq(b Value, ctx *evalContext) Value {
	return Bool(!a.seq(b, ctx).boolVal)
}

func (a Value) band(b Value) Value {
	if a.kind == b.kind {
		switch a.kind {
		case intKind:
			return Int64(a.intVal & b.intVal)
		case uintKind:
			return Uint64(a.uintVal & b.uintVal)
		}
	}
	return Float64(conv.Itof(a.toi64() & b.toi64()))
}

func (a Value) bxor(b Value) Value {
	if a.kind == b.kind {
		switch a.kind {
		case intKind:
			return Int64(a.intVal ^ b.intVal)
		case uintKind:
			return Uint64(a.uintVal ^ b.uintVal)
		}
	}
	return Float64(conv.Itof(a.toi64() ^ b.toi64()))
}

func (a Value) bor(b Value) Value {
	if a.kind == b.kind {
		switch a.kind {
		case intKind:
			return Int64(a.intVal | b.intVal)
		case uintKind:
			return Uint64(a.uintVal | b.uintVal)
		}
	}
	return Float64(conv.Itof(a.toi64() | b.toi64()))
}

func (a Value) coalesce(b Value) Value {
	switch a.kind {
	case undefKind, nullKind:
		return b
	}
	return a
}

// Memstats is a snapshot of the memory counters of an Arena.
type Memstats struct {
	TotalSize  int // total size of the fixed slab, in bytes
	TotalUsed  int // slab bytes carved by the current evaluation
	NumAllocs  int // number of allocations made
	HeapAllocs int // number of allocations that overflowed the slab
	HeapSize   int // bytes held by overflow allocations
}

// Arena is a small bump allocator that backs the intermediate strings
// and arrays of a single evaluation. The zero value is ready to use.
// An Arena is not safe for concurrent evaluations.
type Arena struct {
	mem   [1024]byte
	used  int
	count int
	heap  [][]byte
	nheap int
	hsize int
}

var allocator struct {
	malloc func(size int) []byte
	free   func(mem []byte)
}

// SetAllocator overrides how overflow allocations are made and
// released. Passing nil for either function restores the default.
// A malloc that returns nil makes the evaluation in progress result
// in an out-of-memory error value.
func SetAllocator(malloc func(size int) []byte, free func(mem []byte)) {
	allocator.malloc = malloc
	allocator.free = free
}

// alloc carves size bytes from the slab, 8-byte aligned. Allocations
// that do not fit in the slab go to the heap through the allocator.
// Returns nil when the allocator is out of memory.
func (a *Arena) alloc(size int) []byte {
	asz := size
	if asz&7 != 0 {
		asz += 8 - asz&7
	}
	if len(a.mem)-a.used >= asz {
		mem := a.mem[a.used : a.used+size : a.used+size]
		a.used += asz
		a.count++
		return mem
	}
	var mem []byte
	if allocator.malloc != nil {
		mem = allocator.malloc(size)
		if mem == nil {
			return nil
		}
		mem = mem[:size]
	} else {
		mem = make([]byte, size)
	}
	a.heap = append(a.heap, mem)
	a.count++
	a.nheap++
	a.hsize += size
	return mem
}

// Cleanup releases overflow allocations and resets all counters,
// readying the arena for another evaluation. Values produced by a
// prior evaluation must not be used after Cleanup.
func (a *Arena) Cleanup() {
	if allocator.free != nil {
		for _, mem := range a.heap {
			allocator.free(mem)
		}
	}
	a.heap = a.heap[:0]
	a.used = 0
	a.count = 0
	a.nheap = 0
	a.hsize = 0
}

// Memstats returns a snapshot of the arena counters.
func (a *Arena) Memstats() Memstats {
	return Memstats{
		TotalSize:  len(a.mem),
		TotalUsed:  a.used,
		NumAllocs:  a.count,
		HeapAllocs: a.nheap,
		HeapSize:   a.hsize,
	}
}

// Env is the host-provided evaluation environment.
type Env struct {
	// NoCase makes string ordering and equality case-insensitive.
	NoCase bool
	// UData is opaque host data passed back to callbacks.
	UData any
	// Arena, when set, receives the intermediate allocations of each
	// evaluation. When nil an ephemeral per-call arena is used.
	Arena *Arena
	// Ref resolves identifiers and member accesses. The this value is
	// the global sentinel for root lookups and the left value for
	// chained accesses. The identifier arrives as a String value.
	// Returning Undefined means unknown; returning an error value
	// stops the evaluation.
	Ref func(this, ident Value, udata any) Value
}

type evalContext struct {
	steps int
	iter  func(value Value) bool
	env   *Env
	arena *Arena
}

func getRefValue(chain bool, left Value, ident string, optChain bool,
	ctx *evalContext,
) Value {
	if left.kind == jsonKind {
		// json members resolve inside the fragment and never reach
		// the host
		return jsonGet(left.strVal, ident)
	}
	if ctx.env == nil || ctx.env.Ref == nil {
		return errUndefined(ident, chain)
	}
	this := left
	if !chain {
		this = Global()
	}
	val := ctx.env.Ref(this, String(ident), ctx.env.UData)
	if val.kind == errKind {
		return val
	}
	if val.kind == undefKind && left.kind == undefKind {
		if optChain {
			return Undefined
		}
		return errUndefined(ident, chain)
	}
	return val
}

func jsonValue(res gjson.Result) Value {
	switch res.Type {
	case gjson.String:
		return String(res.Str)
	case gjson.Number:
		return Float64(res.Num)
	case gjson.True:
		return Bool(true)
	case gjson.False:
		return Bool(false)
	case gjson.Null:
		return Null
	case gjson.JSON:
		return Value{kind: jsonKind, strVal: res.Raw}
	}
	return Undefined
}

func jsonGet(raw, ident string) Value {
	res := gjson.Parse(raw)
	var val Value
	var found bool
	if res.IsObject() {
		res.ForEach(func(key, value gjson.Result) bool {
			if key.Str == ident {
				val = jsonValue(value)
				found = true
				return false
			}
			return true
		})
	} else if res.IsArray() {
		index := conv.Atoi(ident)
		if index >= 0 {
			var i int64
			res.ForEach(func(_, value gjson.Result) bool {
				if i == index {
					val = jsonValue(value)
					found = true
					return false
				}
				i++
				return true
			})
		}
	}
	if !found {
		return Undefined
	}
	return val
}

func pushValue(vals []Value, val Value, arena *Arena, oom *bool) []Value {
	if len(vals) == cap(vals) {
		ncap := 1
		if cap(vals) > 0 {
			ncap = cap(vals) * 2
		}
		if arena.alloc(ncap*int(unsafe.Sizeof(Value{}))) == nil {
			*oom = true
			return vals
		}
		nvals := make([]Value, len(vals), ncap)
		copy(nvals, vals)
		vals = nvals
	}
	return append(vals, val)
}

// multiExprsToArray evaluates a comma separated series into an array.
// An empty series is an empty array.
func multiExprsToArray(expr string, ctx *evalContext, depth int) Value {
	var vals []Value
	var oom bool
	res := evalForEach(expr, func(value Value) bool {
		vals = pushValue(vals, value, ctx.arena, &oom)
		return !oom
	}, ctx.env, ctx.arena, depth)
	if res.kind == errKind {
		return res
	}
	if oom {
		return errOOM()
	}
	return Value{kind: arrayKind, arrVal: vals}
}

func evalAtom(expr string, ctx *evalContext, depth int) Value {
	expr = trim(expr)
	if len(expr) == 0 {
		return errSyntax()
	}

	var left Value
	var leftReady bool

	// first look for non-chainable atoms
	switch expr[0] {
	case '0':
		if len(expr) > 1 && (expr[1] == 'x' || expr[1] == 'X') {
			// hexadecimal
			x, err := strconv.ParseUint(expr[2:], 16, 64)
			if err != nil {
				return errSyntax()
			}
			return Float64(float64(x))
		}
		fallthrough
	case '-', '.', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if expr[0] == '-' && len(expr) > 2 && expr[1] == '0' &&
			(expr[2] == 'x' || expr[2] == 'X') {
			// negative hexadecimal, sign folded at the sums level
			x, err := strconv.ParseUint(expr[3:], 16, 64)
			if err != nil {
				return errSyntax()
			}
			return Float64(-float64(x))
		}
		if len(expr) > 3 && strings.HasSuffix(expr, "64") {
			if expr[len(expr)-3] == 'u' {
				x, err := strconv.ParseUint(expr[:len(expr)-3], 10, 64)
				if err != nil {
					return errSyntax()
				}
				return Uint64(x)
			}
			if expr[len(expr)-3] == 'i' {
				x, err := strconv.ParseInt(expr[:len(expr)-3], 10, 64)
				if err != nil {
					return errSyntax()
				}
				return Int64(x)
			}
		}
		x, err := strconv.ParseFloat(expr, 64)
		if err != nil {
			return errSyntax()
		}
		return Float64(x)
	case '"', '\'':
		s, raw, oom, ok := parseString(expr, ctx)
		if !ok {
			if oom {
				return errOOM()
			}
			return errSyntax()
		}
		left = String(s)
		leftReady = true
		expr = expr[len(raw):]
	case '(', '[':
		g, ok := readGroup(expr)
		if !ok {
			return errSyntax()
		}
		if g[0] == '(' {
			// paren groups evaluate and become the leading value
			left = evalExpr(g[1:len(g)-1], ctx, depth)
		} else {
			// array literal
			left = multiExprsToArray(g[1:len(g)-1], ctx, depth)
		}
		if left.kind == errKind {
			return left
		}
		leftReady = true
		expr = expr[len(g):]
	case '{':
		return errSyntax()
	}

	var leftIdent string

	if !leftReady {
		// probably a chainable identifier
		ident, ok := readIdent(expr)
		if !ok {
			return errSyntax()
		}
		switch ident {
		case "in", "new", "void", "await", "yield", "typeof", "function",
			"instanceof":
			return errUnsupportedKeyword(ident)
		case "true":
			left = Bool(true)
		case "false":
			left = Bool(false)
		case "null":
			left = Null
		case "undefined":
			left = Undefined
		case "NaN":
			left = Float64(math.NaN())
		case "Infinity":
			left = Float64(math.Inf(+1))
		default:
			left = getRefValue(false, Undefined, ident, false, ctx)
			if left.kind == errKind {
				return left
			}
		}
		expr = expr[len(ident):]
		leftIdent = ident
	}

	var leftLeft Value

	// read each chained component
	optChain := false
	for {
		expr = trim(expr)
		if len(expr) == 0 {
			break
		}
		switch expr[0] {
		case '?':
			// optional chaining
			if len(expr) == 1 || expr[1] != '.' {
				return errSyntax()
			}
			expr = expr[1:]
			optChain = true
			fallthrough
		case '.':
			// member access
			expr = trim(expr[1:])
			ident, ok := readIdent(expr)
			if !ok {
				return errSyntax()
			}
			val := getRefValue(true, left, ident, optChain, ctx)
			if val.kind == errKind {
				return val
			}
			leftLeft = left
			left = val
			expr = expr[len(ident):]
			leftIdent = ident
		case '(', '[':
			g, ok := readGroup(expr)
			if !ok {
				return errSyntax()
			}
			if g[0] == '(' {
				// function call
				if left.kind != funcKind {
					return errNotFunc(leftIdent)
				}
				args := multiExprsToArray(g[1:len(g)-1], ctx, depth)
				if args.kind == errKind {
					return args
				}
				fn, _ := left.objVal.(Func)
				if fn == nil {
					return errNotFunc(leftIdent)
				}
				var udata any
				if ctx.env != nil {
					udata = ctx.env.UData
				}
				val := fn(leftLeft, args, udata)
				if val.kind == errKind {
					return val
				}
				leftLeft = left
				left = val
			} else {
				// computed member access, the last comma value wins
				last := evalExpr(g[1:len(g)-1], ctx, depth)
				if last.kind == errKind {
					return last
				}
				sv := last.tostr(ctx)
				if sv.kind == errKind {
					return sv
				}
				val := getRefValue(true, left, sv.strVal, optChain, ctx)
				if val.kind == errKind {
					return val
				}
				leftLeft = left
				left = val
				leftIdent = sv.strVal
			}
			expr = expr[len(g):]
		default:
			return errSyntax()
		}
	}
	return left
}

func isalpha(c byte) bool {
	return c == '_' || c == '$' || ((c|32) >= 'a' && (c|32) <= 'z')
}

func isdigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// readIdent reads an ascii identifier from the head of expr. Digits
// may appear anywhere but the first byte.
func readIdent(expr string) (string, bool) {
	if len(expr) == 0 || !isalpha(expr[0]) {
		return "", false
	}
	i := 1
	for i < len(expr) && (isalpha(expr[i]) || isdigit(expr[i])) {
		i++
	}
	return expr[:i], true
}

// parseString parses a Javascript encoded string literal. Only single
// and double quotes are accepted. Raw control bytes, octal-style
// escapes, and empty \u{} escapes are rejected. A literal without
// escapes is returned as a borrowed slice of the input; otherwise the
// unescaped bytes live in the arena.
func parseString(data string, ctx *evalContext) (out, raw string,
	oom, ok bool,
) {
	var esc bool
	if len(data) < 2 {
		return "", "", false, false
	}
	qch := data[0]
	if qch != '"' && qch != '\'' {
		return "", "", false, false
	}
	for i := 1; i < len(data); i++ {
		if data[i] < ' ' {
			return "", "", false, false
		}
		if data[i] == '\\' {
			esc = true
			i++
			if i == len(data) {
				return "", "", false, false
			}
			switch data[i] {
			case '1', '2', '3', '4', '5', '6', '7', '8', '9':
				return "", "", false, false
			case 'u':
				if i+1 < len(data) && data[i+1] == '{' {
					i += 2
					var n int
					var end bool
					for ; i < len(data); i++ {
						if data[i] == '}' {
							end = true
							break
						}
						if !ishex(data[i]) {
							return "", "", false, false
						}
						n++
					}
					if !end || n == 0 {
						return "", "", false, false
					}
				} else {
					for j := 0; j < 4; j++ {
						i++
						if i >= len(data) || !ishex(data[i]) {
							return "", "", false, false
						}
					}
				}
			case 'x':
				for j := 0; j < 2; j++ {
					i++
					if i >= len(data) || !ishex(data[i]) {
						return "", "", false, false
					}
				}
			}
		} else if data[i] == qch {
			s := data[1:i]
			if esc {
				var uok bool
				s, uok = unescapeString(s, ctx)
				if !uok {
					return "", "", true, false
				}
			}
			return s, data[:i+1], false, true
		}
	}
	return "", "", false, false
}

// hexRune folds prevalidated hex digits into a rune. Anything past
// the unicode range collapses to a single invalid rune so that the
// encoder emits U+FFFD.
func hexRune(digits string) rune {
	var x uint32
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		switch {
		case c >= '0' && c <= '9':
			c -= '0'
		case c >= 'a' && c <= 'f':
			c -= 'a' - 10
		default:
			c -= 'A' - 10
		}
		if x > utf8.MaxRune {
			x = utf8.MaxRune + 1
			continue
		}
		x = x<<4 | uint32(c)
	}
	return rune(x)
}

// uniRune reads the body of a \uHHHH or \u{H+} escape starting at
// data[i] and returns the rune with the index just past the escape.
func uniRune(data string, i int) (rune, int) {
	if i < len(data) && data[i] == '{' {
		j := i + 1
		for j < len(data) && data[j] != '}' {
			j++
		}
		return hexRune(data[i+1 : j]), j + 1
	}
	return hexRune(data[i : i+4]), i + 4
}

// ctrlEscapes maps the single-letter control escape codes to their
// bytes. A zero entry means the letter escapes to itself.
var ctrlEscapes = [256]byte{
	'b': '\b', 'f': '\f', 'n': '\n', 'r': '\r', 't': '\t', 'v': '\v',
}

// unescapeString unescapes a Javascript string. The input must be
// prevalidated by parseString. The result lives in the arena.
func unescapeString(data string, ctx *evalContext) (string, bool) {
	str := make([]byte, 0, len(data)+8)
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			j := i
			for j < len(data) && data[j] != '\\' {
				j++
			}
			str = append(str, data[i:j]...)
			i = j - 1
			continue
		}
		i++
		switch c := data[i]; c {
		case '0':
			str = append(str, 0)
		case 'u':
			r, next := uniRune(data, i+1)
			i = next
			if utf16.IsSurrogate(r) {
				// need the second half of the pair. A missing or
				// invalid pair encodes as U+FFFD.
				if len(data)-i >= 2 && data[i] == '\\' &&
					data[i+1] == 'u' {
					r2, next := uniRune(data, i+2)
					r = utf16.DecodeRune(r, r2)
					i = next
				}
			}
			str = appendRune(str, r)
			i-- // backtrack index by one
		case 'x':
			str = appendRune(str, hexRune(data[i+1:i+3]))
			i += 2
		default:
			if e := ctrlEscapes[c]; e != 0 {
				c = e
			}
			str = append(str, c)
		}
	}
	mem := ctx.arena.alloc(len(str))
	if mem == nil {
		return "", false
	}
	copy(mem, str)
	return b2s(mem), true
}

func appendRune(dst []byte, r rune) []byte {
	var tmp [utf8.UTFMax]byte
	return append(dst, tmp[:utf8.EncodeRune(tmp[:], r)]...)
}

// opMatch inspects expr[i] for one precedence level. A zero size
// means the byte is not interesting to the level. A zero op with a
// nonzero size means the bytes belong to a different level and are
// stepped over whole. Returning ok false reports malformed input.
type opMatch func(expr string, i int) (op byte, size int, ok bool)

// foldFn folds the next right-hand segment of a level into left.
// The op is zero for the first segment of the level.
type foldFn func(left Value, op byte, expr string, step int,
	ctx *evalContext, depth int) Value

// decideFn lets a short-circuiting level settle the result as soon
// as an operator is reached, before the right side is even scanned.
type decideFn func(left Value, op byte) (Value, bool)

// scanLevel is the one scanner behind every plain binary level of
// the ladder. It walks expr left-to-right, treats bracket and quote
// groups as opaque, and folds each operator-delimited segment. The
// decide hook may be nil for levels that never short-circuit.
func scanLevel(expr string, match opMatch, fold foldFn, decide decideFn,
	step int, ctx *evalContext, depth int,
) Value {
	var s int
	var left Value
	var op byte
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(', '[', '{', '"', '\'', '`':
			g, ok := readGroup(expr[i:])
			if !ok {
				return errSyntax()
			}
			i += len(g) - 1
			continue
		}
		nop, size, ok := match(expr, i)
		if !ok {
			return errSyntax()
		}
		if size == 0 {
			continue
		}
		if nop == 0 {
			// another level's operator, step over it
			i += size - 1
			continue
		}
		left = fold(left, op, expr[s:i], step, ctx, depth)
		if left.kind == errKind {
			return left
		}
		op = nop
		if decide != nil {
			if len(trim(expr[i+size:])) == 0 {
				// the operator has no right operand
				return errSyntax()
			}
			if v, done := decide(left, op); done {
				return v
			}
		}
		i += size - 1
		s = i + 1
	}
	return fold(left, op, expr[s:], step, ctx, depth)
}

func matchFacts(expr string, i int) (byte, int, bool) {
	switch expr[i] {
	case '*', '/', '%':
		return expr[i], 1, true
	}
	return 0, 0, true
}

// opGte marks '>=': it can't reuse the expr[i]+32 scheme that '<='
// uses, because '>' + 32 collides with the byte for '^'.
const opGte = '>' - 32

func matchComps(expr string, i int) (byte, int, bool) {
	if expr[i] != '<' && expr[i] != '>' {
		return 0, 0, true
	}
	if i+1 < len(expr) && expr[i+1] == '=' {
		if expr[i] == '>' {
			return opGte, 2, true
		}
		return expr[i] + 32, 2, true
	}
	return expr[i], 1, true
}

func matchEquality(expr string, i int) (byte, int, bool) {
	switch expr[i] {
	case '=':
		if i > 0 && (expr[i-1] == '<' || expr[i-1] == '>') {
			return 0, 0, true
		}
		if i+1 == len(expr) || expr[i+1] != '=' {
			return 0, 0, false
		}
		if i+2 < len(expr) && expr[i+2] == '=' {
			return '=' + 32, 3, true
		}
		return '=', 2, true
	case '!':
		if i+1 == len(expr) || expr[i+1] != '=' {
			return 0, 0, true
		}
		if i+2 < len(expr) && expr[i+2] == '=' {
			return '!' + 32, 3, true
		}
		return '!', 2, true
	}
	return 0, 0, true
}

// matchSingle builds a matcher for a level with one single-byte
// operator.
func matchSingle(ch byte) opMatch {
	return func(expr string, i int) (byte, int, bool) {
		if expr[i] == ch {
			return ch, 1, true
		}
		return 0, 0, true
	}
}

var (
	matchBitwiseOr  = matchSingle('|')
	matchBitwiseXor = matchSingle('^')
	matchBitwiseAnd = matchSingle('&')
)

func matchLogicalAnd(expr string, i int) (byte, int, bool) {
	if expr[i] != '&' {
		return 0, 0, true
	}
	if i+1 == len(expr) {
		return 0, 0, false
	}
	if expr[i+1] != '&' {
		// single '&' is bitwise
		return 0, 2, true
	}
	return '&', 2, true
}

func matchLogicalOr(expr string, i int) (byte, int, bool) {
	switch expr[i] {
	case '?':
		if i+1 < len(expr) && expr[i+1] == '.' {
			return 0, 2, true
		}
	case '|':
	default:
		return 0, 0, true
	}
	if i+1 == len(expr) {
		return 0, 0, false
	}
	if expr[i+1] != expr[i] {
		// single '|' is bitwise
		return 0, 2, true
	}
	return expr[i], 2, true
}

// applyBinary applies a scanned operator to two evaluated operands.
// A zero op marks the first segment of a level and passes right
// through.
func applyBinary(left, right Value, op byte, ctx *evalContext) Value {
	switch op {
	case '*':
		return left.mul(right)
	case '/':
		return left.div(right)
	case '%':
		return left.mod(right)
	case '<':
		return left.lt(right, ctx)
	case '<' + 32:
		return left.lte(right, ctx)
	case '>':
		return left.gt(right, ctx)
	case opGte:
		return left.gte(right, ctx)
	case '=':
		return left.eq(right, ctx)
	case '!':
		return left.neq(right, ctx)
	case '=' + 32:
		return left.seq(right, ctx)
	case '!' + 32:
		return left.sneq(right, ctx)
	case '&':
		return left.band(right)
	case '^':
		return left.bxor(right)
	case '|':
		return left.bor(right)
	}
	return right
}

// foldEager serves the levels whose right side always evaluates:
// factors, comparisons, and the bitwise operators.
func foldEager(left Value, op byte, expr string, step int,
	ctx *evalContext, depth int,
) Value {
	expr = trim(expr)
	if len(expr) == 0 {
		return errSyntax()
	}
	right := evalAuto(step<<1, expr, ctx, depth)
	if right.kind == errKind {
		return right
	}
	return applyBinary(left, right, op, ctx)
}

// foldEquality also consumes '!' prefixes on the right side, which
// negate and boolify it.
func foldEquality(left Value, op byte, expr string, step int,
	ctx *evalContext, depth int,
) Value {
	var neg, boolit bool
	expr = trim(expr)
	for {
		if len(expr) == 0 {
			return errSyntax()
		}
		if expr[0] != '!' {
			break
		}
		neg = !neg
		boolit = true
		expr = trim(expr[1:])
	}
	right := evalAuto(step<<1, expr, ctx, depth)
	if right.kind == errKind {
		return right
	}
	if boolit {
		t := right.tobool()
		if neg {
			t = !t
		}
		right = Bool(t)
	}
	return applyBinary(left, right, op, ctx)
}

// decideLogicalAnd stops the scan once a falsy operand reaches '&&'.
func decideLogicalAnd(left Value, op byte) (Value, bool) {
	if op == '&' && !left.tobool() {
		return Bool(false), true
	}
	return left, false
}

// decideLogicalOr stops the scan once a truthy operand reaches '||',
// or a non-nullish operand reaches '??'. Coalesce keeps the deciding
// operand itself.
func decideLogicalOr(left Value, op byte) (Value, bool) {
	switch op {
	case '|':
		if left.tobool() {
			return Bool(true), true
		}
	case '?':
		if left.kind != undefKind && left.kind != nullKind {
			return left, true
		}
	}
	return left, false
}

func foldLogicalAnd(left Value, op byte, expr string, step int,
	ctx *evalContext, depth int,
) Value {
	expr = trim(expr)
	if len(expr) == 0 {
		return errSyntax()
	}
	right := evalAuto(step<<1, expr, ctx, depth)
	if right.kind == errKind || op == 0 {
		return right
	}
	return Bool(right.tobool())
}

func foldLogicalOr(left Value, op byte, expr string, step int,
	ctx *evalContext, depth int,
) Value {
	expr = trim(expr)
	if len(expr) == 0 {
		return errSyntax()
	}
	right := evalAuto(step<<1, expr, ctx, depth)
	if right.kind == errKind || op == 0 {
		return right
	}
	if op == '|' {
		return Bool(right.tobool())
	}
	return right
}

func sum(left Value, op byte, expr string, neg bool, ctx *evalContext,
	depth int,
) Value {
	expr = trim(expr)
	if len(expr) == 0 {
		return errSyntax()
	}
	right := evalAuto(stepSums<<1, expr, ctx, depth)
	if right.kind == errKind {
		return right
	}
	if neg {
		right = right.mul(Float64(-1))
	}
	switch op {
	case '+':
		return left.add(right, ctx)
	case '-':
		return left.sub(right)
	}
	return right
}

// evalSums is the one level with its own scanner: runs of leading
// signs fold into neg before any operand bytes arrive, and a sign
// directly after an exponent letter belongs to the number.
func evalSums(expr string, ctx *evalContext, depth int) Value {
	var s int
	var left Value
	var op byte
	var fill bool
	var neg bool
	// a folded '-' that touches a leading digit stays glued to the
	// literal so that forms like -0x10 parse as one number
	glue := func() {
		if neg && s > 0 && s < len(expr) && expr[s-1] == '-' &&
			isdigit(expr[s]) {
			s--
			neg = false
		}
	}
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '-', '+':
			if !fill {
				if i > 0 && expr[i-1] == expr[i] {
					// '--' and '++' are not allowed
					return errSyntax()
				}
				if expr[i] == '-' {
					neg = !neg
				}
				s = i + 1
				continue
			}
			if i > 0 && (expr[i-1] == 'e' || expr[i-1] == 'E') {
				// scientific notation
				continue
			}
			glue()
			left = sum(left, op, expr[s:i], neg, ctx, depth)
			if left.kind == errKind {
				return left
			}
			op, s, fill, neg = expr[i], i+1, false, false
		case '(', '[', '{', '"', '\'', '`':
			g, ok := readGroup(expr[i:])
			if !ok {
				return errSyntax()
			}
			i += len(g) - 1
			fill = true
		default:
			if !fill && !isspace(expr[i]) {
				fill = true
			}
		}
	}
	glue()
	return sum(left, op, expr[s:], neg, ctx, depth)
}

func evalTerns(expr string, ctx *evalContext, depth int) Value {
	var cond string
	var s, nested int
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '?':
			if i+1 < len(expr) && (expr[i+1] == '?' || expr[i+1] == '.') {
				// '??' or '?.' operator
				i++
				continue
			}
			if nested == 0 {
				cond, s = expr[:i], i+1
			}
			nested++
		case ':':
			nested--
			if nested == 0 {
				cv := evalExpr(cond, ctx, depth)
				if cv.kind == errKind {
					return cv
				}
				if cv.tobool() {
					return evalExpr(expr[s:i], ctx, depth)
				}
				return evalExpr(expr[i+1:], ctx, depth)
			}
		case '(', '[', '{', '"', '\'', '`':
			g, ok := readGroup(expr[i:])
			if !ok {
				return errSyntax()
			}
			i += len(g) - 1
		}
	}
	if nested != 0 {
		return errSyntax()
	}
	return evalAuto(stepTerns<<1, expr, ctx, depth)
}

func evalComma(expr string, ctx *evalContext, depth int) Value {
	// the iterator is disabled while a segment evaluates so that
	// nested commas inside groups do not stream
	emit := func(part string) Value {
		iter := ctx.iter
		ctx.iter = nil
		res := evalAuto(stepComma<<1, part, ctx, depth)
		ctx.iter = iter
		return res
	}
	var s int
	var res Value
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case ',':
			res = emit(expr[s:i])
			if res.kind == errKind {
				return res
			}
			if ctx.iter != nil && !ctx.iter(res) {
				return res
			}
			s = i + 1
		case '(', '[', '{', '"', '\'', '`':
			g, ok := readGroup(expr[i:])
			if !ok {
				return errSyntax()
			}
			i += len(g) - 1
		}
	}
	res = emit(expr[s:])
	if res.kind == errKind {
		return res
	}
	if ctx.iter != nil {
		ctx.iter(res)
	}
	return res
}

// evalAuto starts at the given precedence step and drops to the first
// level whose operators can actually occur in the input, per the
// precomputed steps bitmap. Anything past factors is an atom.
func evalAuto(step int, expr string, ctx *evalContext, depth int) Value {
	if depth-1 > MaxDepth {
		return Err("MaxDepthError")
	}
	for ; step <= stepFacts; step <<= 1 {
		if ctx.steps&step == 0 {
			continue
		}
		switch step {
		case stepComma:
			return evalComma(expr, ctx, depth)
		case stepTerns:
			return evalTerns(expr, ctx, depth)
		case stepLogicalOr:
			return scanLevel(expr, matchLogicalOr, foldLogicalOr,
				decideLogicalOr, stepLogicalOr, ctx, depth)
		case stepLogicalAnd:
			return scanLevel(expr, matchLogicalAnd, foldLogicalAnd,
				decideLogicalAnd, stepLogicalAnd, ctx, depth)
		case stepBitwiseOr:
			return scanLevel(expr, matchBitwiseOr, foldEager, nil,
				stepBitwiseOr, ctx, depth)
		case stepBitwiseXor:
			return scanLevel(expr, matchBitwiseXor, foldEager, nil,
				stepBitwiseXor, ctx, depth)
		case stepBitwiseAnd:
			return scanLevel(expr, matchBitwiseAnd, foldEager, nil,
				stepBitwiseAnd, ctx, depth)
		case stepEquality:
			return scanLevel(expr, matchEquality, foldEquality, nil,
				stepEquality, ctx, depth)
		case stepComps:
			return scanLevel(expr, matchComps, foldEager, nil,
				stepComps, ctx, depth)
		case stepSums:
			return evalSums(expr, ctx, depth)
		case stepFacts:
			return scanLevel(expr, matchFacts, foldEager, nil,
				stepFacts, ctx, depth)
		}
	}
	return evalAtom(expr, ctx, depth)
}

// evalExpr is the only place where the depth increases.
func evalExpr(expr string, ctx *evalContext, depth int) Value {
	return evalAuto(stepComma, expr, ctx, depth+1)
}

// Operator precedence, from lowest to highest.
// https://developer.mozilla.org/en-US/docs/Web/JavaScript/Reference/Operators/Operator_Precedence
const (
	_              = 1 << iota //
	stepComma                  //  1: Comma / Sequence
	stepTerns                  //  3: Conditional (ternary) operator
	stepLogicalOr              //  4: Logical OR (||) Nullish coalescing (??)
	stepLogicalAnd             //  5: Logical AND (&&)
	stepBitwiseOr              //  6: Bitwise OR (|)
	stepBitwiseXor             //  7: Bitwise XOR (^)
	stepBitwiseAnd             //  8: Bitwise AND (&)
	stepEquality               //  9: Equality (==) (!=) (===) (!==)
	stepComps                  // 10: Comparison (<) (<=) (>) (>=)
	stepSums                   // 12: Summation (-) (+)
	stepFacts                  // 13: Factors (*) (/) (%)
)

var opSteps = [256]uint16{
	',': stepComma,                       // ','
	'?': stepTerns | stepLogicalOr,       // '?:' '??'
	':': stepTerns,                       // '?:'
	'|': stepLogicalOr | stepBitwiseOr,   // '||' '|'
	'&': stepLogicalAnd | stepBitwiseAnd, // '&&' '&'
	'^': stepBitwiseXor,                  // '^'
	'=': stepComps | stepEquality,        // '==' '<=' '>='
	'!': stepEquality,                    // '!' '!='
	'<': stepComps,                       // '<' '<='
	'>': stepComps,                       // '>' '>='
	'+': stepSums,                        // '+'
	'-': stepSums,                        // '-'
	'*': stepFacts,                       // '*'
	'/': stepFacts,                       // '/'
	'%': stepFacts,                       // '%'
}

func evalForEach(expr string, iter func(value Value) bool, env *Env,
	arena *Arena, depth int,
) Value {
	expr = trim(expr)
	if len(expr) == 0 {
		return Undefined
	}
	// Determine which steps are (possibly) needed by scanning every
	// byte in the input expression and looking for potential candidate
	// characters.
	var steps int
	for i := 0; i < len(expr); i++ {
		steps |= int(opSteps[expr[i]])
	}
	if iter != nil {
		// require the comma step when using an iterator
		steps |= stepComma
	}
	ctx := evalContext{steps: steps, iter: iter, env: env, arena: arena}
	return evalExpr(expr, &ctx, depth)
}

// Eval evaluates a Javascript-like expression and returns the result.
// Errors come back as error-kind values, never as a Go error.
func Eval(expr string, env *Env) Value {
	return EvalForEach(expr, nil, env)
}

// EvalForEach iterates over a series of comma delimited expressions.
// The last value in the series is returned.
// Returning false from iter stops the iteration early and returns the
// last known value.
func EvalForEach(expr string, iter func(value Value) bool, env *Env,
) Value {
	var arena *Arena
	if env != nil {
		arena = env.Arena
	}
	if arena == nil {
		arena = new(Arena)
	}
	return evalForEach(expr, iter, env, arena, 0)
}

// skipString returns the index just past the closing quote of the
// string starting at data[i], scanning over backslash escapes.
func skipString(data string, i int) (int, bool) {
	qch := data[i]
	var esc bool
	for i++; i < len(data); i++ {
		if esc {
			esc = false
			continue
		}
		switch data[i] {
		case '\\':
			esc = true
		case qch:
			return i + 1, true
		}
	}
	return i, false
}

// readGroup reads one balanced group from the head of data. The group
// is either a quoted string or a bracketed run with its nested groups
// and strings treated as opaque. The returned text includes the
// delimiters.
func readGroup(data string) (string, bool) {
	var want byte
	switch data[0] {
	case '"', '\'', '`':
		end, ok := skipString(data, 0)
		if !ok {
			return "", false
		}
		return data[:end], true
	case '(':
		want = ')'
	case '[':
		want = ']'
	case '{':
		want = '}'
	default:
		return "", false
	}
	depth := 1
	for i := 1; i < len(data); i++ {
		switch data[i] {
		case '"', '\'', '`':
			end, ok := skipString(data, i)
			if !ok {
				return "", false
			}
			i = end - 1
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				if data[i] != want {
					return "", false
				}
				return data[:i+1], true
			}
		}
	}
	return "", false
}

func isspace(c byte) bool {
	switch c {
	case '\t', '\n', '\v', '\f', '\r', ' ':
		return true
	}
	return false
}

func ishex(c byte) bool {
	return isdigit(c) || ((c|32) >= 'a' && (c|32) <= 'f')
}

// trim cuts ascii space from both ends of s.
func trim(s string) string {
	for len(s) > 0 && isspace(s[len(s)-1]) {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && isspace(s[0]) {
		s = s[1:]
	}
	return s
}

func b2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}
