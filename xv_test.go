// Copyright 2022 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package xv

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var testJSON = `{"name":{"first":"Janet","last":"Prichard"},"age":47,` +
	`"data":[14,15,16],"empty":[],"one":[15],` +
	`"mixed":[1,true,false,null,{"a":1}]}`

type testUser struct {
	name string
	age  int
}

var user1 = &testUser{name: "andy", age: 51}

func testRef(this, ident Value, udata any) Value {
	switch ident.String() {
	case "myfn1":
		return Function(func(this, args Value, udata any) Value {
			return String("fantastic")
		})
	case "myfn2":
		return Function(func(this, args Value, udata any) Value {
			if args.Len() == 0 {
				return String("none")
			}
			var sum float64
			for i := 0; i < args.Len(); i++ {
				sum += args.At(i).Float64()
			}
			return Float64(sum)
		})
	}
	if this.IsGlobal() {
		switch ident.String() {
		case "i64":
			return Function(func(this, args Value, udata any) Value {
				return Int64(args.At(0).Int64())
			})
		case "u64":
			return Function(func(this, args Value, udata any) Value {
				return Uint64(args.At(0).Uint64())
			})
		case "howdy":
			return String("hiya")
		case "custerr":
			return Err("ReferenceError: hiya")
		case "json":
			return JSON(testJSON)
		case "json2":
			return JSON(`{"a":123456789012345678901234567890}`)
		case "badj":
			return JSON(`"`)
		case "noj":
			return JSON("")
		case "user1":
			return Object(user1, 99)
		}
		return Undefined
	}
	if u, ok := this.Value().(*testUser); ok {
		switch ident.String() {
		case "name":
			return String(u.name)
		case "age":
			return Int64(int64(u.age))
		case "err":
			return Err("oh no")
		}
	}
	return Undefined
}

var testEnv = &Env{Ref: testRef}

func testExpr(t *testing.T, expr, expect string) {
	t.Helper()
	res := Eval(expr, testEnv)
	if res.String() != expect {
		t.Fatalf("expr '%s' expected '%s' got '%s'",
			expr, expect, res.String())
	}
}

func testTable(t *testing.T, table []string) {
	t.Helper()
	for i := 0; i < len(table); i += 2 {
		testExpr(t, table[i], table[i+1])
	}
}

func TestNumbers(t *testing.T) {
	testTable(t, []string{
		"1 + 1", "2",
		"-1", "-1",
		"- -2", "2",
		"- - - -1", "1",
		"7 - -4", "11",
		"0x10", "16",
		"-0x10", "-16",
		"0xFFFFFFFFFFFFFFFF", "18446744073709552000",
		"5i64", "5",
		"5u64", "5",
		"10i64 / 3i64", "3",
		"10u64 % 3u64", "1",
		"5i64 % 0i64", "NaN",
		"10 / 3", "3.3333333333333335",
		"100 * 0.5", "50",
		"1 / 0", "Infinity",
		"-1 / 0", "-Infinity",
		"0 / 0", "NaN",
		"1e21", "1e+21",
		"1e-7", "1e-7",
		"0.1 + 0.2", "0.30000000000000004",
		"1.5e3", "1500",
		"2e-3 * 1000", "2",
		"Infinity", "Infinity",
		"-Infinity", "-Infinity",
		"NaN", "NaN",
		"NaN + 1", "NaN",
		"u64(100) + u64(25)", "125",
		"i64(-5) - i64(3)", "-8",
		"i64(5) * i64(3)", "15",
		"((1+1) * 2)", "4",
		"5 + 5 * 10", "55",
		"1 + 2 * (10 * 20)", "401",
		"i64('9223372036854775807') - i64('1')", "9223372036854775806",
		"0.123123i64", "SyntaxError",
	})
}

func TestStrings(t *testing.T) {
	testTable(t, []string{
		"'hello' + ' ' + 'world'", "hello world",
		`"a" + 'b'`, "ab",
		`'AB'`, "AB",
		`'\x41'`, "A",
		`'\u{1F600}'`, "😀",
		`'😀'`, "😀",
		`'\ud83d'`, "�",
		`'\zd8'`, "zd8",
		`'a\tb'`, "a\tb",
		`'\0'`, "\x00",
		`'\n\r\v\f\b'`, "\n\r\v\f\b",
		`'it\'s'`, "it's",
		`"say \"hi\""`, `say "hi"`,
		`'\/'`, "/",
		"`hello`", "SyntaxError",
		`'2\1'`, "SyntaxError",
		"'a\nb'", "SyntaxError",
		`'\u{}'`, "SyntaxError",
		"'abc", "SyntaxError",
		`'\u00'`, "SyntaxError",
		"'' + 1", "1",
		"0 + ''", "0",
		"u64 + \"hello\"", "[Function]hello",
	})
}

func TestComparisons(t *testing.T) {
	testTable(t, []string{
		"1 < 2", "true",
		"2 <= 2", "true",
		"3 > 4", "false",
		"4 >= 4", "true",
		"'abc' < 'abd'", "true",
		"'HI' < 'hi'", "true",
		"5 > '3'", "true",
		"1 == 1.0", "true",
		"1 == '1'", "true",
		"1 === '1'", "false",
		"1 !== '1'", "true",
		"'1' === '1'", "true",
		"1 != 2", "true",
		"NaN == NaN", "true",
		"undefined == null", "false",
		"undefined == undefined", "true",
		"null == null", "true",
		"!0", "true",
		"!!''", "false",
		"!!'a'", "true",
		"1 == !0", "true",
		"0 == !1", "true",
		"2 == 2 == true", "true",
		"(1 || (2 > 5)) && (4 < 5 || 5 < 4)", "true",
		"1 != 2 > 1 != 1", "true",
		"1 =", "SyntaxError",
		"1 = 1", "SyntaxError",
	})
}

func TestLogical(t *testing.T) {
	testTable(t, []string{
		"true && false", "false",
		"1 && 2", "true",
		"0 && 1", "false",
		"'1' || false", "true",
		"false || 0", "false",
		"true || (", "true",
		"false && (", "false",
		"false || (", "SyntaxError",
		"null ?? 1", "1",
		"undefined ?? 'x'", "x",
		"false ?? 1 + 1", "false",
		"1 ?? 2", "1",
		"1 ||", "SyntaxError",
		"1 |", "SyntaxError",
		"1 &", "SyntaxError",
	})
}

func TestBitwise(t *testing.T) {
	testTable(t, []string{
		"1 | 2", "3",
		"1 & 2", "0",
		"500 ^ 700", "840",
		"500 | 700", "1020",
		"500 | -700", "-524",
		"-500 & -700", "-1020",
		"500 ^ -700", "-848",
		"5i64 | 3i64", "7",
		"5u64 & 3u64", "1",
		"5i64 | 3u64", "7",
	})
}

func TestTernaries(t *testing.T) {
	testTable(t, []string{
		"true ? 1 : 2", "1",
		"false ? 1 : 2", "2",
		"1 ? 2 ? 3 : 4 : 5", "3",
		"0 ? 2 ? 3 : 4 : 5", "5",
		"0 ? 1/0 : 'ok'", "ok",
		"1 ? (2,3) : 4", "3",
		"1 ? 2", "SyntaxError",
		"hello ? 1 : 2", "ReferenceError: Can't find variable: 'hello'",
	})
}

func TestCommas(t *testing.T) {
	testTable(t, []string{
		"1, 2, 3", "3",
		"(1, 2) * 3", "6",
		"1, hello", "ReferenceError: Can't find variable: 'hello'",
	})
}

func TestKeywords(t *testing.T) {
	testTable(t, []string{
		"true", "true",
		"false", "false",
		"null", "null",
		"undefined", "undefined",
		"typeof", "SyntaxError: Unsupported keyword 'typeof'",
		"function", "SyntaxError: Unsupported keyword 'function'",
		"new", "SyntaxError: Unsupported keyword 'new'",
		"void", "SyntaxError: Unsupported keyword 'void'",
		"in", "SyntaxError: Unsupported keyword 'in'",
		"instanceof", "SyntaxError: Unsupported keyword 'instanceof'",
		"yield", "SyntaxError: Unsupported keyword 'yield'",
		"await", "SyntaxError: Unsupported keyword 'await'",
		"delete", "ReferenceError: Can't find variable: 'delete'",
	})
}

func TestArrays(t *testing.T) {
	testTable(t, []string{
		"[1,2,3]", "1,2,3",
		"[]", "",
		"[1+1, 'a']", "2,a",
		"[11] * 2", "22",
		"[] * 2", "0",
		"[11,22] * 2", "NaN",
		"0 + [1]", "01",
		"[[1,2],[3]]", "1,2,3",
		"[1,2,(3,4,'a','b'),3,1==2,3.5+4.5]", "1,2,b,3,false,8",
		"[] + 2", "2",
		"[] - 2", "-2",
		"[1,]", "SyntaxError",
	})
}

func TestJSON(t *testing.T) {
	testTable(t, []string{
		"json.name.first", "Janet",
		"json.name.last", "Prichard",
		"json.age", "47",
		"json.age + 1", "48",
		"json.name", `{"first":"Janet","last":"Prichard"}`,
		"json", testJSON,
		"json.data", "[14,15,16]",
		"json.data[1]", "15",
		"json.data[-1]", "undefined",
		"json.data.0", "SyntaxError",
		"json['na'+'me','age']", "47",
		"json['name']['first']", "Janet",
		"json.nope", "undefined",
		"json.nope.bar",
		"TypeError: Cannot read properties of undefined (reading 'bar')",
		"json.nope?.bar", "undefined",
		"json()", "TypeError: json is not a function",
		"json2.a", "1.2345678901234568e+29",
		"json.empty * 2", "0",
		"json.one * 2", "30",
		"json.data * 2", "NaN",
		"json.name * 2", "NaN",
		"user1 * 2", "NaN",
		"json.mixed[3] == null", "true",
		"json.mixed[4]", `{"a":1}`,
		"badj", "",
		"noj", "ReferenceError: Can't find variable: 'noj'",
	})
}

func TestChains(t *testing.T) {
	testTable(t, []string{
		"user1.name", "andy",
		"user1.age", "51",
		"user1.age + 10", "61",
		"user1.err", "oh no",
		"user1.nope", "undefined",
		"user1", "[Object]",
		"user1?.name", "andy",
		"user1.name()", "TypeError: name is not a function",
		"myfn1()", "fantastic",
		"myfn2(1,2,3)", "6",
		"myfn2()", "none",
		"myfn2(1,)", "SyntaxError",
		"custerr", "ReferenceError: hiya",
		"custerr + 1", "ReferenceError: hiya",
		"missing", "ReferenceError: Can't find variable: 'missing'",
		"howdy", "hiya",
		"howdy()", "TypeError: howdy is not a function",
		"howdy.myfn1().myfn2('1',2,'3') == 6", "true",
		"howdy.myfn1.there", "undefined",
		"howdy.myfn3.there",
		"TypeError: Cannot read properties of undefined (reading 'there')",
		"howdy.myfn3?.there", "undefined",
		"howdy['do']", "undefined",
		"true.hello == undefined", "true",
		"true.hello == '11'", "false",
		"true.hello == null", "false",
	})
}

func TestMaxDepth(t *testing.T) {
	expr := strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100)
	testExpr(t, expr, "1")
	expr = strings.Repeat("(", 101) + "1" + strings.Repeat(")", 101)
	res := Eval(expr, testEnv)
	require.True(t, res.IsError())
	require.Equal(t, "MaxDepthError", res.String())
}

func TestNoCase(t *testing.T) {
	env := &Env{NoCase: true, Ref: testRef}
	res := Eval("'HELLO' == 'hello'", env)
	require.Equal(t, "true", res.String())
	res = Eval("'HI' < 'hi'", env)
	require.Equal(t, "false", res.String())
	res = Eval("'HI' < 'hi'", testEnv)
	require.Equal(t, "true", res.String())
}

func TestEvalForEach(t *testing.T) {
	var vals []string
	res := EvalForEach("1, 2, 3, 4", func(v Value) bool {
		vals = append(vals, v.String())
		return true
	}, nil)
	require.Equal(t, "4", res.String())
	if diff := cmp.Diff([]string{"1", "2", "3", "4"}, vals); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}
	vals = nil
	res = EvalForEach("1, 2, 3, 4", func(v Value) bool {
		vals = append(vals, v.String())
		return len(vals) < 3
	}, nil)
	require.Equal(t, "3", res.String())
	if diff := cmp.Diff([]string{"1", "2", "3"}, vals); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestArena(t *testing.T) {
	arena := new(Arena)
	env := &Env{Arena: arena}
	res := Eval("'hello' + ' ' + 'world'", env)
	require.Equal(t, "hello world", res.String())
	stats := arena.Memstats()
	exp := Memstats{TotalSize: 1024, TotalUsed: 24, NumAllocs: 2}
	if diff := cmp.Diff(exp, stats); diff != "" {
		t.Fatalf("unexpected memstats (-want +got):\n%s", diff)
	}
	arena.Cleanup()
	require.Equal(t, Memstats{TotalSize: 1024}, arena.Memstats())
}

func TestArenaHeap(t *testing.T) {
	sa := strings.Repeat("a", 600)
	sb := strings.Repeat("b", 600)
	expr := "'" + sa + "' + '" + sb + "'"
	arena := new(Arena)
	env := &Env{Arena: arena}
	res := Eval(expr, env)
	require.Equal(t, sa+sb, res.String())
	stats := arena.Memstats()
	exp := Memstats{
		TotalSize:  1024,
		NumAllocs:  1,
		HeapAllocs: 1,
		HeapSize:   1200,
	}
	if diff := cmp.Diff(exp, stats); diff != "" {
		t.Fatalf("unexpected memstats (-want +got):\n%s", diff)
	}
	arena.Cleanup()
	require.Equal(t, Memstats{TotalSize: 1024}, arena.Memstats())
}

func TestOutOfMemory(t *testing.T) {
	var freed int
	SetAllocator(
		func(size int) []byte { return nil },
		func(mem []byte) { freed++ },
	)
	defer SetAllocator(nil, nil)
	sa := strings.Repeat("a", 600)
	sb := strings.Repeat("b", 600)
	res := Eval("'"+sa+"' + '"+sb+"'", nil)
	require.True(t, res.IsError())
	require.True(t, res.IsOOM())
	require.Equal(t, "MemoryError: Out of memory", res.String())
	require.Equal(t, 0, freed)
}

func TestParseString(t *testing.T) {
	test := func(data, expect string, expectOK bool) {
		t.Helper()
		ctx := &evalContext{arena: new(Arena)}
		out, raw, _, ok := parseString(data, ctx)
		if ok != expectOK {
			t.Fatalf("data '%s' expected ok=%t got %t", data, expectOK, ok)
		}
		if ok {
			if out != expect {
				t.Fatalf("data '%s' expected '%s' got '%s'",
					data, expect, out)
			}
			if raw != data {
				t.Fatalf("data '%s' expected raw '%s' got '%s'",
					data, data, raw)
			}
		}
	}
	test(`"hello"`, "hello", true)
	test(`'hello'`, "hello", true)
	test(`'aA'`, "aA", true)
	test(`'\u{1F600}'`, "😀", true)
	test(`'\x41\x42'`, "AB", true)
	test(`'it\'s'`, "it's", true)
	test("`hello`", "", false)
	test(`'\1'`, "", false)
	test(`"abc`, "", false)
	test("'a\tb'", "", false)
	test(`'\u{}'`, "", false)
	test(`'\uZZZZ'`, "", false)
	test(`''`, "", true)
}

func TestTypeOf(t *testing.T) {
	require.Equal(t, "number", Eval("1", testEnv).TypeOf())
	require.Equal(t, "number", Eval("1i64", testEnv).TypeOf())
	require.Equal(t, "string", Eval("'a'", testEnv).TypeOf())
	require.Equal(t, "boolean", Eval("true", testEnv).TypeOf())
	require.Equal(t, "undefined", Eval("undefined", testEnv).TypeOf())
	require.Equal(t, "function", Eval("u64", testEnv).TypeOf())
	require.Equal(t, "object", Eval("user1", testEnv).TypeOf())
	require.Equal(t, "object", Eval("json", testEnv).TypeOf())
	require.Equal(t, "object", Eval("null", testEnv).TypeOf())
}

func TestValues(t *testing.T) {
	require.Equal(t, float64(1), Eval("1", testEnv).Value())
	require.Equal(t, int64(-2), Eval("-2i64", testEnv).Value())
	require.Equal(t, uint64(3), Eval("3u64", testEnv).Value())
	require.Equal(t, "a", Eval("'a'", testEnv).Value())
	require.Equal(t, true, Eval("true", testEnv).Value())
	require.Equal(t, nil, Eval("undefined", testEnv).Value())
	require.Equal(t, user1, Eval("user1", testEnv).Value())
	require.Equal(t, uint32(99), Eval("user1", testEnv).Tag())
	require.Equal(t, uint32(0), Eval("1", testEnv).Tag())
	require.True(t, Global().IsGlobal())
	require.True(t, Err("x").IsError())
	require.True(t, Undefined.IsUndefined())
	require.Equal(t, "null", Null.String())
	require.True(t, math.IsNaN(Eval("NaN", testEnv).Float64()))
}

func TestArrayValues(t *testing.T) {
	res := Eval("[1,2,3]", testEnv)
	require.Equal(t, 3, res.Len())
	require.Equal(t, float64(2), res.At(1).Float64())
	require.True(t, res.At(5).IsUndefined())
	require.Equal(t, 0, Eval("1", testEnv).Len())
	require.Equal(t, "1,a", Array(Float64(1), String("a")).String())
	var got []string
	for i := 0; i < res.Len(); i++ {
		got = append(got, res.At(i).String())
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, got); diff != "" {
		t.Fatalf("unexpected elements (-want +got):\n%s", diff)
	}
}

func TestStringCopy(t *testing.T) {
	res := Eval("'hello world'", testEnv)
	buf := make([]byte, 5)
	n := res.StringCopy(buf)
	require.Equal(t, 11, n)
	require.Equal(t, "hello", string(buf))
	buf = make([]byte, 64)
	n = res.StringCopy(buf)
	require.Equal(t, "hello world", string(buf[:n]))
}

func TestStringCompare(t *testing.T) {
	require.Equal(t, -1, String("a").StringCompare(String("b")))
	require.Equal(t, 1, String("b").StringCompare(String("a")))
	require.Equal(t, 0, Float64(10).StringCompare(String("10")))
	require.True(t, Float64(10).StringEqual(String("10")))
	require.True(t, Bool(true).StringEqual(String("true")))
	require.False(t, String("a").StringEqual(String("b")))
}

func TestJSONValues(t *testing.T) {
	require.Equal(t, "hi", JSON(`"hi"`).String())
	require.Equal(t, float64(123), JSON("123").Float64())
	require.Equal(t, true, JSON("true").Bool())
	require.Equal(t, "null", JSON("null").String())
	require.True(t, JSON("").IsUndefined())
	require.Equal(t, `{"a":1}`, JSON(`{"a":1}`).String())
}

func TestEmptyAndSyntax(t *testing.T) {
	testTable(t, []string{
		"", "undefined",
		"   ", "undefined",
		"(", "SyntaxError",
		")", "SyntaxError",
		"()", "SyntaxError",
		"{}", "SyntaxError",
		"1 + ", "SyntaxError",
		"--1", "SyntaxError",
		"++1", "SyntaxError",
		"1..2", "SyntaxError",
		"@", "SyntaxError",
	})
}

func FuzzEval(f *testing.F) {
	f.Add("1 + 1")
	f.Add("'hello' + ' ' + 'world'")
	f.Add("json.name.first")
	f.Add("true ? [1,2] : myfn2(3,4)")
	f.Add("(1, 2) * 3 ?? 'x'")
	f.Fuzz(func(t *testing.T, expr string) {
		Eval(expr, testEnv)
	})
}

func BenchmarkSimpleEval(b *testing.B) {
	env := &Env{Ref: testRef, Arena: new(Arena)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		res := Eval("5 + 5 * 10", env)
		if res.Float64() != 55 {
			b.Fatal("bad result")
		}
		env.Arena.Cleanup()
	}
}

func BenchmarkJSONEval(b *testing.B) {
	env := &Env{Ref: testRef, Arena: new(Arena)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		res := Eval("json.name.first", env)
		if res.String() != "Janet" {
			b.Fatal("bad result")
		}
		env.Arena.Cleanup()
	}
}
