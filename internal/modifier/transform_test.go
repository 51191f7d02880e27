package modifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/buildfix/internal/types"
)

const fooPattern = `\b(class|struct|interface|enum|record)\s+Foo\b`

func dupStrategy() types.FixStrategy {
	return types.FixStrategy{Kind: types.KindRemoveDuplicateDefinition, Code: "DUP01", Pattern: fooPattern}
}

func TestRemoveDuplicateDefinition(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "simple",
			in:   "class Foo {\n  int a;\n}\nclass Foo {\n  int b;\n}\nclass Bar {}\n",
			want: "class Foo {\n  int a;\n}\nclass Bar {}\n",
		},
		{
			name: "nested braces",
			in:   "class Foo { }\npublic class Foo {\n  void M() { if (x) { y(); } }\n}\n// end\n",
			want: "class Foo { }\n// end\n",
		},
		{
			name: "braces in strings and comments",
			in: "class Foo {}\n" +
				"class Foo {\n" +
				"  string s = \"}}}\";\n" +
				"  char c = '}';\n" +
				"  // }\n" +
				"  /* { } } */\n" +
				"  string v = @\"a \"\"}\"\" b\";\n" +
				"  string r = \"\"\"raw } \"\"\";\n" +
				"}\n" +
				"class Tail {}\n",
			want: "class Foo {}\nclass Tail {}\n",
		},
		{
			name: "matches in comments and strings are ignored",
			in:   "// class Foo {\nstring s = \"class Foo {\";\nclass Foo { }\nclass Foo { int x; }\n",
			want: "// class Foo {\nstring s = \"class Foo {\";\nclass Foo { }\n",
		},
		{
			name: "bodiless definition",
			in:   "record Foo(int A);\nrecord Foo(int B);\nclass Z {}\n",
			want: "record Foo(int A);\nclass Z {}\n",
		},
		{
			name: "last definition without trailing newline",
			in:   "class Foo {}\nclass Foo { }",
			want: "class Foo {}\n",
		},
		{
			name: "crlf",
			in:   "class Foo {}\r\nclass Foo {\r\n}\r\nclass B {}\r\n",
			want: "class Foo {}\r\nclass B {}\r\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Transform([]byte(tt.in), dupStrategy(), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

// methodPattern is the shipped CS0111 definition pattern for member Foo
const methodPattern = `(?m)(?:^|[;{}])[ \t]*(?:[\w<>\[\],.?]+[ \t]+)+Foo[ \t]*(?:<[^>]*>)?\([^;{}]*\)\s*(?:\{|=>|where\b)`

func TestRemoveDuplicateDefinition_SkipsCallSites(t *testing.T) {
	s := types.FixStrategy{Kind: types.KindRemoveDuplicateDefinition, Code: "CS0111", Pattern: methodPattern}

	tests := []struct {
		name string
		in   string
		line int
		want string
	}{
		{
			name: "call between definitions",
			in:   "class C {\n  void Foo() { }\n  public void Bar() { Foo(); }\n  void Foo() { }\n}\n",
			line: 4,
			want: "class C {\n  void Foo() { }\n  public void Bar() { Foo(); }\n}\n",
		},
		{
			name: "call between definitions without a line",
			in:   "class C {\n  void Foo() { }\n  public void Bar() { Foo(); }\n  void Foo() { }\n}\n",
			want: "class C {\n  void Foo() { }\n  public void Bar() { Foo(); }\n}\n",
		},
		{
			name: "single line class",
			in:   "class C { void Foo() { } public void Bar() { Foo(); } void Foo() { } }\n",
			line: 1,
			want: "class C { void Foo() { } public void Bar() { Foo(); } }\n",
		},
		{
			name: "reported line picks the later repeat",
			in:   "class C {\n  void Foo() { a(); }\n  void Foo() { b(); }\n  void Foo() { c(); }\n}\n",
			line: 4,
			want: "class C {\n  void Foo() { a(); }\n  void Foo() { b(); }\n}\n",
		},
		{
			name: "expression bodied",
			in:   "class C {\n  int Foo() => 1;\n  int Foo() => Foo() + 1;\n  int Bar() => 2;\n}\n",
			line: 3,
			want: "class C {\n  int Foo() => 1;\n  int Bar() => 2;\n}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Transform([]byte(tt.in), s, tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}

	t.Run("line past every definition", func(t *testing.T) {
		in := "class C {\n  void Foo() { }\n  void Foo() { }\n  void Bar() { }\n}\n"
		_, err := Transform([]byte(in), s, 4)
		assert.Error(t, err)
	})
}

func TestRemoveDuplicateDefinition_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"single definition", "class Foo {}\n"},
		{"only one outside a comment", "class Foo {}\n/* class Foo {} */\n"},
		{"unbalanced", "class Foo {}\nclass Foo {\n"},
		{"no body", "class Foo {}\nclass Foo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Transform([]byte(tt.in), dupStrategy(), 0)
			assert.Error(t, err)
		})
	}
}

func TestCodeMask(t *testing.T) {
	src := []byte("a/*b*/c\"d\"e'f'g//h\ni`j`k@\"l\"\"m\"n")
	mask := codeMask(src)
	var code []byte
	for i, ok := range mask {
		if ok {
			code = append(code, src[i])
		}
	}
	assert.Equal(t, "aceg\nik@n", string(code))
}

func TestReplaceLiteral(t *testing.T) {
	s := types.FixStrategy{
		Kind:        types.KindFixOverrideSignature,
		Pattern:     "public override string Name()",
		Replacement: "public override string Name(int depth)",
	}
	in := "public override string Name() { }\npublic override string Name() { }\n"
	out, err := Transform([]byte(in), s, 0)
	require.NoError(t, err)
	assert.Equal(t, "public override string Name(int depth) { }\npublic override string Name() { }\n", string(out))

	_, err = Transform([]byte("nothing here"), s, 0)
	assert.Error(t, err)
}

func TestReplaceRegexp(t *testing.T) {
	in := "Foo(); Foo(); Foo();"

	single := types.FixStrategy{Kind: types.KindGenericReplace, Pattern: `Foo\(\)`, Replacement: "Bar()"}
	out, err := Transform([]byte(in), single, 0)
	require.NoError(t, err)
	assert.Equal(t, "Bar(); Foo(); Foo();", string(out))

	all := single
	all.Scope = types.ScopeAll
	out, err = Transform([]byte(in), all, 0)
	require.NoError(t, err)
	assert.Equal(t, "Bar(); Bar(); Bar();", string(out))

	_, err = Transform([]byte("nothing"), single, 0)
	assert.Error(t, err)
}

func TestAddMissingReference(t *testing.T) {
	s := types.FixStrategy{
		Kind:        types.KindAddMissingReference,
		Pattern:     `(?ms)\A(.*^using [^;]+;\r?\n)`,
		Replacement: "${1}using System.Collections.Generic;\n",
		Params:      map[string]string{"guard": "using System.Collections.Generic;"},
	}
	in := "using System;\nusing System.Linq;\n\nclass A { List<int> x; }\n"
	out, err := Transform([]byte(in), s, 0)
	require.NoError(t, err)
	assert.Equal(t, "using System;\nusing System.Linq;\nusing System.Collections.Generic;\n\nclass A { List<int> x; }\n", string(out))

	_, err = Transform(out, s, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already present")
}

func TestTransform_NoChangeIsAnError(t *testing.T) {
	s := types.FixStrategy{Kind: types.KindGenericReplace, Pattern: `x`, Replacement: "x"}
	_, err := Transform([]byte("x"), s, 0)
	assert.Error(t, err)
}

func TestTransform_UnknownKind(t *testing.T) {
	_, err := Transform([]byte("x"), types.FixStrategy{Kind: "rewrite"}, 0)
	assert.Error(t, err)
}
