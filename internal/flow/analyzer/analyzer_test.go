package analyzer

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestAnalyze_RunScriptSignature(t *testing.T) {
	src := []byte(`import math

def RunScript(msg: str = "", n: int = 1, ratio: float = -0.5, flag: bool = True, items: list = []):
    out = msg * n
    return {"out": out, "count": n}
`)
	sig := Analyze(src)
	if sig.Mode != ModeScript || sig.FunctionName != "RunScript" {
		t.Fatalf("mode/function: %s/%s", sig.Mode, sig.FunctionName)
	}
	want := []Param{
		{Name: "msg", Type: "str", Default: ""},
		{Name: "n", Type: "int", Default: 1},
		{Name: "ratio", Type: "float", Default: -0.5},
		{Name: "flag", Type: "bool", Default: true},
		{Name: "items", Type: "list", Default: []any{}},
	}
	if !reflect.DeepEqual(sig.Inputs, want) {
		t.Fatalf("inputs:\n got %#v\nwant %#v", sig.Inputs, want)
	}
	if len(sig.Outputs) != 2 || sig.Outputs[0].Name != "out" || sig.Outputs[1].Name != "count" {
		t.Fatalf("outputs: %#v", sig.Outputs)
	}
}

func TestAnalyze_RequiredWithoutDefault(t *testing.T) {
	sig := Analyze([]byte("def RunScript(x: int, y=2):\n    return x\n"))
	if !sig.Inputs[0].Required || sig.Inputs[0].Name != "x" {
		t.Fatalf("x should be required: %#v", sig.Inputs[0])
	}
	if sig.Inputs[1].Required {
		t.Fatalf("y has a default and is not required")
	}
}

func TestAnalyze_SubscriptedAndLiteralAnnotations(t *testing.T) {
	src := []byte(`def RunScript(names: List[str] = [], mode: Literal["fast", "slow"] = "fast", opt: Optional[int] = None):
    return {"done": True}
`)
	sig := Analyze(src)
	if sig.Inputs[0].Type != "List[str]" {
		t.Errorf("subscripted annotation: got %q", sig.Inputs[0].Type)
	}
	if sig.Inputs[1].Type != `Literal["fast", "slow"]` {
		t.Errorf("literal annotation: got %q", sig.Inputs[1].Type)
	}
	if sig.Inputs[2].Type != "Optional[int]" || sig.Inputs[2].Default != nil {
		t.Errorf("optional annotation: %#v", sig.Inputs[2])
	}
}

func TestAnalyze_MultilineSignature(t *testing.T) {
	src := []byte(`def RunScript(
    first: str = "a,b",
    second: dict = {},
):
    return dict(value=first, meta=second)
`)
	sig := Analyze(src)
	if len(sig.Inputs) != 2 || sig.Inputs[0].Name != "first" || sig.Inputs[0].Default != "a,b" {
		t.Fatalf("inputs: %#v", sig.Inputs)
	}
	if len(sig.Outputs) != 2 || sig.Outputs[0].Name != "value" || sig.Outputs[1].Name != "meta" {
		t.Fatalf("dict() outputs: %#v", sig.Outputs)
	}
}

func TestAnalyze_MainFallback(t *testing.T) {
	sig := Analyze([]byte("def helper():\n    pass\n\ndef main(data):\n    return data\n"))
	if sig.Mode != ModeBasic || sig.FunctionName != "main" {
		t.Fatalf("mode/function: %s/%s", sig.Mode, sig.FunctionName)
	}
	if len(sig.Inputs) != 1 || sig.Inputs[0].Name != "data" || !sig.Inputs[0].Required {
		t.Fatalf("inputs: %#v", sig.Inputs)
	}
	if len(sig.Outputs) != 1 || sig.Outputs[0].Name != "output" {
		t.Fatalf("default output expected: %#v", sig.Outputs)
	}
}

func TestAnalyze_NoEntryFunction(t *testing.T) {
	sig := Analyze([]byte("x = 1\n"))
	if sig.Mode != ModeBasic || sig.FunctionName != "" {
		t.Fatalf("mode: %s function: %q", sig.Mode, sig.FunctionName)
	}
	if len(sig.Inputs) != 1 || sig.Inputs[0].Name != "input_data" || sig.Inputs[0].Type != "Any" {
		t.Fatalf("generic input expected: %#v", sig.Inputs)
	}
}

func TestAnalyze_SyntaxErrorReportsUnknown(t *testing.T) {
	sig := Analyze([]byte("def RunScript(x, y:\n    return x\n"))
	if sig.Mode != ModeUnknown || sig.Error == "" {
		t.Fatalf("expected unknown mode with diagnostic, got %#v", sig)
	}
	if len(sig.Inputs) != 0 || len(sig.Outputs) != 0 {
		t.Fatalf("unknown mode must carry empty lists")
	}
}

func TestAnalyze_OutputDedupeAcrossReturns(t *testing.T) {
	src := []byte(`def RunScript(x=0):
    if x:
        return {"y": 1, "z": 2}
    return {"y": 0}
`)
	sig := Analyze(src)
	if len(sig.Outputs) != 2 || sig.Outputs[0].Name != "y" || sig.Outputs[1].Name != "z" {
		t.Fatalf("outputs: %#v", sig.Outputs)
	}
}

func TestAnalyze_IgnoresStarArgsAndStringsWithCommas(t *testing.T) {
	src := []byte(`def RunScript(sep: str = ", ", *args, **kwargs):
    return {"joined": sep}
`)
	sig := Analyze(src)
	if len(sig.Inputs) != 1 || sig.Inputs[0].Default != ", " {
		t.Fatalf("inputs: %#v", sig.Inputs)
	}
}

func TestAnalyze_NestedReturnDictInsideBody(t *testing.T) {
	src := []byte(`def RunScript(x=1):
    def inner():
        return {"hidden": 1}
    if x > 0:
        return {"visible": x}
    return None
`)
	sig := Analyze(src)
	names := map[string]bool{}
	for _, o := range sig.Outputs {
		names[o.Name] = true
	}
	// Walking all returns in the body matches the source behavior: inner
	// function returns are included.
	if !names["visible"] {
		t.Fatalf("outputs: %#v", sig.Outputs)
	}
}

func TestAnalyzer_FileAndCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.py")
	if err := os.WriteFile(path, []byte("def RunScript(a=1):\n    return {\"b\": a}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := New()
	sig, err := a.AnalyzeFile(path)
	if err != nil || sig.Mode != ModeScript {
		t.Fatalf("AnalyzeFile: %v %#v", err, sig)
	}
	if got := len(a.cache); got != 1 {
		t.Fatalf("cache entries: %d", got)
	}
	// Second call hits the cache (same hash, same result).
	again, _ := a.AnalyzeFile(path)
	if !reflect.DeepEqual(sig, again) {
		t.Fatal("cached result differs")
	}
	if got := len(a.cache); got != 1 {
		t.Fatalf("cache should not grow on hit: %d", got)
	}
}

func TestAnalyzer_MissingFile(t *testing.T) {
	a := New()
	sig, err := a.AnalyzeFile(filepath.Join(t.TempDir(), "absent.py"))
	if err == nil {
		t.Fatal("expected read error")
	}
	if sig.Mode != ModeUnknown || sig.Error == "" {
		t.Fatalf("signature: %#v", sig)
	}
}
