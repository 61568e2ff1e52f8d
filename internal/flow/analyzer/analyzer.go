// Package analyzer statically extracts input/output metadata from node
// source files. Nothing is ever executed: the source is scanned for the
// entry function (RunScript, then main), its parameter list is parsed, and
// return statements are mined for output names.
package analyzer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	ModeScript  = "script"
	ModeBasic   = "basic"
	ModeUnknown = "unknown"
)

type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Default  any    `json:"default"`
	Required bool   `json:"required"`
}

type Output struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Signature struct {
	Mode         string   `json:"mode"`
	FunctionName string   `json:"function_name,omitempty"`
	Inputs       []Param  `json:"inputs"`
	Outputs      []Output `json:"outputs"`
	Error        string   `json:"error,omitempty"`
}

// Analyze extracts the signature of the node's entry function.
// RunScript wins over main; with neither the node runs in basic mode with a
// single generic input_data argument.
func Analyze(src []byte) Signature {
	text := string(src)

	for _, candidate := range []struct {
		fn   string
		mode string
	}{
		{"RunScript", ModeScript},
		{"main", ModeBasic},
	} {
		def, ok, err := findFunction(text, candidate.fn)
		if err != nil {
			return Signature{Mode: ModeUnknown, Inputs: []Param{}, Outputs: []Output{},
				Error: fmt.Sprintf("syntax error in node code: %v", err)}
		}
		if !ok {
			continue
		}
		inputs, err := parseParams(def.params)
		if err != nil {
			return Signature{Mode: ModeUnknown, Inputs: []Param{}, Outputs: []Output{},
				Error: fmt.Sprintf("syntax error in node code: %v", err)}
		}
		return Signature{
			Mode:         candidate.mode,
			FunctionName: candidate.fn,
			Inputs:       inputs,
			Outputs:      extractOutputs(def.body),
		}
	}

	return Signature{
		Mode:    ModeBasic,
		Inputs:  []Param{{Name: "input_data", Type: "Any", Default: nil}},
		Outputs: []Output{{Name: "output", Type: "Any"}},
	}
}

type functionDef struct {
	params string
	body   string
}

var defPattern = func(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^([ \t]*)def\s+` + regexp.QuoteMeta(name) + `\s*\(`)
}

// findFunction locates "def <name>(" and returns the raw parameter list and
// the function body (the indented block following the def line).
func findFunction(src, name string) (functionDef, bool, error) {
	loc := defPattern(name).FindStringSubmatchIndex(src)
	if loc == nil {
		return functionDef{}, false, nil
	}
	indent := src[loc[2]:loc[3]]
	open := loc[1] - 1 // index of the '('

	closing, err := matchDelimiter(src, open)
	if err != nil {
		return functionDef{}, false, fmt.Errorf("def %s: %w", name, err)
	}
	params := src[open+1 : closing]

	// Body: everything after the def statement's line until the first
	// non-blank line at or below the def's own indentation.
	bodyStart := strings.IndexByte(src[closing:], '\n')
	if bodyStart < 0 {
		return functionDef{params: params}, true, nil
	}
	rest := src[closing+bodyStart+1:]
	var body strings.Builder
	for _, line := range strings.SplitAfter(rest, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			body.WriteString(line)
			continue
		}
		if len(indentOf(line)) <= len(indent) {
			break
		}
		body.WriteString(line)
	}
	return functionDef{params: params, body: body.String()}, true, nil
}

func indentOf(line string) string {
	return line[:len(line)-len(strings.TrimLeft(line, " \t"))]
}

// matchDelimiter returns the index of the delimiter closing src[open],
// honoring nested brackets and string literals.
func matchDelimiter(src string, open int) (int, error) {
	pairs := map[byte]byte{'(': ')', '[': ']', '{': '}'}
	closer, ok := pairs[src[open]]
	if !ok {
		return 0, fmt.Errorf("not a delimiter at %d", open)
	}
	depth := 0
	for i := open; i < len(src); i++ {
		c := src[i]
		switch c {
		case '\'', '"':
			end, err := skipString(src, i)
			if err != nil {
				return 0, err
			}
			i = end
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				if c != closer {
					return 0, fmt.Errorf("mismatched %q at offset %d", c, i)
				}
				return i, nil
			}
		case '#':
			nl := strings.IndexByte(src[i:], '\n')
			if nl < 0 {
				return 0, fmt.Errorf("unbalanced %q", src[open])
			}
			i += nl
		}
	}
	return 0, fmt.Errorf("unbalanced %q", src[open])
}

// skipString advances past the string literal starting at i and returns the
// index of its closing quote.
func skipString(src string, i int) (int, error) {
	quote := src[i]
	// Triple-quoted strings.
	if i+2 < len(src) && src[i+1] == quote && src[i+2] == quote {
		end := strings.Index(src[i+3:], strings.Repeat(string(quote), 3))
		if end < 0 {
			return 0, fmt.Errorf("unterminated string literal")
		}
		return i + 3 + end + 2, nil
	}
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			j++
		case quote:
			return j, nil
		case '\n':
			return 0, fmt.Errorf("unterminated string literal")
		}
	}
	return 0, fmt.Errorf("unterminated string literal")
}

// splitTopLevel splits s at sep occurrences outside brackets and strings.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '"':
			end, err := skipString(s, i)
			if err != nil {
				return nil, err
			}
			i = end
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if c == sep && depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts, nil
}

// indexTopLevel finds sep outside brackets and strings, or -1.
func indexTopLevel(s string, sep byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '"':
			end, err := skipString(s, i)
			if err != nil {
				return -1
			}
			i = end
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if c == sep && depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseParams(raw string) ([]Param, error) {
	parts, err := splitTopLevel(raw, ',')
	if err != nil {
		return nil, err
	}
	params := []Param{}
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" || p == "/" || strings.HasPrefix(p, "*") || p == "self" {
			continue
		}
		param := Param{Type: "Any", Required: true}

		if eq := indexTopLevel(p, '='); eq >= 0 {
			param.Required = false
			param.Default = parseLiteral(strings.TrimSpace(p[eq+1:]))
			p = strings.TrimSpace(p[:eq])
		}
		if colon := indexTopLevel(p, ':'); colon >= 0 {
			param.Type = normalizeAnnotation(p[colon+1:])
			p = strings.TrimSpace(p[:colon])
		}
		param.Name = p
		if param.Name != "" {
			params = append(params, param)
		}
	}
	return params, nil
}

func normalizeAnnotation(raw string) string {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 {
		return "Any"
	}
	return strings.Join(fields, " ")
}

// parseLiteral maps simple Python default expressions to native values.
// Anything beyond the supported literal forms degrades to nil, matching the
// best-effort contract of the metadata surface.
func parseLiteral(raw string) any {
	switch raw {
	case "None", "":
		return nil
	case "True":
		return true
	case "False":
		return false
	case "[]", "()":
		return []any{}
	case "{}":
		return map[string]any{}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') || (raw[0] == '"' && raw[len(raw)-1] == '"') {
			return unescapeString(raw[1 : len(raw)-1])
		}
	}
	return nil
}

func unescapeString(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '\'', '"':
				b.WriteByte(s[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var returnPattern = regexp.MustCompile(`(?m)^[ \t]*return\b[ \t]*`)

// extractOutputs mines return statements for output names: string keys of
// returned dict literals and keyword names of dict(...) constructor calls.
// First occurrence wins; no finds defaults to a single "output".
func extractOutputs(body string) []Output {
	outputs := []Output{}
	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		outputs = append(outputs, Output{Name: name, Type: "Any"})
	}

	for _, loc := range returnPattern.FindAllStringIndex(body, -1) {
		expr := body[loc[1]:]
		switch {
		case strings.HasPrefix(expr, "{"):
			closing, err := matchDelimiter(expr, 0)
			if err != nil {
				continue
			}
			entries, err := splitTopLevel(expr[1:closing], ',')
			if err != nil {
				continue
			}
			for _, entry := range entries {
				colon := indexTopLevel(entry, ':')
				if colon < 0 {
					continue
				}
				key := strings.TrimSpace(entry[:colon])
				if v := parseLiteral(key); v != nil {
					if s, ok := v.(string); ok {
						add(s)
					}
				}
			}
		case strings.HasPrefix(expr, "dict("):
			closing, err := matchDelimiter(expr, len("dict"))
			if err != nil {
				continue
			}
			entries, err := splitTopLevel(expr[len("dict("):closing], ',')
			if err != nil {
				continue
			}
			for _, entry := range entries {
				eq := indexTopLevel(entry, '=')
				if eq < 0 {
					continue
				}
				name := strings.TrimSpace(entry[:eq])
				if isIdentifier(name) {
					add(name)
				}
			}
		}
	}

	if len(outputs) == 0 {
		outputs = append(outputs, Output{Name: "output", Type: "Any"})
	}
	return outputs
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		alpha := r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z')
		if !alpha && (i == 0 || r < '0' || r > '9') {
			return false
		}
	}
	return true
}
