package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/hupe1980/agentflow/internal/util"
)

// Expr is a compiled jq expression evaluated against the run data
// {input, steps, vars, loop}. The leading dot of the roots may be omitted:
// "steps.s1.output.x == 1" is read as ".steps.s1.output.x == 1".
type Expr struct {
	src  string
	code *gojq.Code
}

// CompileExpr parses and compiles src.
func CompileExpr(src string) (*Expr, error) {
	query, err := gojq.Parse(normalizeExpr(src))
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, err)
	}
	return &Expr{src: src, code: code}, nil
}

// MustCompileExpr is like CompileExpr but panics on error.
func MustCompileExpr(src string) *Expr {
	e, err := CompileExpr(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source expression.
func (e *Expr) String() string { return e.src }

// EvalAll returns every value the expression emits.
func (e *Expr) EvalAll(ctx context.Context, data any) ([]any, error) {
	input, err := util.NormalizeJSON(data)
	if err != nil {
		return nil, err
	}

	var out []any
	iter := e.code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("evaluate %q: %w", e.src, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Eval returns the first value the expression emits (nil if none).
func (e *Expr) Eval(ctx context.Context, data any) (any, error) {
	vals, err := e.EvalAll(ctx, data)
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	return vals[0], nil
}

// EvalBool evaluates the expression with jq truthiness.
func (e *Expr) EvalBool(ctx context.Context, data any) (bool, error) {
	v, err := e.Eval(ctx, data)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy applies jq truthiness: only null and false are false.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

var roots = map[string]struct{}{"input": {}, "steps": {}, "vars": {}, "loop": {}}

// normalizeExpr prefixes bare root references with a dot. String literals
// are left untouched; "input" alone stays the jq builtin.
func normalizeExpr(src string) string {
	var b strings.Builder
	b.Grow(len(src) + 4)

	inString := false
	for i := 0; i < len(src); i++ {
		c := src[i]
		if inString {
			b.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if isIdentStart(c) && (i == 0 || (!isIdentChar(src[i-1]) && src[i-1] != '.' && src[i-1] != '$')) {
			j := i
			for j < len(src) && isIdentChar(src[j]) {
				j++
			}
			word := src[i:j]
			if _, ok := roots[word]; ok && j < len(src) && (src[j] == '.' || src[j] == '[') {
				b.WriteByte('.')
			}
			b.WriteString(word)
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// isIdent reports whether id can be referenced as steps.<id>.
func isIdent(id string) bool {
	if id == "" || !isIdentStart(id[0]) {
		return false
	}
	for i := 1; i < len(id); i++ {
		if !isIdentChar(id[i]) {
			return false
		}
	}
	return true
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

var stepRefPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_$])\.?steps(?:\.([A-Za-z_][A-Za-z0-9_]*)|\[\s*"([^"]+)"\s*\])`)

// References returns the step ids referenced as steps.<id> or
// steps["<id>"] in an expression or template, in order of appearance.
func References(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range stepRefPattern.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if id == "" {
			id = m[2]
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// OutputPath compiles an output mapping path. Dotted paths get a leading dot.
func OutputPath(path string) (*Expr, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("empty output path")
	}
	if !strings.HasPrefix(p, ".") && !strings.HasPrefix(p, "$") {
		p = "." + p
	}
	e, err := CompileExpr(p)
	if err != nil {
		return nil, err
	}
	e.src = path
	return e, nil
}
