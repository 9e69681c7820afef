// Package codeact parses and executes code actions: small tool-call programs
// the model emits inside a fenced block. The language is one statement per
// line; every capability routes through the tool invoker, so the sandbox
// boundary is the tool registry itself.
package codeact

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	fenceLang  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]+\n(.*?)```")
	fencePlain = regexp.MustCompile("(?s)```\n?(.*?)```")
	codeTag    = regexp.MustCompile(`(?s)<code>(.*?)</code>`)
)

// ExtractCode pulls the first code block out of assistant output. Delimiters
// are tried in order: fenced with language tag, fenced plain, <code> tags.
func ExtractCode(raw string) (string, error) {
	for _, re := range []*regexp.Regexp{fenceLang, fencePlain, codeTag} {
		if m := re.FindStringSubmatch(raw); m != nil {
			return strings.TrimSpace(m[1]), nil
		}
	}
	return "", &ParsingError{RawOutput: raw, ExpectedFormat: "fenced code block"}
}

// Ref is a reference to a bound or injected variable.
type Ref string

// Call is one tool invocation expression.
type Call struct {
	Name string

	// Named holds `key: value` arguments.
	Named map[string]any

	// Positional holds bare arguments, used by print and final_answer.
	Positional []any
}

// Statement is one line of a code action.
type Statement struct {
	Line int

	// Assign names the variable bound to the call result, if any.
	Assign string

	// Call is the invocation. Nil for directives.
	Call *Call

	// Directive is the import/require target, if this line is one.
	Directive string
}

// Parse turns code into statements. Parsing is total: it never executes
// anything and fails deterministically on malformed lines.
func Parse(code string) ([]Statement, error) {
	var stmts []Statement
	for i, line := range strings.Split(code, "\n") {
		lineNo := i + 1
		text := strings.TrimSpace(line)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		if target, ok := directiveTarget(text); ok {
			stmts = append(stmts, Statement{Line: lineNo, Directive: target})
			continue
		}

		stmt := Statement{Line: lineNo}
		if name, rest, ok := splitAssign(text); ok {
			stmt.Assign = name
			text = rest
		}

		call, err := parseCall(text, lineNo)
		if err != nil {
			return nil, err
		}
		stmt.Call = call
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func directiveTarget(line string) (string, bool) {
	for _, prefix := range []string{"import:", "require:"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func splitAssign(line string) (name, rest string, ok bool) {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", "", false
	}
	// Not an assignment if the '=' belongs to the call's argument list.
	if paren := strings.Index(line, "("); paren >= 0 && paren < eq {
		return "", "", false
	}
	name = strings.TrimSpace(line[:eq])
	if !isIdentifier(name) {
		return "", "", false
	}
	return name, strings.TrimSpace(line[eq+1:]), true
}

func parseCall(text string, line int) (*Call, error) {
	open := strings.Index(text, "(")
	if open < 0 || !strings.HasSuffix(text, ")") {
		return nil, &ParsingError{Line: line, Detail: fmt.Sprintf("expected name(...), got %q", text)}
	}
	name := strings.TrimSpace(text[:open])
	if !isIdentifier(name) {
		return nil, &ParsingError{Line: line, Detail: fmt.Sprintf("invalid call name %q", name)}
	}

	inner := text[open+1 : len(text)-1]
	call := &Call{Name: name}
	args, err := splitArgs(inner)
	if err != nil {
		return nil, &ParsingError{Line: line, Detail: err.Error()}
	}
	for _, arg := range args {
		key, rawValue, named := splitNamedArg(arg)
		value, err := parseValue(rawValue)
		if err != nil {
			return nil, &ParsingError{Line: line, Detail: err.Error()}
		}
		if named {
			if call.Named == nil {
				call.Named = map[string]any{}
			}
			call.Named[key] = value
		} else {
			call.Positional = append(call.Positional, value)
		}
	}
	return call, nil
}

// splitArgs splits a comma-separated argument list, respecting strings and
// nested brackets.
func splitArgs(inner string) ([]string, error) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return nil, nil
	}
	var (
		args    []string
		depth   int
		start   int
		inStr   bool
		strChar byte
	)
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		switch {
		case inStr:
			if c == '\\' {
				i++
			} else if c == strChar {
				inStr = false
			}
		case c == '"' || c == '\'':
			inStr = true
			strChar = c
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced brackets in %q", inner)
			}
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(inner[start:i]))
			start = i + 1
		}
	}
	if inStr {
		return nil, fmt.Errorf("unterminated string in %q", inner)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets in %q", inner)
	}
	args = append(args, strings.TrimSpace(inner[start:]))
	return args, nil
}

// splitNamedArg splits `key: value`. A colon inside a string or bracket does
// not count.
func splitNamedArg(arg string) (key, value string, named bool) {
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c == '"' || c == '\'' || c == '[' {
			break
		}
		if c == ':' {
			k := strings.TrimSpace(arg[:i])
			if isIdentifier(k) {
				return k, strings.TrimSpace(arg[i+1:]), true
			}
			break
		}
	}
	return "", arg, false
}

// parseValue parses one literal or reference.
func parseValue(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty value")
	}

	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}

	switch raw[0] {
	case '"', '\'':
		return parseString(raw)
	case '[':
		if !strings.HasSuffix(raw, "]") {
			return nil, fmt.Errorf("unterminated array %q", raw)
		}
		elems, err := splitArgs(raw[1 : len(raw)-1])
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			v, err := parseValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case '$':
		name := raw[1:]
		if !isIdentifier(name) {
			return nil, fmt.Errorf("invalid reference %q", raw)
		}
		return Ref(name), nil
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, nil
	}
	if isIdentifier(raw) {
		return Ref(raw), nil
	}
	return nil, fmt.Errorf("cannot parse value %q", raw)
}

func parseString(raw string) (string, error) {
	if len(raw) < 2 || raw[len(raw)-1] != raw[0] {
		return "", fmt.Errorf("unterminated string %q", raw)
	}
	body := raw[1 : len(raw)-1]
	var sb strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c == '\\' && i+1 < len(body) {
			i++
			switch body[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(body[i])
			}
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String(), nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if unicode.IsLetter(r) || r == '_' {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}
