package inspect

import (
	"strings"
	"unicode"
)

// The parser reads only the surface the indexer cares about: top-level
// (possibly async) function definitions, their decorators, their
// signatures and their docstrings. Function bodies are skipped. That is
// all the entity extractor needs, and it keeps arbitrarily large
// artifacts cheap to inspect.

// Unit is a parsed executable artifact.
type Unit struct {
	Path      string
	Functions []Function
	Errors    []SyntaxError
}

// Function is one top-level def.
type Function struct {
	Name       string
	Line       int
	Async      bool
	Decorators []Decorator
	Params     []SigParam
	Docstring  string
}

// Decorator is one @-line attached to a function. Name keeps the full
// dotted form; Call is true for the call form `@name(...)`.
type Decorator struct {
	Name   string
	Line   int
	Call   bool
	Kwargs map[string]Value
}

// SigParam is one raw signature parameter before type mapping.
type SigParam struct {
	Name       string
	Annotation string
	Default    string
	HasDefault bool
}

// Value is a decorator keyword argument. Literal holds the decoded Go
// value when the expression is a recognized literal; Raw always holds
// the source text.
type Value struct {
	Raw       string
	Literal   interface{}
	IsLiteral bool
}

// SyntaxError carries the position diagnostics surfaced to callers.
type SyntaxError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

type parser struct {
	lines []string
	pos   int
	unit  *Unit
}

// ParseUnit parses source into a Unit. Parsing never fails outright:
// malformed regions are recorded as SyntaxErrors and skipped.
func ParseUnit(path string, source string) *Unit {
	p := &parser{
		lines: strings.Split(source, "\n"),
		unit:  &Unit{Path: path},
	}
	p.run()
	return p.unit
}

func (p *parser) errf(line, col int, msg string) {
	p.unit.Errors = append(p.unit.Errors, SyntaxError{Line: line, Column: col, Message: msg})
}

func (p *parser) run() {
	var pending []Decorator

	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		trimmed := strings.TrimSpace(line)

		// Only top-level constructs matter; indented lines belong to a
		// body we already skipped past.
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || indentOf(line) > 0 {
			p.pos++
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "@"):
			dec, ok := p.parseDecorator()
			if ok {
				pending = append(pending, dec)
			}
		case strings.HasPrefix(trimmed, "def ") || strings.HasPrefix(trimmed, "async def "):
			fn, ok := p.parseDef()
			if ok {
				fn.Decorators = pending
				p.unit.Functions = append(p.unit.Functions, fn)
			}
			pending = nil
		default:
			// Any other top-level statement detaches pending decorators.
			pending = nil
			p.pos++
		}
	}
}

// collectBalanced gathers lines starting at p.pos until bracket depth
// returns to zero (strings aware). Returns the joined text and the
// number of lines consumed, or ok=false on EOF with open brackets.
func (p *parser) collectBalanced() (string, int, bool) {
	var sb strings.Builder
	depth := 0
	consumed := 0

	for i := p.pos; i < len(p.lines); i++ {
		line := p.lines[i]
		if consumed > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(line)
		consumed++

		depth += bracketDelta(line)
		if depth <= 0 {
			return sb.String(), consumed, true
		}
	}
	p.errf(p.pos+1, 1, "unexpected end of file: unbalanced brackets")
	return sb.String(), consumed, false
}

func (p *parser) parseDecorator() (Decorator, bool) {
	startLine := p.pos + 1
	text, consumed, ok := p.collectBalanced()
	p.pos += consumed
	if !ok {
		return Decorator{}, false
	}

	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "@")
	text = stripTrailingComment(text)

	dec := Decorator{Line: startLine, Kwargs: map[string]Value{}}

	open := indexTopLevel(text, '(')
	if open < 0 {
		dec.Name = strings.TrimSpace(text)
		if !isDottedIdent(dec.Name) {
			p.errf(startLine, 2, "invalid decorator name: "+dec.Name)
			return Decorator{}, false
		}
		return dec, true
	}

	dec.Name = strings.TrimSpace(text[:open])
	dec.Call = true
	if !isDottedIdent(dec.Name) {
		p.errf(startLine, 2, "invalid decorator name: "+dec.Name)
		return Decorator{}, false
	}

	closing := matchBracket(text, open)
	if closing < 0 {
		p.errf(startLine, open+2, "unterminated decorator call")
		return Decorator{}, false
	}

	for _, arg := range splitTopLevel(text[open+1:closing], ',') {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		eq := indexTopLevel(arg, '=')
		if eq < 0 {
			continue // positional args are not metadata
		}
		key := strings.TrimSpace(arg[:eq])
		if !isIdent(key) {
			continue
		}
		dec.Kwargs[key] = parseValue(strings.TrimSpace(arg[eq+1:]))
	}
	return dec, true
}

func (p *parser) parseDef() (Function, bool) {
	startLine := p.pos + 1
	text, consumed, ok := p.collectBalanced()
	p.pos += consumed
	if !ok {
		return Function{}, false
	}

	trimmed := strings.TrimSpace(text)
	fn := Function{Line: startLine}
	if strings.HasPrefix(trimmed, "async ") {
		fn.Async = true
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "async"))
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "def"))

	open := indexTopLevel(trimmed, '(')
	if open < 0 {
		p.errf(startLine, 1, "malformed function definition: missing parameter list")
		return Function{}, false
	}
	fn.Name = strings.TrimSpace(trimmed[:open])
	if !isIdent(fn.Name) {
		p.errf(startLine, 5, "invalid function name: "+fn.Name)
		return Function{}, false
	}

	closing := matchBracket(trimmed, open)
	if closing < 0 {
		p.errf(startLine, open+1, "unterminated parameter list")
		return Function{}, false
	}

	rest := stripTrailingComment(strings.TrimSpace(trimmed[closing+1:]))
	rest = strings.TrimSpace(strings.TrimPrefix(rest, "->"))
	if !strings.HasSuffix(rest, ":") && !strings.Contains(rest, ":") {
		p.errf(startLine, len(trimmed), "missing ':' after function signature")
	}

	for _, raw := range splitTopLevel(trimmed[open+1:closing], ',') {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "*" || raw == "/" {
			continue
		}
		if strings.HasPrefix(raw, "*") {
			continue // *args / **kwargs carry no schema
		}
		param := SigParam{}
		if eq := indexTopLevel(raw, '='); eq >= 0 {
			param.Default = strings.TrimSpace(raw[eq+1:])
			param.HasDefault = true
			raw = strings.TrimSpace(raw[:eq])
		}
		if colon := indexTopLevel(raw, ':'); colon >= 0 {
			param.Annotation = strings.TrimSpace(raw[colon+1:])
			raw = strings.TrimSpace(raw[:colon])
		}
		param.Name = raw
		if !isIdent(param.Name) {
			p.errf(startLine, open+1, "invalid parameter name: "+param.Name)
			continue
		}
		fn.Params = append(fn.Params, param)
	}

	fn.Docstring = p.readDocstring()
	return fn, true
}

// readDocstring looks at the first statement of the body just consumed
// and returns the string content if it is a string literal.
func (p *parser) readDocstring() string {
	for i := p.pos; i < len(p.lines); i++ {
		trimmed := strings.TrimSpace(p.lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if indentOf(p.lines[i]) == 0 {
			return "" // body ended before any statement
		}
		for _, q := range []string{`"""`, `'''`} {
			if strings.HasPrefix(trimmed, q) {
				rest := trimmed[len(q):]
				if end := strings.Index(rest, q); end >= 0 {
					return rest[:end]
				}
				// multi-line docstring: return through the closing quote
				var sb strings.Builder
				sb.WriteString(rest)
				for j := i + 1; j < len(p.lines); j++ {
					sb.WriteString("\n")
					body := p.lines[j]
					if end := strings.Index(body, q); end >= 0 {
						sb.WriteString(body[:end])
						return sb.String()
					}
					sb.WriteString(body)
				}
				return sb.String()
			}
		}
		if strings.HasPrefix(trimmed, `"`) || strings.HasPrefix(trimmed, `'`) {
			if v := parseValue(stripTrailingComment(trimmed)); v.IsLiteral {
				if s, ok := v.Literal.(string); ok {
					return s
				}
			}
		}
		return ""
	}
	return ""
}

// =============================================================================
// Literal values
// =============================================================================

func parseValue(expr string) Value {
	v := Value{Raw: expr}
	expr = strings.TrimSpace(expr)

	switch expr {
	case "True":
		v.Literal, v.IsLiteral = true, true
		return v
	case "False":
		v.Literal, v.IsLiteral = false, true
		return v
	case "None":
		v.Literal, v.IsLiteral = nil, true
		return v
	}

	if s, ok := unquote(expr); ok {
		v.Literal, v.IsLiteral = s, true
		return v
	}
	if n, ok := parseInt(expr); ok {
		v.Literal, v.IsLiteral = n, true
		return v
	}
	if f, ok := parseFloat(expr); ok {
		v.Literal, v.IsLiteral = f, true
		return v
	}
	if strings.HasPrefix(expr, "[") && strings.HasSuffix(expr, "]") {
		items := splitTopLevel(expr[1:len(expr)-1], ',')
		list := make([]interface{}, 0, len(items))
		for _, item := range items {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			elem := parseValue(item)
			if !elem.IsLiteral {
				return v // non-literal element, keep raw only
			}
			list = append(list, elem.Literal)
		}
		v.Literal, v.IsLiteral = list, true
		return v
	}
	return v
}

// AsString returns the literal as a string, or "" when it is not one.
func (v Value) AsString() string {
	if s, ok := v.Literal.(string); ok {
		return s
	}
	return ""
}

func (v Value) AsBool() (bool, bool) {
	b, ok := v.Literal.(bool)
	return b, ok
}

func (v Value) AsInt() (int, bool) {
	switch n := v.Literal.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func (v Value) AsFloat() (float64, bool) {
	switch n := v.Literal.(type) {
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// AsStringList flattens a literal list to its string elements.
func (v Value) AsStringList() []string {
	list, ok := v.Literal.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// Lexical helpers, all strings-aware.
// =============================================================================

func indentOf(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 8
		default:
			return n
		}
	}
	return n
}

// scanStrings walks s calling fn for every byte outside string literals
// and comments. fn returns false to stop; scanStrings returns the stop
// index or -1.
func scanStrings(s string, fn func(i int, c byte, depth int) bool) int {
	depth := 0
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '\'' || c == '"' {
			quote := string(c)
			if strings.HasPrefix(s[i:], strings.Repeat(quote, 3)) {
				quote = strings.Repeat(quote, 3)
			}
			end := i + len(quote)
			for end < len(s) {
				if s[end] == '\\' {
					end += 2
					continue
				}
				if strings.HasPrefix(s[end:], quote) {
					end += len(quote)
					break
				}
				end++
			}
			i = end
			continue
		}
		if c == '#' {
			// comment runs to end of line
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				return -1
			}
			i += nl + 1
			continue
		}
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
		if !fn(i, c, depth) {
			return i
		}
		i++
	}
	return -1
}

func bracketDelta(line string) int {
	depth := 0
	scanStrings(line, func(_ int, c byte, _ int) bool {
		switch c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
		return true
	})
	return depth
}

// indexTopLevel finds the first occurrence of target outside strings and
// brackets. '=' matches only when not part of ==, <=, >=, !=.
func indexTopLevel(s string, target byte) int {
	return scanStrings(s, func(i int, c byte, depth int) bool {
		effective := depth
		if c == '(' || c == '[' || c == '{' {
			effective = depth - 1
		}
		if c != target || effective != 0 {
			return true
		}
		if target == '=' {
			if i+1 < len(s) && s[i+1] == '=' {
				return true
			}
			if i > 0 && (s[i-1] == '=' || s[i-1] == '<' || s[i-1] == '>' || s[i-1] == '!') {
				return true
			}
		}
		return false
	})
}

// matchBracket returns the index of the bracket closing the one at open.
func matchBracket(s string, open int) int {
	openDepth := bracketDelta(s[:open])
	return scanStrings(s, func(i int, c byte, depth int) bool {
		if i <= open {
			return true
		}
		return !(c == ')' || c == ']' || c == '}') || depth != openDepth
	})
}

// splitTopLevel splits s on sep occurrences outside strings and brackets.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	start := 0
	scanStrings(s, func(i int, c byte, depth int) bool {
		if c == sep && depth == 0 {
			parts = append(parts, s[start:i])
			start = i + 1
		}
		return true
	})
	parts = append(parts, s[start:])
	return parts
}

func stripTrailingComment(s string) string {
	if hash := findComment(s); hash >= 0 {
		s = s[:hash]
	}
	return strings.TrimSpace(s)
}

// findComment returns the index of a '#' outside string literals.
func findComment(s string) int {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '\'' || c == '"' {
			quote := string(c)
			if strings.HasPrefix(s[i:], strings.Repeat(quote, 3)) {
				quote = strings.Repeat(quote, 3)
			}
			end := i + len(quote)
			for end < len(s) {
				if s[end] == '\\' {
					end += 2
					continue
				}
				if strings.HasPrefix(s[end:], quote) {
					end += len(quote)
					break
				}
				end++
			}
			i = end
			continue
		}
		if c == '#' {
			return i
		}
		i++
	}
	return -1
}

func unquote(s string) (string, bool) {
	// string prefixes (r"", f"", rb""): keep the body, drop the prefix
	trimmed := strings.TrimLeft(s, "rRbBfFuU")
	if len(s)-len(trimmed) > 2 {
		return "", false
	}
	s = trimmed
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			body := s[len(q) : len(s)-len(q)]
			body = strings.ReplaceAll(body, `\"`, `"`)
			body = strings.ReplaceAll(body, `\'`, `'`)
			body = strings.ReplaceAll(body, `\n`, "\n")
			body = strings.ReplaceAll(body, `\t`, "\t")
			body = strings.ReplaceAll(body, `\\`, `\`)
			return body, true
		}
	}
	return "", false
}

func parseInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	neg := false
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r == '_' {
			continue
		}
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

func parseFloat(s string) (float64, bool) {
	if !strings.ContainsAny(s, ".eE") {
		return 0, false
	}
	var f float64
	var frac float64 = 0.1
	neg := false
	i := 0
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	seenDot := false
	seenDigit := false
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			seenDigit = true
			if seenDot {
				f += float64(c-'0') * frac
				frac /= 10
			} else {
				f = f*10 + float64(c-'0')
			}
		case c == '.':
			if seenDot {
				return 0, false
			}
			seenDot = true
		case c == '_':
		case c == 'e' || c == 'E':
			if !seenDigit {
				return 0, false
			}
			exp, ok := parseInt(s[i+1:])
			if !ok {
				return 0, false
			}
			for ; exp > 0; exp-- {
				f *= 10
			}
			for ; exp < 0; exp++ {
				f /= 10
			}
			if neg {
				f = -f
			}
			return f, true
		default:
			return 0, false
		}
	}
	if !seenDigit {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return true
}

func isDottedIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if !isIdent(part) {
			return false
		}
	}
	return true
}
