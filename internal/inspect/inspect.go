// Package inspect examines executable artifacts before they are
// indexed: it detects whether a unit declares registered entities and
// extracts per-entity metadata from the decorators and signatures.
//
// Decorators are recognized by name regardless of how they were
// imported: `@workflow`, `@sdk.workflow` and `@bifrost.workflow` are
// the same sentinel. The alternative (tracking imports) buys no
// correctness: the sentinel must sit in decorator position, so strings
// and variable names cannot produce false positives.
package inspect

import (
	"bytes"
	"strings"
	"unicode"
)

// EntityKind is the tagged variant of a registered executable.
type EntityKind string

const (
	KindWorkflow     EntityKind = "workflow"
	KindTool         EntityKind = "tool"
	KindDataProvider EntityKind = "data_provider"
)

// sentinels maps decorator names (last dotted segment) to kinds.
var sentinels = map[string]EntityKind{
	"workflow":      KindWorkflow,
	"tool":          KindTool,
	"data_provider": KindDataProvider,
}

var sentinelBytes = [][]byte{
	[]byte("@workflow"),
	[]byte("@tool"),
	[]byte("@data_provider"),
}

// Parameter is one schema entry extracted from a function signature.
type Parameter struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"` // string | int | float | bool | list | json
	Required bool        `json:"required"`
	Label    string      `json:"label"`
	Default  interface{} `json:"default,omitempty"`
	Options  []string    `json:"options,omitempty"`
}

// EntityMetadata is everything the indexer needs about one declared
// entity.
type EntityMetadata struct {
	Kind            EntityKind
	FunctionSymbol  string
	ExplicitID      string
	Name            string
	Description     string
	Category        string
	Tags            []string
	EndpointEnabled bool
	AllowedMethods  []string
	ExecutionMode   string
	IsTool          bool
	ToolDescription string
	TimeoutSeconds  int
	TimeSaved       float64
	Value           float64
	CacheTTLSeconds int
	Parameters      []Parameter
	Line            int
}

// Warning is a soft diagnostic (missing SDK symbol, dropped reference).
type Warning struct {
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// Result of inspecting one artifact.
type Result struct {
	// IsModule is true when the artifact declares no entities. On the
	// fast path (no sentinel substring) Unit is nil and no parse ran.
	IsModule bool
	Metadata []EntityMetadata
	Unit     *Unit
	Errors   []SyntaxError
	Warnings []Warning
}

// Inspect classifies and extracts entity metadata from source.
//
// Fast path: if the bytes contain none of the decorator sentinels the
// unit is a plain module and no parse runs, which bounds memory for
// large files. The parse is authoritative; the substring scan is an
// optimization only.
func Inspect(path string, source []byte) *Result {
	res := &Result{}

	if !containsSentinel(source) {
		res.IsModule = true
		return res
	}

	unit := ParseUnit(path, string(source))
	res.Unit = unit
	res.Errors = unit.Errors
	res.Warnings = scanMissingSymbols(string(source))

	for _, fn := range unit.Functions {
		for _, dec := range fn.Decorators {
			kind, ok := sentinels[lastSegment(dec.Name)]
			if !ok {
				continue
			}
			res.Metadata = append(res.Metadata, extractMetadata(kind, fn, dec))
			break // one registration per function
		}
	}

	res.IsModule = len(res.Metadata) == 0
	return res
}

func containsSentinel(source []byte) bool {
	for _, s := range sentinelBytes {
		if bytes.Contains(source, s) {
			return true
		}
	}
	return false
}

func lastSegment(name string) string {
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func extractMetadata(kind EntityKind, fn Function, dec Decorator) EntityMetadata {
	meta := EntityMetadata{
		Kind:           kind,
		FunctionSymbol: fn.Name,
		Name:           fn.Name,
		ExecutionMode:  "sync",
		Line:           fn.Line,
	}

	for key, val := range dec.Kwargs {
		switch key {
		case "id":
			meta.ExplicitID = val.AsString()
		case "name":
			if s := val.AsString(); s != "" {
				meta.Name = s
			}
		case "description":
			meta.Description = val.AsString()
		case "category":
			meta.Category = val.AsString()
		case "tags":
			meta.Tags = val.AsStringList()
		case "endpoint_enabled":
			if b, ok := val.AsBool(); ok {
				meta.EndpointEnabled = b
			}
		case "allowed_methods":
			meta.AllowedMethods = val.AsStringList()
		case "execution_mode":
			if s := val.AsString(); s == "sync" || s == "async" {
				meta.ExecutionMode = s
			}
		case "is_tool":
			if b, ok := val.AsBool(); ok {
				meta.IsTool = b
			}
		case "tool_description":
			meta.ToolDescription = val.AsString()
		case "timeout_seconds":
			if n, ok := val.AsInt(); ok {
				meta.TimeoutSeconds = n
			}
		case "time_saved":
			if f, ok := val.AsFloat(); ok {
				meta.TimeSaved = f
			}
		case "value":
			if f, ok := val.AsFloat(); ok {
				meta.Value = f
			}
		case "cache_ttl_seconds":
			if n, ok := val.AsInt(); ok {
				meta.CacheTTLSeconds = n
			}
		}
	}

	if meta.Description == "" && fn.Docstring != "" {
		meta.Description = firstLine(fn.Docstring)
	}

	meta.Parameters = extractParameters(fn.Params)
	return meta
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// =============================================================================
// Parameter schema extraction
// =============================================================================

// contextTypes are annotations marking the injected platform context
// parameter; these never appear in the schema.
var contextTypes = map[string]bool{
	"ExecutionContext": true,
	"WorkflowContext":  true,
	"BifrostContext":   true,
}

func extractParameters(params []SigParam) []Parameter {
	out := make([]Parameter, 0, len(params))
	for _, sp := range params {
		if sp.Name == "self" || sp.Name == "cls" {
			continue
		}
		if contextTypes[lastSegment(strings.TrimSpace(sp.Annotation))] {
			continue
		}

		param := Parameter{
			Name:     sp.Name,
			Label:    humanizeLabel(sp.Name),
			Required: true,
		}
		param.Type, param.Options, param.Required = mapAnnotation(sp.Annotation)

		if sp.HasDefault {
			param.Required = false
			if v := parseValue(sp.Default); v.IsLiteral && v.Literal != nil {
				param.Default = v.Literal
			}
		}
		out = append(out, param)
	}
	return out
}

// mapAnnotation maps an annotation expression to the schema type.
// Returns (type, enum options, required).
func mapAnnotation(ann string) (string, []string, bool) {
	ann = strings.TrimSpace(ann)
	if s, ok := unquote(ann); ok {
		ann = s // forward-reference annotation
	}
	if ann == "" {
		return "string", nil, true
	}

	required := true

	// T | None and None | T
	if parts := splitTopLevel(ann, '|'); len(parts) > 1 {
		kept := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "None" {
				required = false
				continue
			}
			kept = append(kept, part)
		}
		if len(kept) != 1 {
			return "json", nil, required
		}
		ann = kept[0]
	}

	base := ann
	var args string
	if open := strings.IndexByte(ann, '['); open >= 0 && strings.HasSuffix(ann, "]") {
		base = strings.TrimSpace(ann[:open])
		args = ann[open+1 : len(ann)-1]
	}

	switch lastSegment(base) {
	case "Optional":
		typ, options, _ := mapAnnotation(args)
		return typ, options, false
	case "Union":
		parts := splitTopLevel(args, ',')
		kept := make([]string, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "None" {
				required = false
				continue
			}
			kept = append(kept, part)
		}
		if len(kept) == 1 {
			typ, options, _ := mapAnnotation(kept[0])
			return typ, options, required
		}
		return "json", nil, required
	case "Literal":
		options := make([]string, 0)
		for _, part := range splitTopLevel(args, ',') {
			v := parseValue(strings.TrimSpace(part))
			if s, ok := v.Literal.(string); ok {
				options = append(options, s)
			}
		}
		return "string", options, required
	case "str", "bytes", "datetime", "date", "UUID":
		return "string", nil, required
	case "int":
		return "int", nil, required
	case "float", "Decimal":
		return "float", nil, required
	case "bool":
		return "bool", nil, required
	case "list", "List", "tuple", "Tuple", "set", "Set", "Sequence", "Iterable":
		return "list", nil, required
	case "dict", "Dict", "Mapping", "Any", "object":
		return "json", nil, required
	default:
		// structured/model types carry arbitrary shape
		return "json", nil, required
	}
}

func humanizeLabel(name string) string {
	parts := strings.Split(name, "_")
	for i, part := range parts {
		if part == "" {
			continue
		}
		runes := []rune(part)
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// Missing-symbol scan
// =============================================================================

// exposedSDKSymbols are the attributes of the platform SDK module that
// workers actually provide. References to anything else run fine in a
// developer's editor but fail at execution time, so they surface as
// warnings at write time.
var exposedSDKSymbols = map[string]bool{
	"workflow":      true,
	"tool":          true,
	"data_provider": true,
	"get_context":   true,
	"log":           true,
	"secrets":       true,
	"storage":       true,
	"tables":        true,
	"forms":         true,
	"http":          true,
	"ai":            true,
	"run_workflow":  true,
}

const sdkModule = "bifrost"

// scanMissingSymbols reports references to SDK attributes the platform
// does not expose. Static and conservative: it only looks at
// `bifrost.<name>` attribute access.
func scanMissingSymbols(source string) []Warning {
	var warnings []Warning
	seen := map[string]bool{}

	for i, line := range strings.Split(source, "\n") {
		if hash := findComment(line); hash >= 0 {
			line = line[:hash]
		}
		rest := line
		for {
			idx := strings.Index(rest, sdkModule+".")
			if idx < 0 {
				break
			}
			// must not be part of a longer identifier
			if idx > 0 && (rest[idx-1] == '_' || rest[idx-1] == '.' ||
				unicode.IsLetter(rune(rest[idx-1])) || unicode.IsDigit(rune(rest[idx-1]))) {
				rest = rest[idx+len(sdkModule)+1:]
				continue
			}
			attr := identAt(rest[idx+len(sdkModule)+1:])
			rest = rest[idx+len(sdkModule)+1:]
			if attr == "" || exposedSDKSymbols[attr] || seen[attr] {
				continue
			}
			seen[attr] = true
			warnings = append(warnings, Warning{
				Line:    i + 1,
				Message: "reference to unavailable SDK symbol " + sdkModule + "." + attr,
			})
		}
	}
	return warnings
}

func identAt(s string) string {
	end := 0
	for end < len(s) {
		r := rune(s[end])
		if r == '_' || unicode.IsLetter(r) || (end > 0 && unicode.IsDigit(r)) {
			end++
			continue
		}
		break
	}
	return s[:end]
}
