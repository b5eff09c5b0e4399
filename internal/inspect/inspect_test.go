package inspect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inspectOne(t *testing.T, source string) EntityMetadata {
	t.Helper()
	res := Inspect("wf/test.py", []byte(source))
	require.False(t, res.IsModule, "expected at least one entity")
	require.Len(t, res.Metadata, 1)
	return res.Metadata[0]
}

func TestPlainModuleFastPath(t *testing.T) {
	res := Inspect("lib/util.py", []byte("def helper():\n    return 1\n"))
	assert.True(t, res.IsModule)
	assert.Nil(t, res.Unit, "fast path must not parse")
	assert.Empty(t, res.Metadata)
}

func TestSentinelInStringStillParsesButYieldsNothing(t *testing.T) {
	// The substring scan is an optimization only; the parse is
	// authoritative and a sentinel inside a string registers nothing.
	src := "x = \"@workflow is a decorator\"\ndef f():\n    pass\n"
	res := Inspect("lib/doc.py", []byte(src))
	assert.True(t, res.IsModule)
	assert.NotNil(t, res.Unit)
	assert.Empty(t, res.Metadata)
}

func TestWorkflowDecoratorExtraction(t *testing.T) {
	meta := inspectOne(t, `from bifrost import workflow

@workflow(name="Greet", timeout_seconds=30, category="demo", tags=["a", "b"])
def greet(name: str):
    """Say hello to someone."""
    return name
`)
	assert.Equal(t, KindWorkflow, meta.Kind)
	assert.Equal(t, "greet", meta.FunctionSymbol)
	assert.Equal(t, "Greet", meta.Name)
	assert.Equal(t, 30, meta.TimeoutSeconds)
	assert.Equal(t, "demo", meta.Category)
	assert.Equal(t, []string{"a", "b"}, meta.Tags)
	assert.Equal(t, "Say hello to someone.", meta.Description)
	assert.Equal(t, "sync", meta.ExecutionMode)
}

func TestDottedDecoratorRecognized(t *testing.T) {
	meta := inspectOne(t, `import bifrost

@bifrost.tool(name="Lookup", tool_description="Find a record")
def lookup(key: str):
    return key
`)
	assert.Equal(t, KindTool, meta.Kind)
	assert.Equal(t, "Lookup", meta.Name)
	assert.Equal(t, "Find a record", meta.ToolDescription)
}

func TestDataProviderKind(t *testing.T) {
	meta := inspectOne(t, `@data_provider(name="Countries", cache_ttl_seconds=600)
def countries():
    return ["de", "fr"]
`)
	assert.Equal(t, KindDataProvider, meta.Kind)
	assert.Equal(t, 600, meta.CacheTTLSeconds)
}

func TestBareDecoratorNoCall(t *testing.T) {
	meta := inspectOne(t, `@workflow
def cleanup():
    pass
`)
	assert.Equal(t, "cleanup", meta.FunctionSymbol)
	assert.Equal(t, "cleanup", meta.Name)
}

func TestExplicitIDAndFlags(t *testing.T) {
	meta := inspectOne(t, `@workflow(id="11111111-2222-3333-4444-555555555555", endpoint_enabled=True, allowed_methods=["GET", "POST"], execution_mode="async", is_tool=True)
def api_entry():
    pass
`)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", meta.ExplicitID)
	assert.True(t, meta.EndpointEnabled)
	assert.Equal(t, []string{"GET", "POST"}, meta.AllowedMethods)
	assert.Equal(t, "async", meta.ExecutionMode)
	assert.True(t, meta.IsTool)
}

func TestMultilineDecorator(t *testing.T) {
	meta := inspectOne(t, `@workflow(
    name="Spread",
    timeout_seconds=120,
    time_saved=1.5,
)
def spread():
    pass
`)
	assert.Equal(t, "Spread", meta.Name)
	assert.Equal(t, 120, meta.TimeoutSeconds)
	assert.InDelta(t, 1.5, meta.TimeSaved, 1e-9)
}

func TestAsyncDef(t *testing.T) {
	meta := inspectOne(t, `@workflow(name="Async")
async def fetch_all():
    pass
`)
	assert.Equal(t, "fetch_all", meta.FunctionSymbol)
}

func TestOneRegistrationPerFunction(t *testing.T) {
	// Only the first sentinel decorator counts.
	meta := inspectOne(t, `@workflow(name="Both")
@tool(name="Ignored")
def both():
    pass
`)
	assert.Equal(t, KindWorkflow, meta.Kind)
	assert.Equal(t, "Both", meta.Name)
}

func TestMultipleEntitiesInOneFile(t *testing.T) {
	res := Inspect("wf/multi.py", []byte(`@workflow(name="First")
def first():
    pass

def plain_helper():
    pass

@tool(name="Second")
def second():
    pass
`))
	require.Len(t, res.Metadata, 2)
	assert.Equal(t, "first", res.Metadata[0].FunctionSymbol)
	assert.Equal(t, "second", res.Metadata[1].FunctionSymbol)
}

// =============================================================================
// Parameter schema
// =============================================================================

func paramsOf(t *testing.T, signature string) []Parameter {
	t.Helper()
	meta := inspectOne(t, "@workflow(name=\"P\")\ndef f("+signature+"):\n    pass\n")
	return meta.Parameters
}

func TestParameterTypes(t *testing.T) {
	params := paramsOf(t, "a: str, b: int, c: float, d: bool, e: list, f: dict, g")
	require.Len(t, params, 7)

	want := []string{"string", "int", "float", "bool", "list", "json", "string"}
	for i, p := range params {
		assert.Equal(t, want[i], p.Type, "param %s", p.Name)
		assert.True(t, p.Required)
	}
}

func TestOptionalAndUnionAnnotations(t *testing.T) {
	params := paramsOf(t, "a: Optional[str], b: int | None, c: Union[float, None], d: typing.Optional[int]")
	require.Len(t, params, 4)
	for _, p := range params {
		assert.False(t, p.Required, "param %s must be optional", p.Name)
	}
	assert.Equal(t, "string", params[0].Type)
	assert.Equal(t, "int", params[1].Type)
	assert.Equal(t, "float", params[2].Type)
	assert.Equal(t, "int", params[3].Type)
}

func TestLiteralOptions(t *testing.T) {
	params := paramsOf(t, `mode: Literal["fast", "slow"]`)
	require.Len(t, params, 1)
	assert.Equal(t, "string", params[0].Type)
	assert.Equal(t, []string{"fast", "slow"}, params[0].Options)
}

func TestDefaultsMakeOptional(t *testing.T) {
	params := paramsOf(t, `limit: int = 10, name: str = "anon", flag: bool = True`)
	require.Len(t, params, 3)
	assert.False(t, params[0].Required)
	assert.EqualValues(t, 10, params[0].Default)
	assert.Equal(t, "anon", params[1].Default)
	assert.Equal(t, true, params[2].Default)
}

func TestExponentDefaults(t *testing.T) {
	params := paramsOf(t, `rate: float = 1e3, eps: float = 2.5e-2, big: float = 1E+2`)
	require.Len(t, params, 3)
	assert.InDelta(t, 1000.0, params[0].Default, 1e-9)
	assert.InDelta(t, 0.025, params[1].Default, 1e-9)
	assert.InDelta(t, 100.0, params[2].Default, 1e-9)
}

func TestContextParameterDropped(t *testing.T) {
	params := paramsOf(t, "ctx: ExecutionContext, name: str")
	require.Len(t, params, 1)
	assert.Equal(t, "name", params[0].Name)
}

func TestSelfDropped(t *testing.T) {
	params := paramsOf(t, "self, value: int")
	require.Len(t, params, 1)
	assert.Equal(t, "value", params[0].Name)
}

func TestHumanizedLabels(t *testing.T) {
	params := paramsOf(t, "customer_email_address: str")
	require.Len(t, params, 1)
	assert.Equal(t, "Customer Email Address", params[0].Label)
}

// =============================================================================
// Diagnostics
// =============================================================================

func TestSyntaxErrorReported(t *testing.T) {
	res := Inspect("wf/broken.py", []byte("@workflow(\ndef greet(:\n"))
	assert.NotEmpty(t, res.Errors)
	for _, e := range res.Errors {
		assert.Greater(t, e.Line, 0)
		assert.NotEmpty(t, e.Message)
	}
}

func TestMissingSymbolWarning(t *testing.T) {
	res := Inspect("wf/warn.py", []byte(`@workflow(name="W")
def w():
    bifrost.log("hi")
    bifrost.teleport("nope")
`))
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "bifrost.teleport")
	assert.Equal(t, 4, res.Warnings[0].Line)
}

func TestMissingSymbolDeduplicated(t *testing.T) {
	res := Inspect("wf/warn.py", []byte(`@workflow(name="W")
def w():
    bifrost.teleport("a")
    bifrost.teleport("b")
`))
	assert.Len(t, res.Warnings, 1)
}

func TestDocstringFallbackDescription(t *testing.T) {
	meta := inspectOne(t, `@workflow(name="Doc")
def doc():
    """
    First meaningful line.

    More detail below.
    """
    pass
`)
	assert.Equal(t, "First meaningful line.", meta.Description)
}
