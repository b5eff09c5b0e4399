package entity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/bifrost/backend/internal/inspect"
)

const (
	formID  = "7be2f0a1-6f7c-4f40-9b1a-2c8d9e0f1a2b"
	agentID = "3c9a1d2e-8b4f-4c6a-9e0d-1f2a3b4c5d6e"
)

func seedEntity(t *testing.T, store *MemoryStore, path, symbol, name, kind string) *Entity {
	t.Helper()
	e, err := store.UpsertEntity(context.Background(), &Entity{
		OrgID:          "default",
		Name:           name,
		FunctionSymbol: symbol,
		Path:           path,
		Kind:           kind,
		IsActive:       true,
		LastSeenAt:     time.Now(),
	})
	require.NoError(t, err)
	return e
}

func TestIngestExecutablePreservesIdentity(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")
	ctx := context.Background()
	now := time.Now().UTC()

	meta := []inspect.EntityMetadata{{
		Kind:           inspect.KindWorkflow,
		Name:           "Greet",
		FunctionSymbol: "greet",
		TimeoutSeconds: 30,
	}}

	first, err := ix.IngestExecutable(ctx, "wf/hello.py", meta, now)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.NotEmpty(t, first[0].ID)
	assert.True(t, first[0].IsActive)

	meta[0].Name = "Greet Renamed"
	second, err := ix.IngestExecutable(ctx, "wf/hello.py", meta, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "same (path, symbol) keeps its id")
	assert.Equal(t, "Greet Renamed", second[0].Name, "decorator name always wins")
}

func TestIngestExecutableHonorsExplicitID(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")

	out, err := ix.IngestExecutable(context.Background(), "wf/pin.py", []inspect.EntityMetadata{{
		Kind:           inspect.KindWorkflow,
		Name:           "Pinned",
		FunctionSymbol: "pinned",
		ExplicitID:     "11111111-2222-3333-4444-555555555555",
	}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", out[0].ID)
}

func TestDeactivatePathSymbols(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")
	ctx := context.Background()

	seedEntity(t, store, "wf/two.py", "alpha", "Alpha", "workflow")
	seedEntity(t, store, "wf/two.py", "beta", "Beta", "workflow")

	n, err := ix.DeactivatePathSymbols(ctx, "wf/two.py", []string{"alpha"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := store.ActiveByPath(ctx, "wf/two.py")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "beta", active[0].FunctionSymbol)
}

// =============================================================================
// Forms
// =============================================================================

func formPath() string { return "forms/" + formID + ".form.yaml" }

func TestIngestFormInjectsFilenameID(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")

	form, res, err := ix.IngestForm(context.Background(), formPath(),
		[]byte("name: Intake\ndescription: New customer intake\n"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, formID, form.ID)
	assert.True(t, res.ContentModified)
	require.NotEmpty(t, res.NewContent)

	var body map[string]interface{}
	require.NoError(t, yaml.Unmarshal(res.NewContent, &body))
	assert.Equal(t, formID, body["id"], "rewritten bytes carry the id")
	assert.Equal(t, "default", form.OrganizationID)
}

func TestIngestFormIDMismatchRejected(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")

	_, _, err := ix.IngestForm(context.Background(), formPath(),
		[]byte("id: 99999999-9999-9999-9999-999999999999\nname: Intake\n"), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match filename")
}

func TestIngestFormBadFilename(t *testing.T) {
	ix := NewIndexer(NewMemoryStore(), "default")
	_, _, err := ix.IngestForm(context.Background(), "forms/not-a-uuid.form.yaml", []byte("name: X"), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a UUID")
}

func TestIngestFormResolvesLinkedWorkflow(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")
	wf := seedEntity(t, store, "wf/hello.py", "greet", "Greet", "workflow")

	form, res, err := ix.IngestForm(context.Background(), formPath(),
		[]byte("id: "+formID+"\nname: Intake\nlinked_workflow: Greet\n"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, wf.ID, form.WorkflowRef)
	assert.Empty(t, res.Warnings)
}

func TestIngestFormClearsUnresolvableLink(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")

	form, res, err := ix.IngestForm(context.Background(), formPath(),
		[]byte("id: "+formID+"\nname: Intake\nlinked_workflow: Nobody\n"), time.Now())
	require.NoError(t, err, "missing link must not fail the write")
	assert.Empty(t, form.WorkflowRef)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "Nobody")
}

func TestIngestFormDropsUnknownDataProvider(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")
	dp := seedEntity(t, store, "wf/dp.py", "countries", "Countries", "data_provider")

	src := "id: " + formID + "\nname: Intake\nfields:\n" +
		"  - name: country\n    data_provider_id: " + dp.ID + "\n" +
		"  - name: region\n    data_provider_id: 00000000-0000-0000-0000-00000000dead\n"
	form, res, err := ix.IngestForm(context.Background(), formPath(), []byte(src), time.Now())
	require.NoError(t, err)
	require.Len(t, form.Fields, 2)
	assert.Equal(t, dp.ID, form.Fields[0].DataProviderRef, "known reference kept")
	assert.Empty(t, form.Fields[1].DataProviderRef, "unknown reference dropped")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "region")
}

func TestIngestFormIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")
	ctx := context.Background()
	src := []byte("id: " + formID + "\nname: Intake\n")

	_, res1, err := ix.IngestForm(ctx, formPath(), src, time.Now())
	require.NoError(t, err)
	assert.False(t, res1.ContentModified, "body already carries the id")

	_, _, err = ix.IngestForm(ctx, formPath(), src, time.Now())
	require.NoError(t, err)

	forms, err := store.ListForms(ctx)
	require.NoError(t, err)
	assert.Len(t, forms, 1)
}

// =============================================================================
// Agents
// =============================================================================

func agentPath() string { return "agents/" + agentID + ".agent.yaml" }

func TestIngestAgentVerifiesReferences(t *testing.T) {
	store := NewMemoryStore()
	ix := NewIndexer(store, "default")
	ctx := context.Background()

	tool := seedEntity(t, store, "wf/tool.py", "lookup", "Lookup", "tool")
	other := &Agent{ID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", Name: "Helper", IsActive: true}
	require.NoError(t, store.UpsertAgent(ctx, other))

	src := "id: " + agentID + "\nname: Router\ntools:\n  - " + tool.ID +
		"\n  - 00000000-0000-0000-0000-00000000dead\ndelegated_agents:\n  - " + other.ID + "\n"
	agent, res, err := ix.IngestAgent(ctx, agentPath(), []byte(src), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{tool.ID}, agent.ToolRefs, "unknown tool dropped")
	assert.Equal(t, []string{other.ID}, agent.DelegatedAgentRefs)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "00000000-0000-0000-0000-00000000dead")
}

func TestIngestAgentInjectsFilenameID(t *testing.T) {
	ix := NewIndexer(NewMemoryStore(), "default")

	agent, res, err := ix.IngestAgent(context.Background(), agentPath(),
		[]byte("name: Router\nsystem_prompt: Route the request.\n"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, agentID, agent.ID)
	assert.True(t, res.ContentModified)
	assert.True(t, strings.Contains(string(res.NewContent), agentID))
}
