package reindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost/backend/internal/blobstore"
	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/modcache"
	"github.com/bifrost/backend/internal/textindex"
)

type fixture struct {
	reindexer *Reindexer
	blobs     *blobstore.Memory
	texts     *textindex.Memory
	store     *entity.MemoryStore
}

func newFixture() *fixture {
	blobs := blobstore.NewMemory()
	texts := textindex.NewMemory()
	store := entity.NewMemoryStore()
	indexer := entity.NewIndexer(store, "default")
	return &fixture{
		reindexer: New(blobs, texts, store, indexer),
		blobs:     blobs,
		texts:     texts,
		store:     store,
	}
}

const greetSource = `from bifrost import workflow

@workflow(name="Greet")
def greet(name: str):
    return name
`

func (f *fixture) putBlob(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, f.blobs.Put(context.Background(), blobstore.RepoKey(path), []byte(content), "text/plain"))
}

func (f *fixture) seedWorkflow(t *testing.T, path, symbol, name string) *entity.Entity {
	t.Helper()
	e, err := f.store.UpsertEntity(context.Background(), &entity.Entity{
		OrgID:          "default",
		Name:           name,
		FunctionSymbol: symbol,
		Path:           path,
		Kind:           "workflow",
		IsActive:       true,
		LastSeenAt:     time.Now(),
	})
	require.NoError(t, err)
	return e
}

func TestRepairsStaleTextRow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.putBlob(t, "docs/a.md", "new content")
	require.NoError(t, f.texts.Upsert(ctx, "docs/a.md", "old content", "stalehash", time.Now()))

	report, err := f.reindexer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesIndexed)

	row, err := f.texts.Get(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.Equal(t, "new content", row.Content)
	assert.Equal(t, modcache.HashBytes([]byte("new content")), row.ContentHash)
}

func TestCreatesMissingTextRow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.putBlob(t, "docs/b.md", "body")
	report, err := f.reindexer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesIndexed)

	_, err = f.texts.Get(ctx, "docs/b.md")
	assert.NoError(t, err)
}

func TestReingestsExecutableEntities(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.putBlob(t, "wf/hello.py", greetSource)
	_, err := f.reindexer.Run(ctx)
	require.NoError(t, err)

	active, err := f.store.ActiveByPath(ctx, "wf/hello.py")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "greet", active[0].FunctionSymbol)
	assert.Equal(t, "Greet", active[0].Name)
}

func TestReingestIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.putBlob(t, "wf/hello.py", greetSource)

	_, err := f.reindexer.Run(ctx)
	require.NoError(t, err)
	first, err := f.store.ActiveByPath(ctx, "wf/hello.py")
	require.NoError(t, err)

	_, err = f.reindexer.Run(ctx)
	require.NoError(t, err)
	second, err := f.store.ActiveByPath(ctx, "wf/hello.py")
	require.NoError(t, err)

	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID, "re-sweep must not mint new ids")
}

func TestDeactivatesEntitiesForMissingFiles(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	gone := f.seedWorkflow(t, "wf/gone.py", "gone", "Gone")
	f.putBlob(t, "wf/hello.py", greetSource)

	report, err := f.reindexer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesRemoved)
	assert.Equal(t, 1, report.WorkflowsDeactivated)

	e, err := f.store.GetEntity(ctx, gone.ID)
	require.NoError(t, err)
	assert.False(t, e.IsActive)
	assert.True(t, e.IsOrphaned)
}

func TestRepairsDanglingFormRefWithUniqueMatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	wf := f.seedWorkflow(t, "wf/hello.py", "greet", "Greet")
	f.putBlob(t, "wf/hello.py", greetSource)

	formPath := "forms/7be2f0a1-6f7c-4f40-9b1a-2c8d9e0f1a2b.form.yaml"
	f.putBlob(t, formPath, `id: 7be2f0a1-6f7c-4f40-9b1a-2c8d9e0f1a2b
name: Greeting form
workflow_id: 00000000-0000-0000-0000-00000000dead
linked_workflow: Greet
`)

	report, err := f.reindexer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.IDsCorrected)

	form, err := f.store.GetForm(ctx, "7be2f0a1-6f7c-4f40-9b1a-2c8d9e0f1a2b")
	require.NoError(t, err)
	assert.Equal(t, wf.ID, form.WorkflowRef, "unique name match auto-repairs the reference")
}

func TestAmbiguousDanglingRefBecomesError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.seedWorkflow(t, "wf/a.py", "greet_a", "Greet")
	f.seedWorkflow(t, "wf/b.py", "greet_b", "Greet")

	formPath := "forms/7be2f0a1-6f7c-4f40-9b1a-2c8d9e0f1a2b.form.yaml"
	f.putBlob(t, formPath, `id: 7be2f0a1-6f7c-4f40-9b1a-2c8d9e0f1a2b
name: Greeting form
workflow_id: 00000000-0000-0000-0000-00000000dead
linked_workflow: Greet
`)

	report, err := f.reindexer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.IDsCorrected)
	require.NotEmpty(t, report.Errors)

	found := false
	for _, re := range report.Errors {
		if re.Field == "workflow_id" && re.ReferencedID == "00000000-0000-0000-0000-00000000dead" {
			found = true
		}
	}
	assert.True(t, found, "ambiguous match must be reported, not guessed: %+v", report.Errors)
}

func TestSweepNeverAbortsOnBadArtifact(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.putBlob(t, "forms/not-a-uuid.form.yaml", "name: broken")
	f.putBlob(t, "wf/hello.py", greetSource)

	report, err := f.reindexer.Run(ctx)
	require.NoError(t, err, "one bad artifact must not abort the sweep")
	assert.Equal(t, 2, report.FilesIndexed)
	assert.NotEmpty(t, report.Errors)

	active, err := f.store.ActiveByPath(ctx, "wf/hello.py")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}
