package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost/backend/internal/blobstore"
	"github.com/bifrost/backend/internal/bus"
	"github.com/bifrost/backend/internal/config"
	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/execctx"
	"github.com/bifrost/backend/internal/guard"
	"github.com/bifrost/backend/internal/infra"
	"github.com/bifrost/backend/internal/ingest"
	"github.com/bifrost/backend/internal/modcache"
	"github.com/bifrost/backend/internal/pool"
	"github.com/bifrost/backend/internal/reindex"
	"github.com/bifrost/backend/internal/textindex"
)

type env struct {
	server *Server
	router http.Handler
	store  *entity.MemoryStore
	blobs  *blobstore.Memory
	bus    *bus.MemoryBus
}

func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	adapter := infra.NewGoRedisAdapterFromClient(rdb)

	blobs := blobstore.NewMemory()
	texts := textindex.NewMemory()
	modules := modcache.NewCache()
	store := entity.NewMemoryStore()
	indexer := entity.NewIndexer(store, "default")
	g := guard.NewGuard(store)
	pipeline := ingest.NewPipeline(blobs, texts, modules, indexer, g)

	eventBus := bus.NewMemoryBus()
	contexts := execctx.NewStore(adapter)
	cfg := config.PoolConfig{
		MinWorkers:               2,
		MaxWorkers:               4,
		DefaultTimeoutSeconds:    30,
		GracefulShutdownSeconds:  1,
		HeartbeatIntervalSeconds: 1,
		RouteWaitSeconds:         1,
	}
	backend := pool.NewFakeBackend()
	backend.Behavior = pool.Echo
	manager := pool.NewManager(cfg, backend, contexts, eventBus, adapter, nil, nil)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	reindexer := reindex.New(blobs, texts, store, indexer)

	server := NewServer(pipeline, manager, reindexer, blobs, eventBus, nil, nil)
	return &env{
		server: server,
		router: server.Router(),
		store:  store,
		blobs:  blobs,
		bus:    eventBus,
	}
}

func (e *env) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestWriteReadDeleteFile(t *testing.T) {
	e := newEnv(t)

	source := "@workflow(name=\"Greet\")\ndef greet(name: str):\n    return name\n"
	rec := e.do(t, "PUT", "/api/v1/files/wf/hello.py", []byte(source))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result ingest.WriteResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "wf/hello.py", result.Path)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "greet", result.Entities[0].FunctionSymbol)

	rec = e.do(t, "GET", "/api/v1/files/wf/hello.py", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, source, rec.Body.String())

	rec = e.do(t, "DELETE", "/api/v1/files/wf/hello.py", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, "GET", "/api/v1/files/wf/hello.py", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidPathIs400(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "PUT", "/api/v1/files/wf/../etc/passwd", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlockedWriteIs409(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	rec := e.do(t, "PUT", "/api/v1/files/wf/hello.py",
		[]byte("@workflow(name=\"Greet\")\ndef greet(name: str):\n    return name\n"))
	require.Equal(t, http.StatusOK, rec.Code)

	active, err := e.store.ActiveByPath(ctx, "wf/hello.py")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NoError(t, e.store.UpsertForm(ctx, &entity.Form{
		ID: "f1", Name: "Greeting form", WorkflowRef: active[0].ID, IsActive: true,
	}))

	rec = e.do(t, "PUT", "/api/v1/files/wf/hello.py", []byte("x = 1\n"))
	require.Equal(t, http.StatusConflict, rec.Code)

	var blocked ingest.BlockedError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &blocked))
	require.Len(t, blocked.Pending, 1)
	assert.Equal(t, "greet", blocked.Pending[0].FunctionSymbol)

	rec = e.do(t, "PUT", "/api/v1/files/wf/hello.py?force=true", []byte("x = 1\n"))
	assert.Equal(t, http.StatusOK, rec.Code, "force pushes the write through")
}

func TestDispatchReturnsExecutionID(t *testing.T) {
	e := newEnv(t)

	body, _ := json.Marshal(DispatchRequest{WorkflowName: "Greet"})
	rec := e.do(t, "POST", "/api/v1/executions", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["execution_id"])
	assert.Equal(t, "dispatched", resp["status"])
}

func TestDispatchRequiresWorkflowName(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "POST", "/api/v1/executions", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelPublishesRequest(t *testing.T) {
	e := newEnv(t)

	got := make(chan bus.CancelRequest, 1)
	unsub, err := e.bus.Subscribe(context.Background(), bus.ChannelCancel, func(p []byte) {
		var req bus.CancelRequest
		if json.Unmarshal(p, &req) == nil {
			select {
			case got <- req:
			default:
			}
		}
	})
	require.NoError(t, err)
	defer unsub()

	rec := e.do(t, "POST", "/api/v1/executions/exec-42/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := <-got
	assert.Equal(t, "exec-42", req.ExecutionID)
}

func TestPoolStatusAndResize(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, "GET", "/api/v1/pool/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status pool.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.MinWorkers)
	assert.Len(t, status.Workers, 2)

	body, _ := json.Marshal(ResizeRequest{MinWorkers: 3, MaxWorkers: 6})
	rec = e.do(t, "POST", "/api/v1/pool/resize", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 3, status.MinWorkers)
	assert.Equal(t, 6, status.MaxWorkers)

	body, _ = json.Marshal(ResizeRequest{MinWorkers: 1, MaxWorkers: 6})
	rec = e.do(t, "POST", "/api/v1/pool/resize", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "min below 2 is rejected")
}

func TestReindexEndpoint(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, e.blobs.Put(context.Background(), blobstore.RepoKey("docs/readme.md"), []byte("hi"), "text/plain"))
	rec := e.do(t, "POST", "/api/v1/reindex", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report reindex.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.FilesIndexed)
}

func TestPresignUpload(t *testing.T) {
	e := newEnv(t)

	body, _ := json.Marshal(PresignRequest{FormID: "f1", Filename: "doc.pdf"})
	rec := e.do(t, "POST", "/api/v1/uploads/presign", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["upload_id"])
	assert.Contains(t, resp["key"], "uploads/f1/")
	assert.Contains(t, resp["url"], "memory://")
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}
