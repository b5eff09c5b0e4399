// Package ingest is the file write pipeline: one entry point that routes
// an artifact by type to the blob store, the text index, the module
// cache and the entity tier, in a fixed order with known failure
// semantics. The caller sees either OK with diagnostics, a structured
// deactivation block, or an invalid-path rejection.
package ingest

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/bifrost/backend/internal/blobstore"
	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/guard"
	"github.com/bifrost/backend/internal/inspect"
	"github.com/bifrost/backend/internal/modcache"
	"github.com/bifrost/backend/internal/textindex"
)

// ArtifactKind routes a path to its write handling.
type ArtifactKind string

const (
	KindExecutable ArtifactKind = "executable"
	KindForm       ArtifactKind = "form"
	KindAgent      ArtifactKind = "agent"
	KindBlob       ArtifactKind = "blob"
)

const (
	formSuffix  = ".form.yaml"
	agentSuffix = ".agent.yaml"
)

// excludedSegments are path components the pipeline refuses outright:
// interpreter caches and editor metadata have no business in the repo.
var excludedSegments = map[string]bool{
	"__pycache__": true,
	".git":        true,
	".bifrost":    true,
	".DS_Store":   true,
}

var excludedSuffixes = []string{".pyc", ".pyo", ".swp"}

// InvalidError rejects a write before anything moves.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "invalid write: " + e.Reason }

// BlockedError is the structured 409: the write would deactivate
// still-referenced entities and the caller did not force through.
type BlockedError struct {
	Path         string                      `json:"path"`
	Pending      []guard.PendingDeactivation `json:"pending"`
	Replacements []guard.Replacement         `json:"replacements"`
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("write to %s blocked: %d entities pending deactivation", e.Path, len(e.Pending))
}

// Diagnostic is a non-fatal finding returned with an accepted write.
type Diagnostic struct {
	Severity string `json:"severity"` // error | warning
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Message  string `json:"message"`
}

// WriteRequest is one write call.
type WriteRequest struct {
	Path              string
	Bytes             []byte
	UpdatedBy         string
	ForceDeactivation bool
	// Replacements maps old entity id to new function symbol; applied
	// before the guard diff so renames preserve identity.
	Replacements map[string]string
}

// WriteResult reports an accepted write.
type WriteResult struct {
	Path        string          `json:"path"`
	ContentHash string          `json:"content_hash"`
	Kind        ArtifactKind    `json:"kind"`
	Entities    []entity.Entity `json:"entities,omitempty"`
	Diagnostics []Diagnostic    `json:"diagnostics,omitempty"`
	// ContentModified is set when ingest rewrote the body (id
	// injection); NewContent is what was actually persisted.
	ContentModified bool   `json:"content_modified,omitempty"`
	NewContent      []byte `json:"-"`
	Deactivated     int    `json:"deactivated,omitempty"`
}

// Pipeline wires the storage tiers behind the single write operation.
type Pipeline struct {
	blobs   blobstore.Store
	texts   textindex.Index
	modules *modcache.Cache
	indexer *entity.Indexer
	guard   *guard.Guard
	logger  *log.Logger
}

func NewPipeline(blobs blobstore.Store, texts textindex.Index, modules *modcache.Cache, indexer *entity.Indexer, g *guard.Guard) *Pipeline {
	return &Pipeline{
		blobs:   blobs,
		texts:   texts,
		modules: modules,
		indexer: indexer,
		guard:   g,
		logger:  log.New(log.Writer(), "[Ingest] ", log.LstdFlags),
	}
}

// Classify routes a path to its artifact kind.
func Classify(p string) ArtifactKind {
	base := path.Base(p)
	switch {
	case strings.HasSuffix(base, formSuffix):
		return KindForm
	case strings.HasSuffix(base, agentSuffix):
		return KindAgent
	case strings.HasSuffix(base, ".py"):
		return KindExecutable
	default:
		return KindBlob
	}
}

func validatePath(p string) error {
	if p == "" {
		return &InvalidError{Reason: "empty path"}
	}
	if strings.HasPrefix(p, "/") {
		return &InvalidError{Reason: "absolute paths are not allowed"}
	}
	clean := path.Clean(p)
	if clean != p || strings.Contains(p, "..") {
		return &InvalidError{Reason: "path must be clean and relative: " + p}
	}
	for _, seg := range strings.Split(p, "/") {
		if excludedSegments[seg] {
			return &InvalidError{Reason: "excluded path segment: " + seg}
		}
	}
	for _, suffix := range excludedSuffixes {
		if strings.HasSuffix(p, suffix) {
			return &InvalidError{Reason: "excluded file type: " + suffix}
		}
	}
	return nil
}

// Write runs the full pipeline. Step order is load-bearing:
//
//  1. path validation
//  2. pre-parse: executables are inspected, YAML artifacts validated
//     (malformed bodies and non-UUID filenames reject before anything
//     is stored)
//  3. deactivation guard, which blocks before anything is stored
//  4. blob put, the durability point
//  5. text index upsert
//  6. module cache set
//  7. entity ingest, store failures demoted to diagnostics
//  8. diagnostics assembly
//  9. forced deactivation of disappeared symbols
func (p *Pipeline) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := validatePath(req.Path); err != nil {
		return nil, err
	}

	kind := Classify(req.Path)
	now := time.Now().UTC()
	res := &WriteResult{Path: req.Path, Kind: kind}

	var inspection *inspect.Result
	var decision *guard.Decision
	switch kind {
	case KindExecutable:
		inspection = inspect.Inspect(req.Path, req.Bytes)

		symbols := make([]string, 0, len(inspection.Metadata))
		for _, m := range inspection.Metadata {
			symbols = append(symbols, m.FunctionSymbol)
		}
		var err error
		decision, err = p.guard.Check(ctx, req.Path, symbols, req.ForceDeactivation, req.Replacements)
		if err != nil {
			return nil, err
		}
		if decision.Blocked() {
			return nil, &BlockedError{
				Path:         req.Path,
				Pending:      decision.Pending,
				Replacements: decision.Replacements,
			}
		}
	case KindForm:
		if err := entity.ValidateForm(req.Path, req.Bytes); err != nil {
			return nil, &InvalidError{Reason: err.Error()}
		}
	case KindAgent:
		if err := entity.ValidateAgent(req.Path, req.Bytes); err != nil {
			return nil, &InvalidError{Reason: err.Error()}
		}
	}

	body := req.Bytes
	if err := p.persist(ctx, req.Path, body, now); err != nil {
		return nil, err
	}
	res.ContentHash = modcache.HashBytes(body)

	if kind == KindExecutable {
		p.modules.Set(req.Path, string(body), res.ContentHash)
	} else {
		p.modules.Invalidate(req.Path)
	}

	entities, ingestRes, ingestErr := p.ingestEntities(ctx, kind, req.Path, body, inspection, now)
	if ingestErr != nil {
		// The artifact is stored; indexing will be repaired by the
		// next write or the reindexer sweep.
		p.logger.Printf("Entity ingest failed for %s: %v", req.Path, ingestErr)
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Severity: "warning",
			Message:  fmt.Sprintf("artifact stored but not indexed: %v", ingestErr),
		})
	}
	res.Entities = entities

	if ingestRes != nil && ingestRes.ContentModified {
		body = ingestRes.NewContent
		if err := p.persist(ctx, req.Path, body, now); err != nil {
			return nil, err
		}
		res.ContentModified = true
		res.NewContent = body
		res.ContentHash = modcache.HashBytes(body)
	}
	if ingestRes != nil {
		for _, w := range ingestRes.Warnings {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Severity: "warning", Line: w.Line, Message: w.Message})
		}
	}

	if inspection != nil {
		for _, se := range inspection.Errors {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Severity: "error",
				Line:     se.Line,
				Column:   se.Column,
				Message:  se.Message,
			})
		}
		for _, w := range inspection.Warnings {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{Severity: "warning", Line: w.Line, Message: w.Message})
		}
	}

	if req.ForceDeactivation && decision != nil && len(decision.Removed) > 0 {
		symbols := make([]string, 0, len(decision.Removed))
		for _, e := range decision.Removed {
			symbols = append(symbols, e.FunctionSymbol)
		}
		n, err := p.indexer.DeactivatePathSymbols(ctx, req.Path, symbols, now)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Severity: "warning",
				Message:  fmt.Sprintf("deactivation incomplete: %v", err),
			})
		}
		res.Deactivated = n
	}

	return res, nil
}

// persist stores the bytes in the blob tier and the text tier. Blob
// failure aborts with nothing moved; a text failure after a successful
// put leaves the blob newer than the index, which the reindexer
// repairs on its next sweep.
func (p *Pipeline) persist(ctx context.Context, artifactPath string, body []byte, now time.Time) error {
	if err := p.blobs.Put(ctx, blobstore.RepoKey(artifactPath), body, contentTypeFor(artifactPath)); err != nil {
		return fmt.Errorf("blob put %s: %w", artifactPath, err)
	}
	content := strings.ToValidUTF8(string(body), "�")
	if err := p.texts.Upsert(ctx, artifactPath, content, modcache.HashBytes(body), now); err != nil {
		return fmt.Errorf("text index upsert %s: %w", artifactPath, err)
	}
	return nil
}

func (p *Pipeline) ingestEntities(ctx context.Context, kind ArtifactKind, artifactPath string, body []byte, inspection *inspect.Result, now time.Time) ([]entity.Entity, *entity.IngestResult, error) {
	switch kind {
	case KindExecutable:
		if inspection == nil || len(inspection.Metadata) == 0 {
			return nil, nil, nil
		}
		entities, err := p.indexer.IngestExecutable(ctx, artifactPath, inspection.Metadata, now)
		return entities, nil, err
	case KindForm:
		_, res, err := p.indexer.IngestForm(ctx, artifactPath, body, now)
		return nil, res, err
	case KindAgent:
		_, res, err := p.indexer.IngestAgent(ctx, artifactPath, body, now)
		return nil, res, err
	default:
		return nil, nil, nil
	}
}

// Read returns the stored bytes for an artifact path.
func (p *Pipeline) Read(ctx context.Context, artifactPath string) ([]byte, error) {
	return p.blobs.Get(ctx, blobstore.RepoKey(artifactPath))
}

// Delete removes an artifact from every tier. Entities are
// soft-deleted, not purged.
func (p *Pipeline) Delete(ctx context.Context, artifactPath string) error {
	if err := validatePath(artifactPath); err != nil {
		return err
	}
	if err := p.blobs.Delete(ctx, blobstore.RepoKey(artifactPath)); err != nil {
		return fmt.Errorf("blob delete %s: %w", artifactPath, err)
	}
	if err := p.texts.Delete(ctx, artifactPath); err != nil {
		return fmt.Errorf("text index delete %s: %w", artifactPath, err)
	}
	p.modules.Invalidate(artifactPath)
	if _, err := p.indexer.DeactivatePath(ctx, artifactPath, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate entities at %s: %w", artifactPath, err)
	}
	return nil
}

func contentTypeFor(p string) string {
	switch {
	case strings.HasSuffix(p, ".py"):
		return "text/x-python"
	case strings.HasSuffix(p, ".yaml"), strings.HasSuffix(p, ".yml"):
		return "application/yaml"
	case strings.HasSuffix(p, ".json"):
		return "application/json"
	case strings.HasSuffix(p, ".md"):
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}
