// Package reindex sweeps the storage tiers back into agreement: blob
// store and text index hashes, entity rows for every executable, and
// cross-references between forms, agents and workflows. It never aborts
// on a single bad artifact; problems land in the report.
package reindex

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/bifrost/backend/internal/blobstore"
	"github.com/bifrost/backend/internal/entity"
	"github.com/bifrost/backend/internal/ingest"
	"github.com/bifrost/backend/internal/inspect"
	"github.com/bifrost/backend/internal/modcache"
	"github.com/bifrost/backend/internal/textindex"
)

// ReindexError is one unrepairable finding for operator review.
type ReindexError struct {
	Path         string `json:"path"`
	Field        string `json:"field"`
	ReferencedID string `json:"referenced_id,omitempty"`
	Message      string `json:"message"`
}

// Report summarizes one sweep.
type Report struct {
	FilesIndexed         int            `json:"files_indexed"`
	FilesRemoved         int            `json:"files_removed"`
	WorkflowsDeactivated int            `json:"workflows_deactivated"`
	IDsCorrected         int            `json:"ids_corrected"`
	Errors               []ReindexError `json:"errors,omitempty"`
}

// Reindexer walks the blob store and repairs the downstream tiers.
type Reindexer struct {
	blobs   blobstore.Store
	texts   textindex.Index
	store   entity.Store
	indexer *entity.Indexer
	logger  *log.Logger
}

func New(blobs blobstore.Store, texts textindex.Index, store entity.Store, indexer *entity.Indexer) *Reindexer {
	return &Reindexer{
		blobs:   blobs,
		texts:   texts,
		store:   store,
		indexer: indexer,
		logger:  log.New(log.Writer(), "[Reindex] ", log.LstdFlags),
	}
}

// refBody is the slice of form/agent YAML the reindexer cares about.
type refBody struct {
	ID               string `yaml:"id"`
	WorkflowID       string `yaml:"workflow_id"`
	LinkedWorkflow   string `yaml:"linked_workflow"`
	LaunchWorkflowID string `yaml:"launch_workflow_id"`
}

// Run performs one full sweep.
func (r *Reindexer) Run(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := time.Now().UTC()

	keys, err := r.blobs.List(ctx, blobstore.RepoPrefix)
	if err != nil {
		return nil, fmt.Errorf("list repo blobs: %w", err)
	}

	present := make(map[string]bool, len(keys))
	for _, key := range keys {
		path := strings.TrimPrefix(key, blobstore.RepoPrefix)
		present[path] = true

		data, err := r.blobs.Get(ctx, key)
		if err != nil {
			report.Errors = append(report.Errors, ReindexError{
				Path: path, Field: "blob", Message: fmt.Sprintf("unreadable blob: %v", err),
			})
			continue
		}
		r.repairTextRow(ctx, path, data, now, report)
		r.reingest(ctx, path, data, now, report)
		report.FilesIndexed++
	}

	r.deactivateMissing(ctx, present, now, report)

	r.logger.Printf("Sweep done: indexed=%d removed=%d deactivated=%d corrected=%d errors=%d",
		report.FilesIndexed, report.FilesRemoved, report.WorkflowsDeactivated, report.IDsCorrected, len(report.Errors))
	return report, nil
}

// repairTextRow brings the text index row in line with the blob bytes.
func (r *Reindexer) repairTextRow(ctx context.Context, path string, data []byte, now time.Time, report *Report) {
	hash := modcache.HashBytes(data)
	row, err := r.texts.Get(ctx, path)
	if err == nil && row.ContentHash == hash {
		return
	}
	content := strings.ToValidUTF8(string(data), "�")
	if err := r.texts.Upsert(ctx, path, content, hash, now); err != nil {
		report.Errors = append(report.Errors, ReindexError{
			Path: path, Field: "text_index", Message: fmt.Sprintf("upsert failed: %v", err),
		})
	}
}

func (r *Reindexer) reingest(ctx context.Context, path string, data []byte, now time.Time, report *Report) {
	switch ingest.Classify(path) {
	case ingest.KindExecutable:
		res := inspect.Inspect(path, data)
		if len(res.Metadata) == 0 {
			return
		}
		if _, err := r.indexer.IngestExecutable(ctx, path, res.Metadata, now); err != nil {
			report.Errors = append(report.Errors, ReindexError{
				Path: path, Field: "entities", Message: fmt.Sprintf("ingest failed: %v", err),
			})
		}
	case ingest.KindForm:
		r.repairForm(ctx, path, data, now, report)
	case ingest.KindAgent:
		r.repairAgent(ctx, path, data, now, report)
	}
}

// repairForm re-ingests the form and then repairs dangling workflow
// references. Only a unique name match auto-repairs; anything
// ambiguous is reported instead of guessed.
func (r *Reindexer) repairForm(ctx context.Context, path string, data []byte, now time.Time, report *Report) {
	var body refBody
	if err := yaml.Unmarshal(data, &body); err != nil {
		report.Errors = append(report.Errors, ReindexError{
			Path: path, Field: "yaml", Message: fmt.Sprintf("malformed form: %v", err),
		})
		return
	}

	form, _, err := r.indexer.IngestForm(ctx, path, data, now)
	if err != nil {
		report.Errors = append(report.Errors, ReindexError{
			Path: path, Field: "form", Message: fmt.Sprintf("ingest failed: %v", err),
		})
		return
	}

	changed := false
	if form.WorkflowRef != "" {
		ok, err := r.store.EntityExists(ctx, form.WorkflowRef)
		if err == nil && !ok {
			if id, found := r.uniqueWorkflowID(ctx, form.OrganizationID, body.LinkedWorkflow); found {
				form.WorkflowRef = id
				changed = true
				report.IDsCorrected++
			} else {
				report.Errors = append(report.Errors, ReindexError{
					Path: path, Field: "workflow_id", ReferencedID: form.WorkflowRef,
					Message: "dangling workflow reference with no unique name match",
				})
			}
		}
	}
	if form.LaunchWorkflowRef != "" {
		ok, err := r.store.EntityExists(ctx, form.LaunchWorkflowRef)
		if err == nil && !ok {
			report.Errors = append(report.Errors, ReindexError{
				Path: path, Field: "launch_workflow_id", ReferencedID: form.LaunchWorkflowRef,
				Message: "dangling launch workflow reference",
			})
		}
	}
	for _, field := range form.Fields {
		if field.DataProviderRef == "" {
			continue
		}
		ok, err := r.store.EntityExists(ctx, field.DataProviderRef)
		if err == nil && !ok {
			report.Errors = append(report.Errors, ReindexError{
				Path: path, Field: "fields." + field.Name + ".data_provider_id",
				ReferencedID: field.DataProviderRef,
				Message:      "dangling data provider reference",
			})
		}
	}
	if changed {
		if err := r.store.UpsertForm(ctx, form); err != nil {
			report.Errors = append(report.Errors, ReindexError{
				Path: path, Field: "form", Message: fmt.Sprintf("persist repair failed: %v", err),
			})
		}
	}
}

func (r *Reindexer) repairAgent(ctx context.Context, path string, data []byte, now time.Time, report *Report) {
	_, res, err := r.indexer.IngestAgent(ctx, path, data, now)
	if err != nil {
		report.Errors = append(report.Errors, ReindexError{
			Path: path, Field: "agent", Message: fmt.Sprintf("ingest failed: %v", err),
		})
		return
	}
	// Ingest drops unknown tool and delegate references; surface each
	// drop for operator review.
	for _, w := range res.Warnings {
		report.Errors = append(report.Errors, ReindexError{
			Path: path, Field: "refs", Message: w.Message,
		})
	}
}

// uniqueWorkflowID resolves a workflow name only when exactly one
// active workflow carries it.
func (r *Reindexer) uniqueWorkflowID(ctx context.Context, orgID, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return "", false
	}
	var matches []string
	for _, e := range active {
		if e.OrgID != orgID || e.Kind != "workflow" {
			continue
		}
		if e.Name == name || e.FunctionSymbol == name {
			matches = append(matches, e.ID)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

// deactivateMissing marks entities whose artifact disappeared from the
// blob store.
func (r *Reindexer) deactivateMissing(ctx context.Context, present map[string]bool, now time.Time, report *Report) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		report.Errors = append(report.Errors, ReindexError{
			Field: "entities", Message: fmt.Sprintf("list active failed: %v", err),
		})
		return
	}
	missing := make(map[string]bool)
	for _, e := range active {
		if !present[e.Path] {
			missing[e.Path] = true
		}
	}
	for path := range missing {
		n, err := r.store.DeactivateByPath(ctx, path, now)
		if err != nil {
			report.Errors = append(report.Errors, ReindexError{
				Path: path, Field: "entities", Message: fmt.Sprintf("deactivate failed: %v", err),
			})
			continue
		}
		report.FilesRemoved++
		report.WorkflowsDeactivated += n
	}
}
