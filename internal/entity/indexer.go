package entity

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/bifrost/backend/internal/inspect"
)

// Indexer upserts parsed artifacts into the entity tier. One indexer per
// organization scope.
type Indexer struct {
	store  Store
	orgID  string
	logger *log.Logger
}

func NewIndexer(store Store, orgID string) *Indexer {
	if orgID == "" {
		orgID = "default"
	}
	return &Indexer{
		store:  store,
		orgID:  orgID,
		logger: log.New(log.Writer(), "[Indexer] ", log.LstdFlags),
	}
}

func (ix *Indexer) OrgID() string { return ix.orgID }

// IngestExecutable upserts every entity a parsed artifact declares.
// Identity key (path, function_symbol) preserves ids across re-ingests;
// the decorator's name= always overwrites the display name.
func (ix *Indexer) IngestExecutable(ctx context.Context, artifactPath string, metas []inspect.EntityMetadata, now time.Time) ([]Entity, error) {
	out := make([]Entity, 0, len(metas))
	for _, meta := range metas {
		e := &Entity{
			ID:               meta.ExplicitID,
			OrgID:            ix.orgID,
			Name:             meta.Name,
			FunctionSymbol:   meta.FunctionSymbol,
			Path:             artifactPath,
			Kind:             string(meta.Kind),
			Description:      meta.Description,
			Category:         meta.Category,
			Tags:             meta.Tags,
			ParametersSchema: meta.Parameters,
			EndpointEnabled:  meta.EndpointEnabled,
			AllowedMethods:   meta.AllowedMethods,
			ExecutionMode:    meta.ExecutionMode,
			IsTool:           meta.IsTool,
			ToolDescription:  meta.ToolDescription,
			TimeoutSeconds:   meta.TimeoutSeconds,
			TimeSaved:        meta.TimeSaved,
			Value:            meta.Value,
			CacheTTLSeconds:  meta.CacheTTLSeconds,
			IsActive:         true,
			LastSeenAt:       now,
		}
		stored, err := ix.store.UpsertEntity(ctx, e)
		if err != nil {
			return out, err
		}
		out = append(out, *stored)
	}
	return out, nil
}

// DeactivatePath soft-deletes every entity the artifact declared.
func (ix *Indexer) DeactivatePath(ctx context.Context, artifactPath string, now time.Time) (int, error) {
	n, err := ix.store.DeactivateByPath(ctx, artifactPath, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		ix.logger.Printf("Deactivated %d entities at %s", n, artifactPath)
	}
	return n, nil
}

// DeactivatePathSymbols soft-deletes exactly the named symbols at the
// artifact path. Used for forced deactivation, where only the symbols
// that disappeared from the file go inactive.
func (ix *Indexer) DeactivatePathSymbols(ctx context.Context, artifactPath string, symbols []string, now time.Time) (int, error) {
	if len(symbols) == 0 {
		return 0, nil
	}
	n, err := ix.store.DeactivateSymbols(ctx, artifactPath, symbols, now)
	if err != nil {
		return 0, err
	}
	ix.logger.Printf("Deactivated %d of %d symbols at %s", n, len(symbols), artifactPath)
	return n, nil
}

// =============================================================================
// YAML-backed entities
// =============================================================================

// formBody is the on-disk YAML shape of a form artifact.
type formBody struct {
	ID                string      `yaml:"id,omitempty"`
	Name              string      `yaml:"name"`
	Description       string      `yaml:"description,omitempty"`
	WorkflowID        string      `yaml:"workflow_id,omitempty"`
	LinkedWorkflow    string      `yaml:"linked_workflow,omitempty"`
	LaunchWorkflowID  string      `yaml:"launch_workflow_id,omitempty"`
	Fields            []FormField `yaml:"fields,omitempty"`
	OrganizationID    string      `yaml:"organization_id,omitempty"`
}

// agentBody is the on-disk YAML shape of an agent artifact.
type agentBody struct {
	ID              string   `yaml:"id,omitempty"`
	Name            string   `yaml:"name"`
	SystemPrompt    string   `yaml:"system_prompt,omitempty"`
	Tools           []string `yaml:"tools,omitempty"`
	DelegatedAgents []string `yaml:"delegated_agents,omitempty"`
	Channels        []string `yaml:"channels,omitempty"`
	OrganizationID  string   `yaml:"organization_id,omitempty"`
}

// IngestResult reports a YAML ingest. When the body lacked an id, the
// indexer injects the filename UUID and returns the rewritten bytes with
// ContentModified=true so the caller re-persists them.
type IngestResult struct {
	ContentModified bool
	NewContent      []byte
	Warnings        []inspect.Warning
}

// fileUUID extracts the UUID embedded in forms/<uuid>.form.yaml and
// agents/<uuid>.agent.yaml filenames.
func fileUUID(artifactPath, suffix string) (string, error) {
	base := path.Base(artifactPath)
	if !strings.HasSuffix(base, suffix) {
		return "", fmt.Errorf("path %s does not end in %s", artifactPath, suffix)
	}
	raw := strings.TrimSuffix(base, suffix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("filename %s is not a UUID: %w", raw, err)
	}
	return id.String(), nil
}

// ValidateForm checks a form artifact's filename UUID and YAML shape
// without touching the store. The write path runs this before anything
// is persisted so malformed artifacts never reach the blob tier.
func ValidateForm(artifactPath string, data []byte) error {
	id, err := fileUUID(artifactPath, ".form.yaml")
	if err != nil {
		return err
	}
	var body formBody
	if err := yaml.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("malformed form YAML: %w", err)
	}
	if body.ID != "" && body.ID != id {
		return fmt.Errorf("form id %s does not match filename %s", body.ID, id)
	}
	return nil
}

// ValidateAgent is the agent counterpart of ValidateForm.
func ValidateAgent(artifactPath string, data []byte) error {
	id, err := fileUUID(artifactPath, ".agent.yaml")
	if err != nil {
		return err
	}
	var body agentBody
	if err := yaml.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("malformed agent YAML: %w", err)
	}
	if body.ID != "" && body.ID != id {
		return fmt.Errorf("agent id %s does not match filename %s", body.ID, id)
	}
	return nil
}

// IngestForm parses and upserts a form artifact.
func (ix *Indexer) IngestForm(ctx context.Context, artifactPath string, data []byte, now time.Time) (*Form, *IngestResult, error) {
	id, err := fileUUID(artifactPath, ".form.yaml")
	if err != nil {
		return nil, nil, err
	}

	var body formBody
	if err := yaml.Unmarshal(data, &body); err != nil {
		return nil, nil, fmt.Errorf("malformed form YAML: %w", err)
	}

	res := &IngestResult{}
	if body.ID == "" {
		// Inject the filename UUID so subsequent ingests find and
		// reuse it.
		body.ID = id
		rewritten, err := yaml.Marshal(&body)
		if err != nil {
			return nil, nil, fmt.Errorf("rewrite form YAML: %w", err)
		}
		res.ContentModified = true
		res.NewContent = rewritten
	} else if body.ID != id {
		return nil, nil, fmt.Errorf("form id %s does not match filename %s", body.ID, id)
	}

	form := &Form{
		ID:                id,
		Name:              body.Name,
		Description:       body.Description,
		WorkflowRef:       body.WorkflowID,
		LaunchWorkflowRef: body.LaunchWorkflowID,
		Fields:            body.Fields,
		OrganizationID:    body.OrganizationID,
		Path:              artifactPath,
		IsActive:          true,
	}
	if form.OrganizationID == "" {
		form.OrganizationID = ix.orgID
	}

	// linked_workflow names the main workflow instead of pinning its
	// id. Resolve to the current active workflow; no match clears the
	// reference rather than failing the write. The reindexer repairs
	// dangling links later.
	if form.WorkflowRef == "" && body.LinkedWorkflow != "" {
		wf, err := ix.store.FindActiveWorkflowByName(ctx, form.OrganizationID, body.LinkedWorkflow)
		if err == nil {
			form.WorkflowRef = wf.ID
		} else {
			res.Warnings = append(res.Warnings, inspect.Warning{
				Message: fmt.Sprintf("form %s: no active workflow named %q; reference cleared", id, body.LinkedWorkflow),
			})
		}
	}

	// Field data providers reference entities by id; unknown ids are
	// dropped, not fatal.
	for i, field := range form.Fields {
		if field.DataProviderRef == "" {
			continue
		}
		ok, err := ix.store.EntityExists(ctx, field.DataProviderRef)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			ix.logger.Printf("Form %s field %s references unknown data provider %s; dropping", id, field.Name, field.DataProviderRef)
			res.Warnings = append(res.Warnings, inspect.Warning{
				Message: fmt.Sprintf("form field %s: unknown data provider %s dropped", field.Name, field.DataProviderRef),
			})
			form.Fields[i].DataProviderRef = ""
		}
	}

	if err := ix.store.UpsertForm(ctx, form); err != nil {
		return nil, nil, err
	}
	return form, res, nil
}

// IngestAgent parses and upserts an agent artifact. Tool and delegate
// lists are UUIDs; unknown references are silently dropped with a
// logged warning.
func (ix *Indexer) IngestAgent(ctx context.Context, artifactPath string, data []byte, now time.Time) (*Agent, *IngestResult, error) {
	id, err := fileUUID(artifactPath, ".agent.yaml")
	if err != nil {
		return nil, nil, err
	}

	var body agentBody
	if err := yaml.Unmarshal(data, &body); err != nil {
		return nil, nil, fmt.Errorf("malformed agent YAML: %w", err)
	}

	res := &IngestResult{}
	if body.ID == "" {
		body.ID = id
		rewritten, err := yaml.Marshal(&body)
		if err != nil {
			return nil, nil, fmt.Errorf("rewrite agent YAML: %w", err)
		}
		res.ContentModified = true
		res.NewContent = rewritten
	} else if body.ID != id {
		return nil, nil, fmt.Errorf("agent id %s does not match filename %s", body.ID, id)
	}

	agent := &Agent{
		ID:             id,
		Name:           body.Name,
		SystemPrompt:   body.SystemPrompt,
		Channels:       body.Channels,
		OrganizationID: body.OrganizationID,
		Path:           artifactPath,
		IsActive:       true,
	}
	if agent.OrganizationID == "" {
		agent.OrganizationID = ix.orgID
	}

	verify := func(kind string, refs []string) []string {
		kept := refs[:0]
		for _, ref := range refs {
			exists := false
			if kind == "agent" {
				_, err := ix.store.GetAgent(ctx, ref)
				exists = err == nil
			} else {
				exists, _ = ix.store.EntityExists(ctx, ref)
			}
			if !exists {
				ix.logger.Printf("Agent %s references unknown %s %s; dropping", id, kind, ref)
				res.Warnings = append(res.Warnings, inspect.Warning{
					Message: fmt.Sprintf("agent %s: unknown %s reference %s dropped", id, kind, ref),
				})
				continue
			}
			kept = append(kept, ref)
		}
		return kept
	}
	agent.ToolRefs = verify("workflow", body.Tools)
	agent.DelegatedAgentRefs = verify("agent", body.DelegatedAgents)

	if err := ix.store.UpsertAgent(ctx, agent); err != nil {
		return nil, nil, err
	}
	return agent, res, nil
}
