package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore is the durable entity table.
//
// Schema (migrations live with the deployment):
//
//	entities(id UUID PK, org_id, name, function_symbol, path, kind,
//	         description, category, tags JSONB, parameters_schema JSONB,
//	         endpoint_enabled, allowed_methods JSONB, execution_mode,
//	         is_tool, tool_description, timeout_seconds, time_saved,
//	         value, cache_ttl_seconds, is_active, is_orphaned,
//	         last_seen_at,
//	         UNIQUE (path, function_symbol))
//	  plus indexes on (name) and (is_active)
//	executions(id, entity_id, started_at)
//	forms(id UUID PK, name, description, workflow_ref,
//	      launch_workflow_ref, fields JSONB, organization_id, path,
//	      is_active)
//	agents(id UUID PK, name, system_prompt, tool_refs JSONB,
//	       delegated_agent_refs JSONB, channels JSONB, organization_id,
//	       path, is_active)
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entityColumns = `id, org_id, name, function_symbol, path, kind,
	description, category, tags, parameters_schema, endpoint_enabled,
	allowed_methods, execution_mode, is_tool, tool_description,
	timeout_seconds, time_saved, value, cache_ttl_seconds, is_active,
	is_orphaned, last_seen_at`

func (s *PostgresStore) UpsertEntity(ctx context.Context, e *Entity) (*Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	tags, _ := json.Marshal(e.Tags)
	schema, _ := json.Marshal(e.ParametersSchema)
	methods, _ := json.Marshal(e.AllowedMethods)

	// Conflict on the identity key serializes concurrent ingests of the
	// same artifact and preserves the stored id (I5).
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (path, function_symbol) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			parameters_schema = EXCLUDED.parameters_schema,
			endpoint_enabled = EXCLUDED.endpoint_enabled,
			allowed_methods = EXCLUDED.allowed_methods,
			execution_mode = EXCLUDED.execution_mode,
			is_tool = EXCLUDED.is_tool,
			tool_description = EXCLUDED.tool_description,
			timeout_seconds = EXCLUDED.timeout_seconds,
			time_saved = EXCLUDED.time_saved,
			value = EXCLUDED.value,
			cache_ttl_seconds = EXCLUDED.cache_ttl_seconds,
			is_active = EXCLUDED.is_active,
			is_orphaned = EXCLUDED.is_orphaned,
			last_seen_at = GREATEST(entities.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING id`,
		e.ID, e.OrgID, e.Name, e.FunctionSymbol, e.Path, e.Kind,
		e.Description, e.Category, tags, schema, e.EndpointEnabled,
		methods, e.ExecutionMode, e.IsTool, e.ToolDescription,
		e.TimeoutSeconds, e.TimeSaved, e.Value, e.CacheTTLSeconds,
		e.IsActive, e.IsOrphaned, e.LastSeenAt)

	var id string
	if err := row.Scan(&id); err != nil {
		return nil, fmt.Errorf("upsert entity %s/%s: %w", e.Path, e.FunctionSymbol, err)
	}
	stored := *e
	stored.ID = id
	return &stored, nil
}

func scanEntity(row interface{ Scan(...interface{}) error }) (*Entity, error) {
	var e Entity
	var tags, schema, methods []byte
	err := row.Scan(&e.ID, &e.OrgID, &e.Name, &e.FunctionSymbol, &e.Path,
		&e.Kind, &e.Description, &e.Category, &tags, &schema,
		&e.EndpointEnabled, &methods, &e.ExecutionMode, &e.IsTool,
		&e.ToolDescription, &e.TimeoutSeconds, &e.TimeSaved, &e.Value,
		&e.CacheTTLSeconds, &e.IsActive, &e.IsOrphaned, &e.LastSeenAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal(tags, &e.Tags)
	json.Unmarshal(schema, &e.ParametersSchema)
	json.Unmarshal(methods, &e.AllowedMethods)
	return &e, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) EntityExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM entities WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) queryEntities(ctx context.Context, query string, args ...interface{}) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveByPath(ctx context.Context, path string) ([]Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE path = $1 AND is_active`, path)
}

func (s *PostgresStore) FindActiveWorkflowByName(ctx context.Context, orgID, name string) (*Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE org_id = $1 AND is_active AND (name = $2 OR function_symbol = $2)
		ORDER BY last_seen_at DESC LIMIT 1`, orgID, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("find workflow %s: %w", name, err)
	}
	return e, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Entity, error) {
	return s.queryEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE is_active`)
}

func (s *PostgresStore) DeactivateByPath(ctx context.Context, path string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET is_active = false, is_orphaned = true
		WHERE path = $1 AND is_active`, path)
	if err != nil {
		return 0, fmt.Errorf("deactivate path %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) DeactivateSymbols(ctx context.Context, path string, symbols []string, now time.Time) (int, error) {
	if len(symbols) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET is_active = false, is_orphaned = true
		WHERE path = $1 AND is_active AND function_symbol = ANY($2)`,
		path, pq.Array(symbols))
	if err != nil {
		return 0, fmt.Errorf("deactivate symbols at %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) UpdateFunctionSymbol(ctx context.Context, id, newSymbol string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET function_symbol = $2 WHERE id = $1`, id, newSymbol)
	if err != nil {
		return fmt.Errorf("rename entity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ExecutionHistory(ctx context.Context, entityID string) (bool, *time.Time, error) {
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(started_at) FROM executions WHERE entity_id = $1`, entityID).Scan(&last)
	if err != nil {
		return false, nil, fmt.Errorf("execution history %s: %w", entityID, err)
	}
	if !last.Valid {
		return false, nil, nil
	}
	t := last.Time
	return true, &t, nil
}

func (s *PostgresStore) RecordExecution(ctx context.Context, entityID, executionID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, entity_id, started_at)
		VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		executionID, entityID, startedAt)
	return err
}

func (s *PostgresStore) Referents(ctx context.Context, workflowID string) ([]Referent, error) {
	var out []Referent

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, workflow_ref, launch_workflow_ref, fields
		FROM forms
		WHERE is_active AND (workflow_ref = $1 OR launch_workflow_ref = $1
		   OR fields @> jsonb_build_array(jsonb_build_object('data_provider_ref', $1::text)))`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("form referents of %s: %w", workflowID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, name string
		var main, launch sql.NullString
		var fields []byte
		if err := rows.Scan(&id, &name, &main, &launch, &fields); err != nil {
			return nil, err
		}
		if main.Valid && main.String == workflowID {
			out = append(out, Referent{EntityType: "form", ID: id, Name: name, Relation: "main"})
		}
		if launch.Valid && launch.String == workflowID {
			out = append(out, Referent{EntityType: "form", ID: id, Name: name, Relation: "launch"})
		}
		var ff []FormField
		json.Unmarshal(fields, &ff)
		for _, f := range ff {
			if f.DataProviderRef == workflowID {
				out = append(out, Referent{EntityType: "form", ID: id, Name: name, Relation: "data_provider"})
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	agentRows, err := s.db.QueryContext(ctx, `
		SELECT id, name FROM agents
		WHERE is_active AND tool_refs @> jsonb_build_array($1::text)`,
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("agent referents of %s: %w", workflowID, err)
	}
	defer agentRows.Close()
	for agentRows.Next() {
		var id, name string
		if err := agentRows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, Referent{EntityType: "agent", ID: id, Name: name, Relation: "tool"})
	}
	return out, agentRows.Err()
}

func (s *PostgresStore) UpsertForm(ctx context.Context, f *Form) error {
	fields, _ := json.Marshal(f.Fields)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forms (id, name, description, workflow_ref, launch_workflow_ref,
		                   fields, organization_id, path, is_active)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			workflow_ref = EXCLUDED.workflow_ref,
			launch_workflow_ref = EXCLUDED.launch_workflow_ref,
			fields = EXCLUDED.fields,
			organization_id = EXCLUDED.organization_id,
			path = EXCLUDED.path,
			is_active = EXCLUDED.is_active`,
		f.ID, f.Name, f.Description, f.WorkflowRef, f.LaunchWorkflowRef,
		fields, f.OrganizationID, f.Path, f.IsActive)
	if err != nil {
		return fmt.Errorf("upsert form %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetForm(ctx context.Context, id string) (*Form, error) {
	var f Form
	var main, launch sql.NullString
	var fields []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, workflow_ref, launch_workflow_ref,
		       fields, organization_id, path, is_active
		FROM forms WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.Description, &main, &launch, &fields,
			&f.OrganizationID, &f.Path, &f.IsActive)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: form %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get form %s: %w", id, err)
	}
	f.WorkflowRef = main.String
	f.LaunchWorkflowRef = launch.String
	json.Unmarshal(fields, &f.Fields)
	return &f, nil
}

func (s *PostgresStore) ListForms(ctx context.Context) ([]Form, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, workflow_ref, launch_workflow_ref,
		       fields, organization_id, path, is_active
		FROM forms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Form
	for rows.Next() {
		var f Form
		var main, launch sql.NullString
		var fields []byte
		if err := rows.Scan(&f.ID, &f.Name, &f.Description, &main, &launch,
			&fields, &f.OrganizationID, &f.Path, &f.IsActive); err != nil {
			return nil, err
		}
		f.WorkflowRef = main.String
		f.LaunchWorkflowRef = launch.String
		json.Unmarshal(fields, &f.Fields)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertAgent(ctx context.Context, a *Agent) error {
	tools, _ := json.Marshal(a.ToolRefs)
	delegates, _ := json.Marshal(a.DelegatedAgentRefs)
	channels, _ := json.Marshal(a.Channels)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, system_prompt, tool_refs,
		                    delegated_agent_refs, channels, organization_id,
		                    path, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			system_prompt = EXCLUDED.system_prompt,
			tool_refs = EXCLUDED.tool_refs,
			delegated_agent_refs = EXCLUDED.delegated_agent_refs,
			channels = EXCLUDED.channels,
			organization_id = EXCLUDED.organization_id,
			path = EXCLUDED.path,
			is_active = EXCLUDED.is_active`,
		a.ID, a.Name, a.SystemPrompt, tools, delegates, channels,
		a.OrganizationID, a.Path, a.IsActive)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var tools, delegates, channels []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, system_prompt, tool_refs, delegated_agent_refs,
		       channels, organization_id, path, is_active
		FROM agents WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.SystemPrompt, &tools, &delegates,
			&channels, &a.OrganizationID, &a.Path, &a.IsActive)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	json.Unmarshal(tools, &a.ToolRefs)
	json.Unmarshal(delegates, &a.DelegatedAgentRefs)
	json.Unmarshal(channels, &a.Channels)
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, system_prompt, tool_refs, delegated_agent_refs,
		       channels, organization_id, path, is_active
		FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		var tools, delegates, channels []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.SystemPrompt, &tools,
			&delegates, &channels, &a.OrganizationID, &a.Path, &a.IsActive); err != nil {
			return nil, err
		}
		json.Unmarshal(tools, &a.ToolRefs)
		json.Unmarshal(delegates, &a.DelegatedAgentRefs)
		json.Unmarshal(channels, &a.Channels)
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
