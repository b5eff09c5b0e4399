// Package entity owns the normalized entity tier: registered executable
// units (workflows, tools, data providers), forms and agents. Entities
// keep a stable id across renames and content edits; the upsert identity
// key is (path, function_symbol).
package entity

import (
	"time"

	"github.com/bifrost/backend/internal/inspect"
)

// Entity is a registered executable unit.
type Entity struct {
	ID               string              `json:"id"`
	OrgID            string              `json:"org_id"`
	Name             string              `json:"name"`
	FunctionSymbol   string              `json:"function_symbol"`
	Path             string              `json:"path"`
	Kind             string              `json:"kind"` // workflow | tool | data_provider
	Description      string              `json:"description,omitempty"`
	Category         string              `json:"category,omitempty"`
	Tags             []string            `json:"tags,omitempty"`
	ParametersSchema []inspect.Parameter `json:"parameters_schema,omitempty"`
	EndpointEnabled  bool                `json:"endpoint_enabled"`
	AllowedMethods   []string            `json:"allowed_methods,omitempty"`
	ExecutionMode    string              `json:"execution_mode"` // sync | async
	IsTool           bool                `json:"is_tool"`
	ToolDescription  string              `json:"tool_description,omitempty"`
	TimeoutSeconds   int                 `json:"timeout_seconds"`
	TimeSaved        float64             `json:"time_saved,omitempty"`
	Value            float64             `json:"value,omitempty"`
	CacheTTLSeconds  int                 `json:"cache_ttl_seconds"`
	IsActive         bool                `json:"is_active"`
	IsOrphaned       bool                `json:"is_orphaned"`
	LastSeenAt       time.Time           `json:"last_seen_at"`
}

// FormField is one input of a form; fields may pull their options from a
// data-provider entity.
type FormField struct {
	Name            string   `yaml:"name" json:"name"`
	Type            string   `yaml:"type" json:"type"`
	Label           string   `yaml:"label,omitempty" json:"label,omitempty"`
	Required        bool     `yaml:"required,omitempty" json:"required,omitempty"`
	DataProviderRef string   `yaml:"data_provider_id,omitempty" json:"data_provider_ref,omitempty"`
	Options         []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// Form is a YAML-backed entity; one file, one record, keyed by the UUID
// embedded in the filename.
type Form struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	WorkflowRef       string      `json:"workflow_ref,omitempty"`
	LaunchWorkflowRef string      `json:"launch_workflow_ref,omitempty"`
	Fields            []FormField `json:"fields,omitempty"`
	OrganizationID    string      `json:"organization_id"`
	Path              string      `json:"path"`
	IsActive          bool        `json:"is_active"`
}

// Agent is a YAML-backed conversational entity referencing workflows as
// tools and other agents as delegates. References are by id, resolved
// on demand; ownership stays with the declaring artifact.
type Agent struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	SystemPrompt       string   `json:"system_prompt,omitempty"`
	ToolRefs           []string `json:"tool_refs,omitempty"`
	DelegatedAgentRefs []string `json:"delegated_agent_refs,omitempty"`
	Channels           []string `json:"channels,omitempty"`
	OrganizationID     string   `json:"organization_id"`
	Path               string   `json:"path"`
	IsActive           bool     `json:"is_active"`
}

// Referent describes one record that references a workflow entity. Used
// by the deactivation guard to show what a write would break.
type Referent struct {
	EntityType string `json:"entity_type"` // form | agent
	ID         string `json:"id"`
	Name       string `json:"name"`
	Relation   string `json:"relation"` // main | launch | data_provider | tool
}
