package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/testpilot/pkg/schema"
)

// Project groups the APIs, flows, and environments of one system under test.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// API is one service surface registered within a project.
type API struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIEndpoint is a single route of an API, kept as reference material for
// flow authoring.
type APIEndpoint struct {
	ID          string    `json:"id"`
	APIID       string    `json:"api_id"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TestFlow is a persisted flow definition.
type TestFlow struct {
	ID         string                `json:"id"`
	ProjectID  string                `json:"project_id"`
	Name       string                `json:"name"`
	Definition schema.FlowDefinition `json:"definition"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Environment is a persisted environment definition.
type Environment struct {
	ID         string             `json:"id"`
	ProjectID  string             `json:"project_id"`
	Name       string             `json:"name"`
	Definition schema.Environment `json:"definition"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// FlowRun is the recorded outcome of one flow execution.
type FlowRun struct {
	ID          string               `json:"id"`
	FlowID      string               `json:"flow_id"`
	SubEnv      string               `json:"sub_env,omitempty"`
	Status      schema.FlowRunStatus `json:"status"`
	Result      json.RawMessage      `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	DurationMs  int64                `json:"duration_ms,omitempty"`
}

// FlowRunFilter narrows ListFlowRuns results.
type FlowRunFilter struct {
	FlowID string
	Status *schema.FlowRunStatus
	Limit  int
}
