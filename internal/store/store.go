package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	DeleteProject(ctx context.Context, id string) error

	// APIs
	CreateAPI(ctx context.Context, api *API) error
	GetAPI(ctx context.Context, id string) (*API, error)
	ListAPIs(ctx context.Context, projectID string) ([]*API, error)
	DeleteAPI(ctx context.Context, id string) error

	// API Endpoints
	CreateEndpoint(ctx context.Context, ep *APIEndpoint) error
	ListEndpoints(ctx context.Context, apiID string) ([]*APIEndpoint, error)
	DeleteEndpoint(ctx context.Context, id string) error

	// Test Flows
	CreateFlow(ctx context.Context, flow *TestFlow) error
	GetFlow(ctx context.Context, id string) (*TestFlow, error)
	UpdateFlow(ctx context.Context, flow *TestFlow) error
	ListFlows(ctx context.Context, projectID string) ([]*TestFlow, error)
	DeleteFlow(ctx context.Context, id string) error

	// Environments
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]*Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error

	// Flow Runs
	CreateFlowRun(ctx context.Context, run *FlowRun) error
	GetFlowRun(ctx context.Context, id string) (*FlowRun, error)
	ListFlowRuns(ctx context.Context, filter FlowRunFilter) ([]*FlowRun, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
