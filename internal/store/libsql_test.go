package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/testpilot/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedProject(t *testing.T, s *LibSQLStore) *Project {
	t.Helper()
	p := &Project{
		ID:   uuid.New().String(),
		Name: "payments",
	}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func seedFlow(t *testing.T, s *LibSQLStore, projectID string) *TestFlow {
	t.Helper()
	flow := &TestFlow{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      "login-flow",
		Definition: schema.FlowDefinition{
			Name: "login-flow",
			Steps: []schema.FlowStep{
				{StoreResponseAs: "login", Method: "POST", URL: "{{env:host}}/login"},
			},
		},
	}
	require.NoError(t, s.CreateFlow(context.Background(), flow))
	return flow
}

// --- Project Tests ---

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Project{
		ID:          uuid.New().String(),
		Name:        "orders",
		Description: "order service tests",
	}
	require.NoError(t, s.CreateProject(ctx, p))

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "orders", got.Name)
	assert.Equal(t, "order service tests", got.Description)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProject(context.Background(), "missing")
	require.Error(t, err)
	tpErr, ok := err.(*schema.TestPilotError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, tpErr.Code)
}

func TestListProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedProject(t, s)
	seedProject(t, s)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s)
	flow := seedFlow(t, s, p.ID)

	require.NoError(t, s.DeleteProject(ctx, p.ID))

	_, err := s.GetFlow(ctx, flow.ID)
	require.Error(t, err)

	err = s.DeleteProject(ctx, p.ID)
	require.Error(t, err, "second delete should report not found")
}

// --- API and Endpoint Tests ---

func TestAPIsAndEndpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	api := &API{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Name:      "auth-service",
		BaseURL:   "https://auth.example.com",
	}
	require.NoError(t, s.CreateAPI(ctx, api))

	got, err := s.GetAPI(ctx, api.ID)
	require.NoError(t, err)
	assert.Equal(t, "auth-service", got.Name)
	assert.Equal(t, "https://auth.example.com", got.BaseURL)

	ep := &APIEndpoint{
		ID:     uuid.New().String(),
		APIID:  api.ID,
		Method: "POST",
		Path:   "/login",
	}
	require.NoError(t, s.CreateEndpoint(ctx, ep))

	endpoints, err := s.ListEndpoints(ctx, api.ID)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "/login", endpoints[0].Path)

	apis, err := s.ListAPIs(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, apis, 1)

	require.NoError(t, s.DeleteAPI(ctx, api.ID))
	endpoints, err = s.ListEndpoints(ctx, api.ID)
	require.NoError(t, err)
	assert.Empty(t, endpoints, "endpoints cascade with their api")
}

// --- Flow Tests ---

func TestFlowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	flow := seedFlow(t, s, p.ID)

	got, err := s.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "login-flow", got.Name)
	require.Len(t, got.Definition.Steps, 1)
	assert.Equal(t, "login", got.Definition.Steps[0].StoreResponseAs)
	assert.Equal(t, "{{env:host}}/login", got.Definition.Steps[0].URL)
}

func TestUpdateFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	flow := seedFlow(t, s, p.ID)

	flow.Name = "login-flow-v2"
	flow.Definition.Steps = append(flow.Definition.Steps, schema.FlowStep{
		StoreResponseAs: "profile",
		URL:             "{{env:host}}/me",
	})
	require.NoError(t, s.UpdateFlow(ctx, flow))

	got, err := s.GetFlow(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "login-flow-v2", got.Name)
	assert.Len(t, got.Definition.Steps, 2)
}

func TestUpdateFlowNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateFlow(context.Background(), &TestFlow{ID: "missing", Name: "x"})
	require.Error(t, err)
}

func TestListFlows(t *testing.T) {
	s := newTestStore(t)
	p := seedProject(t, s)
	seedFlow(t, s, p.ID)
	seedFlow(t, s, p.ID)

	flows, err := s.ListFlows(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, flows, 2)
}

// --- Environment Tests ---

func TestEnvironmentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)

	env := &Environment{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Name:      "payments-env",
		Definition: schema.Environment{
			Name:      "payments-env",
			Variables: map[string]any{"host": "localhost"},
			SubEnvironments: []schema.SubEnvironment{
				{Name: "staging", Host: "staging.example.com"},
			},
		},
	}
	require.NoError(t, s.CreateEnvironment(ctx, env))

	got, err := s.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, "payments-env", got.Name)
	assert.Equal(t, "localhost", got.Definition.Variables["host"])
	require.Len(t, got.Definition.SubEnvironments, 1)
	assert.Equal(t, "staging", got.Definition.SubEnvironments[0].Name)

	envs, err := s.ListEnvironments(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, envs, 1)

	require.NoError(t, s.DeleteEnvironment(ctx, env.ID))
	_, err = s.GetEnvironment(ctx, env.ID)
	require.Error(t, err)
}

// --- Flow Run Tests ---

func TestFlowRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	flow := seedFlow(t, s, p.ID)

	completed := time.Now().UTC().Truncate(time.Second)
	run := &FlowRun{
		ID:          uuid.New().String(),
		FlowID:      flow.ID,
		SubEnv:      "staging",
		Status:      schema.RunStatusPassed,
		Result:      json.RawMessage(`{"steps":[{"alias":"login","status":"passed"}]}`),
		StartedAt:   completed.Add(-2 * time.Second),
		CompletedAt: &completed,
		DurationMs:  2000,
	}
	require.NoError(t, s.CreateFlowRun(ctx, run))

	got, err := s.GetFlowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusPassed, got.Status)
	assert.Equal(t, "staging", got.SubEnv)
	assert.JSONEq(t, string(run.Result), string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, int64(2000), got.DurationMs)
}

func TestListFlowRunsFiltered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s)
	flow := seedFlow(t, s, p.ID)
	other := seedFlow(t, s, p.ID)

	for i, status := range []schema.FlowRunStatus{schema.RunStatusPassed, schema.RunStatusFailed, schema.RunStatusPassed} {
		run := &FlowRun{
			ID:        uuid.New().String(),
			FlowID:    flow.ID,
			Status:    status,
			StartedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateFlowRun(ctx, run))
	}
	require.NoError(t, s.CreateFlowRun(ctx, &FlowRun{
		ID: uuid.New().String(), FlowID: other.ID, Status: schema.RunStatusError, StartedAt: time.Now().UTC(),
	}))

	byFlow, err := s.ListFlowRuns(ctx, FlowRunFilter{FlowID: flow.ID})
	require.NoError(t, err)
	assert.Len(t, byFlow, 3)

	passed := schema.RunStatusPassed
	byStatus, err := s.ListFlowRuns(ctx, FlowRunFilter{FlowID: flow.ID, Status: &passed})
	require.NoError(t, err)
	assert.Len(t, byStatus, 2)

	limited, err := s.ListFlowRuns(ctx, FlowRunFilter{FlowID: flow.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
