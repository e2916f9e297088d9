package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/testpilot/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Projects ---

func (s *LibSQLStore) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullStr(p.Description), timeOrNow(p.CreatedAt), timeOrNow(p.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	return p, nil
}

func (s *LibSQLStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Description = description.String
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *LibSQLStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "project", id)
}

// --- APIs ---

func (s *LibSQLStore) CreateAPI(ctx context.Context, api *API) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO apis (id, project_id, name, base_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		api.ID, api.ProjectID, api.Name, nullStr(api.BaseURL), timeOrNow(api.CreatedAt), timeOrNow(api.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAPI(ctx context.Context, id string) (*API, error) {
	api := &API{}
	var baseURL sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, base_url, created_at, updated_at FROM apis WHERE id = ?`, id,
	).Scan(&api.ID, &api.ProjectID, &api.Name, &baseURL, &api.CreatedAt, &api.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("api", id)
	}
	if err != nil {
		return nil, err
	}
	api.BaseURL = baseURL.String
	return api, nil
}

func (s *LibSQLStore) ListAPIs(ctx context.Context, projectID string) ([]*API, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, base_url, created_at, updated_at FROM apis WHERE project_id = ? ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apis []*API
	for rows.Next() {
		api := &API{}
		var baseURL sql.NullString
		if err := rows.Scan(&api.ID, &api.ProjectID, &api.Name, &baseURL, &api.CreatedAt, &api.UpdatedAt); err != nil {
			return nil, err
		}
		api.BaseURL = baseURL.String
		apis = append(apis, api)
	}
	return apis, rows.Err()
}

func (s *LibSQLStore) DeleteAPI(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM apis WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "api", id)
}

// --- API Endpoints ---

func (s *LibSQLStore) CreateEndpoint(ctx context.Context, ep *APIEndpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_endpoints (id, api_id, method, path, description, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.APIID, ep.Method, ep.Path, nullStr(ep.Description), timeOrNow(ep.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListEndpoints(ctx context.Context, apiID string) ([]*APIEndpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_id, method, path, description, created_at FROM api_endpoints WHERE api_id = ? ORDER BY path, method`,
		apiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []*APIEndpoint
	for rows.Next() {
		ep := &APIEndpoint{}
		var description sql.NullString
		if err := rows.Scan(&ep.ID, &ep.APIID, &ep.Method, &ep.Path, &description, &ep.CreatedAt); err != nil {
			return nil, err
		}
		ep.Description = description.String
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

func (s *LibSQLStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_endpoints WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "endpoint", id)
}

// --- Test Flows ---

func (s *LibSQLStore) CreateFlow(ctx context.Context, flow *TestFlow) error {
	def, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO test_flows (id, project_id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		flow.ID, flow.ProjectID, flow.Name, string(def), timeOrNow(flow.CreatedAt), timeOrNow(flow.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*TestFlow, error) {
	flow := &TestFlow{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, definition, created_at, updated_at FROM test_flows WHERE id = ?`, id,
	).Scan(&flow.ID, &flow.ProjectID, &flow.Name, &defJSON, &flow.CreatedAt, &flow.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &flow.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return flow, nil
}

func (s *LibSQLStore) UpdateFlow(ctx context.Context, flow *TestFlow) error {
	def, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_flows SET name = ?, definition = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		flow.Name, string(def), flow.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", flow.ID)
}

func (s *LibSQLStore) ListFlows(ctx context.Context, projectID string) ([]*TestFlow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, definition, created_at, updated_at FROM test_flows WHERE project_id = ? ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*TestFlow
	for rows.Next() {
		flow := &TestFlow{}
		var defJSON string
		if err := rows.Scan(&flow.ID, &flow.ProjectID, &flow.Name, &defJSON, &flow.CreatedAt, &flow.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &flow.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM test_flows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

// --- Environments ---

func (s *LibSQLStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	def, err := json.Marshal(env.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO environments (id, project_id, name, definition, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		env.ID, env.ProjectID, env.Name, string(def), timeOrNow(env.CreatedAt), timeOrNow(env.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	env := &Environment{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, definition, created_at, updated_at FROM environments WHERE id = ?`, id,
	).Scan(&env.ID, &env.ProjectID, &env.Name, &defJSON, &env.CreatedAt, &env.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("environment", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &env.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return env, nil
}

func (s *LibSQLStore) ListEnvironments(ctx context.Context, projectID string) ([]*Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, definition, created_at, updated_at FROM environments WHERE project_id = ? ORDER BY created_at`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*Environment
	for rows.Next() {
		env := &Environment{}
		var defJSON string
		if err := rows.Scan(&env.ID, &env.ProjectID, &env.Name, &defJSON, &env.CreatedAt, &env.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &env.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func (s *LibSQLStore) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "environment", id)
}

// --- Flow Runs ---

func (s *LibSQLStore) CreateFlowRun(ctx context.Context, run *FlowRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_runs (id, flow_id, sub_env, status, result, error, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, nullStr(run.SubEnv), string(run.Status), nullRaw(run.Result), nullStr(run.Error),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt), run.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetFlowRun(ctx context.Context, id string) (*FlowRun, error) {
	run := &FlowRun{}
	var (
		subEnv, result, errMsg sql.NullString
		completedAt            sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, sub_env, status, result, error, started_at, completed_at, duration_ms
		 FROM flow_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.FlowID, &subEnv, &status, &result, &errMsg, &run.StartedAt, &completedAt, &run.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.SubEnv = subEnv.String
	run.Status = schema.FlowRunStatus(status)
	run.Result = rawOrNil(result)
	run.Error = errMsg.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) ListFlowRuns(ctx context.Context, filter FlowRunFilter) ([]*FlowRun, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, flow_id, sub_env, status, result, error, started_at, completed_at, duration_ms FROM flow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*FlowRun
	for rows.Next() {
		run := &FlowRun{}
		var (
			subEnv, result, errMsg sql.NullString
			completedAt            sql.NullTime
			status                 string
		)
		if err := rows.Scan(&run.ID, &run.FlowID, &subEnv, &status, &result, &errMsg,
			&run.StartedAt, &completedAt, &run.DurationMs); err != nil {
			return nil, err
		}
		run.SubEnv = subEnv.String
		run.Status = schema.FlowRunStatus(status)
		run.Result = rawOrNil(result)
		run.Error = errMsg.String
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.TestPilotError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
